package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hookbridge/hookbridge/internal/engine"
	"github.com/hookbridge/hookbridge/internal/models"
	"github.com/hookbridge/hookbridge/internal/storage"
)

type EventHandler struct {
	store  storage.Store
	engine *engine.Engine
}

func NewEventHandler(store storage.Store, eng *engine.Engine) *EventHandler {
	return &EventHandler{store: store, engine: eng}
}

type publishEventRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const maxPayloadSize = 256 * 1024 // 256KB

// Publish accepts an event and schedules deliveries to every matching
// webhook. Delivery is asynchronous, so this returns 202, not 200.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, matched, err := h.engine.PublishEvent(r.Context(), app.ID, req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, engine.ErrEventTypeRequired) || errors.Is(err, engine.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to publish event")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event":   ev,
		"matched": matched,
	})
}

// getOwned loads the event from the route and enforces that it belongs to
// the authenticated application. Writes the error response itself and
// returns nil when the caller should stop.
func (h *EventHandler) getOwned(w http.ResponseWriter, r *http.Request) *models.Event {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	ev, err := h.store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return nil
	}
	if ev == nil || ev.AppID != app.ID {
		writeError(w, http.StatusNotFound, "event not found")
		return nil
	}
	return ev
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	ev := h.getOwned(w, r)
	if ev == nil {
		return
	}

	deliveries, err := h.store.GetDeliveriesByEvent(r.Context(), ev.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":      ev,
		"deliveries": deliveries,
	})
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	events, err := h.store.ListEvents(r.Context(), app.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Retry re-queues every abandoned delivery of the event with a fresh retry
// budget.
func (h *EventHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ev := h.getOwned(w, r)
	if ev == nil {
		return
	}

	requeued, err := h.engine.RetryEvent(r.Context(), ev.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retry event")
		return
	}
	if requeued < 0 {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requeued": requeued,
	})
}
