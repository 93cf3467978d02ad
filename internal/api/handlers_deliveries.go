package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hookbridge/hookbridge/internal/models"
	"github.com/hookbridge/hookbridge/internal/storage"
)

type DeliveryHandler struct {
	store storage.Store
}

func NewDeliveryHandler(store storage.Store) *DeliveryHandler {
	return &DeliveryHandler{store: store}
}

// List supports filtering by webhook, status, error kind and time range:
// GET /deliveries?webhook_id=wh_x&status=abandoned&error_kind=timeout&from=...&to=...
func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	f := storage.DeliveryFilter{
		AppID:     app.ID,
		WebhookID: q.Get("webhook_id"),
		Status:    models.DeliveryStatus(q.Get("status")),
		ErrorKind: models.ErrorKind(q.Get("error_kind")),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = t
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// getOwned loads the delivery from the route and checks, through its
// webhook, that it belongs to the authenticated application. Writes the
// error response itself and returns nil when the caller should stop.
func (h *DeliveryHandler) getOwned(w http.ResponseWriter, r *http.Request) *models.Delivery {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	d, err := h.store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return nil
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "delivery not found")
		return nil
	}
	wh, err := h.store.GetWebhook(r.Context(), d.WebhookID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return nil
	}
	if wh == nil || wh.AppID != app.ID {
		writeError(w, http.StatusNotFound, "delivery not found")
		return nil
	}
	return d
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	d := h.getOwned(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	d := h.getOwned(w, r)
	if d == nil {
		return
	}

	attempts, err := h.store.GetAttemptsByDelivery(r.Context(), d.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
