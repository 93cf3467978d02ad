package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hookbridge/hookbridge/internal/models"
	"github.com/hookbridge/hookbridge/internal/monitor"
	"github.com/hookbridge/hookbridge/internal/registry"
	"github.com/hookbridge/hookbridge/internal/storage"
)

type WebhookHandler struct {
	store    storage.Store
	registry *registry.Registry
	monitor  *monitor.Monitor
}

func NewWebhookHandler(store storage.Store, reg *registry.Registry, mon *monitor.Monitor) *WebhookHandler {
	return &WebhookHandler{store: store, registry: reg, monitor: mon}
}

type retryRequest struct {
	MaxRetries        int     `json:"max_retries"`
	InitialDelayMs    int64   `json:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMs        int64   `json:"max_delay_ms"`
}

type webhookRequest struct {
	Name        string             `json:"name"`
	URL         string             `json:"url"`
	Description string             `json:"description"`
	Events      []string           `json:"events"`
	AuthMode    string             `json:"auth_mode"`
	AuthToken   string             `json:"auth_token"`
	Secret      string             `json:"secret"`
	OAuth       models.OAuthConfig `json:"oauth"`
	Headers     map[string]string  `json:"headers"`
	TimeoutMs   int64              `json:"timeout_ms"`
	Retry       *retryRequest      `json:"retry"`
	RateLimit   models.RateLimit   `json:"rate_limit"`
	Priority    int                `json:"priority"`
	Filter      string             `json:"filter"`
}

func (req *webhookRequest) toModel(appID string) *models.Webhook {
	wh := &models.Webhook{
		AppID:       appID,
		Name:        req.Name,
		URL:         req.URL,
		Description: req.Description,
		Events:      req.Events,
		AuthMode:    models.AuthMode(req.AuthMode),
		AuthToken:   req.AuthToken,
		Secret:      req.Secret,
		OAuth:       req.OAuth,
		Headers:     req.Headers,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		RateLimit:   req.RateLimit,
		Priority:    req.Priority,
		FilterExpr:  req.Filter,
	}
	if req.Retry != nil {
		wh.Retry = models.RetryPolicy{
			MaxRetries:        req.Retry.MaxRetries,
			InitialDelay:      time.Duration(req.Retry.InitialDelayMs) * time.Millisecond,
			BackoffMultiplier: req.Retry.BackoffMultiplier,
			MaxDelay:          time.Duration(req.Retry.MaxDelayMs) * time.Millisecond,
		}
	}
	return wh
}

// sanitize strips credentials from a webhook before it leaves the API.
func sanitize(wh models.Webhook) models.Webhook {
	wh.Secret = ""
	wh.AuthToken = ""
	wh.OAuth.ClientSecret = ""
	return wh
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wh, err := h.registry.Register(r.Context(), req.toModel(app.ID))
	if err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, verr)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	// The signing secret is only shown once, on creation.
	writeJSON(w, http.StatusCreated, wh)
}

// getOwned loads the webhook from the route and enforces that it belongs
// to the authenticated application. A webhook owned by another tenant is
// indistinguishable from a missing one. Writes the error response itself
// and returns nil when the caller should stop.
func (h *WebhookHandler) getOwned(w http.ResponseWriter, r *http.Request) *models.Webhook {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	wh, err := h.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get webhook")
		return nil
	}
	if wh == nil || wh.AppID != app.ID {
		writeError(w, http.StatusNotFound, "webhook not found")
		return nil
	}
	return wh
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	wh := h.getOwned(w, r)
	if wh == nil {
		return
	}
	writeJSON(w, http.StatusOK, sanitize(*wh))
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	webhooks, err := h.store.ListWebhooks(r.Context(), app.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	out := make([]models.Webhook, 0, len(webhooks))
	for _, wh := range webhooks {
		out = append(out, sanitize(wh))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	owned := h.getOwned(w, r)
	if owned == nil {
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wh, err := h.registry.Update(r.Context(), owned.ID, req.toModel(owned.AppID))
	if err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, verr)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	if wh == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, sanitize(*wh))
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	wh := h.getOwned(w, r)
	if wh == nil {
		return
	}

	if err := h.store.DeleteWebhook(r.Context(), wh.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	wh := h.getOwned(w, r)
	if wh == nil {
		return
	}

	newActive := !wh.Active
	if err := h.store.ToggleWebhook(r.Context(), wh.ID, newActive); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle webhook")
		return
	}

	wh.Active = newActive
	writeJSON(w, http.StatusOK, sanitize(*wh))
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	wh := h.getOwned(w, r)
	if wh == nil {
		return
	}

	res, err := h.registry.TestConnectivity(r.Context(), wh.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to test webhook")
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *WebhookHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	wh := h.getOwned(w, r)
	if wh == nil {
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration like 1h or 30m")
			return
		}
		window = parsed
	}

	met, err := h.store.DeliveryMetrics(r.Context(), wh.ID, time.Now().UTC().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}
	writeJSON(w, http.StatusOK, met)
}

func (h *WebhookHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	wh := h.getOwned(w, r)
	if wh == nil {
		return
	}

	health, err := h.monitor.CheckHealth(r.Context(), wh.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check health")
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *WebhookHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	wh := h.getOwned(w, r)
	if wh == nil {
		return
	}

	alerts, err := h.store.ListAlerts(r.Context(), wh.ID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
