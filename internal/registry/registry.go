package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/config"
	"github.com/hookbridge/hookbridge/internal/delivery"
	"github.com/hookbridge/hookbridge/internal/matcher"
	"github.com/hookbridge/hookbridge/internal/models"
)

// Store is the slice of storage the registry needs.
type Store interface {
	CreateWebhook(ctx context.Context, wh *models.Webhook) error
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	UpdateWebhook(ctx context.Context, wh *models.Webhook) error
}

// FieldError pins a validation failure to the field that caused it.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field failure found in one pass, not just
// the first, so a caller can fix the whole registration at once.
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid webhook: " + strings.Join(parts, "; ")
}

// TestResult is the outcome of a one-off connectivity probe.
type TestResult struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// Registry owns webhook registration: validation, defaulting and the
// connectivity probe. Deliveries never pass through here.
type Registry struct {
	store      Store
	exec       *delivery.Executor
	knownTypes map[string]bool
	defaults   config.DeliveryConfig
	log        zerolog.Logger
}

func New(store Store, exec *delivery.Executor, cfg *config.Config, log zerolog.Logger) *Registry {
	known := make(map[string]bool, len(cfg.Events.KnownTypes))
	for _, t := range cfg.Events.KnownTypes {
		known[t] = true
	}
	return &Registry{
		store:      store,
		exec:       exec,
		knownTypes: known,
		defaults:   cfg.Delivery,
		log:        log,
	}
}

// Register validates the webhook, fills defaults and persists it. The
// returned webhook carries the generated ID and secret.
func (r *Registry) Register(ctx context.Context, wh *models.Webhook) (*models.Webhook, error) {
	if errs := r.validate(wh); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	now := time.Now().UTC()
	wh.ID = models.NewID("wh")
	wh.Active = true
	wh.CreatedAt = now
	wh.UpdatedAt = now
	r.applyDefaults(wh)

	if err := r.store.CreateWebhook(ctx, wh); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	r.log.Info().
		Str("webhook_id", wh.ID).
		Str("name", wh.Name).
		Str("url", wh.URL).
		Strs("events", wh.Events).
		Msg("webhook registered")
	return wh, nil
}

// Update merges the supplied fields of the patch onto the stored webhook
// and validates the result. Omitted fields keep their current values; ID,
// owner, active flag, secret and creation time never come from the patch.
func (r *Registry) Update(ctx context.Context, id string, patch *models.Webhook) (*models.Webhook, error) {
	existing, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	merged := *existing
	mergePatch(&merged, patch)
	if errs := r.validate(&merged); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	merged.UpdatedAt = time.Now().UTC()
	r.applyDefaults(&merged)

	if err := r.store.UpdateWebhook(ctx, &merged); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}

	r.log.Info().Str("webhook_id", merged.ID).Msg("webhook updated")
	return &merged, nil
}

// mergePatch copies the patch's supplied fields onto dst. A zero value
// means the field was not supplied.
func mergePatch(dst, patch *models.Webhook) {
	if patch.Name != "" {
		dst.Name = patch.Name
	}
	if patch.URL != "" {
		dst.URL = patch.URL
	}
	if patch.Description != "" {
		dst.Description = patch.Description
	}
	if len(patch.Events) > 0 {
		dst.Events = patch.Events
	}
	if patch.AuthMode != "" {
		dst.AuthMode = patch.AuthMode
	}
	if patch.Secret != "" {
		dst.Secret = patch.Secret
	}
	if patch.AuthToken != "" {
		dst.AuthToken = patch.AuthToken
	}
	if patch.OAuth.TokenURL != "" || patch.OAuth.ClientID != "" ||
		patch.OAuth.ClientSecret != "" || len(patch.OAuth.Scopes) > 0 {
		dst.OAuth = patch.OAuth
	}
	if patch.Headers != nil {
		dst.Headers = patch.Headers
	}
	if patch.Timeout != 0 {
		dst.Timeout = patch.Timeout
	}
	if patch.Retry != (models.RetryPolicy{}) {
		dst.Retry = patch.Retry
	}
	if patch.RateLimit != (models.RateLimit{}) {
		dst.RateLimit = patch.RateLimit
	}
	if patch.Priority != 0 {
		dst.Priority = patch.Priority
	}
	if patch.FilterExpr != "" {
		dst.FilterExpr = patch.FilterExpr
	}
}

// TestConnectivity fires a single signed probe at the webhook URL, outside
// the delivery pipeline. No delivery or attempt rows are written and no
// retry follows.
func (r *Registry) TestConnectivity(ctx context.Context, id string) (*TestResult, error) {
	wh, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if wh == nil {
		return nil, nil
	}

	ev := &models.Event{
		ID:        models.NewID("evt"),
		Type:      "connection.test",
		Payload:   json.RawMessage(`{"test":true}`),
		CreatedAt: time.Now().UTC(),
	}
	out := r.exec.Attempt(ctx, wh, ev, models.NewID("dlv"), 1)

	res := &TestResult{
		Success:        out.Class == delivery.ClassSuccess,
		StatusCode:     out.StatusCode,
		ResponseTimeMs: out.LatencyMs,
	}
	if !res.Success {
		res.Error = out.Error
	}
	r.log.Info().
		Str("webhook_id", id).
		Bool("success", res.Success).
		Int("status_code", res.StatusCode).
		Int64("duration", res.ResponseTimeMs).
		Msg("connectivity test completed")
	return res, nil
}

func (r *Registry) validate(wh *models.Webhook) []FieldError {
	var errs []FieldError

	if strings.TrimSpace(wh.Name) == "" {
		errs = append(errs, FieldError{"name", "name is required"})
	}

	switch u, err := url.Parse(wh.URL); {
	case wh.URL == "":
		errs = append(errs, FieldError{"url", "url is required"})
	case err != nil:
		errs = append(errs, FieldError{"url", "url is not valid"})
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, FieldError{"url", "url scheme must be http or https"})
	case u.Host == "":
		errs = append(errs, FieldError{"url", "url must be absolute"})
	}

	if len(wh.Events) == 0 {
		errs = append(errs, FieldError{"events", "at least one event type is required"})
	}
	for _, e := range wh.Events {
		if !r.validEventPattern(e) {
			errs = append(errs, FieldError{"events", fmt.Sprintf("unknown event type %q", e)})
		}
	}

	if wh.AuthMode != "" && !wh.AuthMode.Valid() {
		errs = append(errs, FieldError{"auth_mode", fmt.Sprintf("unknown auth mode %q", wh.AuthMode)})
	}
	switch wh.AuthMode {
	case models.AuthBearer:
		if wh.AuthToken == "" {
			errs = append(errs, FieldError{"auth_token", "bearer auth requires a token"})
		}
	case models.AuthOAuth2:
		if wh.OAuth.TokenURL == "" || wh.OAuth.ClientID == "" {
			errs = append(errs, FieldError{"oauth", "oauth2 auth requires token_url and client_id"})
		}
	}

	if wh.Retry.MaxRetries < 0 {
		errs = append(errs, FieldError{"retry.max_retries", "must not be negative"})
	}
	if wh.Retry.InitialDelay < 0 {
		errs = append(errs, FieldError{"retry.initial_delay", "must not be negative"})
	}
	if wh.Retry.BackoffMultiplier < 0 {
		errs = append(errs, FieldError{"retry.backoff_multiplier", "must not be negative"})
	}
	if wh.Retry.MaxDelay < 0 {
		errs = append(errs, FieldError{"retry.max_delay", "must not be negative"})
	}
	if wh.RateLimit.PerHour < 0 || wh.RateLimit.PerDay < 0 {
		errs = append(errs, FieldError{"rate_limit", "limits must not be negative"})
	}
	if wh.Timeout < 0 {
		errs = append(errs, FieldError{"timeout", "must not be negative"})
	}
	if wh.Priority < 0 {
		errs = append(errs, FieldError{"priority", "must not be negative"})
	}

	if wh.FilterExpr != "" {
		if err := matcher.Compile(wh.FilterExpr); err != nil {
			errs = append(errs, FieldError{"filter", fmt.Sprintf("filter does not compile: %v", err)})
		}
	}

	return errs
}

// validEventPattern accepts known event types, the global wildcard and
// prefix wildcards like "document.*".
func (r *Registry) validEventPattern(pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return prefix != ""
	}
	return r.knownTypes[pattern]
}

func (r *Registry) applyDefaults(wh *models.Webhook) {
	if wh.AuthMode == "" {
		wh.AuthMode = models.AuthNone
	}
	if wh.Secret == "" {
		wh.Secret = models.NewSecret()
	}
	if wh.Retry.MaxRetries == 0 && wh.Retry.InitialDelay == 0 {
		wh.Retry.MaxRetries = r.defaults.MaxRetries
	}
	if wh.Retry.InitialDelay == 0 {
		wh.Retry.InitialDelay = r.defaults.InitialDelay
	}
	if wh.Retry.BackoffMultiplier == 0 {
		wh.Retry.BackoffMultiplier = r.defaults.BackoffMultiplier
	}
	if wh.Retry.MaxDelay == 0 {
		wh.Retry.MaxDelay = r.defaults.MaxDelay
	}
	if wh.Timeout == 0 {
		wh.Timeout = r.defaults.Timeout
	}
}
