package storage

import (
	"context"
	"time"

	"github.com/hookbridge/hookbridge/internal/models"
)

// Store is the persistence boundary for every component. Missing rows are
// reported as (nil, nil), not errors.
type Store interface {
	// Applications
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	GetApplicationByAPIKey(ctx context.Context, apiKey string) (*models.Application, error)
	ListApplications(ctx context.Context) ([]models.Application, error)
	DeleteApplication(ctx context.Context, id string) error
	UpdateApplicationAPIKey(ctx context.Context, id, newKey string) error

	// Webhooks
	CreateWebhook(ctx context.Context, wh *models.Webhook) error
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, appID string) ([]models.Webhook, error)
	// ListActiveWebhooks returns active webhooks for an app ordered by
	// priority descending, then creation time ascending.
	ListActiveWebhooks(ctx context.Context, appID string) ([]models.Webhook, error)
	// ListAllActiveWebhooks spans every application; the monitor scan uses it.
	ListAllActiveWebhooks(ctx context.Context) ([]models.Webhook, error)
	UpdateWebhook(ctx context.Context, wh *models.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	ToggleWebhook(ctx context.Context, id string, active bool) error

	// Events
	CreateEvent(ctx context.Context, ev *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEvents(ctx context.Context, appID string, limit, offset int) ([]models.Event, error)

	// Deliveries
	// CreateDelivery inserts the delivery unless one already exists for the
	// same (webhook, event) pair; it reports whether a row was created.
	CreateDelivery(ctx context.Context, d *models.Delivery) (bool, error)
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	GetDeliveryByWebhookEvent(ctx context.Context, webhookID, eventID string) (*models.Delivery, error)
	GetDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.Delivery, error)
	// ClaimDueDeliveries atomically moves due deliveries (pending, or
	// retrying with next_retry_at <= now) into attempting and returns the
	// claimed rows, pending first, then by next_retry_at ascending.
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	// ReleaseDelivery moves an attempting delivery back to retrying without
	// touching its attempt count (rate-limit deferral, shutdown).
	ReleaseDelivery(ctx context.Context, id string, nextRetryAt time.Time) error

	// Attempts (append-only)
	CreateAttempt(ctx context.Context, a *models.Attempt) error
	GetAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.Attempt, error)

	// Alerts
	CreateAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, webhookID string, limit int) ([]models.Alert, error)

	// Monitoring aggregates
	DeliveryMetrics(ctx context.Context, webhookID string, since time.Time) (*Metrics, error)
	// ConsecutiveAbandoned counts how many of the webhook's most recent
	// terminal deliveries are abandoned, stopping at the first success.
	ConsecutiveAbandoned(ctx context.Context, webhookID string) (int, error)
	GetStats(ctx context.Context, appID string) (*Stats, error)

	// Retention
	// PurgeExpired deletes events older than eventTTL whose deliveries are
	// all terminal (cascading their deliveries), and attempt rows older
	// than attemptTTL. A zero TTL disables that scope. Returns deleted
	// event and attempt counts.
	PurgeExpired(ctx context.Context, now time.Time, eventTTL, attemptTTL time.Duration) (int64, int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// DeliveryFilter narrows ListDeliveries. Zero values mean "no filter".
type DeliveryFilter struct {
	AppID     string
	WebhookID string
	Status    models.DeliveryStatus
	ErrorKind models.ErrorKind
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Metrics aggregates a webhook's attempts over a period.
type Metrics struct {
	WebhookID     string           `json:"webhook_id"`
	Since         time.Time        `json:"since"`
	TotalAttempts int64            `json:"total_attempts"`
	SuccessCount  int64            `json:"success_count"`
	FailureCount  int64            `json:"failure_count"`
	SuccessRate   float64          `json:"success_rate"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	P95LatencyMs  int64            `json:"p95_latency_ms"`
	ErrorCodes    map[string]int64 `json:"error_codes"`
}

type Stats struct {
	TotalEvents     int64   `json:"total_events"`
	TotalDeliveries int64   `json:"total_deliveries"`
	SuccessCount    int64   `json:"success_count"`
	AbandonedCount  int64   `json:"abandoned_count"`
	InFlightCount   int64   `json:"in_flight_count"`
	SuccessRate     float64 `json:"success_rate"`
	TotalWebhooks   int64   `json:"total_webhooks"`
	ActiveWebhooks  int64   `json:"active_webhooks"`
}
