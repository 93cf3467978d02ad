package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/config"
	"github.com/hookbridge/hookbridge/internal/delivery"
	"github.com/hookbridge/hookbridge/internal/metrics"
	"github.com/hookbridge/hookbridge/internal/models"
	"github.com/hookbridge/hookbridge/internal/storage"
)

// Store is the slice of storage the monitor needs.
type Store interface {
	ListAllActiveWebhooks(ctx context.Context) ([]models.Webhook, error)
	DeliveryMetrics(ctx context.Context, webhookID string, since time.Time) (*storage.Metrics, error)
	ConsecutiveAbandoned(ctx context.Context, webhookID string) (int, error)
	CreateAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, webhookID string, limit int) ([]models.Alert, error)
}

// Health is the per-webhook health report served by the API.
type Health struct {
	WebhookID string           `json:"webhook_id"`
	Healthy   bool             `json:"healthy"`
	Degraded  []models.Alert   `json:"degraded,omitempty"`
	Metrics   *storage.Metrics `json:"metrics"`
}

// Monitor periodically scans recent delivery metrics per webhook and raises
// alerts when latency or success rate crosses its threshold. Consecutive
// abandoned deliveries escalate immediately, outside the scan cycle.
type Monitor struct {
	store   Store
	cfg     config.MonitoringConfig
	metrics metrics.Sink
	log     zerolog.Logger
	now     func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup

	// lastAlert debounces: one alert per (webhook, kind) per window.
	mu        sync.Mutex
	lastAlert map[string]time.Time
}

func New(store Store, cfg config.MonitoringConfig, sink metrics.Sink, log zerolog.Logger) *Monitor {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Monitor{
		store:     store,
		cfg:       cfg,
		metrics:   sink,
		log:       log,
		now:       time.Now,
		stop:      make(chan struct{}),
		lastAlert: make(map[string]time.Time),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	interval := m.cfg.ScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	m.log.Info().Dur("scan_interval", interval).Msg("starting webhook health monitor")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Scan(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Scan analyzes every active webhook once.
func (m *Monitor) Scan(ctx context.Context) {
	webhooks, err := m.store.ListAllActiveWebhooks(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("health scan failed to list webhooks")
		return
	}
	for _, wh := range webhooks {
		if err := m.AnalyzeTrend(ctx, wh.ID); err != nil {
			m.log.Error().Err(err).Str("webhook_id", wh.ID).Msg("health scan failed for webhook")
		}
	}
}

// AnalyzeTrend checks one webhook's recent window against the latency and
// success-rate thresholds and raises warning alerts for breaches. Windows
// with fewer than MinSamples attempts are skipped so a single slow call
// cannot trip an alert.
func (m *Monitor) AnalyzeTrend(ctx context.Context, webhookID string) error {
	met, err := m.store.DeliveryMetrics(ctx, webhookID, m.now().UTC().Add(-m.cfg.Window))
	if err != nil {
		return err
	}
	if met.TotalAttempts < int64(m.cfg.MinSamples) {
		return nil
	}

	if m.cfg.MaxAvgLatencyMs > 0 && met.AvgLatencyMs > m.cfg.MaxAvgLatencyMs {
		m.raise(ctx, &models.Alert{
			WebhookID:  webhookID,
			Kind:       models.AlertResponseTimeHigh,
			Escalation: models.EscalationWarning,
			Message: fmt.Sprintf("average response time %.0fms exceeds %.0fms over the last %s",
				met.AvgLatencyMs, m.cfg.MaxAvgLatencyMs, m.cfg.Window),
			Value:     met.AvgLatencyMs,
			Threshold: m.cfg.MaxAvgLatencyMs,
		})
	}

	if m.cfg.MinSuccessRate > 0 && met.SuccessRate < m.cfg.MinSuccessRate {
		m.raise(ctx, &models.Alert{
			WebhookID:  webhookID,
			Kind:       models.AlertSuccessRateLow,
			Escalation: models.EscalationWarning,
			Message: fmt.Sprintf("success rate %.1f%% below %.1f%% over the last %s",
				met.SuccessRate, m.cfg.MinSuccessRate, m.cfg.Window),
			Value:     met.SuccessRate,
			Threshold: m.cfg.MinSuccessRate,
		})
	}

	return nil
}

// HandleCriticalFailure runs when a delivery is abandoned. Reaching the
// consecutive-failure threshold escalates immediately rather than waiting
// for the next scan.
func (m *Monitor) HandleCriticalFailure(ctx context.Context, sig delivery.CriticalFailureSignal) {
	threshold := m.cfg.ConsecutiveFailures
	if threshold <= 0 {
		return
	}
	n, err := m.store.ConsecutiveAbandoned(ctx, sig.WebhookID)
	if err != nil {
		m.log.Error().Err(err).Str("webhook_id", sig.WebhookID).Msg("consecutive failure check failed")
		return
	}
	if n < threshold {
		return
	}
	m.raise(ctx, &models.Alert{
		WebhookID:  sig.WebhookID,
		Kind:       models.AlertConsecutiveFailures,
		Escalation: models.EscalationImmediate,
		Message: fmt.Sprintf("%d consecutive deliveries abandoned, last error: %s",
			n, sig.LastError),
		Value:     float64(n),
		Threshold: float64(threshold),
	})
}

// CheckHealth builds the on-demand health report for one webhook.
func (m *Monitor) CheckHealth(ctx context.Context, webhookID string) (*Health, error) {
	met, err := m.store.DeliveryMetrics(ctx, webhookID, m.now().UTC().Add(-m.cfg.Window))
	if err != nil {
		return nil, err
	}
	alerts, err := m.store.ListAlerts(ctx, webhookID, 10)
	if err != nil {
		return nil, err
	}

	var recent []models.Alert
	cutoff := m.now().UTC().Add(-m.cfg.Window)
	for _, a := range alerts {
		if a.CreatedAt.After(cutoff) {
			recent = append(recent, a)
		}
	}

	return &Health{
		WebhookID: webhookID,
		Healthy:   len(recent) == 0,
		Degraded:  recent,
		Metrics:   met,
	}, nil
}

func (m *Monitor) raise(ctx context.Context, a *models.Alert) {
	key := a.WebhookID + "|" + string(a.Kind)
	now := m.now().UTC()

	m.mu.Lock()
	if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cfg.Window {
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = now
	m.mu.Unlock()

	a.ID = models.NewID("alr")
	a.CreatedAt = now
	if err := m.store.CreateAlert(ctx, a); err != nil {
		m.log.Error().Err(err).Str("webhook_id", a.WebhookID).Msg("failed to persist alert")
		return
	}
	m.metrics.AlertRaised(string(a.Kind))

	evt := m.log.Warn()
	if a.Escalation == models.EscalationImmediate {
		evt = m.log.Error()
	}
	evt.
		Str("webhook_id", a.WebhookID).
		Str("kind", string(a.Kind)).
		Str("escalation", string(a.Escalation)).
		Float64("value", a.Value).
		Float64("threshold", a.Threshold).
		Msg(a.Message)
}
