package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/config"
	"github.com/hookbridge/hookbridge/internal/metrics"
	"github.com/hookbridge/hookbridge/internal/models"
	"github.com/hookbridge/hookbridge/internal/ratelimit"
)

// Store is the slice of storage the scheduler needs.
type Store interface {
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	CreateDelivery(ctx context.Context, d *models.Delivery) (bool, error)
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	ReleaseDelivery(ctx context.Context, id string, nextRetryAt time.Time) error
	CreateAttempt(ctx context.Context, a *models.Attempt) error
}

// CriticalFailureSignal is emitted when a delivery is abandoned, so the
// monitoring service can check for consecutive-failure escalation.
type CriticalFailureSignal struct {
	WebhookID  string
	EventID    string
	DeliveryID string
	Attempts   int
	LastError  string
}

type CriticalFailureHandler interface {
	HandleCriticalFailure(ctx context.Context, sig CriticalFailureSignal)
}

// Scheduler owns the delivery state machine: it creates deliveries, drives
// the executor for claimed ones, and decides retry versus terminal state.
// One claimed delivery is processed by exactly one Process call at a time;
// the store's compare-and-set claim guarantees that.
type Scheduler struct {
	store    Store
	exec     *Executor
	limiter  *ratelimit.Limiter
	metrics  metrics.Sink
	critical CriticalFailureHandler
	log      zerolog.Logger

	defaultRate           models.RateLimit
	deferralCountsAsRetry bool
}

func NewScheduler(store Store, exec *Executor, limiter *ratelimit.Limiter, rlCfg config.RateLimitConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:                 store,
		exec:                  exec,
		limiter:               limiter,
		metrics:               metrics.NewNoopSink(),
		log:                   log,
		defaultRate:           models.RateLimit{PerHour: rlCfg.PerHour, PerDay: rlCfg.PerDay},
		deferralCountsAsRetry: rlCfg.DeferralCountsAsRetry,
	}
}

func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler {
	s.metrics = sink
	return s
}

func (s *Scheduler) WithCriticalFailureHandler(h CriticalFailureHandler) *Scheduler {
	s.critical = h
	return s
}

// Schedule creates the delivery for a (webhook, event) pair in pending
// state; the sweep loop picks it up. Replaying an event ID against a
// webhook that already has a delivery, in-flight or terminal, creates
// nothing.
func (s *Scheduler) Schedule(ctx context.Context, wh *models.Webhook, ev *models.Event) error {
	now := time.Now().UTC()
	d := &models.Delivery{
		ID:        models.NewID("dlv"),
		WebhookID: wh.ID,
		EventID:   ev.ID,
		Status:    models.DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.store.CreateDelivery(ctx, d)
	if err != nil {
		return err
	}
	if !created {
		s.log.Debug().
			Str("webhook_id", wh.ID).
			Str("event_id", ev.ID).
			Msg("delivery already exists, replay ignored")
		return nil
	}

	s.log.Info().
		Str("delivery_id", d.ID).
		Str("webhook_id", wh.ID).
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Msg("delivery scheduled")
	return nil
}

// Process runs one attempt for a claimed delivery (status=attempting) and
// applies the resulting state transition.
func (s *Scheduler) Process(ctx context.Context, d models.Delivery) {
	s.metrics.DeliveriesInFlightIncr()
	defer s.metrics.DeliveriesInFlightDecr()

	wh, err := s.store.GetWebhook(ctx, d.WebhookID)
	if err != nil {
		s.releaseAfterError(ctx, &d, "load webhook", err)
		return
	}
	if wh == nil {
		s.abandon(ctx, &d, d.AttemptCount, "webhook not found")
		return
	}
	if !wh.Active {
		// Disabling a webhook is an operator action, not an endpoint
		// failure; terminal, but no escalation.
		s.markAbandoned(ctx, &d, d.AttemptCount, "webhook disabled")
		return
	}
	ev, err := s.store.GetEvent(ctx, d.EventID)
	if err != nil {
		s.releaseAfterError(ctx, &d, "load event", err)
		return
	}
	if ev == nil {
		s.abandon(ctx, &d, d.AttemptCount, "event not found")
		return
	}

	perHour, perDay := wh.RateLimit.PerHour, wh.RateLimit.PerDay
	if perHour == 0 {
		perHour = s.defaultRate.PerHour
	}
	if perDay == 0 {
		perDay = s.defaultRate.PerDay
	}
	if decision := s.limiter.Admit(wh.ID, perHour, perDay); !decision.Allowed {
		s.deferDelivery(ctx, &d, wh, decision)
		return
	}

	attemptNumber := d.AttemptCount + 1
	outcome := s.exec.Attempt(ctx, wh, ev, d.ID, attemptNumber)

	if outcome.Canceled() {
		// Shutdown aborted the HTTP call. The attempt is not consumed;
		// release to retrying so a future sweep picks it up. The request
		// context is gone, so use a detached one for the store write.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.ReleaseDelivery(relCtx, d.ID, time.Now().UTC()); err != nil {
			s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to release canceled delivery")
		}
		return
	}

	s.recordAttempt(ctx, &d, attemptNumber, outcome)
	s.metrics.DeliveryAttemptCompleted(attemptNumber, metrics.ClassifyStatus(outcome.StatusCode, outcome.ErrorKind), time.Duration(outcome.LatencyMs)*time.Millisecond)

	d.AttemptCount = attemptNumber
	d.LastError = outcome.Error

	switch outcome.Class {
	case ClassSuccess:
		d.Status = models.DeliverySuccess
		d.NextRetryAt = nil
		d.LastError = ""
		s.metrics.DeliveryOutcome(metrics.OutcomeSuccess)
		s.log.Info().
			Str("webhook_id", d.WebhookID).
			Str("event_id", d.EventID).
			Int("attempt", attemptNumber).
			Int("status_code", outcome.StatusCode).
			Int64("duration", outcome.LatencyMs).
			Msg("delivery succeeded")
		if err := s.store.UpdateDelivery(ctx, &d); err != nil {
			s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to update delivery")
		}

	case ClassPermanent:
		s.abandon(ctx, &d, attemptNumber, outcome.Error)

	default: // ClassRetryable
		if attemptNumber > wh.Retry.MaxRetries {
			s.abandon(ctx, &d, attemptNumber, outcome.Error)
			return
		}
		delay := NextRetryDelay(wh.Retry, attemptNumber)
		next := time.Now().UTC().Add(delay)
		d.Status = models.DeliveryRetrying
		d.NextRetryAt = &next
		s.metrics.RetryScheduled()
		s.log.Info().
			Str("webhook_id", d.WebhookID).
			Str("event_id", d.EventID).
			Int("attempt", attemptNumber).
			Int("status_code", outcome.StatusCode).
			Int64("duration", outcome.LatencyMs).
			Str("error", outcome.Error).
			Dur("retry_in", delay).
			Msg("delivery failed, retry scheduled")
		if err := s.store.UpdateDelivery(ctx, &d); err != nil {
			s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to update delivery")
		}
	}
}

// deferDelivery handles a rate-limited delivery. By default the deferral is out of
// band: no attempt is consumed and the delivery re-queues for the bucket
// reset. The alternative policy counts the deferral against the retry
// budget.
func (s *Scheduler) deferDelivery(ctx context.Context, d *models.Delivery, wh *models.Webhook, decision ratelimit.Decision) {
	s.metrics.DeliveryOutcome(metrics.OutcomeDeferred)
	s.log.Info().
		Str("webhook_id", d.WebhookID).
		Str("event_id", d.EventID).
		Str("scope", string(decision.Scope)).
		Int("current", decision.Current).
		Int("limit", decision.Limit).
		Time("reset_at", decision.ResetAt).
		Msg("delivery deferred by rate limit")

	if !s.deferralCountsAsRetry {
		if err := s.store.ReleaseDelivery(ctx, d.ID, decision.ResetAt); err != nil {
			s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to defer delivery")
		}
		return
	}

	attemptNumber := d.AttemptCount + 1
	if attemptNumber > wh.Retry.MaxRetries {
		s.abandon(ctx, d, attemptNumber, "rate limited")
		return
	}
	d.AttemptCount = attemptNumber
	d.Status = models.DeliveryRetrying
	d.NextRetryAt = &decision.ResetAt
	d.LastError = "rate limited"
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to defer delivery")
	}
}

// releaseAfterError re-queues a claimed delivery after a transient storage
// failure. No attempt is consumed; the next sweep reloads and retries.
func (s *Scheduler) releaseAfterError(ctx context.Context, d *models.Delivery, op string, cause error) {
	s.log.Error().
		Err(cause).
		Str("delivery_id", d.ID).
		Str("op", op).
		Msg("storage error, releasing delivery")
	if err := s.store.ReleaseDelivery(ctx, d.ID, time.Now().UTC()); err != nil {
		s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to release delivery")
	}
}

// markAbandoned moves the delivery to its terminal failed state.
func (s *Scheduler) markAbandoned(ctx context.Context, d *models.Delivery, attempts int, lastError string) {
	d.Status = models.DeliveryAbandoned
	d.AttemptCount = attempts
	d.NextRetryAt = nil
	d.LastError = lastError
	s.metrics.DeliveryOutcome(metrics.OutcomeAbandoned)
	s.log.Warn().
		Str("webhook_id", d.WebhookID).
		Str("event_id", d.EventID).
		Int("attempt", attempts).
		Str("error", lastError).
		Msg("delivery permanently failed")
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to update delivery")
	}
}

// abandon finalizes the delivery and raises the critical-failure signal so
// monitoring can escalate repeated endpoint failures.
func (s *Scheduler) abandon(ctx context.Context, d *models.Delivery, attempts int, lastError string) {
	s.markAbandoned(ctx, d, attempts, lastError)

	if s.critical != nil {
		s.critical.HandleCriticalFailure(ctx, CriticalFailureSignal{
			WebhookID:  d.WebhookID,
			EventID:    d.EventID,
			DeliveryID: d.ID,
			Attempts:   attempts,
			LastError:  lastError,
		})
	}
}

// recordAttempt appends the attempt to the log. Log writes are best-effort:
// a storage error must never stall the state machine.
func (s *Scheduler) recordAttempt(ctx context.Context, d *models.Delivery, attemptNumber int, o Outcome) {
	a := &models.Attempt{
		ID:              models.NewID("att"),
		DeliveryID:      d.ID,
		WebhookID:       d.WebhookID,
		EventID:         d.EventID,
		AttemptNumber:   attemptNumber,
		StatusCode:      o.StatusCode,
		RequestBody:     o.RequestBody,
		RequestHeaders:  o.RequestHeaders,
		ResponseBody:    o.ResponseBody,
		ResponseHeaders: o.ResponseHeaders,
		LatencyMs:       o.LatencyMs,
		ErrorKind:       o.ErrorKind,
		Error:           o.Error,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateAttempt(ctx, a); err != nil {
		s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to record attempt")
	}
}
