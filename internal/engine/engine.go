package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/matcher"
	"github.com/hookbridge/hookbridge/internal/metrics"
	"github.com/hookbridge/hookbridge/internal/models"
)

var (
	ErrEventTypeRequired = errors.New("event type is required")
	ErrInvalidPayload    = errors.New("payload must be valid JSON")
)

// Store is the slice of storage the engine needs.
type Store interface {
	CreateEvent(ctx context.Context, ev *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
}

// Scheduler is implemented by delivery.Scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, wh *models.Webhook, ev *models.Event) error
}

// Engine is the publish entry point: it persists the event, fans it out to
// matching webhooks and hands each pair to the scheduler. Delivery itself
// happens asynchronously in the worker pool.
type Engine struct {
	store   Store
	matcher *matcher.Matcher
	sched   Scheduler
	metrics metrics.Sink
	log     zerolog.Logger
}

func New(store Store, m *matcher.Matcher, sched Scheduler, sink metrics.Sink, log zerolog.Logger) *Engine {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Engine{
		store:   store,
		matcher: m,
		sched:   sched,
		metrics: sink,
		log:     log,
	}
}

// PublishEvent accepts an event, persists it and schedules one delivery per
// matching webhook. It returns the stored event and how many webhooks
// matched. An event that matches nothing is still stored.
func (e *Engine) PublishEvent(ctx context.Context, appID, eventType string, payload json.RawMessage) (*models.Event, int, error) {
	if eventType == "" {
		return nil, 0, ErrEventTypeRequired
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, 0, ErrInvalidPayload
	}

	ev := &models.Event{
		ID:        models.NewID("evt"),
		AppID:     appID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateEvent(ctx, ev); err != nil {
		return nil, 0, err
	}
	e.metrics.EventPublished()

	matched, err := e.matcher.Match(ctx, appID, eventType, payload)
	if err != nil {
		return nil, 0, err
	}

	for i := range matched {
		if err := e.sched.Schedule(ctx, &matched[i], ev); err != nil {
			e.log.Error().Err(err).
				Str("event_id", ev.ID).
				Str("webhook_id", matched[i].ID).
				Msg("failed to schedule delivery")
		}
	}

	e.log.Info().
		Str("event_id", ev.ID).
		Str("event_type", eventType).
		Int("matched", len(matched)).
		Msg("event published")
	return ev, len(matched), nil
}

// RetryEvent re-queues every abandoned delivery of an event with a fresh
// retry budget. It returns how many deliveries were re-queued, or -1 when
// the event does not exist.
func (e *Engine) RetryEvent(ctx context.Context, eventID string) (int, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if ev == nil {
		return -1, nil
	}

	deliveries, err := e.store.GetDeliveriesByEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for i := range deliveries {
		d := &deliveries[i]
		if d.Status != models.DeliveryAbandoned {
			continue
		}
		d.Status = models.DeliveryPending
		d.AttemptCount = 0
		d.NextRetryAt = nil
		d.LastError = ""
		d.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateDelivery(ctx, d); err != nil {
			e.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to re-queue delivery")
			continue
		}
		requeued++
	}

	e.log.Info().
		Str("event_id", eventID).
		Int("requeued", requeued).
		Msg("abandoned deliveries re-queued")
	return requeued, nil
}
