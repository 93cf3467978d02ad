package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/matcher"
	"github.com/hookbridge/hookbridge/internal/models"
)

type fakeStore struct {
	webhooks   []models.Webhook
	events     map[string]*models.Event
	deliveries map[string]*models.Delivery
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:     make(map[string]*models.Event),
		deliveries: make(map[string]*models.Delivery),
	}
}

func (f *fakeStore) ListActiveWebhooks(ctx context.Context, appID string) ([]models.Webhook, error) {
	var out []models.Webhook
	for _, wh := range f.webhooks {
		if wh.AppID == appID && wh.Active {
			out = append(out, wh)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateEvent(ctx context.Context, ev *models.Event) error {
	cp := *ev
	f.events[ev.ID] = &cp
	return nil
}

func (f *fakeStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ev, ok := f.events[id]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeStore) GetDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error) {
	var out []models.Delivery
	for _, d := range f.deliveries {
		if d.EventID == eventID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	cp := *d
	f.deliveries[d.ID] = &cp
	return nil
}

// recordingScheduler captures Schedule calls instead of delivering.
type recordingScheduler struct {
	scheduled []string // webhook IDs in call order
}

func (r *recordingScheduler) Schedule(ctx context.Context, wh *models.Webhook, ev *models.Event) error {
	r.scheduled = append(r.scheduled, wh.ID)
	return nil
}

func activeWebhook(id, appID string, events []string) models.Webhook {
	return models.Webhook{
		ID:     id,
		AppID:  appID,
		Name:   id,
		URL:    "https://example.com/" + id,
		Events: events,
		Active: true,
	}
}

func newTestEngine(store *fakeStore, sched Scheduler) *Engine {
	m := matcher.New(store, zerolog.Nop())
	return New(store, m, sched, nil, zerolog.Nop())
}

func TestPublishEventFansOut(t *testing.T) {
	store := newFakeStore()
	store.webhooks = []models.Webhook{
		activeWebhook("wh_1", "app_1", []string{"document.processed"}),
		activeWebhook("wh_2", "app_1", []string{"document.*"}),
		activeWebhook("wh_3", "app_1", []string{"chat.message.generated"}),
		activeWebhook("wh_4", "app_other", []string{"*"}),
	}
	sched := &recordingScheduler{}
	eng := newTestEngine(store, sched)

	ev, matched, err := eng.PublishEvent(context.Background(), "app_1", "document.processed", json.RawMessage(`{"pages":3}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if matched != 2 {
		t.Errorf("matched = %d, want 2", matched)
	}
	if len(sched.scheduled) != 2 || sched.scheduled[0] != "wh_1" || sched.scheduled[1] != "wh_2" {
		t.Errorf("scheduled = %v", sched.scheduled)
	}
	if _, ok := store.events[ev.ID]; !ok {
		t.Error("event not persisted")
	}
	if ev.Type != "document.processed" || ev.AppID != "app_1" {
		t.Errorf("stored event %+v", ev)
	}
}

func TestPublishEventNoMatchesStillStored(t *testing.T) {
	store := newFakeStore()
	sched := &recordingScheduler{}
	eng := newTestEngine(store, sched)

	ev, matched, err := eng.PublishEvent(context.Background(), "app_1", "document.processed", nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if matched != 0 || len(sched.scheduled) != 0 {
		t.Errorf("matched = %d, scheduled = %v", matched, sched.scheduled)
	}
	if _, ok := store.events[ev.ID]; !ok {
		t.Error("unmatched event must still be stored")
	}
}

func TestPublishEventValidation(t *testing.T) {
	eng := newTestEngine(newFakeStore(), &recordingScheduler{})

	if _, _, err := eng.PublishEvent(context.Background(), "app_1", "", nil); !errors.Is(err, ErrEventTypeRequired) {
		t.Errorf("empty type: err = %v", err)
	}
	if _, _, err := eng.PublishEvent(context.Background(), "app_1", "document.processed", json.RawMessage(`{broken`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("broken payload: err = %v", err)
	}
}

func TestRetryEventRequeuesAbandonedOnly(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &recordingScheduler{})

	store.events["evt_1"] = &models.Event{ID: "evt_1", Type: "document.processed", CreatedAt: time.Now().UTC()}
	store.deliveries["dlv_1"] = &models.Delivery{
		ID: "dlv_1", EventID: "evt_1", WebhookID: "wh_1",
		Status: models.DeliveryAbandoned, AttemptCount: 6, LastError: "HTTP 503",
	}
	store.deliveries["dlv_2"] = &models.Delivery{
		ID: "dlv_2", EventID: "evt_1", WebhookID: "wh_2",
		Status: models.DeliverySuccess, AttemptCount: 1,
	}

	n, err := eng.RetryEvent(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	d1 := store.deliveries["dlv_1"]
	if d1.Status != models.DeliveryPending || d1.AttemptCount != 0 || d1.LastError != "" {
		t.Errorf("abandoned delivery not reset: %+v", d1)
	}
	if store.deliveries["dlv_2"].Status != models.DeliverySuccess {
		t.Error("successful delivery must not be touched")
	}
}

func TestRetryEventUnknownEvent(t *testing.T) {
	eng := newTestEngine(newFakeStore(), &recordingScheduler{})

	n, err := eng.RetryEvent(context.Background(), "evt_missing")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != -1 {
		t.Errorf("n = %d, want -1 for unknown event", n)
	}
}
