package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/config"
	"github.com/hookbridge/hookbridge/internal/models"
	"github.com/hookbridge/hookbridge/internal/ratelimit"
)

// fakeStore is an in-memory Store for exercising the scheduler without
// SQLite.
type fakeStore struct {
	mu         sync.Mutex
	webhooks   map[string]*models.Webhook
	events     map[string]*models.Event
	deliveries map[string]*models.Delivery
	attempts   []*models.Attempt

	webhookErr error // returned once by GetWebhook, then cleared
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		webhooks:   make(map[string]*models.Webhook),
		events:     make(map[string]*models.Event),
		deliveries: make(map[string]*models.Delivery),
	}
}

func (f *fakeStore) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.webhookErr != nil {
		err := f.webhookErr
		f.webhookErr = nil
		return nil, err
	}
	return f.webhooks[id], nil
}

func (f *fakeStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id], nil
}

func (f *fakeStore) CreateDelivery(ctx context.Context, d *models.Delivery) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.deliveries {
		if existing.WebhookID == d.WebhookID && existing.EventID == d.EventID {
			return false, nil
		}
	}
	cp := *d
	f.deliveries[d.ID] = &cp
	return true, nil
}

func (f *fakeStore) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []models.Delivery
	for _, d := range f.deliveries {
		if len(claimed) >= limit {
			break
		}
		due := d.Status == models.DeliveryPending ||
			(d.Status == models.DeliveryRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now))
		if due {
			d.Status = models.DeliveryAttempting
			claimed = append(claimed, *d)
		}
	}
	return claimed, nil
}

func (f *fakeStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.deliveries[d.ID] = &cp
	return nil
}

func (f *fakeStore) ReleaseDelivery(ctx context.Context, id string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok {
		return nil
	}
	d.Status = models.DeliveryRetrying
	d.NextRetryAt = &nextRetryAt
	return nil
}

func (f *fakeStore) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.attempts = append(f.attempts, &cp)
	return nil
}

func (f *fakeStore) delivery(t *testing.T, webhookID, eventID string) *models.Delivery {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deliveries {
		if d.WebhookID == webhookID && d.EventID == eventID {
			cp := *d
			return &cp
		}
	}
	t.Fatalf("no delivery for webhook %s event %s", webhookID, eventID)
	return nil
}

type capturedSignal struct {
	mu   sync.Mutex
	sigs []CriticalFailureSignal
}

func (c *capturedSignal) HandleCriticalFailure(ctx context.Context, sig CriticalFailureSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigs = append(c.sigs, sig)
}

func newTestScheduler(store *fakeStore, failFast bool) *Scheduler {
	exec := NewExecutor(2*time.Second, failFast)
	return NewScheduler(store, exec, ratelimit.New(), config.RateLimitConfig{}, zerolog.Nop())
}

// runToTerminal claims and processes until the delivery reaches a terminal
// state, pretending enough time has passed for every scheduled retry.
func runToTerminal(t *testing.T, store *fakeStore, sched *Scheduler, webhookID, eventID string) *models.Delivery {
	t.Helper()
	ctx := context.Background()
	farFuture := time.Now().UTC().Add(24 * time.Hour)
	for i := 0; i < 20; i++ {
		claimed, err := store.ClaimDueDeliveries(ctx, farFuture, 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claimed) == 0 {
			break
		}
		for _, d := range claimed {
			sched.Process(ctx, d)
		}
	}
	d := store.delivery(t, webhookID, eventID)
	if !d.Status.Terminal() {
		t.Fatalf("delivery never reached a terminal state, stuck at %s", d.Status)
	}
	return d
}

func seed(store *fakeStore, url string, policy models.RetryPolicy) (*models.Webhook, *models.Event) {
	wh := &models.Webhook{
		ID:     "wh_1",
		Name:   "orders",
		URL:    url,
		Active: true,
		Secret: "whsec_s",
		Retry:  policy,
	}
	ev := &models.Event{
		ID:        "evt_1",
		Type:      "document.processed",
		Payload:   json.RawMessage(`{"ok":true}`),
		CreatedAt: time.Now().UTC(),
	}
	store.webhooks[wh.ID] = wh
	store.events[ev.ID] = ev
	return wh, ev
}

func TestDeliverySucceedsAfterRetries(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	wh, ev := seed(store, srv.URL, models.RetryPolicy{
		MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: time.Hour,
	})
	sched := newTestScheduler(store, false)

	if err := sched.Schedule(context.Background(), wh, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	d := runToTerminal(t, store, sched, wh.ID, ev.ID)
	if d.Status != models.DeliverySuccess {
		t.Fatalf("status = %s, want success (last error: %s)", d.Status, d.LastError)
	}
	if d.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", d.AttemptCount)
	}
	if d.LastError != "" {
		t.Errorf("last error not cleared on success: %q", d.LastError)
	}
	if len(store.attempts) != 3 {
		t.Fatalf("attempt records = %d, want 3", len(store.attempts))
	}
	for i, want := range []int{500, 500, 200} {
		if store.attempts[i].StatusCode != want {
			t.Errorf("attempt %d status = %d, want %d", i+1, store.attempts[i].StatusCode, want)
		}
		if store.attempts[i].AttemptNumber != i+1 {
			t.Errorf("attempt %d numbered %d", i+1, store.attempts[i].AttemptNumber)
		}
	}
}

func TestRetryDelayFollowsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newFakeStore()
	wh, ev := seed(store, srv.URL, models.RetryPolicy{
		MaxRetries: 3, InitialDelay: time.Minute, BackoffMultiplier: 2, MaxDelay: time.Hour,
	})
	sched := newTestScheduler(store, false)

	ctx := context.Background()
	if err := sched.Schedule(ctx, wh, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for i, want := range wantDelays {
		claimed, _ := store.ClaimDueDeliveries(ctx, time.Now().UTC().Add(24*time.Hour), 10)
		if len(claimed) != 1 {
			t.Fatalf("round %d: claimed %d deliveries", i+1, len(claimed))
		}
		before := time.Now().UTC()
		sched.Process(ctx, claimed[0])

		d := store.delivery(t, wh.ID, ev.ID)
		if d.Status != models.DeliveryRetrying {
			t.Fatalf("round %d: status = %s, want retrying", i+1, d.Status)
		}
		if d.NextRetryAt == nil {
			t.Fatalf("round %d: next retry not set", i+1)
		}
		got := d.NextRetryAt.Sub(before)
		if got < want || got > want+5*time.Second {
			t.Errorf("round %d: retry delay = %v, want ~%v", i+1, got, want)
		}
	}
}

func TestDeliveryAbandonedAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newFakeStore()
	wh, ev := seed(store, srv.URL, models.RetryPolicy{
		MaxRetries: 2, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: time.Hour,
	})
	captured := &capturedSignal{}
	sched := newTestScheduler(store, false).WithCriticalFailureHandler(captured)

	if err := sched.Schedule(context.Background(), wh, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	d := runToTerminal(t, store, sched, wh.ID, ev.ID)
	if d.Status != models.DeliveryAbandoned {
		t.Fatalf("status = %s, want abandoned", d.Status)
	}
	// MaxRetries=2 means 3 total attempts: the original plus two retries.
	if d.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", d.AttemptCount)
	}
	if len(store.attempts) != 3 {
		t.Errorf("attempt records = %d, want 3", len(store.attempts))
	}
	if d.NextRetryAt != nil {
		t.Error("abandoned delivery still has next retry scheduled")
	}
	if d.LastError == "" {
		t.Error("abandoned delivery has no last error")
	}

	if len(captured.sigs) != 1 {
		t.Fatalf("critical failure signals = %d, want 1", len(captured.sigs))
	}
	if sig := captured.sigs[0]; sig.WebhookID != wh.ID || sig.Attempts != 3 {
		t.Errorf("unexpected signal %+v", sig)
	}
}

func TestPermanentFailureAbandonsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := newFakeStore()
	wh, ev := seed(store, srv.URL, models.RetryPolicy{
		MaxRetries: 5, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: time.Hour,
	})
	sched := newTestScheduler(store, true) // fail-fast client errors

	if err := sched.Schedule(context.Background(), wh, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	d := runToTerminal(t, store, sched, wh.ID, ev.ID)
	if d.Status != models.DeliveryAbandoned {
		t.Fatalf("status = %s, want abandoned", d.Status)
	}
	if d.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", d.AttemptCount)
	}
}

func TestScheduleIgnoresReplay(t *testing.T) {
	store := newFakeStore()
	wh, ev := seed(store, "http://127.0.0.1:1", models.DefaultRetryPolicy)
	sched := newTestScheduler(store, false)

	ctx := context.Background()
	if err := sched.Schedule(ctx, wh, ev); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if err := sched.Schedule(ctx, wh, ev); err != nil {
		t.Fatalf("replayed schedule: %v", err)
	}

	if len(store.deliveries) != 1 {
		t.Errorf("deliveries = %d, want 1 (replay must not create another)", len(store.deliveries))
	}
}

func TestInactiveWebhookAbandonsDelivery(t *testing.T) {
	store := newFakeStore()
	wh, ev := seed(store, "http://127.0.0.1:1", models.DefaultRetryPolicy)
	captured := &capturedSignal{}
	sched := newTestScheduler(store, false).WithCriticalFailureHandler(captured)

	ctx := context.Background()
	if err := sched.Schedule(ctx, wh, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	store.webhooks[wh.ID].Active = false

	d := runToTerminal(t, store, sched, wh.ID, ev.ID)
	if d.Status != models.DeliveryAbandoned {
		t.Fatalf("status = %s, want abandoned", d.Status)
	}
	if len(store.attempts) != 0 {
		t.Errorf("attempt records = %d, want 0 for a disabled webhook", len(store.attempts))
	}
	// Turning a webhook off is not an endpoint failure; it must not feed
	// the consecutive-failures escalation.
	if len(captured.sigs) != 0 {
		t.Errorf("critical failure signals = %d, want 0 for a disabled webhook", len(captured.sigs))
	}
}

func TestTransientStoreErrorReleasesDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	wh, ev := seed(store, srv.URL, models.DefaultRetryPolicy)
	captured := &capturedSignal{}
	sched := newTestScheduler(store, false).WithCriticalFailureHandler(captured)

	ctx := context.Background()
	if err := sched.Schedule(ctx, wh, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	claimed, _ := store.ClaimDueDeliveries(ctx, time.Now().UTC(), 10)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d deliveries", len(claimed))
	}

	store.mu.Lock()
	store.webhookErr = errors.New("database is locked")
	store.mu.Unlock()
	sched.Process(ctx, claimed[0])

	d := store.delivery(t, wh.ID, ev.ID)
	if d.Status != models.DeliveryRetrying {
		t.Fatalf("status = %s, want retrying after a transient store error", d.Status)
	}
	if d.AttemptCount != 0 || len(store.attempts) != 0 {
		t.Errorf("transient store error consumed an attempt: count=%d records=%d", d.AttemptCount, len(store.attempts))
	}
	if len(captured.sigs) != 0 {
		t.Errorf("critical failure signals = %d, want 0", len(captured.sigs))
	}

	// Once the store recovers, the delivery completes normally.
	d = runToTerminal(t, store, sched, wh.ID, ev.ID)
	if d.Status != models.DeliverySuccess {
		t.Errorf("status = %s, want success after store recovery", d.Status)
	}
}

func TestRateLimitDeferralDoesNotConsumeAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	wh, ev := seed(store, srv.URL, models.DefaultRetryPolicy)
	wh.RateLimit = models.RateLimit{PerHour: 1}

	limiter := ratelimit.New()
	exec := NewExecutor(2*time.Second, false)
	sched := NewScheduler(store, exec, limiter, config.RateLimitConfig{}, zerolog.Nop())

	// Exhaust the hourly budget before the delivery runs.
	if dec := limiter.Admit(wh.ID, 1, 0); !dec.Allowed {
		t.Fatal("setup admission should pass")
	}

	ctx := context.Background()
	if err := sched.Schedule(ctx, wh, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	claimed, _ := store.ClaimDueDeliveries(ctx, time.Now().UTC(), 10)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d deliveries", len(claimed))
	}
	sched.Process(ctx, claimed[0])

	d := store.delivery(t, wh.ID, ev.ID)
	if d.Status != models.DeliveryRetrying {
		t.Fatalf("status = %s, want retrying (deferred)", d.Status)
	}
	if d.AttemptCount != 0 {
		t.Errorf("attempt count = %d, deferral must not consume an attempt", d.AttemptCount)
	}
	if len(store.attempts) != 0 {
		t.Errorf("attempt records = %d, want 0", len(store.attempts))
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.After(time.Now()) {
		t.Error("deferred delivery should re-queue at the bucket reset")
	}
}
