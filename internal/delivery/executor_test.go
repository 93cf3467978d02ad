package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/hookbridge/hookbridge/internal/models"
	"github.com/hookbridge/hookbridge/internal/signing"
)

func testWebhook(url string) *models.Webhook {
	return &models.Webhook{
		ID:     "wh_test",
		Name:   "test-hook",
		URL:    url,
		Active: true,
		Secret: "whsec_testsecret",
		Retry:  models.DefaultRetryPolicy,
	}
}

func testEvent() *models.Event {
	return &models.Event{
		ID:        "evt_test",
		Type:      "document.processed",
		Payload:   json.RawMessage(`{"pages":12}`),
		CreatedAt: time.Now().UTC(),
	}
}

func TestAttemptSendsSignedEnvelope(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL)
	wh.AuthMode = models.AuthBearer
	wh.AuthToken = "tok123"
	wh.Headers = map[string]string{"X-Custom": "yes"}

	exec := NewExecutor(5*time.Second, false)
	out := exec.Attempt(context.Background(), wh, testEvent(), "dlv_test", 1)

	if out.Class != ClassSuccess {
		t.Fatalf("expected success, got %s (%s)", out.Class, out.Error)
	}
	if out.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", out.StatusCode)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ua := gotHeaders.Get("User-Agent"); ua != userAgent {
		t.Errorf("User-Agent = %q, want %q", ua, userAgent)
	}
	if v := gotHeaders.Get("X-Custom"); v != "yes" {
		t.Errorf("custom header = %q, want yes", v)
	}
	if auth := gotHeaders.Get("Authorization"); auth != "Bearer tok123" {
		t.Errorf("Authorization = %q", auth)
	}

	sig := gotHeaders.Get("X-Webhook-Signature")
	if !regexp.MustCompile(`^sha256=[0-9a-f]{64}$`).MatchString(sig) {
		t.Fatalf("signature %q does not match sha256=<hex> format", sig)
	}
	// The signature must cover the exact body bytes as sent.
	if sig != signing.Sign(wh.Secret, gotBody) {
		t.Error("signature does not verify against received body")
	}

	var env Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("envelope did not parse: %v", err)
	}
	if env.Event.ID != "evt_test" || env.Event.Type != "document.processed" {
		t.Errorf("unexpected event fields: %+v", env.Event)
	}
	if env.Webhook.ID != "wh_test" {
		t.Errorf("unexpected webhook id %q", env.Webhook.ID)
	}
	if env.Delivery.Attempt != 1 || env.Delivery.IdempotencyKey == "" {
		t.Errorf("unexpected delivery block: %+v", env.Delivery)
	}
}

func TestAttemptIdempotencyKeyStableAcrossRetries(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.Errorf("envelope did not parse: %v", err)
		}
		keys = append(keys, env.Delivery.IdempotencyKey)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := NewExecutor(5*time.Second, false)
	exec.Attempt(context.Background(), testWebhook(srv.URL), testEvent(), "dlv_stable", 1)
	exec.Attempt(context.Background(), testWebhook(srv.URL), testEvent(), "dlv_stable", 2)
	exec.Attempt(context.Background(), testWebhook(srv.URL), testEvent(), "dlv_other", 1)

	if len(keys) != 3 {
		t.Fatalf("received %d attempts, want 3", len(keys))
	}
	if keys[0] == "" {
		t.Fatal("idempotency key is empty")
	}
	// Retries of one delivery dedupe to one key; a different delivery gets
	// its own.
	if keys[0] != keys[1] {
		t.Errorf("retry changed the idempotency key: %q vs %q", keys[0], keys[1])
	}
	if keys[0] == keys[2] {
		t.Error("distinct deliveries share an idempotency key")
	}
}

func TestAttemptNoSignatureWithoutSecret(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Webhook-Signature")
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL)
	wh.Secret = ""

	exec := NewExecutor(5*time.Second, false)
	exec.Attempt(context.Background(), wh, testEvent(), "dlv_test", 1)

	if sig != "" {
		t.Errorf("expected no signature header, got %q", sig)
	}
}

func TestAttemptStatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		failFast bool
		want     Classification
	}{
		{"200 ok", 200, false, ClassSuccess},
		{"204 no content", 204, false, ClassSuccess},
		{"429 retryable", 429, false, ClassRetryable},
		{"500 retryable", 500, false, ClassRetryable},
		{"503 retryable", 503, false, ClassRetryable},
		{"404 retryable by default", 404, false, ClassRetryable},
		{"404 permanent under fail-fast", 404, true, ClassPermanent},
		{"422 permanent under fail-fast", 422, true, ClassPermanent},
		{"429 still retryable under fail-fast", 429, true, ClassRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			exec := NewExecutor(5*time.Second, tt.failFast)
			out := exec.Attempt(context.Background(), testWebhook(srv.URL), testEvent(), "dlv_test", 1)
			if out.Class != tt.want {
				t.Errorf("status %d: class = %s, want %s", tt.status, out.Class, tt.want)
			}
			if out.StatusCode != tt.status {
				t.Errorf("status code = %d, want %d", out.StatusCode, tt.status)
			}
			if tt.want != ClassSuccess && out.ErrorKind != models.ErrorHTTP {
				t.Errorf("error kind = %s, want %s", out.ErrorKind, models.ErrorHTTP)
			}
		})
	}
}

func TestAttemptConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	exec := NewExecutor(5*time.Second, false)
	out := exec.Attempt(context.Background(), testWebhook(url), testEvent(), "dlv_test", 1)

	if out.Class != ClassRetryable {
		t.Errorf("class = %s, want retryable", out.Class)
	}
	if out.ErrorKind != models.ErrorConnection {
		t.Errorf("error kind = %s, want connection", out.ErrorKind)
	}
	if out.Error == "" {
		t.Error("expected error message")
	}
}

func TestAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL)
	wh.Timeout = 50 * time.Millisecond

	exec := NewExecutor(5*time.Second, false)
	out := exec.Attempt(context.Background(), wh, testEvent(), "dlv_test", 1)

	if out.Class != ClassRetryable {
		t.Errorf("class = %s, want retryable", out.Class)
	}
	if out.ErrorKind != models.ErrorTimeout {
		t.Errorf("error kind = %s, want timeout", out.ErrorKind)
	}
}

func TestAttemptCanceledByShutdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	exec := NewExecutor(5*time.Second, false)
	out := exec.Attempt(ctx, testWebhook(srv.URL), testEvent(), "dlv_test", 1)

	if !out.Canceled() {
		t.Errorf("expected canceled outcome, got kind %s", out.ErrorKind)
	}
}

func TestAttemptTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 10*1024)))
	}))
	defer srv.Close()

	exec := NewExecutor(5*time.Second, false)
	out := exec.Attempt(context.Background(), testWebhook(srv.URL), testEvent(), "dlv_test", 1)

	if len(out.ResponseBody) != maxResponseCapture {
		t.Errorf("response snapshot = %d bytes, want %d", len(out.ResponseBody), maxResponseCapture)
	}
}

func TestAttemptRedactsAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	wh := testWebhook(srv.URL)
	wh.AuthMode = models.AuthBearer
	wh.AuthToken = "supersecret"

	exec := NewExecutor(5*time.Second, false)
	out := exec.Attempt(context.Background(), wh, testEvent(), "dlv_test", 1)

	if strings.Contains(out.RequestHeaders, "supersecret") {
		t.Error("request header snapshot leaks the bearer token")
	}
	if !strings.Contains(out.RequestHeaders, "[redacted]") {
		t.Errorf("expected redacted marker in %q", out.RequestHeaders)
	}
}
