package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hookbridge/hookbridge/internal/models"
	"github.com/hookbridge/hookbridge/internal/signing"
)

const (
	// DefaultTimeout bounds an attempt when the webhook sets none.
	DefaultTimeout = 10 * time.Second

	maxResponseCapture = 4 * 1024
	userAgent          = "HookBridge/1.0"
)

// EnvelopeEvent, EnvelopeWebhook and EnvelopeDelivery form the JSON body
// POSTed to endpoints.
type EnvelopeEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type EnvelopeWebhook struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type EnvelopeDelivery struct {
	ID             string `json:"id"`
	Attempt        int    `json:"attempt"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Envelope struct {
	Event    EnvelopeEvent    `json:"event"`
	Webhook  EnvelopeWebhook  `json:"webhook"`
	Delivery EnvelopeDelivery `json:"delivery"`
}

// Executor performs exactly one signed HTTP attempt and classifies its
// outcome. It holds no retry logic and no delivery state.
type Executor struct {
	client         *http.Client
	defaultTimeout time.Duration
	failFast       bool

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource
}

func NewExecutor(defaultTimeout time.Duration, failFastClientErrors bool) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Executor{
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
		failFast:       failFastClientErrors,
		tokens:         make(map[string]oauth2.TokenSource),
	}
}

// Attempt builds the event envelope, signs it, POSTs it to the webhook URL
// and returns the classified outcome. Latency and a bounded response
// snapshot are captured regardless of outcome.
func (e *Executor) Attempt(ctx context.Context, wh *models.Webhook, ev *models.Event, deliveryID string, attemptNumber int) Outcome {
	start := time.Now()

	env := Envelope{
		Event: EnvelopeEvent{
			ID:        ev.ID,
			Type:      ev.Type,
			Timestamp: ev.CreatedAt,
			Data:      ev.Payload,
		},
		Webhook: EnvelopeWebhook{
			ID:   wh.ID,
			Name: wh.Name,
		},
		Delivery: EnvelopeDelivery{
			ID:             deliveryID,
			Attempt:        attemptNumber,
			IdempotencyKey: idempotencyKey(deliveryID),
		},
	}

	body, err := json.Marshal(env)
	if err != nil {
		return Outcome{
			Class:     ClassPermanent,
			ErrorKind: models.ErrorMarshal,
			Error:     fmt.Sprintf("marshal envelope: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	timeout := wh.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{
			Class:       ClassPermanent,
			ErrorKind:   models.ErrorMarshal,
			Error:       fmt.Sprintf("create request: %v", err),
			RequestBody: string(body),
			LatencyMs:   time.Since(start).Milliseconds(),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}
	if err := e.applyAuth(ctx, req, wh); err != nil {
		// Token endpoint unreachable behaves like any network failure.
		return Outcome{
			Class:       ClassRetryable,
			ErrorKind:   models.ErrorConnection,
			Error:       fmt.Sprintf("oauth token: %v", err),
			RequestBody: string(body),
			LatencyMs:   time.Since(start).Milliseconds(),
		}
	}
	if wh.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signing.Sign(wh.Secret, body))
	}

	reqHeaders := snapshotHeaders(req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		// Network failures, timeouts and shutdown cancellation are all
		// retryable; the scheduler treats Canceled specially.
		kind := classifyNetErr(ctx, err)
		return Outcome{
			Class:          ClassRetryable,
			ErrorKind:      kind,
			Error:          fmt.Sprintf("request failed: %v", err),
			RequestBody:    string(body),
			RequestHeaders: reqHeaders,
			LatencyMs:      time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseCapture))

	out := Outcome{
		Class:           e.classifyStatus(resp.StatusCode),
		StatusCode:      resp.StatusCode,
		RequestBody:     string(body),
		RequestHeaders:  reqHeaders,
		ResponseBody:    string(respBody),
		ResponseHeaders: snapshotHeaders(resp.Header),
		LatencyMs:       time.Since(start).Milliseconds(),
	}
	if out.Class != ClassSuccess {
		out.ErrorKind = models.ErrorHTTP
		out.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return out
}

// idempotencyKey is stable across retries of the same delivery, so a
// receiver deduping on it sees every redelivery as the same event.
func idempotencyKey(deliveryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(deliveryID)).String()
}

func (e *Executor) applyAuth(ctx context.Context, req *http.Request, wh *models.Webhook) error {
	switch wh.AuthMode {
	case models.AuthAPIKey:
		key := wh.AuthToken
		if key == "" {
			key = wh.Secret
		}
		req.Header.Set("X-API-Key", key)
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+wh.AuthToken)
	case models.AuthOAuth2:
		tok, err := e.oauthToken(ctx, wh)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// oauthToken returns a client-credentials access token for the webhook,
// reusing a cached token source so tokens are refreshed, not re-fetched,
// per attempt.
func (e *Executor) oauthToken(ctx context.Context, wh *models.Webhook) (string, error) {
	key := wh.ID + "|" + wh.OAuth.TokenURL + "|" + wh.OAuth.ClientID

	e.mu.Lock()
	ts, ok := e.tokens[key]
	if !ok {
		cc := clientcredentials.Config{
			ClientID:     wh.OAuth.ClientID,
			ClientSecret: wh.OAuth.ClientSecret,
			TokenURL:     wh.OAuth.TokenURL,
			Scopes:       wh.OAuth.Scopes,
		}
		ts = cc.TokenSource(context.Background())
		e.tokens[key] = ts
	}
	e.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// classifyStatus maps an HTTP response code to a classification. Non-429
// 4xx responses are retryable by default and consume the same retry budget;
// fail-fast mode turns them permanent.
func (e *Executor) classifyStatus(code int) Classification {
	switch {
	case code >= 200 && code < 300:
		return ClassSuccess
	case code == http.StatusTooManyRequests || code >= 500:
		return ClassRetryable
	case code >= 400:
		if e.failFast {
			return ClassPermanent
		}
		return ClassRetryable
	default:
		return ClassRetryable
	}
}

func classifyNetErr(ctx context.Context, err error) models.ErrorKind {
	// The parent context being done means shutdown, not endpoint failure.
	if ctx.Err() != nil {
		return models.ErrorCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return models.ErrorDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrorTimeout
	}
	return models.ErrorConnection
}

func snapshotHeaders(h http.Header) string {
	m := make(map[string]string, len(h))
	for k := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "X-Api-Key":
			m[k] = "[redacted]"
		default:
			m[k] = h.Get(k)
		}
	}
	b, _ := json.Marshal(m)
	return string(b)
}
