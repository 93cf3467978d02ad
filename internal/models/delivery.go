package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryAttempting DeliveryStatus = "attempting"
	DeliverySuccess    DeliveryStatus = "success"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryAbandoned  DeliveryStatus = "abandoned"
)

// Terminal reports whether no further attempts may occur for this status.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryAbandoned
}

// Delivery tracks the state machine for one (webhook, event) pair:
// pending -> attempting -> {success | retrying | abandoned}, with
// retrying -> attempting looping until a terminal state. There is exactly
// one Delivery per (WebhookID, EventID).
type Delivery struct {
	ID           string         `json:"id"`
	WebhookID    string         `json:"webhook_id"`
	EventID      string         `json:"event_id"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type ErrorKind string

const (
	ErrorNone       ErrorKind = ""
	ErrorTimeout    ErrorKind = "timeout"
	ErrorConnection ErrorKind = "connection"
	ErrorDNS        ErrorKind = "dns"
	ErrorHTTP       ErrorKind = "http"
	ErrorMarshal    ErrorKind = "marshal"
	ErrorCanceled   ErrorKind = "canceled"
)

// Attempt is an append-only record of a single HTTP delivery attempt,
// including bounded request/response snapshots. Never mutated after write.
type Attempt struct {
	ID              string    `json:"id"`
	DeliveryID      string    `json:"delivery_id"`
	WebhookID       string    `json:"webhook_id"`
	EventID         string    `json:"event_id"`
	AttemptNumber   int       `json:"attempt_number"`
	StatusCode      int       `json:"status_code"`
	RequestBody     string    `json:"request_body,omitempty"`
	RequestHeaders  string    `json:"request_headers,omitempty"`
	ResponseBody    string    `json:"response_body,omitempty"`
	ResponseHeaders string    `json:"response_headers,omitempty"`
	LatencyMs       int64     `json:"latency_ms"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
