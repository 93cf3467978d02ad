package metrics

import (
	"time"

	"github.com/hookbridge/hookbridge/internal/models"
)

// Sink records delivery-engine metrics. All methods are fire-and-forget:
// implementations must not block or propagate errors.
type Sink interface {
	EventPublished()
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryScheduled()
	DeliveriesInFlightIncr()
	DeliveriesInFlightDecr()
	SweepCompleted(claimed int, duration time.Duration)
	AlertRaised(kind string)
}

// Outcome constants for DeliveryOutcome.
const (
	OutcomeSuccess   = "success"
	OutcomeAbandoned = "abandoned"
	OutcomeDeferred  = "deferred"
)

// Status classes for DeliveryAttemptCompleted. Bounded cardinality.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps an attempt's status code and error kind to a status
// class label.
func ClassifyStatus(statusCode int, kind models.ErrorKind) string {
	switch kind {
	case models.ErrorNone, models.ErrorHTTP:
	case models.ErrorTimeout:
		return StatusClassTimeout
	case models.ErrorConnection, models.ErrorDNS:
		return StatusClassConnectionError
	default:
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
