package delivery

import "github.com/hookbridge/hookbridge/internal/models"

// Classification is the scheduler-facing verdict on a single attempt.
type Classification string

const (
	// ClassSuccess: 2xx response, delivery is done.
	ClassSuccess Classification = "success"
	// ClassRetryable: the attempt failed but a later one may succeed
	// (network errors, timeouts, 429, 5xx, and by default other 4xx too).
	ClassRetryable Classification = "retryable"
	// ClassPermanent: retrying cannot help (body marshal failure, or 4xx
	// when fail-fast client errors are enabled).
	ClassPermanent Classification = "permanent"
)

// Outcome captures everything observed during one HTTP attempt: the
// classification plus size-bounded request/response snapshots for the
// attempt log.
type Outcome struct {
	Class           Classification
	StatusCode      int
	LatencyMs       int64
	RequestBody     string
	RequestHeaders  string
	ResponseBody    string
	ResponseHeaders string
	ErrorKind       models.ErrorKind
	Error           string
}

// Canceled reports whether the attempt was aborted by context cancellation
// (process shutdown), as opposed to failing on its own.
func (o Outcome) Canceled() bool {
	return o.ErrorKind == models.ErrorCanceled
}
