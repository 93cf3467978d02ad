package delivery

import (
	"math"
	"time"

	"github.com/hookbridge/hookbridge/internal/models"
)

// NextRetryDelay computes the wait before the retry that follows a failed
// attemptNumber: InitialDelay * BackoffMultiplier^(attemptNumber-1), capped
// at MaxDelay. Zero or negative policy fields fall back to the defaults.
func NextRetryDelay(p models.RetryPolicy, attemptNumber int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = models.DefaultRetryPolicy.InitialDelay
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = models.DefaultRetryPolicy.BackoffMultiplier
	}
	max := p.MaxDelay
	if max <= 0 {
		max = models.DefaultRetryPolicy.MaxDelay
	}
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	d := time.Duration(float64(initial) * math.Pow(mult, float64(attemptNumber-1)))
	if d <= 0 || d > max {
		return max
	}
	return d
}
