package ratelimit

import (
	"sync"
	"time"
)

// Scope names which window rejected an admission.
type Scope string

const (
	ScopeHour Scope = "hour"
	ScopeDay  Scope = "day"
)

// Decision is the result of an admission check. When Allowed is false,
// ResetAt is the start of the next window for the scope that rejected.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Current int       `json:"current"`
	Limit   int       `json:"limit"`
	Scope   Scope     `json:"scope,omitempty"`
	ResetAt time.Time `json:"reset_at,omitempty"`
}

type bucket struct {
	hourKey   time.Time
	hourCount int
	dayKey    time.Time
	dayCount  int
}

// Limiter caps delivery volume per webhook with lazily created hour and day
// buckets. Bucket keys are truncated timestamps; a key rollover implicitly
// resets the counter, so no background cleanup is needed.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Admit increments the webhook's hour and day counters unless either bound
// would be exceeded. A rejected admission increments nothing. A zero limit
// disables the check for that scope.
func (l *Limiter) Admit(webhookID string, perHour, perDay int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	hourKey := now.Truncate(time.Hour)
	dayKey := now.Truncate(24 * time.Hour)

	b, ok := l.buckets[webhookID]
	if !ok {
		b = &bucket{hourKey: hourKey, dayKey: dayKey}
		l.buckets[webhookID] = b
	}
	if !b.hourKey.Equal(hourKey) {
		b.hourKey = hourKey
		b.hourCount = 0
	}
	if !b.dayKey.Equal(dayKey) {
		b.dayKey = dayKey
		b.dayCount = 0
	}

	if perHour > 0 && b.hourCount >= perHour {
		return Decision{
			Allowed: false,
			Current: b.hourCount,
			Limit:   perHour,
			Scope:   ScopeHour,
			ResetAt: hourKey.Add(time.Hour),
		}
	}
	if perDay > 0 && b.dayCount >= perDay {
		return Decision{
			Allowed: false,
			Current: b.dayCount,
			Limit:   perDay,
			Scope:   ScopeDay,
			ResetAt: dayKey.Add(24 * time.Hour),
		}
	}

	b.hourCount++
	b.dayCount++
	return Decision{Allowed: true, Current: b.hourCount, Limit: perHour}
}
