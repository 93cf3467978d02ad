package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := New()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAdmitUnlimited(t *testing.T) {
	l := New()
	for i := 0; i < 1000; i++ {
		if d := l.Admit("wh_1", 0, 0); !d.Allowed {
			t.Fatalf("admission %d rejected with zero limits", i)
		}
	}
}

func TestAdmitHourlyCap(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	l, _ := newTestLimiter(start)

	for i := 0; i < 3; i++ {
		if d := l.Admit("wh_1", 3, 0); !d.Allowed {
			t.Fatalf("admission %d should be allowed, got %+v", i+1, d)
		}
	}

	d := l.Admit("wh_1", 3, 0)
	if d.Allowed {
		t.Fatal("4th admission should be rejected")
	}
	if d.Scope != ScopeHour {
		t.Errorf("scope = %q, want hour", d.Scope)
	}
	if d.Current != 3 || d.Limit != 3 {
		t.Errorf("current/limit = %d/%d, want 3/3", d.Current, d.Limit)
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !d.ResetAt.Equal(want) {
		t.Errorf("reset_at = %v, want %v", d.ResetAt, want)
	}
	if !d.ResetAt.After(start) {
		t.Error("reset_at must be in the future")
	}

	// Rejection must not have incremented: still rejected at the same count.
	d2 := l.Admit("wh_1", 3, 0)
	if d2.Allowed || d2.Current != 3 {
		t.Errorf("after rejection current = %d, want 3", d2.Current)
	}
}

func TestAdmitDailyCap(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)

	for i := 0; i < 5; i++ {
		if d := l.Admit("wh_1", 0, 5); !d.Allowed {
			t.Fatalf("admission %d should be allowed", i+1)
		}
		*now = now.Add(time.Hour) // spread across hours, same day
	}

	d := l.Admit("wh_1", 0, 5)
	if d.Allowed {
		t.Fatal("6th admission should hit the daily cap")
	}
	if d.Scope != ScopeDay {
		t.Errorf("scope = %q, want day", d.Scope)
	}
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !d.ResetAt.Equal(want) {
		t.Errorf("reset_at = %v, want %v", d.ResetAt, want)
	}
}

func TestHourRollover(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l, now := newTestLimiter(start)

	for i := 0; i < 2; i++ {
		l.Admit("wh_1", 2, 0)
	}
	if d := l.Admit("wh_1", 2, 0); d.Allowed {
		t.Fatal("cap should be reached")
	}

	*now = now.Add(2 * time.Minute) // crosses into 11:00 bucket
	if d := l.Admit("wh_1", 2, 0); !d.Allowed {
		t.Errorf("admission after rollover should be allowed, got %+v", d)
	}
}

func TestBucketsAreIndependentPerWebhook(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	l.Admit("wh_1", 1, 0)
	if d := l.Admit("wh_1", 1, 0); d.Allowed {
		t.Fatal("wh_1 should be capped")
	}
	if d := l.Admit("wh_2", 1, 0); !d.Allowed {
		t.Error("wh_2 must not share wh_1's bucket")
	}
}
