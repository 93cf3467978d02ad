package metrics

import "time"

// NoopSink is used when metrics are disabled, avoiding nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventPublished()                                                           {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryScheduled()                                                           {}
func (n *NoopSink) DeliveriesInFlightIncr()                                                   {}
func (n *NoopSink) DeliveriesInFlightDecr()                                                   {}
func (n *NoopSink) SweepCompleted(claimed int, duration time.Duration)                        {}
func (n *NoopSink) AlertRaised(kind string)                                                   {}
