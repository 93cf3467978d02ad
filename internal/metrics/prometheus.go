package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration failures are logged and the colliding metric keeps its no-op
// placeholder; recording never fails.
type PrometheusSink struct {
	eventsPublishedTotal  prometheus.Counter
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	attemptDuration       prometheus.Histogram
	retriesScheduledTotal prometheus.Counter
	deliveriesInFlight    prometheus.Gauge
	sweepClaimedTotal     prometheus.Counter
	sweepDuration         prometheus.Histogram
	alertsRaisedTotal     *prometheus.CounterVec

	log zerolog.Logger
}

func NewPrometheusSink(reg prometheus.Registerer, log zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}

	s.eventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookbridge_events_published_total",
		Help: "Total number of events accepted for delivery.",
	})
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookbridge_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookbridge_delivery_outcomes_total",
		Help: "Terminal and deferred delivery outcomes.",
	}, []string{"outcome"})
	s.attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookbridge_delivery_attempt_duration_seconds",
		Help:    "Duration of webhook HTTP attempts in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.retriesScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookbridge_retries_scheduled_total",
		Help: "Total number of retries scheduled after failed attempts.",
	})
	s.deliveriesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hookbridge_deliveries_in_flight",
		Help: "Deliveries currently being attempted.",
	})
	s.sweepClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookbridge_sweep_claimed_total",
		Help: "Total number of due deliveries claimed by the sweep loop.",
	})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookbridge_sweep_duration_seconds",
		Help:    "Duration of each retry sweep in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.alertsRaisedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookbridge_alerts_raised_total",
		Help: "Monitoring alerts raised, by kind.",
	}, []string{"kind"})

	s.register(reg, s.eventsPublishedTotal, "hookbridge_events_published_total")
	s.register(reg, s.deliveryAttemptsTotal, "hookbridge_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "hookbridge_delivery_outcomes_total")
	s.register(reg, s.attemptDuration, "hookbridge_delivery_attempt_duration_seconds")
	s.register(reg, s.retriesScheduledTotal, "hookbridge_retries_scheduled_total")
	s.register(reg, s.deliveriesInFlight, "hookbridge_deliveries_in_flight")
	s.register(reg, s.sweepClaimedTotal, "hookbridge_sweep_claimed_total")
	s.register(reg, s.sweepDuration, "hookbridge_sweep_duration_seconds")
	s.register(reg, s.alertsRaisedTotal, "hookbridge_alerts_raised_total")

	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn().Str("metric", name).Err(err).Msg("metric registration failed")
	}
}

func (s *PrometheusSink) EventPublished() {
	s.eventsPublishedTotal.Inc()
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.attemptDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryScheduled() {
	s.retriesScheduledTotal.Inc()
}

func (s *PrometheusSink) DeliveriesInFlightIncr() {
	s.deliveriesInFlight.Inc()
}

func (s *PrometheusSink) DeliveriesInFlightDecr() {
	s.deliveriesInFlight.Dec()
}

func (s *PrometheusSink) SweepCompleted(claimed int, d time.Duration) {
	s.sweepClaimedTotal.Add(float64(claimed))
	s.sweepDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) AlertRaised(kind string) {
	s.alertsRaisedTotal.WithLabelValues(kind).Inc()
}
