package pushmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DeliveriesTotal counts completed delivery attempts by outcome.
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Total number of push delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// DeliveryDuration measures the wall time of a delivery task's outbound
	// POST, from dispatch to reply.
	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "push_delivery_duration_seconds",
			Help:    "Duration of outbound push delivery POSTs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RetriesTotal counts every Send issued from the retry scheduler.
	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_retries_total",
			Help: "Total number of delivery attempts issued by the retry scheduler",
		},
	)

	// AbandonedTotal counts subscriptions dropped from the retry set after
	// exhausting push_attempts_max.
	AbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_abandoned_total",
			Help: "Total number of subscriptions abandoned after exhausting delivery attempts",
		},
	)

	// VerificationsTotal counts verification POSTs by outcome.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_verifications_total",
			Help: "Total number of verification requests by outcome",
		},
		[]string{"outcome"},
	)

	// VerificationDuration measures the wall time of a verification POST,
	// from dispatch to reply, by result.
	VerificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_verification_duration_seconds",
			Help:    "Duration of outbound verification POSTs in seconds, by result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// SubscriptionsActive is the current size of the manager's subscription map.
	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_subscriptions_active",
			Help: "Current number of registered push subscriptions",
		},
	)

	// PendingRetry is the current size of the retry set.
	PendingRetry = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_pending_retry",
			Help: "Current number of subscriptions awaiting a retry pass",
		},
	)
)

func init() {
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(AbandonedTotal)
	prometheus.MustRegister(VerificationsTotal)
	prometheus.MustRegister(VerificationDuration)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(PendingRetry)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations before observing them on a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
