package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking_core",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		},
		[]string{"route", "status"},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking_core",
			Name:      "webhook_events_total",
			Help:      "Authenticated webhook events by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	paymentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking_core",
			Name:      "payment_calls_total",
			Help:      "Calls to the payment authority by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	paymentCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "booking_core",
			Name:      "payment_call_duration_seconds",
			Help:      "Latency of payment authority calls including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	trainerDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking_core",
			Name:      "trainer_decisions_total",
			Help:      "Trainer decisions by action and result.",
		},
		[]string{"action", "result"},
	)

	discountRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking_core",
			Name:      "discount_redemptions_total",
			Help:      "Discount redemptions by result.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, webhookEvents, paymentCalls, paymentCallDuration, trainerDecisions, discountRedemptions)
	})
}

func IncHTTP(route, status string) {
	httpRequests.WithLabelValues(route, status).Inc()
}

func IncWebhook(kind, outcome string) {
	webhookEvents.WithLabelValues(kind, outcome).Inc()
}

// ObservePaymentCall records one logical payment authority call; retries are folded in.
func ObservePaymentCall(op, outcome string, seconds float64) {
	paymentCalls.WithLabelValues(op, outcome).Inc()
	paymentCallDuration.WithLabelValues(op).Observe(seconds)
}

func IncTrainerDecision(action, result string) {
	trainerDecisions.WithLabelValues(action, result).Inc()
}

func IncDiscountRedemption(result string) {
	discountRedemptions.WithLabelValues(result).Inc()
}
