// Package metrics exposes the gateway's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts analyze requests by terminal outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chorus",
		Name:      "requests_total",
		Help:      "Analyze requests by outcome.",
	}, []string{"outcome"})

	// StageDuration observes wall-clock stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chorus",
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	// AdapterFailures counts adapter failures by provider and taxonomy type.
	AdapterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chorus",
		Name:      "adapter_failures_total",
		Help:      "Adapter failures by provider and error type.",
	}, []string{"provider", "error_type"})

	// CircuitTransitions counts circuit breaker state changes.
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chorus",
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker transitions by provider and new state.",
	}, []string{"provider", "state"})

	// EventsPublished counts events written to the bus.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chorus",
		Name:      "events_published_total",
		Help:      "Events published to the in-memory bus.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
