// Package metrics exposes Prometheus counters for the provisioning engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	appliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Name:      "applies_total",
		Help:      "Segment apply operations by kind and result.",
	}, []string{"kind", "result"})

	teardownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Name:      "teardowns_total",
		Help:      "Segment teardown operations by kind and result.",
	}, []string{"kind", "result"})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Name:      "rollbacks_total",
		Help:      "Rollbacks triggered by failed activations.",
	}, []string{"kind"})

	rollbackFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Name:      "rollback_failures_total",
		Help:      "Rollbacks that could not restore previous state (drift).",
	}, []string{"kind"})

	objectsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "provisiond",
		Name:      "objects",
		Help:      "Desired-state objects currently stored, by kind.",
	}, []string{"kind"})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "provisiond",
		Name:      "apply_duration_seconds",
		Help:      "Wall time of apply operations, validation through store write.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"kind"})
)

// RecordApply counts one apply operation.
func RecordApply(kind, result string, seconds float64) {
	appliesTotal.WithLabelValues(kind, result).Inc()
	applyDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordTeardown counts one teardown operation.
func RecordTeardown(kind, result string) {
	teardownsTotal.WithLabelValues(kind, result).Inc()
}

// RecordRollback counts a rollback; failed marks it as unrecoverable drift.
func RecordRollback(kind string, failed bool) {
	rollbacksTotal.WithLabelValues(kind).Inc()
	if failed {
		rollbackFailuresTotal.WithLabelValues(kind).Inc()
	}
}

// SetObjects records the current object count for a kind.
func SetObjects(kind string, n int) {
	objectsGauge.WithLabelValues(kind).Set(float64(n))
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
