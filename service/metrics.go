package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fee-backend/models"
)

// MetricsCollector tracks fee computations, decryptions and policy changes.
// It owns its registry so several services can coexist in one process.
type MetricsCollector struct {
	registry *prometheus.Registry

	computations  prometheus.Counter
	failures      *prometheus.CounterVec
	duration      prometheus.Histogram
	ladderDepth   prometheus.Gauge
	policyUpdates *prometheus.CounterVec
	decrypts      *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		computations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fee",
			Name:      "computations_total",
			Help:      "Successful encrypted fee computations.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fee",
			Name:      "computation_failures_total",
			Help:      "Rejected or failed fee computations by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fee",
			Name:      "computation_duration_seconds",
			Help:      "Time spent ingesting, computing and storing one fee.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ladderDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fee",
			Name:      "ladder_rungs",
			Help:      "Subtraction ladder rungs under the current cap.",
		}),
		policyUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fee",
			Name:      "policy_updates_total",
			Help:      "Accepted policy mutations by field.",
		}, []string{"field"}),
		decrypts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fee",
			Name:      "decrypt_requests_total",
			Help:      "Gateway decrypt requests by outcome.",
		}, []string{"outcome"}),
	}

	mc.registry.MustRegister(mc.computations, mc.failures, mc.duration, mc.ladderDepth, mc.policyUpdates, mc.decrypts)
	return mc
}

// Registry exposes the collector's registry for the /metrics handler.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// RecordComputation records the outcome of one ComputeFee call.
func (mc *MetricsCollector) RecordComputation(duration time.Duration, err error) {
	mc.duration.Observe(duration.Seconds())
	if err != nil {
		mc.failures.WithLabelValues(failureReason(err)).Inc()
		return
	}
	mc.computations.Inc()
}

func (mc *MetricsCollector) SetLadderRungs(rungs int) {
	mc.ladderDepth.Set(float64(rungs))
}

func (mc *MetricsCollector) RecordPolicyUpdate(field string) {
	mc.policyUpdates.WithLabelValues(field).Inc()
}

func (mc *MetricsCollector) RecordDecrypt(err error) {
	switch {
	case err == nil:
		mc.decrypts.WithLabelValues("ok").Inc()
	case errors.Is(err, models.ErrNotAuthorized):
		mc.decrypts.WithLabelValues("refused").Inc()
	default:
		mc.decrypts.WithLabelValues("error").Inc()
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, models.ErrInvalidPolicy):
		return "invalid_policy"
	default:
		return "substrate"
	}
}
