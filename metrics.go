package fedstore

import "github.com/prometheus/client_golang/prometheus"

// Metrics are observability aids only; nothing in the facade's correctness
// depends on their values, per spec §9's note on the snapshot id counter.
var (
	writeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fedstore",
		Subsystem: "coordinator",
		Name:      "write_latency_seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"stage"})

	writeSideFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedstore",
		Subsystem: "coordinator",
		Name:      "write_side_failures_total",
	}, []string{"side"})

	reconcileCopies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedstore",
		Subsystem: "reconcile",
		Name:      "copies_total",
	}, []string{"direction", "result"})

	dispatchDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedstore",
		Subsystem: "events",
		Name:      "dispatch_total",
	}, []string{"topic"})

	dedupSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedstore",
		Subsystem: "dedup",
		Name:      "suppressed_total",
	}, []string{"topic"})

	replicateApplyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedstore",
		Subsystem: "replicate",
		Name:      "apply_errors_total",
	}, []string{"mutation_type"})
)

// RegisterMetrics registers every metric this package defines with reg. It
// is meant to be called at most once per registry: a second call returns
// the registry's already-registered error for the first collector.
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		writeLatency,
		writeSideFailures,
		reconcileCopies,
		dispatchDeliveries,
		dedupSuppressed,
		replicateApplyErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
