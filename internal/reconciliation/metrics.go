package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcilePoolMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taintguard",
		Subsystem: "reconciliation",
		Name:      "pool_mismatch",
		Help:      "1 if the pool balance disagreed with its history in the last run.",
	})

	reconcileRecoveryMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taintguard",
		Subsystem: "reconciliation",
		Name:      "recovery_mismatch",
		Help:      "1 if pool reversal spending disagreed with recovered report totals in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taintguard",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcilePoolMismatch,
		reconcileRecoveryMismatch,
		reconcileDuration,
		reconcileErrors,
	)
}
