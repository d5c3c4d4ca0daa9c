/*

Prometheus instrumentation for both loops. Registered on the default
registry and exposed by the web server at /metrics.

*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "guardian",
		Name:      "sweeps_total",
		Help:      "Number of guardian sweeps started.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steward",
		Subsystem: "guardian",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of a full guardian sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	OutOfRangeDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "guardian",
		Name:      "out_of_range_detected_total",
		Help:      "Positions observed outside their configured price range.",
	})

	GuardConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "guardian",
		Name:      "guard_conflicts_total",
		Help:      "Lock acquisitions lost to another worker.",
	})

	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "guardian",
		Name:      "liquidations_total",
		Help:      "Liquidation attempts by outcome.",
	}, []string{"outcome"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Allocation engine evaluations by outcome.",
	}, []string{"outcome"})

	RebalancesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "engine",
		Name:      "rebalances_executed_total",
		Help:      "Rebalances that passed all gates and were executed.",
	})

	ChainRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "chain",
		Name:      "retries_total",
		Help:      "Transient chain call retries by operation.",
	}, []string{"op"})

	ChainFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "chain",
		Name:      "failures_total",
		Help:      "Chain calls that exhausted their retry budget, by operation.",
	}, []string{"op"})
)
