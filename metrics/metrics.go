// Package metrics exposes the consensus telemetry counters. Recording is
// best-effort: nothing in the consensus path ever blocks on a metric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the node records into. Passing a nil
// registerer to New yields unregistered instruments, which is what the tests
// use.
type Metrics struct {
	DeliveredBlocks prometheus.Counter
	Forks           prometheus.Counter
	Equivocations   prometheus.Counter
	FinalizedRounds prometheus.Counter
	AdvancedRounds  prometheus.Counter
	RoundDuration   prometheus.Histogram
	QuorumLatency   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DeliveredBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catchain",
			Name:      "delivered_blocks_total",
			Help:      "Number of DAG blocks delivered in causal order.",
		}),
		Forks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catchain",
			Name:      "fork_proofs_total",
			Help:      "Number of fork proofs recorded against misbehaving senders.",
		}),
		Equivocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catchain",
			Name:      "equivocation_proofs_total",
			Help:      "Number of conflicting votes recorded as evidence.",
		}),
		FinalizedRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catchain",
			Name:      "finalized_rounds_total",
			Help:      "Number of rounds that reached a finalized certificate.",
		}),
		AdvancedRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catchain",
			Name:      "advanced_rounds_total",
			Help:      "Number of rounds abandoned without a decision.",
		}),
		RoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "catchain",
			Name:      "round_duration_seconds",
			Help:      "Wall time from round start to finalization.",
			Buckets:   prometheus.DefBuckets,
		}),
		QuorumLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "catchain",
			Name:      "quorum_latency_seconds",
			Help:      "Wall time from round start to the precommit quorum.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
