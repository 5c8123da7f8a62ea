package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tablerelay"
)

var (
	// LedgerAppends counts appended record batches.
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Ledger append batches by outcome",
		},
		[]string{"status"}, // ok/error
	)

	LedgerRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_records_total",
			Help:      "Records written to the ledger",
		},
	)

	LedgerBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_blocks",
			Help:      "Blocks in the current ledger generation",
		},
	)

	LedgerCompactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_compactions_total",
			Help:      "Ledger compactions by outcome",
		},
		[]string{"status"}, // ok/error/skipped
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Calls waiting in a cluster execution queue",
		},
		[]string{"cluster", "queue"}, // queue: query/command/export
	)

	RemoteCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Engine calls by operation and outcome",
		},
		[]string{"op", "status"}, // status: ok/retry/error
	)

	RemoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Engine call latency in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"op"},
	)

	BlockTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_transitions_total",
			Help:      "Block state transitions",
		},
		[]string{"state"},
	)

	BlockReprocessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_reprocessed_total",
			Help:      "Blocks rolled back to Planned after a failed operation",
		},
	)

	AwaiterPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "awaiter_polls_total",
			Help:      "Batched operation status polls",
		},
		[]string{"status"},
	)

	AwaiterPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "awaiter_pending",
			Help:      "Operations being awaited",
		},
		[]string{"cluster"},
	)

	SubscriberDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_subscriber_drops_total",
			Help:      "Change notifications dropped for slow subscribers",
		},
	)
)
