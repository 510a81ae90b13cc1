package syncstate

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	writeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Name:      "write_seconds",
		Help:      "Latency of write path transactions including the caller's mutation.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	opsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "operations_written_total",
		Help:      "Local operations committed through the write path.",
	}, []string{"kind"})

	ingestResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "ingest_results_total",
		Help:      "Remote operations processed by ingestion, by outcome.",
	}, []string{"outcome"})

	staleSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "stale_writes_skipped_total",
		Help:      "Field writes, creates and deletes skipped because newer state was already applied.",
	}, []string{"model"})

	pendingSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "pending",
		Name:      "operations",
		Help:      "Operations parked until a missing dependency arrives.",
	})

	pendingDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "pending",
		Name:      "drained_total",
		Help:      "Parked operations retried after their dependency was created.",
	})

	pendingDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "pending",
		Name:      "dropped_total",
		Help:      "Operations not parked because the pending buffer was full.",
	})

	outboundDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "outbound_dropped_total",
		Help:      "Committed operations not handed to the outbound channel.",
	})

	notifyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "notifications_dropped_total",
		Help:      "Applied-operation notifications dropped for slow subscribers.",
	})

	clockDrift = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "clock_drift_total",
		Help:      "Remote timestamps ahead of local physical time by more than the allowed drift.",
	})

	tracer = otel.Tracer("github.com/example/library-sync/sync")
)

func init() {
	prometheus.MustRegister(
		writeLatency,
		opsWritten,
		ingestResults,
		staleSkipped,
		pendingSize,
		pendingDrained,
		pendingDropped,
		outboundDropped,
		notifyDropped,
		clockDrift,
	)
}
