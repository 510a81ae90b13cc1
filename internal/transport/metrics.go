package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	published = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "published_total",
		Help:      "Operations published to the library channel.",
	})

	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "publish_failures_total",
		Help:      "Failed publish attempts, each followed by a retry.",
	})

	received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "received_total",
		Help:      "Messages received from the library channel, by outcome.",
	}, []string{"outcome"})

	deadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "dead_letters_total",
		Help:      "Operations moved to the dead-letter list, by error class.",
	}, []string{"class"})

	catchUps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "catch_ups_total",
		Help:      "Catch-up runs after subscribing or on the catch-up interval, by result.",
	}, []string{"result"})

	deliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "transport",
		Name:      "enqueue_to_ingest_seconds",
		Help:      "Observed latency between publish and ingestion on a peer.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	tracer = otel.Tracer("github.com/example/library-sync/transport")
)

func init() {
	prometheus.MustRegister(published, publishFailures, received, deadLetters, catchUps, deliveryLatency)
}
