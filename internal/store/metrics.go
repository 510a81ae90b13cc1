package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	txLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Name:      "tx_seconds",
		Help:      "Latency of library transactions including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"dialect", "outcome"})

	txRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Name:      "tx_retries_total",
		Help:      "Transactions rerun after a transient storage error.",
	}, []string{"dialect"})

	opsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Name:      "operations_appended_total",
		Help:      "Operations written to the operation logs.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(txLatency, txRetries, opsAppended)
}
