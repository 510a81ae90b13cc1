package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotsUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "uploaded_total",
		Help:      "Operation log snapshots written to object storage.",
	})

	snapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "failures_total",
		Help:      "Snapshot attempts that failed.",
	})

	snapshotOps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapshot",
		Name:      "last_operations",
		Help:      "Operations contained in the most recent snapshot.",
	})
)

func init() {
	prometheus.MustRegister(snapshotsUploaded, snapshotFailures, snapshotOps)
}
