package api

import "github.com/prometheus/client_golang/prometheus"

var (
	feedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "api",
		Subsystem: "feed",
		Name:      "clients",
		Help:      "Connected websocket feed clients.",
	})

	feedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "api",
		Subsystem: "feed",
		Name:      "messages_total",
		Help:      "Operations written to feed clients.",
	})
)

func init() {
	prometheus.MustRegister(feedClients, feedMessages)
}
