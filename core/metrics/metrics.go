// Package metrics holds the Prometheus collectors shared by the proctoring and relay packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proctor"

var (
	Registry = prometheus.NewRegistry()

	ViolationsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "violations_recorded_total",
		Help:      "Violations recorded into candidate ledgers, by signal kind.",
	}, []string{"kind"})

	ForceSubmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "force_submits_total",
		Help:      "Exam attempts force-submitted by policy.",
	})

	ActiveLedgers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_ledgers",
		Help:      "Violation ledgers currently held in memory.",
	})

	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_persist_failures_total",
		Help:      "Ledger snapshots that could not be stored after all retries.",
	})

	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Connected relay clients.",
	})

	RelayRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "rooms",
		Help:      "Rooms with at least one member.",
	})

	RelayDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "delivered_total",
		Help:      "Events queued to a connection.",
	})

	RelayDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Events dropped because a connection queue was full.",
	})

	VisionScans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vision",
		Name:      "scans_total",
		Help:      "Vision scans by outcome (ok, skipped, error).",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ViolationsRecorded,
		ForceSubmits,
		ActiveLedgers,
		PersistFailures,
		RelayConnections,
		RelayRooms,
		RelayDelivered,
		RelayDropped,
		VisionScans,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
