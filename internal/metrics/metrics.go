// Package metrics holds the crawler's Prometheus instrumentation:
// module-level vars, registered via MustRegister in init(). Scraping
// them is the (out-of-scope) HTTP endpoint collaborator's job; this
// package only publishes them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spectre_crawler_sessions_in_flight",
		Help: "Number of peer sessions currently open.",
	})

	AddressesDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectre_crawler_addresses_discovered_total",
		Help: "Total number of distinct addresses ever enqueued by the frontier.",
	})

	TasksSpawned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectre_crawler_tasks_spawned_total",
		Help: "Total number of peer-visit tasks spawned.",
	})

	HandshakeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spectre_crawler_handshake_outcomes_total",
		Help: "Handshake/address-exchange outcomes by kind.",
	}, []string{"outcome"})

	GeolocationLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spectre_crawler_geolocation_lookups_total",
		Help: "Geolocation lookups by result.",
	}, []string{"result"})

	TokenBucketFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spectre_crawler_token_bucket_free",
		Help: "Free capacity of the frontier's concurrency token bucket.",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsInFlight,
		AddressesDiscovered,
		TasksSpawned,
		HandshakeOutcomes,
		GeolocationLookups,
		TokenBucketFree,
	)
}
