// Package metrics exposes the proxy's Prometheus counters/histograms/
// gauges for the statistics spec.md §6 names: xact_count, query_count,
// wait_time, connect_time, parse_count, bind_count, rollbacks,
// healthchecks, and friends.
//
// Grounded on mevdschee-tqdbproxy/metrics/metrics.go's package-vars +
// sync.Once Init() + promhttp.Handler() registration shape, with label
// sets and metric names replaced by spec §6's pool/stats vocabulary.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	XactCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pgdog_xact_count_total", Help: "Total transactions processed"},
		[]string{"database", "shard"},
	)

	QueryCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pgdog_query_count_total", Help: "Total queries processed"},
		[]string{"database", "shard"},
	)

	ParseCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pgdog_parse_count_total", Help: "Total Parse messages handled"},
		[]string{"database"},
	)

	BindCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pgdog_bind_count_total", Help: "Total Bind messages handled"},
		[]string{"database"},
	)

	Rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pgdog_rollbacks_total", Help: "Total transaction rollbacks"},
		[]string{"database", "shard"},
	)

	Healthchecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pgdog_healthchecks_total", Help: "Total backend healthchecks performed"},
		[]string{"address", "result"},
	)

	WaitTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdog_wait_time_seconds",
			Help:    "Time a client request waited for a pool checkout",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database", "shard", "role"},
	)

	ConnectTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdog_connect_time_seconds",
			Help:    "Time to establish a new backend connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"address"},
	)

	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdog_query_latency_seconds",
			Help:    "Query round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database", "shard", "command"},
	)

	PoolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pgdog_pool_idle_connections", Help: "Idle connections currently held by a pool"},
		[]string{"database", "shard", "role"},
	)

	PoolTaken = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pgdog_pool_taken_connections", Help: "Connections currently checked out from a pool"},
		[]string{"database", "shard", "role"},
	)

	PoolWaiters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pgdog_pool_waiters", Help: "Clients currently waiting for a pool checkout"},
		[]string{"database", "shard", "role"},
	)

	TwoPCCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pgdog_two_pc_total", Help: "Total two-phase-commit transactions"},
		[]string{"database", "result"},
	)

	once sync.Once
)

// Init registers every metric collector with the default Prometheus
// registry. Safe to call multiple times.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			XactCount, QueryCount, ParseCount, BindCount, Rollbacks, Healthchecks,
			WaitTime, ConnectTime, QueryLatency,
			PoolIdle, PoolTaken, PoolWaiters,
			TwoPCCount,
		)
	})
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DeletePartialMatch removes every pool-scoped gauge series matching
// labels (e.g. {"database": "shop", "shard": "2"}) — used when a shard is
// removed on config reload so stale series don't linger forever.
// Grounded on JeelKantaria-db-bouncer/internal/metrics/metrics.go's
// identical per-pool cleanup pattern.
func DeletePartialMatch(labels map[string]string) {
	PoolIdle.DeletePartialMatch(labels)
	PoolTaken.DeletePartialMatch(labels)
	PoolWaiters.DeletePartialMatch(labels)
}
