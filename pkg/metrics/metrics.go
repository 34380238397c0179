package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	AdmissionsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_admissions_dropped_total",
			Help: "Messages dropped at admission by reason",
		},
		[]string{"reason"},
	)

	MessagesAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "butler_messages_admitted_total",
			Help: "Messages admitted to the dispatcher",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "butler_queue_depth",
			Help: "Queue depth per conversation",
		},
		[]string{"conversation"},
	)

	TurnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_turn_failures_total",
			Help: "Failed agent turns by cause",
		},
		[]string{"cause"},
	)

	DeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "butler_dead_letters_total",
			Help: "Queue entries moved to the dead-letter store",
		},
	)

	// Pool metrics
	PoolInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "butler_pool_instances",
			Help: "Container instances by state",
		},
		[]string{"state"},
	)

	ColdSpawnFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "butler_cold_spawn_fallbacks_total",
			Help: "Acquisitions served by a cold spawn because no warm instance was ready",
		},
	)

	// Retrieval metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "butler_retrieval_cache_hits_total",
			Help: "Retrieval cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "butler_retrieval_cache_misses_total",
			Help: "Retrieval cache misses",
		},
	)

	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "butler_search_duration_seconds",
			Help:    "Hybrid search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics
	JobsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_jobs_fired_total",
			Help: "Scheduled jobs fired by kind",
		},
		[]string{"kind"},
	)

	HeartbeatAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "butler_heartbeat_alerts_total",
			Help: "Heartbeat alerts raised",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AdmissionsDropped,
		MessagesAdmitted,
		QueueDepth,
		TurnFailures,
		DeadLetters,
		PoolInstances,
		ColdSpawnFallbacks,
		CacheHits,
		CacheMisses,
		SearchDuration,
		JobsFired,
		HeartbeatAlerts,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
