// Package metrics provides Prometheus metrics for the offline engine
// (interception traffic, partition hit rates, revalidation, update handshake).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ireti"

var (
	// RequestsTotal counts intercepted requests by classification and the
	// source that ultimately answered (cache, network, fallback, synthetic,
	// proxy).
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_requests_total",
			Help:      "Total intercepted requests by class and answering source.",
		},
		[]string{"class", "source"},
	)

	// RequestDurationSeconds times request handling end to end. The class
	// label keeps cardinality bounded on the intercepted catch-all route;
	// control endpoints report as "control".
	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_request_duration_seconds",
			Help:      "End to end request handling duration by class.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	// CacheHitsTotal counts partition lookups that returned an entry.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_cache_hits_total",
			Help:      "Total partition lookups that found an entry.",
		},
		[]string{"partition"},
	)

	// CacheMissesTotal counts partition lookups that came up empty.
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_cache_misses_total",
			Help:      "Total partition lookups that found nothing.",
		},
		[]string{"partition"},
	)

	// RevalidationsTotal counts background refreshes by result (stored,
	// failed, suppressed).
	RevalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_revalidations_total",
			Help:      "Total background revalidations by result.",
		},
		[]string{"result"},
	)

	// FallbacksServedTotal counts navigations answered by the offline
	// fallback document.
	FallbacksServedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_fallbacks_served_total",
			Help:      "Total responses served from the offline fallback document.",
		},
	)

	// InstallDurationSeconds is the pre-warm duration per install attempt.
	InstallDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_install_duration_seconds",
			Help:      "Duration of the install pre-warm step.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	// PagesConnected is the number of pages holding a coordinator connection.
	PagesConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_pages_connected",
			Help:      "Number of connected coordinator clients (pages).",
		},
	)

	// UpdateWaiting is 1 while an installed version is waiting to activate.
	UpdateWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_update_waiting",
			Help:      "Whether a newly installed version is waiting for activation.",
		},
	)

	// PartitionsDestroyedTotal counts partitions removed by activation GC.
	PartitionsDestroyedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_partitions_destroyed_total",
			Help:      "Total partitions destroyed by activation garbage collection.",
		},
	)

	// OriginBreakerState is the current origin circuit breaker state
	// (0 closed, 1 open, 2 half-open).
	OriginBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_origin_breaker_state",
			Help:      "Origin circuit breaker state (0 closed, 1 open, 2 half-open).",
		},
	)

	// OriginBreakerTransitionsTotal counts breaker state changes.
	OriginBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_origin_breaker_transitions_total",
			Help:      "Total origin circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)
)
