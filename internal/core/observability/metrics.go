// Package observability holds the Prometheus collectors shared by the gateway.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	facilityLabel atomic.Value
	enabled       atomic.Bool
)

func init() {
	facilityLabel.Store("unknown")
	enabled.Store(true)
	register(prometheus.DefaultRegisterer)
}

func SetFacility(s string) {
	if s == "" {
		s = "unknown"
	}
	facilityLabel.Store(s)
}

func getFacility() string {
	if s, ok := facilityLabel.Load().(string); ok && s != "" {
		return s
	}
	return "unknown"
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status", "facility"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status", "facility"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "facility"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	decodeFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_decode_fallbacks_total",
			Help: "URL fields that failed to decode and fell back to prior state.",
		},
		[]string{"field"},
	)

	cartLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_lookups_total",
			Help: "Cart size/file-count lookups by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	cartLookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cart_lookup_duration_seconds",
			Help:    "Duration of individual cart lookups.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"kind"},
	)

	cartStaleResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cart_lookup_stale_total",
			Help: "Lookup results discarded because their epoch was superseded.",
		},
	)

	cartTotals = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cart_last_totals",
			Help: "Totals of the most recently aggregated cart.",
		},
		[]string{"measure"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Cache backend operations by result.",
		},
		[]string{"op", "result"},
	)

	cacheOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	sizeCacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "size_cache_results_total",
			Help: "Size/count cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Entity change events processed by the invalidation consumer.",
		},
		[]string{"op", "result"},
	)

	invalidationKeys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invalidation_evicted_entities_total",
			Help: "Entities evicted from the size cache by invalidation events.",
		},
	)

	invalidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invalidation_duration_seconds",
			Help:    "Time to process one invalidation event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	kafkaConsumerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Kafka consumer errors by kind.",
		},
		[]string{"kind"},
	)

	cartEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_events_total",
			Help: "Cart events handed to the publisher.",
		},
		[]string{"type", "result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds, buildInfo,
		decodeFallbacks, cartLookups, cartLookupDuration, cartStaleResults, cartTotals,
		cacheOps, cacheOpDuration, sizeCacheResults,
		invalidations, invalidationKeys, invalidationDuration, kafkaConsumerErrors,
		cartEvents,
	}
}

func register(reg prometheus.Registerer) {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

// Init registers the collectors with reg (in addition to the default registry)
// and toggles recording.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if reg != nil && on {
		register(reg)
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	f := getFacility()
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st, f).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st, f).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	upstreamLatencySeconds.WithLabelValues(upstream, getFacility()).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func IncDecodeFallback(field string) {
	if !enabled.Load() {
		return
	}
	decodeFallbacks.WithLabelValues(field).Inc()
}

// ObserveLookup records one cart lookup; outcome is resolved, unknown or error.
func ObserveLookup(kind, outcome string, d time.Duration) {
	if !enabled.Load() {
		return
	}
	cartLookups.WithLabelValues(kind, outcome).Inc()
	cartLookupDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func IncStaleResult() {
	if !enabled.Load() {
		return
	}
	cartStaleResults.Inc()
}

func ObserveCartTotals(entries int, files, bytes int64) {
	if !enabled.Load() {
		return
	}
	cartTotals.WithLabelValues("entries").Set(float64(entries))
	cartTotals.WithLabelValues("files").Set(float64(files))
	cartTotals.WithLabelValues("bytes").Set(float64(bytes))
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOps.WithLabelValues(op, res).Inc()
	cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

// IncSizeCache records a cache lookup on tier l1, l2 or origin.
func IncSizeCache(tier, outcome string) {
	if !enabled.Load() {
		return
	}
	sizeCacheResults.WithLabelValues(tier, outcome).Inc()
}

func ObserveInvalidation(op string, evicted int, d time.Duration, err error) {
	if !enabled.Load() {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	invalidations.WithLabelValues(op, res).Inc()
	invalidationKeys.Add(float64(evicted))
	invalidationDuration.Observe(d.Seconds())
}

func IncKafkaConsumerError(kind string) {
	if !enabled.Load() {
		return
	}
	kafkaConsumerErrors.WithLabelValues(kind).Inc()
}

func IncCartEvent(typ, result string) {
	if !enabled.Load() {
		return
	}
	cartEvents.WithLabelValues(typ, result).Inc()
}
