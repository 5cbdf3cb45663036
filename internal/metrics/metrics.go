package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AuthTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgw_auth_total",
			Help: "Authentication outcomes by result and source",
		},
		[]string{"result", "source"}, // ok|invalid|expired|unavailable , cache|store|none
	)

	KeyCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgw_key_cache_total",
			Help: "Key cache operations",
		},
		[]string{"op"}, // hit|miss|stale|evict|sweep
	)

	KeyCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgw_key_cache_entries",
			Help: "Entries currently held by the key cache",
		},
	)

	RateLimitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgw_ratelimit_decisions_total",
			Help: "Rate limit decisions by outcome and governing window",
		},
		[]string{"decision", "window"}, // allowed|rejected|override|degraded
	)

	RateLimitTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgw_ratelimit_tracked_keys",
			Help: "Partner keys currently tracked by the in-memory limiter",
		},
	)

	ValidationRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgw_validation_rejects_total",
			Help: "Request validation rejections by stage and code",
		},
		[]string{"stage", "code"}, // headers|query|body|file
	)

	UsageEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgw_usage_events_total",
			Help: "Usage events by outcome",
		},
		[]string{"outcome"}, // queued|published|dropped|failed|stored
	)

	ResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgw_responses_total",
			Help: "Pipeline responses by endpoint and code",
		},
		[]string{"endpoint", "code"}, // ok|<taxonomy code>
	)

	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgw_pipeline_duration_seconds",
			Help:    "Time spent in the admission pipeline including the wrapped handler",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"endpoint"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgw_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		AuthTotal,
		KeyCacheTotal,
		KeyCacheEntries,
		RateLimitTotal,
		RateLimitTracked,
		ValidationRejects,
		UsageEvents,
		ResponsesTotal,
		PipelineDuration,
		BreakerState,
	}
}

// MustRegister registers every collector; repeated registration on the same
// registerer (serve + worker in one process, tests) is tolerated.
func MustRegister(r prometheus.Registerer) {
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}
