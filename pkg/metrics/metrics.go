package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbm_gateway_requests_total",
			Help: "Total number of gateway requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gbm_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Upstream (GitLab API) metrics
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbm_upstream_requests_total",
			Help: "Total number of upstream GitLab requests by host, method and status",
		},
		[]string{"host", "method", "status"},
	)

	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gbm_upstream_retries_total",
			Help: "Total number of retried upstream requests",
		},
	)

	RateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gbm_ratelimit_wait_seconds",
			Help:    "Time spent waiting for an upstream rate limit token",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	RateLimitDeferralsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gbm_ratelimit_deferrals_total",
			Help: "Total number of upstream 429/Retry-After deferrals observed",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gbm_sessions_active",
			Help: "Number of live authenticated sessions",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gbm_jobs_total",
			Help: "Number of tracked jobs by kind and state",
		},
		[]string{"kind", "state"},
	)

	JobItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbm_job_items_total",
			Help: "Total number of finished job items by kind and action",
		},
		[]string{"kind", "action"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gbm_job_duration_seconds",
			Help:    "Wall time of finished jobs by kind",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"kind"},
	)

	// Progress bus metrics
	BusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbm_bus_events_total",
			Help: "Total number of events published to the progress bus by kind",
		},
		[]string{"kind"},
	)

	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbm_bus_dropped_total",
			Help: "Total number of dropped events by reason (ring, subscriber)",
		},
		[]string{"reason"},
	)

	// WebSocket metrics
	WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gbm_ws_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	// Migration metrics
	MigrationRevisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gbm_migration_revisions_total",
			Help: "Total number of SVN revisions converted to Git commits",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayRequestDuration)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRetriesTotal)
	prometheus.MustRegister(RateLimitWaitSeconds)
	prometheus.MustRegister(RateLimitDeferralsTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobItemsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(BusEventsTotal)
	prometheus.MustRegister(BusDroppedTotal)
	prometheus.MustRegister(WSConnectionsActive)
	prometheus.MustRegister(MigrationRevisionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds into obs
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds into a labeled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
