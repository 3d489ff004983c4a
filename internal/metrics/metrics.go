// Package metrics owns the Prometheus registry for the edge. Labels are kept
// to bounded sets (method, route pattern, status, small enums) so proxied
// paths never become label values.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/formhub-edge/internal/version"
)

var (
	durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	// form definitions are small, submissions with attachments are not
	sizeBuckets = []float64{256, 1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20, 50 << 20}
)

// ServerMetrics holds every collector the edge exports.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	panics    prometheus.Counter
	limited   prometheus.Counter
	limitFull prometheus.Counter
	upstream  prometheus.Counter
	adminDeny *prometheus.CounterVec

	// process
	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge

	// hooks
	localeRewrites  prometheus.Counter
	datesDropped    prometheus.Counter
	rendered405     prometheus.Counter
	userAnnotations prometheus.Counter
	reported        prometheus.Counter
	reportFailures  *prometheus.CounterVec

	// auth
	authResults   *prometheus.CounterVec
	usersLoaded   prometheus.Gauge
	usersSource   *prometheus.GaugeVec
	usersLoadedAt prometheus.Gauge
	usersPolls    prometheus.Counter
	usersSwaps    prometheus.Counter
	usersErrors   *prometheus.CounterVec
}

func counter(f promauto.Factory, name, help string) prometheus.Counter {
	return f.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func gauge(f promauto.Factory, name, help string) prometheus.Gauge {
	return f.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// New returns metrics on a fresh registry that also carries the Go runtime
// and process collectors.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &ServerMetrics{
		reg:       reg,
		inflight:  gauge(f, "http_inflight_requests", "Current number of in-flight HTTP requests"),
		panics:    counter(f, "http_panic_total", "Total number of recovered httpserver panics"),
		limited:   counter(f, "http_requests_rate_limited_total", "Total requests rejected by rate limiter"),
		limitFull: counter(f, "http_requests_rate_limited_capacity_total", "Times the rate limiter refused to track a new client because it was full"),
		upstream:  counter(f, "upstream_errors_total", "Requests that failed to reach the form backend"),
		profiling: gauge(f, "profiling_active", "Whether continuous profiling is active (1) or disabled/failed (0)"),

		localeRewrites:  counter(f, "hook_locale_rewrites_total", "Accept-Language headers rewritten from km to km-kh"),
		datesDropped:    counter(f, "hook_date_headers_dropped_total", "Request Date headers removed because they were not valid header text"),
		rendered405:     counter(f, "hook_method_not_allowed_rendered_total", "405 responses replaced with the rendered template"),
		userAnnotations: counter(f, "hook_user_annotations_total", "Responses annotated with the authenticated username"),
		reported:        counter(f, "exceptions_reported_total", "Unhandled exceptions written to the diagnostic stream"),

		usersLoaded:   gauge(f, "users_loaded", "Number of users in the active credentials set"),
		usersLoadedAt: gauge(f, "users_loaded_timestamp_seconds", "Unix time the active credentials were loaded"),
		usersPolls:    counter(f, "users_watcher_polls_total", "Credentials watcher poll cycles"),
		usersSwaps:    counter(f, "users_watcher_swaps_total", "Credentials sets swapped in by the watcher"),
	}

	m.requests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests by method, route, and status",
	}, []string{"method", "route", "status"})
	m.errors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_errors_total",
		Help: "Total 5xx HTTP server errors by method and route",
	}, []string{"method", "route"})
	m.duration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Request latency by method and route",
		Buckets: durationBuckets,
	}, []string{"method", "route"})
	m.respBytes = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "Response size by method and route",
		Buckets: sizeBuckets,
	}, []string{"method", "route"})
	m.buildInfo = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1)",
	}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"})
	m.adminDeny = f.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_requests_rejected_total",
		Help: "Requests refused by the admin listener's source check, by reason",
	}, []string{"reason"})
	m.reportFailures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "exception_report_failures_total",
		Help: "Exception reports that could not be produced, by failing step",
	}, []string{"op"})
	m.authResults = f.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_results_total",
		Help: "Basic auth outcomes (ok, invalid, anonymous)",
	}, []string{"result"})
	m.usersSource = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "users_source_info",
		Help: "Current credentials source (label carries the value, gauge is always 1)",
	}, []string{"source"})
	m.usersErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "users_watcher_errors_total",
		Help: "Credentials watcher errors by stage",
	}, []string{"stage"})

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

// Handler serves the registry for the admin listener.
func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry is exposed for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

// SetBuildInfoFromVersion publishes build metadata; call once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profiling.Set(v)
}

func (m *ServerMetrics) IncHttpPanic()         { m.panics.Inc() }
func (m *ServerMetrics) IncRateLimitDenied()   { m.limited.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.limitFull.Inc() }
func (m *ServerMetrics) IncUpstreamError()     { m.upstream.Inc() }
