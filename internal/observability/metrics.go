package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/datagrid/internal/command"
	"github.com/pitabwire/datagrid/internal/invoker"
	"github.com/pitabwire/datagrid/internal/virtualization"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds every Prometheus instrument of the server. It implements
// the observer interfaces of the pagination sources, the command executor,
// the platform client, the privilege cache and the view sessions.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Pagination
	PageFetchesTotal    *prometheus.CounterVec
	PageFetchDuration   *prometheus.HistogramVec
	StaleResponsesTotal *prometheus.CounterVec

	// Commands
	CommandExecutionsTotal *prometheus.CounterVec
	CommandDuration        *prometheus.HistogramVec

	// Platform
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// Views
	ActiveViews      prometheus.Gauge
	ViewRendersTotal *prometheus.CounterVec

	// Caches and configuration
	PrivilegeCacheHitsTotal   prometheus.Counter
	PrivilegeCacheMissesTotal prometheus.Counter
	DefinitionReloadTotal     *prometheus.CounterVec
	EntitiesConfigured        prometheus.Gauge
	OpenAPIOperationsIndexed  prometheus.Gauge
}

// InitMetrics creates and registers every instrument.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrid_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datagrid_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datagrid_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datagrid_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		PageFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrid_page_fetches_total",
			Help: "Total number of page fetches by source mode.",
		}, []string{"mode", "entity", "status"}),
		PageFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datagrid_page_fetch_duration_seconds",
			Help:    "Page fetch duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"mode"}),
		StaleResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrid_stale_responses_total",
			Help: "Page responses discarded because a refresh superseded them.",
		}, []string{"mode"}),

		CommandExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrid_command_executions_total",
			Help: "Total number of command executions.",
		}, []string{"command", "action", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datagrid_command_duration_seconds",
			Help:    "Command execution duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"command"}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrid_backend_requests_total",
			Help: "Total number of platform requests.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datagrid_backend_request_duration_seconds",
			Help:    "Platform request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datagrid_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"client"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrid_backend_retries_total",
			Help: "Total number of platform request retries.",
		}, []string{"operation"}),

		ActiveViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datagrid_active_views",
			Help: "Number of open view sessions.",
		}),
		ViewRendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrid_view_renders_total",
			Help: "View renders by virtualization tier.",
		}, []string{"entity", "tier"}),

		PrivilegeCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrid_privilege_cache_hits_total",
			Help: "Total privilege cache hits.",
		}),
		PrivilegeCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrid_privilege_cache_misses_total",
			Help: "Total privilege cache misses.",
		}),
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrid_definition_reload_total",
			Help: "Total entity configuration reloads.",
		}, []string{"status"}),
		EntitiesConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datagrid_entities_configured",
			Help: "Number of entities with an override in the loaded configuration.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datagrid_openapi_operations_indexed",
			Help: "Number of indexed custom API operations.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.PageFetchesTotal,
		m.PageFetchDuration,
		m.StaleResponsesTotal,
		m.CommandExecutionsTotal,
		m.CommandDuration,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.ActiveViews,
		m.ViewRendersTotal,
		m.PrivilegeCacheHitsTotal,
		m.PrivilegeCacheMissesTotal,
		m.DefinitionReloadTotal,
		m.EntitiesConfigured,
		m.OpenAPIOperationsIndexed,
	)
	return m
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// OnFetch implements pagination.FetchObserver.
func (m *Metrics) OnFetch(mode, entity string, _ int, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PageFetchesTotal.WithLabelValues(mode, entity, status).Inc()
	m.PageFetchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// OnStale implements pagination.FetchObserver.
func (m *Metrics) OnStale(mode, _ string) {
	m.StaleResponsesTotal.WithLabelValues(mode).Inc()
}

// OnCommandExecuted implements command.CommandObserver.
func (m *Metrics) OnCommandExecuted(_ context.Context, e command.CommandEvent) {
	m.CommandExecutionsTotal.WithLabelValues(e.Key, string(e.Action), string(e.Status)).Inc()
	m.CommandDuration.WithLabelValues(e.Key).Observe(e.Duration.Seconds())
}

// OnBackendCall implements invoker.BackendObserver. Attempts after the
// first count as retries.
func (m *Metrics) OnBackendCall(_ context.Context, c invoker.BackendCall) {
	status := strconv.Itoa(c.Status)
	if c.Status == 0 {
		status = "error"
	}
	m.BackendRequestsTotal.WithLabelValues(c.Operation, status).Inc()
	m.BackendRequestDuration.WithLabelValues(c.Operation).Observe(c.Duration.Seconds())
	if c.Attempt > 1 {
		m.BackendRetriesTotal.WithLabelValues(c.Operation).Inc()
	}
}

// OnBreakerState implements invoker.BackendObserver.
func (m *Metrics) OnBreakerState(name string, state invoker.BreakerState) {
	m.BackendCircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// OnViewRendered implements session.Observer.
func (m *Metrics) OnViewRendered(entity string, d virtualization.Decision) {
	m.ViewRendersTotal.WithLabelValues(entity, string(d.Tier)).Inc()
}

// SetActiveViews sets the number of open views.
func (m *Metrics) SetActiveViews(n int) {
	m.ActiveViews.Set(float64(n))
}

// OnPrivilegeCache implements privilege.CacheObserver.
func (m *Metrics) OnPrivilegeCache(hit bool) {
	if hit {
		m.PrivilegeCacheHitsTotal.Inc()
		return
	}
	m.PrivilegeCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a configuration reload and, on success,
// the number of configured entities.
func (m *Metrics) RecordDefinitionReload(err error, entities int) {
	if err != nil {
		m.DefinitionReloadTotal.WithLabelValues("error").Inc()
		return
	}
	m.DefinitionReloadTotal.WithLabelValues("success").Inc()
	m.EntitiesConfigured.Set(float64(entities))
}

// SetOpenAPIOperationsIndexed sets the number of indexed operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(count int) {
	m.OpenAPIOperationsIndexed.Set(float64(count))
}

// MetricsMiddleware records request metrics labelled with chi's route
// pattern rather than the raw path, keeping label cardinality bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context and
// falls back to the raw URL path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder remembers the first status code and counts body bytes.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
