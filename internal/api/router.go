package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/lipish/xtrace/internal/auth"
	"github.com/lipish/xtrace/internal/ingest"
	"github.com/lipish/xtrace/internal/observability"
	"github.com/lipish/xtrace/internal/ratelimit"
	"github.com/lipish/xtrace/internal/store"
)

// RouterOptions bundles everything NewRouter needs to wire the full
// route table in §6. Every field is required except AppVersion, which
// only feeds the root status response, and Observability, which may be
// nil to serve without instrumentation.
type RouterOptions struct {
	AppVersion        string
	Store             store.Store
	TraceWriter       *ingest.TraceWriter
	MetricWriter      *ingest.MetricWriter
	Authenticator     *auth.Authenticator
	Limiter           *ratelimit.Limiter
	Observability     *observability.Runtime
	DefaultProjectID  string
	Log               *slog.Logger
}

// NewRouter builds the complete HTTP surface (C7): every route in the
// table, with auth and rate limiting applied per the matrix in §4.6 and
// request/response spans attached by the observability runtime.
func NewRouter(options RouterOptions) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/healthz", healthHandler())
	mux.Handle("/api/internal/rate_limit_stats", rateLimitStatsHandler(options.Limiter))

	mux.Handle("/v1/l/batch", authed(options,
		batchHandler(options.TraceWriter, options.DefaultProjectID, options.Observability, options.Log)))
	mux.Handle("/v1/l/traces", authed(options,
		traceHandler(options.TraceWriter, options.DefaultProjectID, options.Observability, options.Log)))
	mux.Handle("/v1/l/observations", authed(options,
		observationHandler(options.TraceWriter, options.DefaultProjectID, options.Observability, options.Log)))
	mux.Handle("/v1/metrics/batch", authed(options,
		metricsBatchHandler(options.MetricWriter, options.DefaultProjectID, options.Observability, options.Log)))
	mux.Handle("/api/public/otel/v1/traces", authed(options,
		otlpTracesHandler(options.TraceWriter, options.DefaultProjectID, options.Observability, options.Log)))

	mux.Handle("/api/public/projects", authedRateLimited(options,
		projectsHandler(options.DefaultProjectID)))
	mux.Handle("/api/public/traces", authedRateLimited(options,
		traceListHandler(options.Store, options.DefaultProjectID, options.Log)))
	mux.Handle("/api/public/traces/", authedRateLimited(options,
		traceDetailHandler(options.Store, options.DefaultProjectID, options.Log)))
	mux.Handle("/api/public/metrics/daily", authedRateLimited(options,
		dailyRollupHandler(options.Store, options.DefaultProjectID, options.Log)))
	mux.Handle("/api/public/metrics/names", authedRateLimited(options,
		metricNamesHandler(options.Store, options.DefaultProjectID, options.Log)))
	mux.Handle("/api/public/metrics/query", authedRateLimited(options,
		metricsQueryHandler(options.Store, options.DefaultProjectID, options.Log)))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeAPIErrorNotFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "xtrace",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	var handler http.Handler = mux
	if options.Observability != nil {
		handler = options.Observability.SpanEnrichmentMiddleware(handler)
		handler = options.Observability.WrapHTTPHandler(handler)
	}
	return withCORS(withRequestID(handler))
}

// authed wraps a write-route handler in auth only; write routes rely on
// queue backpressure rather than a token bucket (§4.6).
func authed(options RouterOptions, next http.Handler) http.Handler {
	return withAuth(options.Authenticator, next)
}

// authedRateLimited wraps a query-route handler in auth, then rate
// limiting; withRateLimit reads the identity withAuth placed in context,
// so the ordering here is load-bearing.
func authedRateLimited(options RouterOptions, next http.Handler) http.Handler {
	return withAuth(options.Authenticator, withRateLimit(options.Limiter, next))
}

func writeAPIErrorNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorEnvelope{
		Message: "not found",
		Code:    "NOT_FOUND",
		Data:    nil,
	})
}

// withCORS mirrors the teacher's permissive CORS posture: xtrace has no
// browser session to protect against cross-origin reads, and dashboards
// built against it run on an arbitrary origin.
func withCORS(next http.Handler) http.Handler {
	allowedHeaders := strings.Join([]string{"Content-Type", "Authorization"}, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
