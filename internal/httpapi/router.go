// Package httpapi mounts the pipeline's external HTTP surface (§6): the
// webhook endpoint, the subscription and status-change protocols, the
// migration-request envelope, and operational endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renku-project/knowledge-graph-pipeline/internal/dispatch"
	"github.com/renku-project/knowledge-graph-pipeline/internal/migration"
	"github.com/renku-project/knowledge-graph-pipeline/internal/statuschange"
	"github.com/renku-project/knowledge-graph-pipeline/internal/webhook"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

// requestTimeout bounds how long any single handler may run (§5 "HTTP
// requests 30s default" applies symmetrically to inbound requests).
const requestTimeout = 30 * time.Second

// requestDuration observes handler latency per route, the way the
// teacher's infrastructure/middleware/metrics.go instruments its router.
var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "event_log_http_request_duration_seconds",
	Help: "HTTP request latency by route and status.",
}, []string{"route", "status"})

func init() {
	prometheus.MustRegister(requestDuration)
}

// Dependencies bundles every component New wires into the router.
type Dependencies struct {
	Webhook      *webhook.Handler
	Registry     *dispatch.Registry
	StatusChange *statuschange.Handler
	Migrations   *migration.Coordinator
	Log          *logger.Logger
	StartedAt    time.Time
}

// New builds the chi router for the service.
func New(deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(instrument)

	r.Post("/webhooks/events", deps.Webhook.ServeHTTP)
	r.Post("/subscriptions", subscribeHandler(deps.Registry))
	r.Post("/status-changes", statusChangeHandler(deps.StatusChange))
	r.Post("/migrations/reports", migrationReportHandler(deps.Migrations))
	r.Get("/migrations/next", migrationNextHandler(deps.Migrations))
	r.Get("/system/status", systemStatusHandler(deps.StartedAt))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger grounds request-scoped structured logging the way the
// teacher's services log through pkg/logger, rather than stdlib's log
// package.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", ww.Status()).
				WithField("duration", time.Since(start)).
				Info("httpapi: request")
		})
	}
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		requestDuration.WithLabelValues(route, http.StatusText(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func systemStatusHandler(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "up",
			"uptime": time.Since(startedAt).String(),
		})
	}
}
