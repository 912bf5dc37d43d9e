// Package statsserver implements an HTTP introspection and maintenance
// surface for a tile storage: /healthz, /metrics (Prometheus),
// /debug/tilestore and /debug/swap/gaps (JSON snapshots), and a single
// mutating exception at POST /admin/cache/trim that lets an operator
// trigger a trim pass on demand. None of it is a path for tile GET/SET —
// honoring the "no networked tile access" non-goal — and the read routes
// expose nothing an operator couldn't already get by polling
// cachehandler.Context.Stats/swap.Backend.Stats/workerpool.Pool directly.
//
// Built on a go-chi/chi router with a standard middleware stack
// (RequestID, RealIP, request logger, Recoverer, Timeout).
package statsserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gegl-go/tilestore/internal/logger"
	"github.com/gegl-go/tilestore/pkg/cachehandler"
	"github.com/gegl-go/tilestore/pkg/swap"
	"github.com/gegl-go/tilestore/pkg/workerpool"
)

// NewRouter builds the stats server's handler. registry may be nil if
// metrics are disabled, in which case /metrics answers 404 rather than
// serving an empty registry. swapBackend and pool may be nil if swap or
// the worker pool aren't in use.
func NewRouter(cacheCtx *cachehandler.Context, swapBackend *swap.Backend, pool *workerpool.Pool, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	health := newHealthHandler()
	r.Get("/healthz", health.Liveness)

	debug := newDebugHandler(cacheCtx, swapBackend, pool)
	r.Get("/debug/tilestore", debug.Debug)

	gaps := newGapsHandler(swapBackend)
	r.Get("/debug/swap/gaps", gaps.Gaps)

	trim := newTrimHandler(cacheCtx)
	r.Post("/admin/cache/trim", trim.Trim)

	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	} else {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/healthz", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger logs request start/completion through internal/logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("stats request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("stats request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyDurationMs, logger.Duration(start),
		)
	})
}
