package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
)

// routerDeps is everything the HTTP surface needs. pool is nil in
// in-memory mode; feed and metrics may be nil in tests.
type routerDeps struct {
	log     Logger
	cfg     Config
	pool    *pgxpool.Pool
	api     *api
	feed    http.Handler
	metrics http.Handler
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", readyHandler(d.log, d.cfg, d.pool))

	if d.metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.metrics)
	}
	if d.feed != nil {
		r.Method(http.MethodGet, "/ws", d.feed)
	}

	r.Route("/clubs/{clubID}", func(r chi.Router) {
		r.Use(WithSecurityHeaders)
		r.Post("/rotate", d.api.rotate)
		r.Get("/active", d.api.active)
		r.Get("/history", d.api.history)
		r.Get("/suggestions", d.api.listSuggestions)
		r.Put("/suggestions/{submitterID}", d.api.putSuggestion)
		r.Delete("/suggestions/{submitterID}", d.api.deleteSuggestion)
	})

	return chimiddleware.RequestID(WithRequestLogging(r, d.log))
}

func readyHandler(log Logger, cfg Config, pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if pool != nil {
			if err := PingDB(r.Context(), pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}
}

// newHTTPServer applies the configured limits to handler.
func newHTTPServer(baseCtx context.Context, cfg Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(_ net.Listener) context.Context { return baseCtx },
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
