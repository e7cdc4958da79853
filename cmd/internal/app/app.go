// Package app wires the clubrotor server runtime: config, logging, storage,
// the rotation engine and scheduler, the HTTP API and the rotation feed.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"clubrotor/cmd/internal/feed"
	"clubrotor/cmd/internal/metadata"
	"clubrotor/cmd/internal/rotation"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App is the clubrotor server runtime. It owns the DB pool, the Redis client
// and the background scheduler.
type App struct {
	cfg Config
	log Logger

	store rotation.Store
	pool  *pgxpool.Pool
	redis *goredis.Client

	engine    *rotation.Engine
	scheduler *rotation.Scheduler
	handler   http.Handler
}

// New constructs a fully wired App. It connects to Postgres and Redis when
// configured and falls back to the in-memory store otherwise.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rotMetrics := rotation.NewMetrics(reg)
	hub := feed.NewHub(log, feed.NewMetrics(reg))

	opts := []rotation.Option{
		rotation.WithLogger(log),
		rotation.WithMetrics(rotMetrics),
		rotation.WithGrace(cfg.RotationGrace),
		rotation.WithTimezone(loc),
		rotation.WithNotifier(hub),
	}
	lookup, err := a.newMetadataLookup(ctx, reg)
	if err != nil {
		return nil, err
	}
	if lookup != nil {
		opts = append(opts,
			rotation.WithMetadataLookup(lookup),
			rotation.WithMetadataTimeout(nonZeroDuration(cfg.MetadataTimeout, 3*time.Second)),
		)
	}

	a.engine, err = rotation.NewEngine(a.store, opts...)
	if err != nil {
		return nil, err
	}
	queue, err := rotation.NewQueue(a.store, clockwork.NewRealClock())
	if err != nil {
		return nil, err
	}

	if cfg.SchedulerEnabled {
		a.scheduler, err = rotation.NewScheduler(a.engine, a.store, rotation.SchedulerConfig{
			Interval:    cfg.SchedulerInterval,
			Concurrency: cfg.SchedulerConcurrency,
			ClubTimeout: cfg.SchedulerClubTimeout,
			MaxAttempts: cfg.SchedulerMaxAttempts,
		},
			rotation.WithSchedulerLogger(log),
			rotation.WithSchedulerMetrics(rotMetrics),
		)
		if err != nil {
			return nil, err
		}
	}

	gateway := feed.NewGateway(log, hub, a.store, feed.GatewayConfig{
		AllowedOrigins: cfg.WSAllowedOrigins,
		OriginRequired: cfg.WSOriginRequired,
	})

	a.handler = newRouter(routerDeps{
		log:  log,
		cfg:  cfg,
		pool: a.pool,
		api: &api{
			log:    log,
			engine: a.engine,
			queue:  queue,
			clubs:  a.store,
		},
		feed:    gateway,
		metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	ok = true
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and runs the scheduler until ctx is cancelled or either
// fails, then shuts down gracefully and releases resources.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	srv := newHTTPServer(gctx, a.cfg, a.handler)

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.pool != nil,
		"scheduler_enabled", a.scheduler != nil,
	)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.scheduler != nil {
		g.Go(func() error {
			return a.scheduler.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		mem := rotation.NewInMemoryStore()
		clubs, err := parseDevClubs(a.cfg.DevClubs)
		if err != nil {
			return err
		}
		for _, c := range clubs {
			if err := mem.PutClub(c); err != nil {
				return err
			}
		}
		a.store = mem
		a.log.Info("db.disabled.inmemory_store", "dev_clubs", len(clubs))
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	// The app owns the pool; PostgresStore.Close is a no-op.
	a.pool = pool

	pg, err := rotation.NewPostgresStore(pool, rotation.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	if a.cfg.DBAutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	a.store = pg
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "auto_migrate", a.cfg.DBAutoMigrate)
	return nil
}

// newMetadataLookup returns nil when no catalog is configured. An unreachable
// Redis only disables the shared cache layer.
func (a *App) newMetadataLookup(ctx context.Context, reg prometheus.Registerer) (metadata.Lookup, error) {
	if a.cfg.MetadataBaseURL == "" {
		a.log.Info("metadata.disabled")
		return nil, nil
	}

	catalog, err := metadata.NewCatalogClient(a.log, nil, metadata.CatalogConfig{
		BaseURL:           a.cfg.MetadataBaseURL,
		APIKey:            a.cfg.MetadataAPIKey,
		ImageBaseURL:      a.cfg.MetadataImageBaseURL,
		Timeout:           a.cfg.MetadataTimeout,
		RequestsPerSecond: a.cfg.MetadataRPS,
	})
	if err != nil {
		return nil, err
	}

	opts := []metadata.CachedOption{metadata.WithCacheMetrics(metadata.NewMetrics(reg))}
	if a.cfg.RedisURL != "" {
		rdb, err := metadata.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			a.log.Warn("metadata.cache.redis.disabled", "err", err)
		} else {
			a.redis = rdb
			opts = append(opts, metadata.WithRemoteCache(metadata.NewRedisCache(rdb, a.cfg.MetadataCacheTTL)))
		}
	}
	return metadata.NewCachedLookup(a.log, catalog, opts...), nil
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
