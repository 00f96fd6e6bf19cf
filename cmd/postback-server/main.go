package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Carlos20473736/monetag-postback-server/internal/config"
	"github.com/Carlos20473736/monetag-postback-server/internal/database"
	"github.com/Carlos20473736/monetag-postback-server/internal/geo"
	"github.com/Carlos20473736/monetag-postback-server/internal/httpserver"
	"github.com/Carlos20473736/monetag-postback-server/internal/ingest"
	"github.com/Carlos20473736/monetag-postback-server/internal/metrics"
	"github.com/Carlos20473736/monetag-postback-server/internal/session"
	"github.com/Carlos20473736/monetag-postback-server/internal/storage"
	"github.com/Carlos20473736/monetag-postback-server/internal/tracker"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("invalid configuration: " + err.Error())
	}

	logger := setupLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting postback server",
		zap.String("port", cfg.Server.Port),
		zap.String("aggregation_mode", cfg.Tracking.AggregationMode),
		zap.String("user_id_field", cfg.Tracking.UserIDField),
		zap.String("store_backend", cfg.Tracking.StoreBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(cfg.Metrics.Namespace)

	store, events, backend, checkers, cleanup := setupStorage(ctx, cfg, logger)
	defer cleanup()

	var resolver *geo.Resolver
	if cfg.Geo.Enabled {
		resolver, err = geo.NewResolver(cfg.Geo.MaxMindPath)
		if err != nil {
			logger.Warn("geo enrichment disabled, maxmind database unavailable",
				zap.String("path", cfg.Geo.MaxMindPath), zap.Error(err))
		} else {
			defer resolver.Close()
			logger.Info("geo enrichment enabled", zap.String("path", cfg.Geo.MaxMindPath))
		}
	}

	svc := tracker.NewService(tracker.Options{
		Mode:      ingest.AggregationMode(cfg.Tracking.AggregationMode),
		UserField: ingest.UserIDField(cfg.Tracking.UserIDField),
		Policy: session.Policy{
			ImpressionThreshold: cfg.Tracking.ImpressionThreshold,
			ClickThreshold:      cfg.Tracking.ClickThreshold,
			Duration:            cfg.Tracking.SessionDuration,
		},
		StoreTimeout: cfg.Tracking.StoreTimeout,
	}, store, events, resolver, m, logger)

	go svc.RunSweeper(ctx, cfg.Tracking.SweepInterval)

	server := httpserver.NewServer(httpserver.Dependencies{
		Config:   cfg,
		Tracker:  svc,
		Metrics:  m,
		Logger:   logger,
		Backend:  backend,
		Checkers: checkers,
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("stopped")
}

// setupStorage picks the counter store and event log per configuration.
// Backend "auto" tries PostgreSQL, then Redis, then falls back to memory so
// the service always comes up; ad networks keep firing postbacks whether or
// not the database is ready.
func setupStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.CounterStore, storage.EventLog, string, map[string]httpserver.HealthChecker, func()) {
	checkers := map[string]httpserver.HealthChecker{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var store storage.CounterStore
	var events storage.EventLog
	backend := "memory"

	wantPostgres := cfg.Tracking.StoreBackend == "postgres" || cfg.Tracking.StoreBackend == "auto"
	wantRedis := cfg.Tracking.StoreBackend == "redis" || cfg.Tracking.StoreBackend == "auto"

	if wantPostgres {
		pg, err := database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Warn("postgres unavailable", zap.Error(err))
		} else {
			pgStore, serr := storage.NewPostgresCounterStore(ctx, pg.Pool, logger)
			if serr != nil {
				logger.Warn("postgres schema bootstrap failed", zap.Error(serr))
				pg.Close()
			} else {
				closers = append(closers, pg.Close)
				checkers["postgres"] = pg
				store = pgStore
				backend = "postgres"

				pgEvents, eerr := storage.NewPostgresEventLog(ctx, pg.Pool)
				if eerr != nil {
					logger.Warn("postgres event log bootstrap failed", zap.Error(eerr))
				} else {
					events = pgEvents
				}
			}
		}
	}

	if store == nil && wantRedis {
		rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis unavailable", zap.Error(err))
		} else {
			closers = append(closers, func() { rdb.Close() })
			checkers["redis"] = rdb
			store = storage.NewRedisCounterStore(rdb.Client, logger)
			backend = "redis"
		}
	}

	if store == nil {
		if cfg.Tracking.StoreBackend != "memory" {
			logger.Warn("falling back to in-memory storage, counters will not survive restarts")
		}
		store = storage.NewMemoryCounterStore()
		backend = "memory"
	}

	// The audit log can outgrow the counter backend: ClickHouse takes it when
	// enabled, regardless of where counters live.
	if cfg.ClickHouse.Enabled {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("clickhouse unavailable, audit log stays on default backend", zap.Error(err))
		} else {
			chLog, serr := storage.NewClickHouseEventLog(ctx, ch.Conn)
			if serr != nil {
				logger.Warn("clickhouse event log bootstrap failed", zap.Error(serr))
				ch.Close()
			} else {
				closers = append(closers, func() { ch.Close() })
				checkers["clickhouse"] = ch
				events = chLog
			}
		}
	}

	if events == nil {
		events = storage.NewMemoryEventLog(cfg.Tracking.EventLogLimit)
	}

	logger.Info("storage ready", zap.String("backend", backend))
	return store, events, backend, checkers, cleanup
}

func setupLogger(cfg config.LogConfig) *zap.Logger {
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	return logger
}
