// Package main is the entry point of the progress engine worker.
//
// The worker hosts the periodic machinery around user progress:
//   - leaderboard rebuilds on a fixed interval
//   - the nightly streak audit that repairs corrupted activity documents
//   - weekly retention pruning of snapshot history and repair audit rows
//
// plus the operational HTTP surface (health probes, Prometheus metrics and
// the read-only leaderboard API).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fluentlane/progress-engine/config"
	"github.com/fluentlane/progress-engine/internal/application/command"
	"github.com/fluentlane/progress-engine/internal/application/eventhandler"
	"github.com/fluentlane/progress-engine/internal/application/query"
	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/infrastructure/messaging"
	"github.com/fluentlane/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/fluentlane/progress-engine/internal/infrastructure/persistence/projections"
	"github.com/fluentlane/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/fluentlane/progress-engine/internal/infrastructure/scheduler"
	"github.com/fluentlane/progress-engine/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/fluentlane/progress-engine/internal/interface/http"
	"github.com/fluentlane/progress-engine/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING & METRICS
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting progress engine worker",
		"env", string(cfg.App.Environment),
		"version", cfg.App.Version,
		"scheduler_enabled", cfg.Scheduler.Enabled,
	)

	// The application layer logs through pkg/logger; infrastructure logs
	// through slog. Both write the same stream.
	appLog := logger.New(logger.Options{
		Output: os.Stdout,
		Level:  logger.ParseLevel(cfg.Observability.LogLevel),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. POSTGRESQL
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database")
	dbConn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection")
		dbConn.Close()
	}()

	if err := dbConn.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. MIGRATIONS
	// ─────────────────────────────────────────────────────────────────────────
	migrator, err := postgres.NewMigrator(dbConn)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database schema is up to date")

	// ─────────────────────────────────────────────────────────────────────────
	// 5. REDIS (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		redisCache      *redis.Cache
		remoteSnapshots leaderboard.SnapshotCache
	)
	if cfg.Redis.Disabled {
		log.Info("redis disabled, snapshot reads fall back to postgres")
	} else {
		redisCfg := redis.DefaultConfig()
		redisCfg.Host, redisCfg.Port = cfg.Redis.HostPort()
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		redisCache, err = redis.NewCache(redisCfg)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer func() {
			log.Info("closing redis connection")
			_ = redisCache.Close()
		}()

		remoteSnapshots = redis.NewSnapshotCache(redisCache, appLog)
		log.Info("redis connection established", "addr", cfg.Redis.Addr)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. REPOSITORIES & LOCAL VIEW
	// ─────────────────────────────────────────────────────────────────────────
	activityRepo := postgres.NewActivityRepository(dbConn)
	auditRepo := postgres.NewRepairAuditRepository(dbConn)
	statsRepo := postgres.NewStatsRepository(dbConn)
	optOutRepo := postgres.NewOptOutRepository(dbConn)
	snapshotRepo := postgres.NewSnapshotRepository(dbConn)
	localView := projections.NewSnapshotView(projections.DefaultViewSize)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. EVENT BUS & LISTENERS
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = log
	busCfg.Registerer = registry
	bus := messaging.NewInMemoryEventBus(busCfg)
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()

	onRebuilt := eventhandler.NewOnLeaderboardRebuiltHandler(localView, log)
	if err := bus.Subscribe(onRebuilt.EventType(), onRebuilt.Handle); err != nil {
		return fmt.Errorf("subscribe rebuild listener: %w", err)
	}
	onRankChanged := eventhandler.NewOnRankChangedHandler(log, eventhandler.DefaultRankChangedConfig())
	if err := bus.Subscribe(onRankChanged.EventType(), onRankChanged.Handle); err != nil {
		return fmt.Errorf("subscribe rank listener: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. COMMAND & QUERY HANDLERS
	// ─────────────────────────────────────────────────────────────────────────
	reconcileHandler := command.NewReconcileStreakHandler(activityRepo, auditRepo, statsRepo, bus, appLog)
	batchReconciler := command.NewReconcileBatchStreakHandler(reconcileHandler, command.ReconcileBatchStreakHandlerConfig{
		Concurrency: cfg.Scheduler.AuditConcurrency,
	})
	rebuildHandler := command.NewRebuildLeaderboardHandler(
		statsRepo, optOutRepo, snapshotRepo, remoteSnapshots, bus,
		command.RebuildLeaderboardHandlerConfig{
			Size:           cfg.Leaderboard.Size,
			CacheTTL:       cfg.Leaderboard.CacheTTL,
			PublishCache:   cfg.Features.Enabled(config.FlagCachePublish),
			EmitRankEvents: cfg.Features.Enabled(config.FlagRankEvents),
		},
		appLog,
	)

	getLeaderboard := query.NewGetLeaderboardHandler(snapshotRepo, remoteSnapshots, localView, appLog)
	getUserRank := query.NewGetUserRankHandler(snapshotRepo, remoteSnapshots, localView, optOutRepo, appLog)

	// ─────────────────────────────────────────────────────────────────────────
	// 9. SCHEDULER & JOBS
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:     log,
		JobTimeout: cfg.Scheduler.JobTimeout,
		Registerer: registry,
	})

	rebuildJob := jobs.NewRebuildLeaderboardJob(rebuildHandler, log, jobs.DefaultRebuildLeaderboardConfig())
	if err := sched.Register(rebuildJob, scheduler.NewIntervalSchedule(cfg.Scheduler.RebuildInterval)); err != nil {
		return fmt.Errorf("register rebuild job: %w", err)
	}

	auditCron, err := scheduler.ParseCronExpression(cfg.Scheduler.AuditCron)
	if err != nil {
		return fmt.Errorf("parse AUDIT_CRON: %w", err)
	}
	auditJob := jobs.NewAuditStreaksJob(activityRepo, batchReconciler, cfg.Features, log, jobs.AuditStreaksConfig{
		PageSize: cfg.Scheduler.AuditPageSize,
	})
	if err := sched.Register(auditJob, auditCron); err != nil {
		return fmt.Errorf("register audit job: %w", err)
	}

	pruneCron, err := scheduler.ParseCronExpression(cfg.Scheduler.PruneCron)
	if err != nil {
		return fmt.Errorf("parse PRUNE_CRON: %w", err)
	}
	pruneJob := jobs.NewPruneSnapshotsJob(snapshotRepo, auditRepo, cfg.Features, log, jobs.PruneSnapshotsConfig{
		RetentionDays: cfg.Scheduler.RetentionDays,
	})
	if err := sched.Register(pruneJob, pruneCron); err != nil {
		return fmt.Errorf("register prune job: %w", err)
	}

	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		log.Warn("scheduler disabled, jobs will not run")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	checker := httpserver.NewCompositeHealthChecker(cfg.App.Version)
	checker.AddCheck("postgres", httpserver.NewPingCheck(dbConn))
	if redisCache != nil {
		checker.AddCheck("redis", httpserver.NewPingCheck(redisCache))
	}

	httpCfg := httpserver.DefaultConfig()
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout

	srv := httpserver.NewServer(httpCfg, httpserver.Dependencies{
		GetLeaderboardHandler: getLeaderboard,
		GetUserRankHandler:    getUserRank,
		Logger:                appLog,
		HealthChecker:         checker,
		MetricsGatherer:       registry,
	})
	httpErrCh := srv.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 11. WAIT & GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("progress engine worker is running", "http", srv.Address())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-httpErrCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	// Drain in dependency order: stop producing work, stop serving reads,
	// flush events, then let the deferred closes tear down the pools.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if cfg.Scheduler.Enabled {
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			log.Error("scheduler stop failed", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	_ = bus.Close()

	log.Info("shutdown complete")
	return nil
}

// setupLogger builds the process slog logger from the observability config.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Observability.LogLevel)}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
