// Package main is the streakfix operator CLI.
//
// streakfix is the operational companion of the worker: it repairs a single
// user's corrupted activity document, scans the whole activity store for
// corruption, and triggers one-shot leaderboard rebuilds. It reads the same
// environment configuration as the worker (DATABASE_URL, REDIS_ADDR, feature
// flags) and talks to the same database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fluentlane/progress-engine/config"
	"github.com/fluentlane/progress-engine/internal/application/command"
	"github.com/fluentlane/progress-engine/internal/domain/activity"
	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/domain/stats"
	"github.com/fluentlane/progress-engine/internal/infrastructure/messaging"
	"github.com/fluentlane/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/fluentlane/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/fluentlane/progress-engine/pkg/logger"
	"github.com/fluentlane/progress-engine/pkg/timeutil"
)

var (
	// Global flags.
	verbose    bool
	cliTimeout time.Duration

	// Per-command flags.
	repairDryRun bool
	auditFix     bool
	auditLimit   int
	rebuildForce bool

	// runStarted flips once flags and arguments validated and a subcommand
	// actually began executing. Errors before that point are usage errors.
	runStarted bool
)

var rootCmd = &cobra.Command{
	Use:   "streakfix",
	Short: "Repair streak data and rebuild leaderboards",
	Long: `streakfix is the operator tool of the progress engine.

It works directly against the database the worker uses, configured through
the same environment variables (DATABASE_URL, REDIS_ADDR, REDIS_DISABLED,
feature flags).

Commands:
  repair    reconcile one user's activity document
  audit     scan every activity document for corruption
  rebuild   rebuild and publish all leaderboard snapshots`,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Past this point errors are operational, not usage, so stop
		// printing usage text with them.
		cmd.SilenceUsage = true
		runStarted = true
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair [user-id]",
	Short: "Reconcile one user's activity document",
	Long: `Reconcile a single activity document into canonical form.

Prints the corruption classification, the merged date count and the streak
counters before and after reconciliation. A user without an activity
document is an error.

With --dry-run the canonical form is computed and reported but nothing is
written.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepair,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Scan the activity store for corrupted documents",
	Long: `Scan every stored activity document and classify it as canonical,
corrupted or malformed.

By default the scan only reports: corrupted users are listed with the
corruption patterns found. With --fix every corrupted document is repaired
in place, regardless of the repair.autofix rollout percentage. Malformed
documents match no known corruption pattern and are never touched.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild and publish all leaderboard snapshots",
	Long: `Recompute scores for all users and publish fresh snapshots for every
timeframe in one transaction.

Snapshots also go to the Redis cache when it is configured and the
leaderboard.cache_publish flag is on; set REDIS_DISABLED=true to rebuild
without it. When the ranked content is identical to the stored snapshot the
caches are left alone unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&cliTimeout, "timeout", 5*time.Minute, "overall command timeout")

	repairCmd.Flags().BoolVar(&repairDryRun, "dry-run", false, "report the repair without writing")
	auditCmd.Flags().BoolVar(&auditFix, "fix", false, "repair corrupted documents instead of reporting them")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "stop after scanning N documents (0 scans everything)")
	rebuildCmd.Flags().BoolVar(&rebuildForce, "force", false, "republish caches even when content is unchanged")

	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(rebuildCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "streakfix: %v\n", err)
		if !runStarted {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// commandContext returns the context one subcommand runs under: bounded by
// --timeout and cancelled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// ══════════════════════════════════════════════════════════════════════════════
// SHARED ENVIRONMENT
// ══════════════════════════════════════════════════════════════════════════════

// cliEnv bundles the infrastructure a subcommand runs against.
type cliEnv struct {
	cfg *config.Config
	log *logger.Logger

	db    *postgres.Connection
	redis *redis.Cache

	activityRepo activity.Repository
	auditRepo    activity.AuditRepository
	statsRepo    stats.StatsRepository
	optOutRepo   stats.OptOutRegistry
	snapshotRepo leaderboard.SnapshotRepository

	// bus is a synchronous in-memory bus with no subscribers. Command
	// handlers publish events unconditionally; in the CLI they go nowhere.
	bus *messaging.InMemoryEventBus
}

func (e *cliEnv) close() {
	_ = e.bus.Close()
	if e.redis != nil {
		_ = e.redis.Close()
	}
	e.db.Close()
}

// setupEnv loads configuration and connects to the stores. Redis is only
// dialed when withRedis is set and REDIS_DISABLED is not.
func setupEnv(ctx context.Context, withRedis bool) (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := logger.LevelWarn
	if verbose {
		level = logger.LevelDebug
	}
	log := logger.New(logger.Options{Output: os.Stderr, Level: level})

	db, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	env := &cliEnv{
		cfg:          cfg,
		log:          log,
		db:           db,
		activityRepo: postgres.NewActivityRepository(db),
		auditRepo:    postgres.NewRepairAuditRepository(db),
		statsRepo:    postgres.NewStatsRepository(db),
		optOutRepo:   postgres.NewOptOutRepository(db),
		snapshotRepo: postgres.NewSnapshotRepository(db),
		bus:          messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{AsyncMode: false}),
	}

	if withRedis && !cfg.Redis.Disabled {
		redisCfg := redis.DefaultConfig()
		redisCfg.Host, redisCfg.Port = cfg.Redis.HostPort()
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		cache, err := redis.NewCache(redisCfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		env.redis = cache
	}

	return env, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REPAIR
// ══════════════════════════════════════════════════════════════════════════════

func runRepair(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	env, err := setupEnv(ctx, false)
	if err != nil {
		return err
	}
	defer env.close()

	handler := command.NewReconcileStreakHandler(
		env.activityRepo, env.auditRepo, env.statsRepo, env.bus, env.log)

	result, err := handler.Handle(ctx, command.ReconcileStreakCommand{
		UserID:        args[0],
		DryRun:        repairDryRun,
		CorrelationID: uuid.New().String(),
	})
	if err != nil {
		return fmt.Errorf("repair %s: %w", args[0], err)
	}

	printRepairReport(result)
	return nil
}

func printRepairReport(res *command.ReconcileStreakResult) {
	rep := res.Report
	fmt.Printf("user:           %s\n", res.UserID)
	fmt.Printf("classification: %s\n", strings.Join(rep.Shapes, ", "))
	fmt.Printf("dates merged:   %d\n", rep.DatesMerged)
	fmt.Printf("current streak: %d -> %d\n", rep.StreakBefore, rep.StreakAfter)
	fmt.Printf("best streak:    %d -> %d\n", rep.BestBefore, rep.BestAfter)

	switch {
	case res.Written:
		fmt.Println("written:        yes")
	case res.DryRun && rep.Changed:
		fmt.Println("written:        no (dry run, repair pending)")
	case !rep.Changed:
		fmt.Println("written:        no (already canonical)")
	default:
		fmt.Println("written:        no")
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// AUDIT
// ══════════════════════════════════════════════════════════════════════════════

func runAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	env, err := setupEnv(ctx, false)
	if err != nil {
		return err
	}
	defer env.close()

	type corruptedDoc struct {
		userID string
		shapes []string
	}

	var (
		scanned   int
		canonical int
		malformed int
		corrupted []corruptedDoc
		afterID   activity.UserID
	)

	pageSize := env.cfg.Scheduler.AuditPageSize

scan:
	for {
		page, err := env.activityRepo.ListPage(ctx, afterID, pageSize)
		if err != nil {
			return fmt.Errorf("audit: list page after %q: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			if auditLimit > 0 && scanned >= auditLimit {
				break scan
			}
			scanned++

			parsed, err := activity.ParseDocument(rec.Doc)
			if err != nil {
				malformed++
				fmt.Printf("malformed %s: %v\n", rec.UserID, err)
				continue
			}
			if parsed.IsCanonical() {
				canonical++
				continue
			}
			corrupted = append(corrupted, corruptedDoc{
				userID: rec.UserID.String(),
				shapes: parsed.ShapeLabels(),
			})
		}

		afterID = page[len(page)-1].UserID
		if len(page) < pageSize {
			break
		}
	}

	fmt.Printf("scanned:   %d\n", scanned)
	fmt.Printf("canonical: %d\n", canonical)
	fmt.Printf("corrupted: %d\n", len(corrupted))
	fmt.Printf("malformed: %d\n", malformed)

	if len(corrupted) == 0 {
		return nil
	}

	if !auditFix {
		fmt.Println()
		for _, doc := range corrupted {
			fmt.Printf("%s: %s\n", doc.userID, strings.Join(doc.shapes, ", "))
		}
		fmt.Println("\nrun again with --fix to repair")
		return nil
	}

	userIDs := make([]string, len(corrupted))
	for i, doc := range corrupted {
		userIDs[i] = doc.userID
	}

	reconciler := command.NewReconcileBatchStreakHandler(
		command.NewReconcileStreakHandler(
			env.activityRepo, env.auditRepo, env.statsRepo, env.bus, env.log),
		command.ReconcileBatchStreakHandlerConfig{
			Concurrency: env.cfg.Scheduler.AuditConcurrency,
		},
	)

	result, err := reconciler.Handle(ctx, command.ReconcileBatchStreakCommand{
		UserIDs:       userIDs,
		ReferenceDay:  activity.DateKeyOf(timeutil.Now()),
		CorrelationID: uuid.New().String(),
	})
	if err != nil {
		return fmt.Errorf("audit: reconcile batch: %w", err)
	}

	fmt.Println()
	fmt.Printf("repaired:  %d\n", result.ChangedCount)
	fmt.Printf("failed:    %d\n", result.FailedCount)
	for userID, ferr := range result.Errors {
		fmt.Printf("failed %s: %v\n", userID, ferr)
	}

	if result.FailedCount > 0 {
		return fmt.Errorf("audit: %d of %d repairs failed", result.FailedCount, result.TotalCount)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD
// ══════════════════════════════════════════════════════════════════════════════

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	env, err := setupEnv(ctx, true)
	if err != nil {
		return err
	}
	defer env.close()

	var cache leaderboard.SnapshotCache
	if env.redis != nil {
		cache = redis.NewSnapshotCache(env.redis, env.log)
	}

	handler := command.NewRebuildLeaderboardHandler(
		env.statsRepo, env.optOutRepo, env.snapshotRepo, cache, env.bus,
		command.RebuildLeaderboardHandlerConfig{
			Size:         env.cfg.Leaderboard.Size,
			CacheTTL:     env.cfg.Leaderboard.CacheTTL,
			PublishCache: cache != nil && env.cfg.Features.Enabled(config.FlagCachePublish),
			// Rank events need the worker's listeners; a one-shot bus has none.
			EmitRankEvents: false,
		},
		env.log,
	)

	result, err := handler.Handle(ctx, command.RebuildLeaderboardCommand{
		Force:         rebuildForce,
		CorrelationID: uuid.New().String(),
	})
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	fmt.Printf("players:         %d\n", result.TotalPlayers)
	fmt.Printf("entries:         %d\n", result.EntryCount)
	fmt.Printf("digest:          %s\n", result.Digest)
	fmt.Printf("cache published: %d\n", result.CachePublished)
	if result.Unchanged {
		fmt.Println("content:         unchanged since last rebuild")
	}
	fmt.Printf("took:            %s\n", timeutil.FormatDuration(result.Duration))
	return nil
}
