package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fluentlane/progress-engine/config"
	"github.com/fluentlane/progress-engine/internal/application/command"
	"github.com/fluentlane/progress-engine/internal/domain/activity"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUDIT STREAKS JOB
// ══════════════════════════════════════════════════════════════════════════════

// AuditStreaksJob scans every stored activity document, classifies it as
// canonical, corrupted or malformed, and reconciles the corrupted ones.
// Users admitted by the repair.autofix rollout get their documents repaired
// in place; everyone else is reconciled in dry-run mode so the damage is
// still measured and audited.
//
// Malformed documents match no known corruption pattern and are never
// touched, only counted and logged.
type AuditStreaksJob struct {
	activityRepo activity.Repository
	reconciler   *command.ReconcileBatchStreakHandler
	flags        *config.FeatureFlags
	logger       *slog.Logger

	config AuditStreaksConfig

	lastRunStats atomic.Value // *AuditStats
}

// AuditStreaksConfig contains configuration for the audit job.
type AuditStreaksConfig struct {
	// PageSize is how many documents one repository page holds.
	PageSize int

	// FailureThreshold is the tolerated fraction of failed repairs and
	// malformed documents, 0..1. Above it the run is reported as failed.
	FailureThreshold float64
}

// DefaultAuditStreaksConfig returns sensible defaults.
func DefaultAuditStreaksConfig() AuditStreaksConfig {
	return AuditStreaksConfig{
		PageSize:         500,
		FailureThreshold: 0.5,
	}
}

// AuditStats contains statistics from an audit run.
type AuditStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration

	// Scanned is the total number of documents examined.
	Scanned int

	// Canonical documents needed no repair.
	Canonical int

	// Corrupted documents matched at least one known corruption pattern.
	Corrupted int

	// Malformed documents matched no known pattern and were left untouched.
	Malformed int

	// Repaired counts corrupted documents rewritten in canonical form.
	Repaired int

	// RepairsPlanned counts dry-run reconciliations that found changes to
	// write, for users not yet admitted by the autofix rollout.
	RepairsPlanned int

	// Failed counts reconciliations that returned an error.
	Failed int

	// FailureRate is (Failed + Malformed) over all documents needing repair.
	FailureRate float64
}

// NewAuditStreaksJob creates a new audit streaks job.
func NewAuditStreaksJob(
	activityRepo activity.Repository,
	reconciler *command.ReconcileBatchStreakHandler,
	flags *config.FeatureFlags,
	logger *slog.Logger,
	cfg AuditStreaksConfig,
) *AuditStreaksJob {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultAuditStreaksConfig().PageSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultAuditStreaksConfig().FailureThreshold
	}

	return &AuditStreaksJob{
		activityRepo: activityRepo,
		reconciler:   reconciler,
		flags:        flags,
		logger:       logger,
		config:       cfg,
	}
}

func (j *AuditStreaksJob) Name() string {
	return "audit_streaks"
}

func (j *AuditStreaksJob) Description() string {
	return "Scans all activity documents and repairs corrupted streak data"
}

// Run executes one full audit scan.
//
// A repository failure while paging is fatal: a partial scan would report
// misleading corruption counts. Individual reconcile failures are counted
// and only fail the run when they cross the configured threshold.
func (j *AuditStreaksJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	correlationID := uuid.New().String()
	refDay := activity.DateKeyOf(startedAt.UTC())

	stats := &AuditStats{StartedAt: startedAt}

	j.logger.Info("starting audit_streaks job",
		"correlation_id", correlationID,
		"reference_day", string(refDay),
	)

	fixIDs, dryIDs, err := j.scan(ctx, stats)
	if err != nil {
		return fmt.Errorf("audit streaks: %w", err)
	}

	if err := j.reconcileBatch(ctx, fixIDs, false, refDay, correlationID, stats); err != nil {
		return fmt.Errorf("audit streaks: %w", err)
	}
	if err := j.reconcileBatch(ctx, dryIDs, true, refDay, correlationID, stats); err != nil {
		return fmt.Errorf("audit streaks: %w", err)
	}

	needingRepair := stats.Corrupted + stats.Malformed
	if needingRepair > 0 {
		stats.FailureRate = float64(stats.Failed+stats.Malformed) / float64(needingRepair)
	}

	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	j.lastRunStats.Store(stats)

	j.logger.Info("audit_streaks job completed",
		"duration", stats.Duration.String(),
		"scanned", stats.Scanned,
		"canonical", stats.Canonical,
		"corrupted", stats.Corrupted,
		"malformed", stats.Malformed,
		"repaired", stats.Repaired,
		"repairs_planned", stats.RepairsPlanned,
		"failed", stats.Failed,
	)

	if stats.FailureRate > j.config.FailureThreshold {
		return fmt.Errorf("audit streaks: failure rate %.2f exceeds threshold %.2f",
			stats.FailureRate, j.config.FailureThreshold)
	}

	return nil
}

// scan pages through every stored document and splits the corrupted users
// into those admitted by the autofix rollout and those audited dry-run.
func (j *AuditStreaksJob) scan(ctx context.Context, stats *AuditStats) (fixIDs, dryIDs []string, err error) {
	var afterID activity.UserID

	for {
		page, err := j.activityRepo.ListPage(ctx, afterID, j.config.PageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("list page after %q: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			stats.Scanned++

			parsed, err := activity.ParseDocument(rec.Doc)
			if err != nil {
				stats.Malformed++
				j.logger.Warn("malformed activity document",
					"user_id", rec.UserID.String(),
					"error", err,
				)
				continue
			}

			if parsed.IsCanonical() {
				stats.Canonical++
				continue
			}

			stats.Corrupted++
			if j.flags.EnabledFor(config.FlagRepairAutofix, rec.UserID.String()) {
				fixIDs = append(fixIDs, rec.UserID.String())
			} else {
				dryIDs = append(dryIDs, rec.UserID.String())
			}
		}

		afterID = page[len(page)-1].UserID
		if len(page) < j.config.PageSize {
			break
		}
	}

	return fixIDs, dryIDs, nil
}

// reconcileBatch runs one batch of reconciliations and folds the outcome
// into the run statistics.
func (j *AuditStreaksJob) reconcileBatch(
	ctx context.Context,
	userIDs []string,
	dryRun bool,
	refDay activity.DateKey,
	correlationID string,
	stats *AuditStats,
) error {
	if len(userIDs) == 0 {
		return nil
	}

	result, err := j.reconciler.Handle(ctx, command.ReconcileBatchStreakCommand{
		UserIDs:       userIDs,
		ReferenceDay:  refDay,
		DryRun:        dryRun,
		CorrelationID: correlationID,
	})
	if err != nil {
		return fmt.Errorf("reconcile batch: %w", err)
	}

	if dryRun {
		stats.RepairsPlanned += result.ChangedCount
	} else {
		stats.Repaired += result.ChangedCount
	}
	stats.Failed += result.FailedCount

	if result.FailedCount > 0 {
		j.logger.Warn("reconcile batch finished with failures",
			"dry_run", dryRun,
			"total", result.TotalCount,
			"failed", result.FailedCount,
		)
	}

	return nil
}

// LastAuditStats returns the stats of the last completed audit, or
// nil before the first one finishes.
func (j *AuditStreaksJob) LastAuditStats() *AuditStats {
	stats, _ := j.lastRunStats.Load().(*AuditStats)
	return stats
}
