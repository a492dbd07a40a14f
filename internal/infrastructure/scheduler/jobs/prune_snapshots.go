package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fluentlane/progress-engine/config"
	"github.com/fluentlane/progress-engine/internal/domain/activity"
	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRUNE SNAPSHOTS JOB
// ══════════════════════════════════════════════════════════════════════════════

// PruneSnapshotsJob deletes leaderboard snapshot history and repair audit
// rows older than the retention window. The current snapshots are never
// touched; only historical rows age out.
type PruneSnapshotsJob struct {
	snapshotRepo leaderboard.SnapshotRepository
	auditRepo    activity.AuditRepository
	flags        *config.FeatureFlags
	logger       *slog.Logger

	config PruneSnapshotsConfig

	lastRunStats atomic.Value // *PruneStats
}

// PruneSnapshotsConfig contains configuration for the prune job.
type PruneSnapshotsConfig struct {
	// RetentionDays is how long history rows are kept.
	RetentionDays int
}

// DefaultPruneSnapshotsConfig returns sensible defaults.
func DefaultPruneSnapshotsConfig() PruneSnapshotsConfig {
	return PruneSnapshotsConfig{
		RetentionDays: 90,
	}
}

// PruneStats contains statistics from a prune run.
type PruneStats struct {
	StartedAt       time.Time
	CompletedAt     time.Time
	Duration        time.Duration
	Cutoff          time.Time
	SnapshotsPruned int64
	AuditRowsPruned int64

	// Skipped is true when the retention.prune flag disabled the run.
	Skipped bool
}

// NewPruneSnapshotsJob creates a new prune snapshots job.
func NewPruneSnapshotsJob(
	snapshotRepo leaderboard.SnapshotRepository,
	auditRepo activity.AuditRepository,
	flags *config.FeatureFlags,
	logger *slog.Logger,
	cfg PruneSnapshotsConfig,
) *PruneSnapshotsJob {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultPruneSnapshotsConfig().RetentionDays
	}

	return &PruneSnapshotsJob{
		snapshotRepo: snapshotRepo,
		auditRepo:    auditRepo,
		flags:        flags,
		logger:       logger,
		config:       cfg,
	}
}

func (j *PruneSnapshotsJob) Name() string {
	return "prune_snapshots"
}

func (j *PruneSnapshotsJob) Description() string {
	return "Deletes leaderboard snapshot history and repair audit rows past retention"
}

// Run executes one prune pass. Both stores are pruned even when one fails;
// the errors are joined.
func (j *PruneSnapshotsJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	stats := &PruneStats{StartedAt: startedAt}

	if !j.flags.Enabled(config.FlagRetentionPrune) {
		stats.Skipped = true
		stats.CompletedAt = time.Now()
		stats.Duration = stats.CompletedAt.Sub(startedAt)
		j.lastRunStats.Store(stats)

		j.logger.Info("retention pruning disabled, skipping prune_snapshots job")
		return nil
	}

	cutoff := startedAt.UTC().AddDate(0, 0, -j.config.RetentionDays)
	stats.Cutoff = cutoff

	j.logger.Info("starting prune_snapshots job",
		"cutoff", cutoff.Format(time.RFC3339),
		"retention_days", j.config.RetentionDays,
	)

	var errs []error

	snapshots, err := j.snapshotRepo.PruneHistoryBefore(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune snapshot history: %w", err))
	} else {
		stats.SnapshotsPruned = snapshots
	}

	auditRows, err := j.auditRepo.PruneBefore(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune audit rows: %w", err))
	} else {
		stats.AuditRowsPruned = auditRows
	}

	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	j.lastRunStats.Store(stats)

	j.logger.Info("prune_snapshots job completed",
		"duration", stats.Duration.String(),
		"snapshots_pruned", stats.SnapshotsPruned,
		"audit_rows_pruned", stats.AuditRowsPruned,
	)

	return errors.Join(errs...)
}

// LastPruneStats returns the stats of the last completed prune, or
// nil before the first one finishes.
func (j *PruneSnapshotsJob) LastPruneStats() *PruneStats {
	stats, _ := j.lastRunStats.Load().(*PruneStats)
	return stats
}
