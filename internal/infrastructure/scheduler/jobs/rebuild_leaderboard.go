// Package jobs adapts the application's maintenance commands to the
// scheduler's Job interface and keeps per-run statistics for each.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fluentlane/progress-engine/internal/application/command"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD REBUILD
// ══════════════════════════════════════════════════════════════════════════════

// RebuildLeaderboardJob periodically rebuilds all leaderboard snapshots from
// current player statistics. Each run produces the four timeframe snapshots
// in one atomic write; an unchanged content digest skips cache publication
// and rank events.
type RebuildLeaderboardJob struct {
	handler *command.RebuildLeaderboardHandler
	logger  *slog.Logger

	config RebuildLeaderboardConfig

	lastRunStats atomic.Value // *RebuildStats
}

// RebuildLeaderboardConfig contains configuration for the rebuild job.
type RebuildLeaderboardConfig struct {
	// Force republishes caches and re-emits events even when the ranked
	// content did not change since the previous run.
	Force bool
}

// DefaultRebuildLeaderboardConfig is the scheduled run configuration:
// unchanged content skips publication.
func DefaultRebuildLeaderboardConfig() RebuildLeaderboardConfig {
	return RebuildLeaderboardConfig{
		Force: false,
	}
}

// RebuildStats describes the most recent completed run.
type RebuildStats struct {
	StartedAt      time.Time
	CompletedAt    time.Time
	Duration       time.Duration
	TotalPlayers   int
	EntryCount     int
	Digest         string
	Unchanged      bool
	CachePublished int
	RankEvents     int
}

// NewRebuildLeaderboardJob wraps the rebuild handler as a schedulable job.
func NewRebuildLeaderboardJob(
	handler *command.RebuildLeaderboardHandler,
	logger *slog.Logger,
	config RebuildLeaderboardConfig,
) *RebuildLeaderboardJob {
	if logger == nil {
		logger = slog.Default()
	}

	return &RebuildLeaderboardJob{
		handler: handler,
		logger:  logger,
		config:  config,
	}
}

func (j *RebuildLeaderboardJob) Name() string {
	return "rebuild_leaderboard"
}

func (j *RebuildLeaderboardJob) Description() string {
	return "Rebuilds all leaderboard snapshots from current player statistics"
}

// Run executes one full rebuild.
func (j *RebuildLeaderboardJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	correlationID := uuid.New().String()

	j.logger.Info("starting rebuild_leaderboard job", "correlation_id", correlationID)

	result, err := j.handler.Handle(ctx, command.RebuildLeaderboardCommand{
		Force:         j.config.Force,
		CorrelationID: correlationID,
	})
	if err != nil {
		return fmt.Errorf("rebuild leaderboard: %w", err)
	}

	stats := &RebuildStats{
		StartedAt:      startedAt,
		CompletedAt:    time.Now(),
		TotalPlayers:   result.TotalPlayers,
		EntryCount:     result.EntryCount,
		Digest:         result.Digest,
		Unchanged:      result.Unchanged,
		CachePublished: result.CachePublished,
		RankEvents:     result.RankEvents,
	}
	stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
	j.lastRunStats.Store(stats)

	j.logger.Info("rebuild_leaderboard job completed",
		"duration", stats.Duration.String(),
		"total_players", stats.TotalPlayers,
		"entries", stats.EntryCount,
		"unchanged", stats.Unchanged,
		"digest", stats.Digest,
	)

	return nil
}

// LastRebuildStats returns the stats of the last completed rebuild, or
// nil before the first one finishes.
func (j *RebuildLeaderboardJob) LastRebuildStats() *RebuildStats {
	stats, _ := j.lastRunStats.Load().(*RebuildStats)
	return stats
}
