package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
	"github.com/fluentlane/progress-engine/internal/domain/stats"
	"github.com/fluentlane/progress-engine/pkg/logger"
	"github.com/fluentlane/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARD COMMAND
// Recomputes every snapshot from the full stats set and publishes the
// result. Snapshots are replaced whole; there is no incremental path.
// ══════════════════════════════════════════════════════════════════════════════

// RebuildLeaderboardCommand triggers a full leaderboard rebuild.
type RebuildLeaderboardCommand struct {
	// Force republishes caches and re-emits events even when the content
	// digest matches the stored snapshot.
	Force bool

	// CorrelationID for tracing.
	CorrelationID string
}

// RebuildLeaderboardResult contains the outcome of one rebuild.
type RebuildLeaderboardResult struct {
	// TotalPlayers is the eligible player count before truncation.
	TotalPlayers int

	// EntryCount is the number of entries each published snapshot carries.
	EntryCount int

	// Digest identifies the ranked content that was built.
	Digest string

	// Unchanged indicates the content matched the previously stored
	// snapshot; the store was refreshed but caches and events were skipped.
	Unchanged bool

	// CachePublished counts snapshots successfully pushed to the cache.
	CachePublished int

	// RankEvents counts rank-change events emitted.
	RankEvents int

	Duration  time.Duration
	RebuiltAt time.Time
}

// RebuildLeaderboardHandler handles the RebuildLeaderboardCommand.
type RebuildLeaderboardHandler struct {
	statsRepo    stats.StatsRepository
	optOuts      stats.OptOutRegistry
	snapshotRepo leaderboard.SnapshotRepository
	cache        leaderboard.SnapshotCache
	publisher    shared.EventPublisher
	builder      *leaderboard.Builder
	retrier      *retry.Retrier
	logger       *logger.Logger

	cacheTTL       time.Duration
	publishCache   bool
	emitRankEvents bool
}

// RebuildLeaderboardHandlerConfig contains configuration for the handler.
type RebuildLeaderboardHandlerConfig struct {
	// Size truncates each snapshot; zero means leaderboard.DefaultSize.
	Size int

	// CacheTTL bounds the published cache entries.
	CacheTTL time.Duration

	// PublishCache enables best-effort cache publication after a build.
	PublishCache bool

	// EmitRankEvents enables rank-movement events after a build.
	EmitRankEvents bool
}

// DefaultRebuildLeaderboardHandlerConfig returns default configuration.
func DefaultRebuildLeaderboardHandlerConfig() RebuildLeaderboardHandlerConfig {
	return RebuildLeaderboardHandlerConfig{
		Size:           leaderboard.DefaultSize,
		CacheTTL:       2 * time.Hour,
		PublishCache:   true,
		EmitRankEvents: true,
	}
}

// NewRebuildLeaderboardHandler creates a new RebuildLeaderboardHandler.
func NewRebuildLeaderboardHandler(
	statsRepo stats.StatsRepository,
	optOuts stats.OptOutRegistry,
	snapshotRepo leaderboard.SnapshotRepository,
	cache leaderboard.SnapshotCache,
	publisher shared.EventPublisher,
	config RebuildLeaderboardHandlerConfig,
	log *logger.Logger,
) *RebuildLeaderboardHandler {
	if config.CacheTTL == 0 {
		config = DefaultRebuildLeaderboardHandlerConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	return &RebuildLeaderboardHandler{
		statsRepo:      statsRepo,
		optOuts:        optOuts,
		snapshotRepo:   snapshotRepo,
		cache:          cache,
		publisher:      publisher,
		builder:        leaderboard.NewBuilder(config.Size),
		retrier:        retry.DatabaseRetrier(),
		logger:         log.With(logger.Component("rebuild_leaderboard")),
		cacheTTL:       config.CacheTTL,
		publishCache:   config.PublishCache,
		emitRankEvents: config.EmitRankEvents,
	}
}

// Handle executes a full rebuild: fetch stats and opt-outs, score and rank,
// persist all four snapshots atomically, then publish caches and rank
// events. Repository failures abort the run after bounded retries; cache
// and event failures never fail a completed build.
func (h *RebuildLeaderboardHandler) Handle(ctx context.Context, cmd RebuildLeaderboardCommand) (*RebuildLeaderboardResult, error) {
	start := time.Now()
	now := start.UTC()

	var records []*stats.UserStatsRecord
	if err := h.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		records, err = h.statsRepo.ListAll(ctx)
		return retry.Retryable(err)
	}); err != nil {
		return nil, fmt.Errorf("rebuild_leaderboard: list stats: %w", err)
	}

	var optOutIDs []string
	if err := h.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		optOutIDs, err = h.optOuts.ListIDs(ctx)
		return retry.Retryable(err)
	}); err != nil {
		return nil, fmt.Errorf("rebuild_leaderboard: list opt-outs: %w", err)
	}

	// The previous all-time snapshot is read before replacement; it is the
	// baseline for rank-movement events.
	var prevAll *leaderboard.Snapshot
	if err := h.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		prevAll, err = h.snapshotRepo.Get(ctx, leaderboard.TimeframeAllTime)
		if errors.Is(err, leaderboard.ErrSnapshotNotFound) {
			prevAll = nil
			return nil
		}
		return retry.Retryable(err)
	}); err != nil {
		return nil, fmt.Errorf("rebuild_leaderboard: load previous snapshot: %w", err)
	}

	set := h.builder.Build(h.toCandidates(records), optOutIDs, now)
	allTime := set.AllTime()

	unchanged := false
	if prevAll != nil && prevAll.Digest == allTime.Digest {
		unchanged = true
	}

	// The store is always refreshed, even for identical content, so the
	// capture timestamp reflects the latest build.
	if err := h.retrier.Do(ctx, func(ctx context.Context) error {
		return retry.Retryable(h.snapshotRepo.SaveAll(ctx, set))
	}); err != nil {
		return nil, fmt.Errorf("rebuild_leaderboard: save snapshots: %w", err)
	}

	result := &RebuildLeaderboardResult{
		TotalPlayers: allTime.TotalPlayers,
		EntryCount:   allTime.Count(),
		Digest:       allTime.Digest,
		Unchanged:    unchanged,
		RebuiltAt:    now,
	}

	if !unchanged || cmd.Force {
		result.CachePublished = h.publishSnapshots(ctx, set)
		result.RankEvents = h.emitMovements(ctx, cmd, prevAll, allTime)
	}

	result.Duration = time.Since(start)

	event := shared.NewLeaderboardRebuiltEvent(
		result.TotalPlayers, result.EntryCount, result.Digest, result.Duration,
	)
	if cmd.CorrelationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	}
	if err := h.publisher.Publish(event); err != nil {
		h.logger.Warn("leaderboard.rebuilt publish failed", logger.Err(err))
	}

	h.logger.Info("leaderboard rebuilt",
		logger.PlayersCount(result.TotalPlayers),
		logger.Int("entries", result.EntryCount),
		logger.Bool("unchanged", result.Unchanged),
		logger.Int("cache_published", result.CachePublished),
		logger.Int("rank_events", result.RankEvents),
		logger.Latency(result.Duration))

	return result, nil
}

// toCandidates maps stats records to unranked leaderboard entries, deriving
// score, rarity distribution, and level.
func (h *RebuildLeaderboardHandler) toCandidates(records []*stats.UserStatsRecord) []leaderboard.Entry {
	candidates := make([]leaderboard.Entry, 0, len(records))
	for _, rec := range records {
		if rec == nil || rec.UserID == "" {
			continue
		}
		candidates = append(candidates, leaderboard.Entry{
			UserID:            rec.UserID,
			DisplayName:       rec.DisplayName,
			PhotoRef:          rec.PhotoRef,
			TotalPoints:       rec.AchievementPoints,
			TotalXP:           rec.XPTotal,
			CurrentLevel:      shared.XP(rec.XPTotal).Level().Int(),
			CurrentStreak:     rec.StreakCurrent,
			BestStreak:        rec.StreakBest,
			AchievementCount:  rec.AchievementCount,
			AchievementRarity: rec.AchievementRarity(),
			Score:             rec.Score(),
			SubscriptionTier:  rec.Tier.String(),
		})
	}
	return candidates
}

// publishSnapshots pushes every snapshot to the cache, best-effort.
func (h *RebuildLeaderboardHandler) publishSnapshots(ctx context.Context, set leaderboard.SnapshotSet) int {
	if !h.publishCache || h.cache == nil {
		return 0
	}

	published := 0
	for _, snap := range set {
		if err := h.cache.Publish(ctx, snap, h.cacheTTL); err != nil {
			h.logger.Warn("snapshot cache publish failed",
				logger.Timeframe(snap.Timeframe.String()), logger.Err(err))
			continue
		}
		published++
	}
	return published
}

// emitMovements diffs the all-time snapshot against the previous build and
// emits one rank-change event per moved or newly entered user.
func (h *RebuildLeaderboardHandler) emitMovements(
	ctx context.Context,
	cmd RebuildLeaderboardCommand,
	prev, next *leaderboard.Snapshot,
) int {
	if !h.emitRankEvents {
		return 0
	}

	emitted := 0
	for _, m := range leaderboard.DiffSnapshots(prev, next) {
		if ctx.Err() != nil {
			break
		}
		event := shared.NewRankChangedEvent(m.UserID, m.OldRank, m.NewRank, m.Score)
		if cmd.CorrelationID != "" {
			event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		}
		if err := h.publisher.Publish(event); err != nil {
			h.logger.Warn("rank.changed publish failed",
				logger.UserID(m.UserID), logger.Err(err))
			continue
		}
		emitted++
	}
	return emitted
}
