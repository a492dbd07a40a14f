// Package query contains read operations following the CQRS split.
// Queries never modify state - they only read and return data.
// Each query is a self-contained use case with its own request/response types.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
	"github.com/fluentlane/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Serves one page of a published leaderboard snapshot. Reads fall through
// the process-local view, then the distributed cache, then the snapshot
// store, backfilling the faster layers on the way back.
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot sources reported in results, fastest first.
const (
	SourceLocal = "local"
	SourceCache = "cache"
	SourceStore = "store"
)

// Backfill TTLs. The local view turns over quickly so a stale board never
// outlives more than a couple of minutes; the distributed cache holds the
// snapshot until the next rebuild republishes it.
const (
	localBackfillTTL  = 2 * time.Minute
	remoteBackfillTTL = 2 * time.Hour
)

// GetLeaderboardQuery contains the parameters for a leaderboard page read.
type GetLeaderboardQuery struct {
	// Timeframe selects the board: daily, weekly, monthly or allTime.
	// Empty selects allTime.
	Timeframe string

	// Page is 1-based (default 1).
	Page int

	// PageSize is the number of entries per page (default 20, maximum 100).
	PageSize int
}

// Validate checks the query parameters.
func (q *GetLeaderboardQuery) Validate() error {
	if q.Page < 0 {
		return errors.New("page cannot be negative")
	}
	if q.PageSize < 0 {
		return errors.New("page_size cannot be negative")
	}
	if _, err := leaderboard.ParseTimeframe(q.Timeframe); err != nil {
		return err
	}
	return nil
}

// LeaderboardPageResult contains one page of a published snapshot together
// with the pagination totals the HTTP layer serves verbatim.
type LeaderboardPageResult struct {
	// Timeframe the page was read from.
	Timeframe string `json:"timeframe"`

	// Entries are the ranked rows for this page, in rank order.
	Entries []leaderboard.Entry `json:"entries"`

	// Page and PageSize echo the normalized request.
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`

	// TotalPages is the number of pages the published board spans.
	TotalPages int `json:"totalPages"`

	// EntryCount is the number of published entries on the whole board.
	EntryCount int `json:"entryCount"`

	// TotalPlayers counts every eligible player, including those ranked
	// below the published cut-off.
	TotalPlayers int `json:"totalPlayers"`

	// CapturedAt is when the snapshot was built.
	CapturedAt time.Time `json:"capturedAt"`

	// Digest identifies the ranked content of the snapshot.
	Digest string `json:"digest"`

	// Source names the layer that served the read.
	Source string `json:"source"`

	// GeneratedAt is when this result was produced.
	GeneratedAt time.Time `json:"generatedAt"`
}

// snapshotLoader is the shared read-through chain for published snapshots.
// Any layer may be nil; errors from the cache layers degrade to the next
// layer instead of failing the read.
type snapshotLoader struct {
	store  leaderboard.SnapshotRepository
	remote leaderboard.SnapshotCache
	local  leaderboard.SnapshotCache
	logger *logger.Logger
}

// load resolves a snapshot and reports which layer served it.
func (l *snapshotLoader) load(ctx context.Context, timeframe leaderboard.Timeframe) (*leaderboard.Snapshot, string, error) {
	if l.local != nil {
		if snapshot, err := l.local.Get(ctx, timeframe); err == nil {
			return snapshot, SourceLocal, nil
		}
	}

	if l.remote != nil {
		snapshot, err := l.remote.Get(ctx, timeframe)
		if err == nil {
			l.backfill(ctx, l.local, snapshot, localBackfillTTL)
			return snapshot, SourceCache, nil
		}
		if !errors.Is(err, leaderboard.ErrSnapshotNotFound) {
			l.logger.Warn("snapshot cache read failed",
				logger.Timeframe(string(timeframe)), logger.Err(err))
		}
	}

	snapshot, err := l.store.Get(ctx, timeframe)
	if err != nil {
		if errors.Is(err, leaderboard.ErrSnapshotNotFound) {
			return nil, "", shared.WrapError("query", "LoadSnapshot", shared.ErrNotFound,
				"no snapshot published for timeframe", err)
		}
		return nil, "", shared.WrapError("query", "LoadSnapshot", shared.ErrRepository,
			"snapshot load failed", err)
	}
	l.backfill(ctx, l.remote, snapshot, remoteBackfillTTL)
	l.backfill(ctx, l.local, snapshot, localBackfillTTL)
	return snapshot, SourceStore, nil
}

// backfill republishes a snapshot into a faster layer. Failures are logged
// at debug level; the read already succeeded.
func (l *snapshotLoader) backfill(ctx context.Context, cache leaderboard.SnapshotCache, snapshot *leaderboard.Snapshot, ttl time.Duration) {
	if cache == nil {
		return
	}
	if err := cache.Publish(ctx, snapshot, ttl); err != nil {
		l.logger.Debug("snapshot backfill skipped",
			logger.Timeframe(string(snapshot.Timeframe)), logger.Err(err))
	}
}

// GetLeaderboardHandler handles leaderboard page reads.
type GetLeaderboardHandler struct {
	loader snapshotLoader
}

// NewGetLeaderboardHandler creates a new GetLeaderboardHandler. The remote
// and local caches are optional; reads fall through to the store.
func NewGetLeaderboardHandler(
	store leaderboard.SnapshotRepository,
	remote leaderboard.SnapshotCache,
	local leaderboard.SnapshotCache,
	log *logger.Logger,
) *GetLeaderboardHandler {
	if log == nil {
		log = logger.Default()
	}
	return &GetLeaderboardHandler{
		loader: snapshotLoader{
			store:  store,
			remote: remote,
			local:  local,
			logger: log.With(logger.Component("get_leaderboard")),
		},
	}
}

// Handle executes the leaderboard page read.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, query GetLeaderboardQuery) (*LeaderboardPageResult, error) {
	if err := query.Validate(); err != nil {
		return nil, shared.WrapError("query", "GetLeaderboard", shared.ErrValidation, err.Error(), err)
	}

	timeframe, _ := leaderboard.ParseTimeframe(query.Timeframe)
	pagination := shared.NewPagination(query.Page, query.PageSize)

	snapshot, source, err := h.loader.load(ctx, timeframe)
	if err != nil {
		return nil, err
	}

	return &LeaderboardPageResult{
		Timeframe:    string(timeframe),
		Entries:      snapshot.Page(pagination.Page, pagination.Limit()),
		Page:         pagination.Page,
		PageSize:     pagination.Limit(),
		TotalPages:   snapshot.TotalPages(pagination.Limit()),
		EntryCount:   snapshot.Count(),
		TotalPlayers: snapshot.TotalPlayers,
		CapturedAt:   snapshot.CapturedAt,
		Digest:       snapshot.Digest,
		Source:       source,
		GeneratedAt:  time.Now().UTC(),
	}, nil
}
