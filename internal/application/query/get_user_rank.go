package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
	"github.com/fluentlane/progress-engine/internal/domain/stats"
	"github.com/fluentlane/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET USER RANK QUERY
// The "where am I" read. Resolves a user's position on a published board:
// the snapshot serves top-listed users with their full entry and neighbors,
// the cached rank index covers everyone ranked below the published cut-off.
// ══════════════════════════════════════════════════════════════════════════════

// maxNeighborRadius caps how many entries around the user can be requested.
const maxNeighborRadius = 10

// GetUserRankQuery contains the parameters for a rank lookup.
type GetUserRankQuery struct {
	// UserID is the user whose rank is resolved.
	UserID string

	// Timeframe selects the board (empty = allTime).
	Timeframe string

	// NeighborRadius includes up to that many entries directly above and
	// below the user (0 disables, maximum 10). Neighbors are only
	// available for users on the published board.
	NeighborRadius int
}

// Validate checks and normalizes the query parameters.
func (q *GetUserRankQuery) Validate() error {
	if strings.TrimSpace(q.UserID) == "" {
		return errors.New("user_id is required")
	}
	if q.NeighborRadius < 0 {
		return errors.New("neighbor_radius cannot be negative")
	}
	if q.NeighborRadius > maxNeighborRadius {
		q.NeighborRadius = maxNeighborRadius
	}
	if _, err := leaderboard.ParseTimeframe(q.Timeframe); err != nil {
		return err
	}
	return nil
}

// UserRankResult contains a user's resolved position.
type UserRankResult struct {
	// UserID is the user the lookup ran for.
	UserID string `json:"userId"`

	// Timeframe the rank was resolved on.
	Timeframe string `json:"timeframe"`

	// Rank is the 1-based position.
	Rank int `json:"rank"`

	// Score is the composite score backing the rank.
	Score int64 `json:"score"`

	// OnBoard reports whether the user appears in the published snapshot.
	// Boards are truncated, so a ranked user can still be off-board.
	OnBoard bool `json:"onBoard"`

	// TotalPlayers counts every eligible player on the board.
	TotalPlayers int `json:"totalPlayers"`

	// Percentile is the user's position as a share of all players
	// (12.5 reads as "top 12.5%").
	Percentile float64 `json:"percentile"`

	// IsTopTen flags a podium-adjacent position.
	IsTopTen bool `json:"isTopTen"`

	// Entry is the full published row, only for on-board users.
	Entry *leaderboard.Entry `json:"entry,omitempty"`

	// Neighbors are the entries directly around the user, in rank order,
	// when a radius was requested and the user is on the board.
	Neighbors []leaderboard.Entry `json:"neighbors,omitempty"`

	// ScoreToNextRank is how many points separate the user from the entry
	// one rank above, 0 for the leader and off-board users.
	ScoreToNextRank int64 `json:"scoreToNextRank"`

	// CapturedAt is when the underlying snapshot was built.
	CapturedAt time.Time `json:"capturedAt"`

	// GeneratedAt is when this result was produced.
	GeneratedAt time.Time `json:"generatedAt"`
}

// GetUserRankHandler handles rank lookups.
type GetUserRankHandler struct {
	loader  snapshotLoader
	ranks   leaderboard.SnapshotCache
	optOuts stats.OptOutRegistry
	logger  *logger.Logger
}

// NewGetUserRankHandler creates a new GetUserRankHandler. The rank cache
// and opt-out registry are optional.
func NewGetUserRankHandler(
	store leaderboard.SnapshotRepository,
	remote leaderboard.SnapshotCache,
	local leaderboard.SnapshotCache,
	optOuts stats.OptOutRegistry,
	log *logger.Logger,
) *GetUserRankHandler {
	if log == nil {
		log = logger.Default()
	}
	log = log.With(logger.Component("get_user_rank"))
	return &GetUserRankHandler{
		loader: snapshotLoader{
			store:  store,
			remote: remote,
			local:  local,
			logger: log,
		},
		ranks:   remote,
		optOuts: optOuts,
		logger:  log,
	}
}

// Handle executes the rank lookup.
func (h *GetUserRankHandler) Handle(ctx context.Context, query GetUserRankQuery) (*UserRankResult, error) {
	if err := query.Validate(); err != nil {
		return nil, shared.WrapError("query", "GetUserRank", shared.ErrValidation, err.Error(), err)
	}

	userID := strings.TrimSpace(query.UserID)
	timeframe, _ := leaderboard.ParseTimeframe(query.Timeframe)

	if h.optOuts != nil {
		optedOut, err := h.optOuts.IsOptedOut(ctx, userID)
		if err != nil {
			h.logger.Warn("opt-out lookup failed", logger.UserID(userID), logger.Err(err))
		} else if optedOut {
			return nil, shared.WrapError("query", "GetUserRank", shared.ErrNotFound,
				"user has opted out of leaderboards", nil)
		}
	}

	snapshot, _, err := h.loader.load(ctx, timeframe)
	if err != nil {
		return nil, err
	}

	result := &UserRankResult{
		UserID:       userID,
		Timeframe:    string(timeframe),
		TotalPlayers: snapshot.TotalPlayers,
		CapturedAt:   snapshot.CapturedAt,
		GeneratedAt:  time.Now().UTC(),
	}

	if entry, ok := snapshot.GetByUserID(userID); ok {
		result.Rank = entry.Rank
		result.Score = entry.Score
		result.OnBoard = true
		result.Entry = &entry
		result.ScoreToNextRank = scoreGapAbove(snapshot, entry)
		if query.NeighborRadius > 0 {
			result.Neighbors = snapshot.Neighbors(userID, query.NeighborRadius)
		}
	} else {
		rank, score := h.lookupRankIndex(ctx, timeframe, userID)
		if rank == 0 {
			return nil, shared.WrapError("query", "GetUserRank", shared.ErrNotFound,
				"user is not ranked", nil)
		}
		result.Rank = rank
		result.Score = score
	}

	if result.TotalPlayers > 0 {
		result.Percentile = float64(result.Rank) / float64(result.TotalPlayers) * 100
	}
	result.IsTopTen = shared.Rank(result.Rank).IsTop(10)

	return result, nil
}

// lookupRankIndex resolves a rank from the cached index, for users ranked
// below the published cut-off. Index failures read as "not ranked".
func (h *GetUserRankHandler) lookupRankIndex(ctx context.Context, timeframe leaderboard.Timeframe, userID string) (int, int64) {
	if h.ranks == nil {
		return 0, 0
	}
	rank, score, err := h.ranks.GetRank(ctx, timeframe, userID)
	if err != nil {
		if !errors.Is(err, leaderboard.ErrSnapshotNotFound) {
			h.logger.Warn("rank index lookup failed", logger.UserID(userID), logger.Err(err))
		}
		return 0, 0
	}
	return rank, score
}

// scoreGapAbove returns the score distance to the entry one rank better.
func scoreGapAbove(snapshot *leaderboard.Snapshot, entry leaderboard.Entry) int64 {
	if entry.Rank <= 1 || entry.Rank-2 >= len(snapshot.Entries) {
		return 0
	}
	return snapshot.Entries[entry.Rank-2].Score - entry.Score
}
