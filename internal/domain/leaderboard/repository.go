package leaderboard

import (
	"context"
	"time"
)

// SnapshotRepository persists published snapshots. Implementations live in
// the infrastructure layer.
type SnapshotRepository interface {
	// SaveAll replaces the stored snapshot for every timeframe in the set
	// and appends one history row per snapshot, all in a single
	// transaction. Partial visibility across timeframes must be
	// impossible: either every snapshot of the set is stored or none is.
	SaveAll(ctx context.Context, set SnapshotSet) error

	// Get returns the stored snapshot for a timeframe.
	// Returns ErrSnapshotNotFound if no snapshot was ever published.
	Get(ctx context.Context, tf Timeframe) (*Snapshot, error)

	// PruneHistoryBefore deletes snapshot history rows captured before the
	// cutoff. Returns the number of rows deleted.
	PruneHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotCache is the published read-side cache for snapshots. Publication
// is best-effort: a failing cache degrades reads to the repository and must
// never fail a rebuild.
type SnapshotCache interface {
	// Publish stores the snapshot payload and its rank index under the
	// timeframe's cache keys, bounded by ttl.
	Publish(ctx context.Context, snap *Snapshot, ttl time.Duration) error

	// Get returns the cached snapshot for a timeframe.
	// Returns ErrSnapshotNotFound on a cache miss.
	Get(ctx context.Context, tf Timeframe) (*Snapshot, error)

	// GetRank returns the cached rank and score for one user, without
	// fetching the whole snapshot. Returns ErrSnapshotNotFound when the
	// rank index is absent, and rank 0 when the user is not in it.
	GetRank(ctx context.Context, tf Timeframe, userID string) (rank int, score int64, err error)

	// Invalidate drops the cached payloads for a timeframe.
	Invalidate(ctx context.Context, tf Timeframe) error
}
