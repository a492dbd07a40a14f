package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotRepository implements leaderboard.SnapshotRepository for
// PostgreSQL. The current snapshot of each timeframe lives in a single row
// keyed by timeframe; every rebuild also appends one history row per
// timeframe for later inspection.
type SnapshotRepository struct {
	conn *Connection
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(conn *Connection) *SnapshotRepository {
	return &SnapshotRepository{conn: conn}
}

// SaveAll replaces the stored snapshot for every timeframe in the set and
// appends the matching history rows, all in one transaction. Readers never
// observe a half-published set: either the whole set commits or none of it.
func (r *SnapshotRepository) SaveAll(ctx context.Context, set leaderboard.SnapshotSet) error {
	if len(set) == 0 {
		return nil
	}
	for _, snap := range set {
		if snap == nil {
			return shared.ErrPartialWrite
		}
	}

	const upsertQuery = `
		INSERT INTO leaderboard_snapshots (timeframe, captured_at, total_players, digest, entries)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (timeframe) DO UPDATE SET
			captured_at = EXCLUDED.captured_at,
			total_players = EXCLUDED.total_players,
			digest = EXCLUDED.digest,
			entries = EXCLUDED.entries
	`

	const historyQuery = `
		INSERT INTO leaderboard_snapshot_history (id, timeframe, captured_at, total_players, digest, entries)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, snap := range set {
			entries := snap.Entries
			if entries == nil {
				entries = []leaderboard.Entry{}
			}
			entriesJSON, err := json.Marshal(entries)
			if err != nil {
				return fmt.Errorf("failed to marshal snapshot entries: %w", err)
			}

			batch.Queue(upsertQuery,
				string(snap.Timeframe),
				snap.CapturedAt,
				snap.TotalPlayers,
				snap.Digest,
				entriesJSON,
			)
			batch.Queue(historyQuery,
				uuid.NewString(),
				string(snap.Timeframe),
				snap.CapturedAt,
				snap.TotalPlayers,
				snap.Digest,
				entriesJSON,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for i := 0; i < batch.Len(); i++ {
			tag, err := br.Exec()
			if err != nil {
				return fmt.Errorf("failed to write snapshot set: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return shared.ErrPartialWrite
			}
		}

		return nil
	})
}

// Get returns the stored snapshot for a timeframe.
func (r *SnapshotRepository) Get(ctx context.Context, tf leaderboard.Timeframe) (*leaderboard.Snapshot, error) {
	query := `
		SELECT timeframe, captured_at, total_players, digest, entries
		FROM leaderboard_snapshots
		WHERE timeframe = $1
	`

	var snap leaderboard.Snapshot
	var timeframe string
	var entriesJSON []byte

	err := r.conn.QueryRow(ctx, query, string(tf)).Scan(
		&timeframe,
		&snap.CapturedAt,
		&snap.TotalPlayers,
		&snap.Digest,
		&entriesJSON,
	)
	if IsNoRows(err) {
		return nil, leaderboard.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal(entriesJSON, &snap.Entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot entries: %w", err)
	}

	snap.Timeframe = leaderboard.Timeframe(timeframe)
	return &snap, nil
}

// PruneHistoryBefore deletes history rows captured before the cutoff.
func (r *SnapshotRepository) PruneHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM leaderboard_snapshot_history WHERE captured_at < $1`

	result, err := r.conn.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshot history: %w", err)
	}

	return result.RowsAffected(), nil
}
