package postgres

import (
	"context"
	"fmt"
)

// ══════════════════════════════════════════════════════════════════════════════
// OPT-OUT REGISTRY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// OptOutRepository implements stats.OptOutRegistry for PostgreSQL. The table
// is written by the main application; this service only reads it to exclude
// users from published snapshots.
type OptOutRepository struct {
	conn *Connection
}

// NewOptOutRepository creates a new OptOutRepository.
func NewOptOutRepository(conn *Connection) *OptOutRepository {
	return &OptOutRepository{conn: conn}
}

// ListIDs returns the IDs of every opted-out user.
func (r *OptOutRepository) ListIDs(ctx context.Context) ([]string, error) {
	query := `SELECT user_id FROM leaderboard_optouts ORDER BY user_id`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list opt-outs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan opt-out row: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// IsOptedOut reports whether a single user has opted out.
func (r *OptOutRepository) IsOptedOut(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM leaderboard_optouts WHERE user_id = $1)`

	var optedOut bool
	if err := r.conn.QueryRow(ctx, query, userID).Scan(&optedOut); err != nil {
		return false, fmt.Errorf("failed to check opt-out status: %w", err)
	}

	return optedOut, nil
}
