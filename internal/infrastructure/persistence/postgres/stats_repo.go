package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fluentlane/progress-engine/internal/domain/stats"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATS REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// StatsRepository implements stats.StatsRepository for PostgreSQL. The table
// is a read model mirrored from the main application; the only write path is
// the streak counter upsert.
type StatsRepository struct {
	conn *Connection
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(conn *Connection) *StatsRepository {
	return &StatsRepository{conn: conn}
}

const statsColumns = `user_id, display_name, photo_ref, xp_total, achievement_points,
	   achievement_count, streak_current, streak_best, tier, last_activity_date, updated_at`

// GetByUserID returns the stats record for one user.
func (r *StatsRepository) GetByUserID(ctx context.Context, userID string) (*stats.UserStatsRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM user_stats
		WHERE user_id = $1
	`, statsColumns)

	record, err := r.scanStats(r.conn.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListAll returns every stats record, ordered by XP total descending.
func (r *StatsRepository) ListAll(ctx context.Context) ([]*stats.UserStatsRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM user_stats
		ORDER BY xp_total DESC, user_id ASC
	`, statsColumns)

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats records: %w", err)
	}
	defer rows.Close()

	var records []*stats.UserStatsRecord
	for rows.Next() {
		record, err := r.scanStats(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// UpsertStreaks writes the current and best streak counters for a user,
// creating a minimal stats row if none exists yet.
func (r *StatsRepository) UpsertStreaks(ctx context.Context, userID string, current, best int) error {
	query := `
		INSERT INTO user_stats (user_id, streak_current, streak_best, tier, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			streak_current = EXCLUDED.streak_current,
			streak_best = GREATEST(user_stats.streak_best, EXCLUDED.streak_best),
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.conn.Exec(ctx, query,
		userID,
		current,
		best,
		string(stats.TierFree),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert streak counters: %w", err)
	}

	return nil
}

// Count returns the total number of stats records.
func (r *StatsRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.conn.QueryRow(ctx, "SELECT COUNT(*) FROM user_stats").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stats records: %w", err)
	}
	return count, nil
}

func (r *StatsRepository) scanStats(row pgx.Row) (*stats.UserStatsRecord, error) {
	var record stats.UserStatsRecord
	var tier string
	var lastActivity sql.NullTime

	err := row.Scan(
		&record.UserID,
		&record.DisplayName,
		&record.PhotoRef,
		&record.XPTotal,
		&record.AchievementPoints,
		&record.AchievementCount,
		&record.StreakCurrent,
		&record.StreakBest,
		&tier,
		&lastActivity,
		&record.UpdatedAt,
	)
	if IsNoRows(err) {
		return nil, stats.ErrStatsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stats record: %w", err)
	}

	record.Tier = stats.Tier(tier)
	if lastActivity.Valid {
		record.LastActivityDate = lastActivity.Time
	}
	return &record, nil
}
