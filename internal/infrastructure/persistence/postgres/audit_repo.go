package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluentlane/progress-engine/internal/domain/activity"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPAIR AUDIT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// RepairAuditRepository implements activity.AuditRepository for PostgreSQL.
type RepairAuditRepository struct {
	conn *Connection
}

// NewRepairAuditRepository creates a new RepairAuditRepository.
func NewRepairAuditRepository(conn *Connection) *RepairAuditRepository {
	return &RepairAuditRepository{conn: conn}
}

// Record appends one audit entry. Re-recording an entry with the same ID
// is a no-op, which makes retried writes safe.
func (r *RepairAuditRepository) Record(ctx context.Context, entry activity.RepairAuditEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	repairedAt := entry.RepairedAt
	if repairedAt.IsZero() {
		repairedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO streak_repair_audit (
			id, user_id, shapes, dates_merged,
			streak_before, streak_after, best_before, best_after,
			dry_run, repaired_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.conn.Exec(ctx, query,
		id,
		string(entry.UserID),
		entry.Shapes,
		entry.DatesMerged,
		entry.StreakBefore,
		entry.StreakAfter,
		entry.BestBefore,
		entry.BestAfter,
		entry.DryRun,
		repairedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to record repair audit entry: %w", err)
	}

	return nil
}

// PruneBefore deletes entries older than cutoff.
func (r *RepairAuditRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM streak_repair_audit WHERE repaired_at < $1`

	result, err := r.conn.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune repair audit entries: %w", err)
	}

	return result.RowsAffected(), nil
}
