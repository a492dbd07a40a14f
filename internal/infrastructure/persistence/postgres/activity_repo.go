package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fluentlane/progress-engine/internal/domain/activity"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ActivityRepository implements activity.Repository for PostgreSQL. Documents
// are stored as raw JSONB: reads return whatever bytes the row holds, decoded
// later by the domain layer, while writes always store the canonical shape.
type ActivityRepository struct {
	conn *Connection
}

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(conn *Connection) *ActivityRepository {
	return &ActivityRepository{conn: conn}
}

// Get returns the raw persisted document for a user.
func (r *ActivityRepository) Get(ctx context.Context, userID activity.UserID) (*activity.RawRecord, error) {
	query := `
		SELECT user_id, doc, updated_at
		FROM activity_records
		WHERE user_id = $1
	`

	var rec activity.RawRecord
	var id string

	err := r.conn.QueryRow(ctx, query, string(userID)).Scan(&id, &rec.Doc, &rec.UpdatedAt)
	if IsNoRows(err) {
		return nil, activity.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity record: %w", err)
	}

	rec.UserID = activity.UserID(id)
	return &rec, nil
}

// Save writes the canonical form of the record, replacing any previous
// document for that user.
func (r *ActivityRepository) Save(ctx context.Context, record *activity.ActivityRecord) error {
	doc, err := activity.EncodeCanonical(record)
	if err != nil {
		return fmt.Errorf("failed to encode activity document: %w", err)
	}

	query := `
		INSERT INTO activity_records (user_id, doc, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.conn.Exec(ctx, query, string(record.UserID), doc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save activity record: %w", err)
	}

	return nil
}

// ListPage returns up to limit raw documents with user IDs greater than
// afterID, ordered by user ID ascending. Keyset pagination keeps audit
// scans cheap regardless of table size.
func (r *ActivityRepository) ListPage(ctx context.Context, afterID activity.UserID, limit int) ([]activity.RawRecord, error) {
	query := `
		SELECT user_id, doc, updated_at
		FROM activity_records
		WHERE user_id > $1
		ORDER BY user_id ASC
		LIMIT $2
	`

	rows, err := r.conn.Query(ctx, query, string(afterID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity records: %w", err)
	}
	defer rows.Close()

	var records []activity.RawRecord
	for rows.Next() {
		var rec activity.RawRecord
		var id string

		if err := rows.Scan(&id, &rec.Doc, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}

		rec.UserID = activity.UserID(id)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Count returns the total number of stored documents.
func (r *ActivityRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.conn.QueryRow(ctx, "SELECT COUNT(*) FROM activity_records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count activity records: %w", err)
	}
	return count, nil
}
