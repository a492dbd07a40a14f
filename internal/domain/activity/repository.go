// Package activity contains the domain model for daily activity tracking.
package activity

import (
	"context"
	"time"
)

// RawRecord is a persisted activity document before decoding. Doc may be
// canonical or carry any of the legacy corruption patterns; ParseDocument
// decides which.
type RawRecord struct {
	UserID    UserID
	Doc       []byte
	UpdatedAt time.Time
}

// Repository defines the interface for activity document persistence.
// This interface is implemented by the infrastructure layer.
// The domain layer has no knowledge of the actual storage mechanism.
type Repository interface {
	// Get returns the raw persisted document for a user.
	// Returns ErrRecordNotFound when no document exists.
	Get(ctx context.Context, userID UserID) (*RawRecord, error)

	// Save writes the canonical form of the record, replacing any
	// previous document for that user.
	Save(ctx context.Context, record *ActivityRecord) error

	// ListPage returns up to limit raw documents with user IDs greater
	// than afterID, ordered by user ID ascending. An empty afterID starts
	// from the beginning. Used by audit scans to page through the whole
	// store with keyset pagination.
	ListPage(ctx context.Context, afterID UserID, limit int) ([]RawRecord, error)

	// Count returns the total number of stored documents.
	Count(ctx context.Context) (int, error)
}

// RepairAuditEntry is one row of the repair audit trail: which corruption
// patterns were found for a user and how the counters moved.
type RepairAuditEntry struct {
	ID           string
	UserID       UserID
	Shapes       []string
	DatesMerged  int
	StreakBefore int
	StreakAfter  int
	BestBefore   int
	BestAfter    int
	DryRun       bool
	RepairedAt   time.Time
}

// AuditRepository persists the repair audit trail.
type AuditRepository interface {
	// Record appends one audit entry.
	Record(ctx context.Context, entry RepairAuditEntry) error

	// PruneBefore deletes entries older than cutoff, returning the number
	// removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
