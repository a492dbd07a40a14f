package stats

import "context"

// StatsRepository provides read access to the per-user statistics store and
// a narrow write path for keeping the mirrored streak counters in sync with
// the activity domain. Implementations live in the infrastructure layer.
type StatsRepository interface {
	// GetByUserID returns the stats record for one user.
	// Returns ErrStatsNotFound if the user has no stats row.
	GetByUserID(ctx context.Context, userID string) (*UserStatsRecord, error)

	// ListAll returns every stats record, ordered by XP total descending.
	// Leaderboard builds fetch the whole set in one call.
	ListAll(ctx context.Context) ([]*UserStatsRecord, error)

	// UpsertStreaks writes the current and best streak counters for a user,
	// creating a minimal stats row if none exists yet.
	UpsertStreaks(ctx context.Context, userID string, current, best int) error

	// Count returns the total number of stats records.
	Count(ctx context.Context) (int, error)
}

// OptOutRegistry lists users who opted out of public leaderboards.
// Opted-out users are excluded from snapshots entirely, not anonymized.
type OptOutRegistry interface {
	// ListIDs returns the IDs of every opted-out user.
	ListIDs(ctx context.Context) ([]string, error)

	// IsOptedOut reports whether a single user has opted out.
	IsOptedOut(ctx context.Context, userID string) (bool, error)
}
