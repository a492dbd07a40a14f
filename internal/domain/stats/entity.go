// Package stats contains the per-user statistics read model that feeds
// leaderboard construction: XP and achievement totals, cached streak
// counters, and public profile attributes. The package also owns the
// scoring rules that turn one record into a ranking score and an
// achievement rarity distribution.
package stats

import (
	"errors"
	"strings"
	"time"
)

// Domain errors for stats package.
var (
	ErrInvalidUserID = errors.New("stats: invalid user ID")
	ErrStatsNotFound = errors.New("stats: record not found")
	ErrUnknownTier   = errors.New("stats: unknown subscription tier")
	ErrNegativeValue = errors.New("stats: totals cannot be negative")
)

// Tier is the user's subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// IsValid checks that the tier is one of the known values.
func (t Tier) IsValid() bool {
	return t == TierFree || t == TierPremium
}

// IsPremium reports whether the tier is paid.
func (t Tier) IsPremium() bool {
	return t == TierPremium
}

// String returns the string representation of Tier.
func (t Tier) String() string {
	return string(t)
}

// NewTier normalizes a raw tier string. An empty value maps to TierFree.
func NewTier(value string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(value)))
	if t == "" {
		return TierFree, nil
	}
	if !t.IsValid() {
		return "", ErrUnknownTier
	}
	return t, nil
}

// UserStatsRecord is the aggregated statistics for one user as read from
// the stats store. It is a read model: this service never mutates it, only
// scores it and folds it into leaderboard entries.
type UserStatsRecord struct {
	UserID      string
	DisplayName string
	PhotoRef    string

	// XPTotal is the lifetime XP sum.
	XPTotal int64

	// AchievementPoints is the sum of points across earned achievements.
	AchievementPoints int64

	// AchievementCount is the number of earned achievements.
	AchievementCount int

	// StreakCurrent and StreakBest mirror the activity record's counters
	// at the time the stats row was last synced.
	StreakCurrent int
	StreakBest    int

	Tier             Tier
	LastActivityDate time.Time
	UpdatedAt        time.Time
}

// Validate checks the record's internal consistency.
func (r *UserStatsRecord) Validate() error {
	if r.UserID == "" {
		return ErrInvalidUserID
	}
	if r.XPTotal < 0 || r.AchievementPoints < 0 {
		return ErrNegativeValue
	}
	if r.AchievementCount < 0 || r.StreakCurrent < 0 || r.StreakBest < 0 {
		return ErrNegativeValue
	}
	if !r.Tier.IsValid() {
		return ErrUnknownTier
	}
	return nil
}
