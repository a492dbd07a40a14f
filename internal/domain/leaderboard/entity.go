// Package leaderboard contains the domain model for ranked snapshots: the
// leaderboard entry, the builder that turns scored users into per-timeframe
// snapshots, and the diff logic that detects rank movement between builds.
package leaderboard

import (
	"errors"
	"strings"
)

// Domain errors for leaderboard package.
var (
	ErrSnapshotNotFound = errors.New("leaderboard: snapshot not found")
	ErrUnknownTimeframe = errors.New("leaderboard: unknown timeframe")
)

// Timeframe is a publication slot for a snapshot. All four slots are rebuilt
// from the same scored list; clients poll different slots at different
// cadences.
type Timeframe string

const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
	TimeframeAllTime Timeframe = "allTime"
)

// AllTimeframes returns every timeframe in publication order.
func AllTimeframes() []Timeframe {
	return []Timeframe{TimeframeDaily, TimeframeWeekly, TimeframeMonthly, TimeframeAllTime}
}

// IsValid checks that the timeframe is one of the known slots.
func (t Timeframe) IsValid() bool {
	switch t {
	case TimeframeDaily, TimeframeWeekly, TimeframeMonthly, TimeframeAllTime:
		return true
	}
	return false
}

// String returns the string representation of Timeframe.
func (t Timeframe) String() string {
	return string(t)
}

// ParseTimeframe matches a raw string against the known timeframes,
// case-insensitively. An empty value maps to TimeframeAllTime.
func ParseTimeframe(value string) (Timeframe, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return TimeframeAllTime, nil
	}
	for _, tf := range AllTimeframes() {
		if strings.EqualFold(v, string(tf)) {
			return tf, nil
		}
	}
	return "", ErrUnknownTimeframe
}

// Entry is one ranked row of a published leaderboard snapshot. The JSON
// field names are the published wire format, shared by the PostgreSQL
// snapshot rows and the Redis cache payloads.
type Entry struct {
	// Rank is 1-based and dense: entries[i].Rank == i+1.
	Rank int `json:"rank"`

	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PhotoRef    string `json:"photoRef,omitempty"`

	// TotalPoints is the achievement point total; TotalXP the lifetime XP.
	TotalPoints int64 `json:"totalPoints"`
	TotalXP     int64 `json:"totalXP"`

	CurrentLevel  int `json:"currentLevel"`
	CurrentStreak int `json:"currentStreak"`
	BestStreak    int `json:"bestStreak"`

	AchievementCount  int            `json:"achievementCount"`
	AchievementRarity map[string]int `json:"achievementRarity"`

	// Score is the ranking key. Entries are ordered by Score descending,
	// ties broken by UserID ascending.
	Score int64 `json:"score"`

	// IsPublic is true for every published entry; opted-out users are
	// excluded before ranking, never anonymized.
	IsPublic bool `json:"isPublic"`

	SubscriptionTier string `json:"subscriptionTier"`
}
