package shared

import (
	"time"
)

// EventType names a kind of domain event.
type EventType string

// Every event the engine emits. Handlers subscribe by these names.
const (
	// Activity events
	EventActivityRecorded EventType = "activity.recorded"
	EventStreakRepaired   EventType = "streak.repaired"

	// Leaderboard events
	EventLeaderboardRebuilt EventType = "leaderboard.rebuilt"
	EventRankChanged        EventType = "leaderboard.rank_changed"
)

// Event is what the bus routes. Concrete events embed BaseEvent and add
// their own fields; handlers type-assert to the concrete type they
// subscribed for.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	AggregateID() string
}

// BaseEvent carries the fields every event shares.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Aggregate     string    `json:"aggregate_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.Aggregate }

// NewBaseEvent stamps a new event with the current time.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Aggregate: aggregateID,
	}
}

// WithCorrelationID returns a copy tagged with the command's correlation
// ID, so an event can be traced back to the request that caused it.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Activity Events
// ═══════════════════════════════════════════════════════════════════════════

// ActivityRecordedEvent is emitted when a user's daily activity is recorded.
type ActivityRecordedEvent struct {
	BaseEvent
	UserID        string `json:"user_id"`
	Date          string `json:"date"`
	CurrentStreak int    `json:"current_streak"`
	BestStreak    int    `json:"best_streak"`
	StreakGrew    bool   `json:"streak_grew"`
}

// NewActivityRecordedEvent creates a new ActivityRecordedEvent.
func NewActivityRecordedEvent(userID, date string, currentStreak, bestStreak int, streakGrew bool) ActivityRecordedEvent {
	return ActivityRecordedEvent{
		BaseEvent:     NewBaseEvent(EventActivityRecorded, userID),
		UserID:        userID,
		Date:          date,
		CurrentStreak: currentStreak,
		BestStreak:    bestStreak,
		StreakGrew:    streakGrew,
	}
}

// StreakRepairedEvent is emitted when a corrupted streak document is
// reconciled back into canonical form.
type StreakRepairedEvent struct {
	BaseEvent
	UserID       string   `json:"user_id"`
	Shapes       []string `json:"shapes"` // corruption patterns found in the document
	DatesMerged  int      `json:"dates_merged"`
	StreakBefore int      `json:"streak_before"`
	StreakAfter  int      `json:"streak_after"`
	BestBefore   int      `json:"best_before"`
	BestAfter    int      `json:"best_after"`
	DryRun       bool     `json:"dry_run"`
}

// NewStreakRepairedEvent creates a new StreakRepairedEvent.
func NewStreakRepairedEvent(userID string, shapes []string, datesMerged, streakBefore, streakAfter, bestBefore, bestAfter int, dryRun bool) StreakRepairedEvent {
	return StreakRepairedEvent{
		BaseEvent:    NewBaseEvent(EventStreakRepaired, userID),
		UserID:       userID,
		Shapes:       shapes,
		DatesMerged:  datesMerged,
		StreakBefore: streakBefore,
		StreakAfter:  streakAfter,
		BestBefore:   bestBefore,
		BestAfter:    bestAfter,
		DryRun:       dryRun,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Leaderboard Events
// ═══════════════════════════════════════════════════════════════════════════

// LeaderboardRebuiltEvent is emitted after a full leaderboard rebuild
// publishes fresh snapshots for every timeframe.
type LeaderboardRebuiltEvent struct {
	BaseEvent
	TotalPlayers int           `json:"total_players"`
	EntryCount   int           `json:"entry_count"`
	Digest       string        `json:"digest"`
	Duration     time.Duration `json:"duration"`
}

// NewLeaderboardRebuiltEvent creates a new LeaderboardRebuiltEvent.
func NewLeaderboardRebuiltEvent(totalPlayers, entryCount int, digest string, duration time.Duration) LeaderboardRebuiltEvent {
	return LeaderboardRebuiltEvent{
		BaseEvent:    NewBaseEvent(EventLeaderboardRebuilt, "leaderboard"),
		TotalPlayers: totalPlayers,
		EntryCount:   entryCount,
		Digest:       digest,
		Duration:     duration,
	}
}

// RankChangedEvent is emitted when a user's leaderboard rank changes
// between two consecutive rebuilds.
type RankChangedEvent struct {
	BaseEvent
	UserID     string `json:"user_id"`
	OldRank    int    `json:"old_rank"`
	NewRank    int    `json:"new_rank"`
	RankChange int    `json:"rank_change"` // Positive = moved up, Negative = moved down
	Score      int64  `json:"score"`
}

// NewRankChangedEvent creates a new RankChangedEvent. A zero oldRank marks
// a user entering the leaderboard; the change is 0, not a drop.
func NewRankChangedEvent(userID string, oldRank, newRank int, score int64) RankChangedEvent {
	change := 0
	if oldRank > 0 {
		change = oldRank - newRank // Positive means moved up
	}
	return RankChangedEvent{
		BaseEvent:  NewBaseEvent(EventRankChanged, userID),
		UserID:     userID,
		OldRank:    oldRank,
		NewRank:    newRank,
		RankChange: change,
		Score:      score,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contract
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler consumes one event. Returning an error marks the delivery
// failed; it does not stop delivery to other handlers.
type EventHandler func(event Event) error

// EventPublisher is the write side of the bus as the command handlers
// see it.
type EventPublisher interface {
	Publish(event Event) error
}
