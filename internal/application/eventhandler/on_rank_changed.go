// Package eventhandler contains domain event listeners. They implement the
// reactive side of the system: commands publish events, listeners react
// with side effects such as cache invalidation and milestone tracking.
package eventhandler

import (
	"log/slog"

	"github.com/fluentlane/progress-engine/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON RANK CHANGED HANDLER
// Reacts to leaderboard rank movements: records milestone crossings
// (entering or leaving a top-N bracket) and surfaces large movements in
// the log stream for operators.
// ═══════════════════════════════════════════════════════════════════════════

// OnRankChangedHandler processes rank movement events.
type OnRankChangedHandler struct {
	logger *slog.Logger
	config RankChangedConfig
}

// RankChangedConfig contains configuration for the handler.
type RankChangedConfig struct {
	// TopMilestones are the bracket sizes tracked for entered/left
	// crossings, e.g. [3, 10, 100].
	TopMilestones []int

	// MinLoggedChange suppresses log lines for movements smaller than
	// this many positions. Milestone crossings are always logged.
	MinLoggedChange int
}

// DefaultRankChangedConfig returns the default configuration.
func DefaultRankChangedConfig() RankChangedConfig {
	return RankChangedConfig{
		TopMilestones:   []int{3, 10, 100},
		MinLoggedChange: 5,
	}
}

// NewOnRankChangedHandler creates a new rank movement listener.
func NewOnRankChangedHandler(logger *slog.Logger, config RankChangedConfig) *OnRankChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.TopMilestones) == 0 {
		config = DefaultRankChangedConfig()
	}
	return &OnRankChangedHandler{
		logger: logger.With("handler", "on_rank_changed"),
		config: config,
	}
}

// EventType returns the event type this handler subscribes to.
func (h *OnRankChangedHandler) EventType() shared.EventType {
	return shared.EventRankChanged
}

// Handle processes one rank movement. It never fails the dispatch: a
// listener problem must not disturb the rebuild pipeline.
func (h *OnRankChangedHandler) Handle(event shared.Event) error {
	rankEvent, ok := event.(shared.RankChangedEvent)
	if !ok {
		h.logger.Warn("received unexpected event type",
			"event_type", event.EventType(),
		)
		return nil
	}

	entered, left := h.crossings(rankEvent)
	for _, milestone := range entered {
		h.logger.Info("user entered top bracket",
			"user_id", rankEvent.UserID,
			"bracket", milestone,
			"rank", rankEvent.NewRank,
			"score", rankEvent.Score,
		)
	}
	for _, milestone := range left {
		h.logger.Info("user left top bracket",
			"user_id", rankEvent.UserID,
			"bracket", milestone,
			"rank", rankEvent.NewRank,
		)
	}

	if h.isNotable(rankEvent) {
		h.logger.Info("notable rank movement",
			"user_id", rankEvent.UserID,
			"old_rank", rankEvent.OldRank,
			"new_rank", rankEvent.NewRank,
			"change", rankEvent.RankChange,
		)
	}

	return nil
}

// crossings returns the milestone brackets the movement entered and left.
// New entries (old rank 0) can enter a bracket but never leave one.
func (h *OnRankChangedHandler) crossings(event shared.RankChangedEvent) (entered, left []int) {
	oldRank := shared.Rank(event.OldRank)
	newRank := shared.Rank(event.NewRank)

	for _, milestone := range h.config.TopMilestones {
		wasIn := oldRank.IsTop(milestone)
		isIn := newRank.IsTop(milestone)
		switch {
		case isIn && !wasIn:
			entered = append(entered, milestone)
		case wasIn && !isIn:
			left = append(left, milestone)
		}
	}
	return entered, left
}

// isNotable reports whether the movement itself is worth a log line.
func (h *OnRankChangedHandler) isNotable(event shared.RankChangedEvent) bool {
	change := event.RankChange
	if change < 0 {
		change = -change
	}
	return change >= h.config.MinLoggedChange && h.config.MinLoggedChange > 0
}
