package eventhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON LEADERBOARD REBUILT HANDLER
// Reacts to a published rebuild: drops the in-process snapshot view so the
// next read backfills the fresh edition instead of serving the stale one
// until its TTL runs out.
// ═══════════════════════════════════════════════════════════════════════════

// invalidateTimeout bounds the cache drop so a wedged cache cannot stall
// event dispatch.
const invalidateTimeout = 5 * time.Second

// OnLeaderboardRebuiltHandler processes rebuild completion events.
type OnLeaderboardRebuiltHandler struct {
	localView leaderboard.SnapshotCache
	logger    *slog.Logger
}

// NewOnLeaderboardRebuiltHandler creates a new rebuild listener.
// The local view may be nil when no in-process cache is configured.
func NewOnLeaderboardRebuiltHandler(localView leaderboard.SnapshotCache, logger *slog.Logger) *OnLeaderboardRebuiltHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnLeaderboardRebuiltHandler{
		localView: localView,
		logger:    logger.With("handler", "on_leaderboard_rebuilt"),
	}
}

// EventType returns the event type this handler subscribes to.
func (h *OnLeaderboardRebuiltHandler) EventType() shared.EventType {
	return shared.EventLeaderboardRebuilt
}

// Handle drops every timeframe's local view entry. Failures are logged
// and swallowed: the view self-heals when its TTL expires.
func (h *OnLeaderboardRebuiltHandler) Handle(event shared.Event) error {
	rebuiltEvent, ok := event.(shared.LeaderboardRebuiltEvent)
	if !ok {
		h.logger.Warn("received unexpected event type",
			"event_type", event.EventType(),
		)
		return nil
	}

	if h.localView == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()

	dropped := 0
	for _, tf := range leaderboard.AllTimeframes() {
		if err := h.localView.Invalidate(ctx, tf); err != nil {
			h.logger.Warn("failed to invalidate local snapshot view",
				"timeframe", string(tf),
				"error", err,
			)
			continue
		}
		dropped++
	}

	h.logger.Info("local snapshot views invalidated",
		"dropped", dropped,
		"total_players", rebuiltEvent.TotalPlayers,
		"digest", rebuiltEvent.Digest,
	)
	return nil
}
