package http

import (
	"net/http"

	"github.com/fluentlane/progress-engine/internal/application/query"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
	"github.com/fluentlane/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROBES
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot answers GET / with a short service description and the
// endpoint map. The mux routes every unmatched path here as well, which
// keeps probes against stale URLs from returning bare 404 pages.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":        "Progress Engine API",
		"version":     "v1",
		"description": "Read-only leaderboard and rank API backed by published snapshots",
		"endpoints": map[string]string{
			"health":      "/health",
			"metrics":     "/metrics",
			"leaderboard": "/api/v1/leaderboard",
			"rank":        "/api/v1/users/{id}/rank",
		},
	}

	writeJSON(w, http.StatusOK, info)
}

// handleHealth reports aggregate health. With a checker wired in, a
// failing dependency turns the response into a 503 so load balancers
// stop routing here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		// No checker configured, report process-level health only.
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "healthy",
			"uptime":  s.Uptime().String(),
			"version": "v1",
		})
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleReady is the readiness probe. Not-ready differs from unhealthy:
// it covers startup windows where dependencies are still warming up.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		if status := s.deps.HealthChecker.Check(r.Context()); !status.Ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": status.Message,
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive is the liveness probe. It answers as long as the process
// can serve requests at all; dependency state is not consulted, a dead
// Redis must not get the worker restarted.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// READ API
// ══════════════════════════════════════════════════════════════════════════════

// handleGetLeaderboard serves GET /api/v1/leaderboard: one page of the
// published snapshot for the requested timeframe.
func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetLeaderboardHandler == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Leaderboard handler not configured")
		return
	}

	q := query.GetLeaderboardQuery{
		Timeframe: queryParam(r, "timeframe", ""),
		Page:      queryParamInt(r, "page", 1),
		PageSize:  queryParamInt(r, "page_size", 0),
	}

	result, err := s.deps.GetLeaderboardHandler.Handle(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, err, "Failed to get leaderboard")
		return
	}

	meta := &ResponseMeta{
		TotalCount: result.TotalPlayers,
		Page:       result.Page,
		PageSize:   result.PageSize,
		HasMore:    result.Page < result.TotalPages,
	}

	writeJSONWithMeta(w, r, http.StatusOK, result, meta)
}

// handleGetUserRank serves GET /api/v1/users/{id}/rank, optionally with
// the surrounding entries when ?neighbors= is set.
func (s *Server) handleGetUserRank(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "User ID is required")
		return
	}

	if s.deps.GetUserRankHandler == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Rank handler not configured")
		return
	}

	q := query.GetUserRankQuery{
		UserID:         userID,
		Timeframe:      queryParam(r, "timeframe", ""),
		NeighborRadius: queryParamInt(r, "neighbors", 0),
	}

	result, err := s.deps.GetUserRankHandler.Handle(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, err, "Failed to resolve rank")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// writeQueryError maps query-layer failures onto HTTP statuses. Validation
// problems and missing data are the caller's to fix; everything else is
// logged and reported as a server fault.
func (s *Server) writeQueryError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case shared.IsValidation(err):
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_request", "Invalid query parameters", err.Error())
	case shared.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Error("query failed", logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}
