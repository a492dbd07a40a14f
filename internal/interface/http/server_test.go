package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fluentlane/progress-engine/internal/application/query"
	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

// stubStore is an in-memory leaderboard.SnapshotRepository.
type stubStore struct {
	snaps map[leaderboard.Timeframe]*leaderboard.Snapshot
}

func (s *stubStore) SaveAll(_ context.Context, set leaderboard.SnapshotSet) error {
	if s.snaps == nil {
		s.snaps = make(map[leaderboard.Timeframe]*leaderboard.Snapshot)
	}
	for _, snap := range set {
		s.snaps[snap.Timeframe] = snap
	}
	return nil
}

func (s *stubStore) Get(_ context.Context, tf leaderboard.Timeframe) (*leaderboard.Snapshot, error) {
	if snap, ok := s.snaps[tf]; ok {
		return snap, nil
	}
	return nil, leaderboard.ErrSnapshotNotFound
}

func (s *stubStore) PruneHistoryBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// stubChecker is a HealthChecker with a fixed status.
type stubChecker struct {
	status HealthStatus
}

func (c *stubChecker) Check(_ context.Context) HealthStatus { return c.status }
func (c *stubChecker) AddCheck(_ string, _ HealthCheckFunc) {}
func (c *stubChecker) RemoveCheck(_ string)                 {}

// testEnvelope mirrors JSONResponse with raw data for typed decoding.
type testEnvelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	Meta      *ResponseMeta   `json:"meta"`
	RequestID string          `json:"request_id"`
}

// boardSnapshot builds a published snapshot with n ranked entries out of
// total eligible players.
func boardSnapshot(tf leaderboard.Timeframe, total, n int) *leaderboard.Snapshot {
	entries := make([]leaderboard.Entry, n)
	for i := range entries {
		entries[i] = leaderboard.Entry{
			Rank:        i + 1,
			UserID:      userIDFor(i + 1),
			DisplayName: "Player",
			Score:       int64(1000 - i*10),
			IsPublic:    true,
		}
	}
	return &leaderboard.Snapshot{
		Timeframe:    tf,
		CapturedAt:   time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC),
		TotalPlayers: total,
		Entries:      entries,
		Digest:       leaderboard.ComputeDigest(total, entries),
	}
}

func userIDFor(rank int) string {
	return "user-" + string(rune('0'+rank))
}

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{Output: io.Discard, Level: logger.LevelError})
}

// newTestServer builds a server over an in-memory snapshot store.
func newTestServer(store *stubStore, checker HealthChecker) *Server {
	deps := Dependencies{
		GetLeaderboardHandler: query.NewGetLeaderboardHandler(store, nil, nil, quietLogger()),
		GetUserRankHandler:    query.NewGetUserRankHandler(store, nil, nil, nil, quietLogger()),
		Logger:                quietLogger(),
		HealthChecker:         checker,
	}
	cfg := DefaultConfig()
	cfg.EnableMetrics = false
	return NewServer(cfg, deps)
}

// do runs a request through the full middleware chain.
func do(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

// ─────────────────────────────────────────────────────────────────────────────
// Health & status
// ─────────────────────────────────────────────────────────────────────────────

func TestServerHealthEndpoints(t *testing.T) {
	healthy := &stubChecker{status: HealthStatus{Healthy: true, Ready: true, Message: "all checks passed"}}
	s := newTestServer(&stubStore{}, healthy)

	for _, path := range []string{"/health", "/healthz"} {
		rec := do(s, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		env := decodeEnvelope(t, rec)
		assert.True(t, env.Success)

		var status HealthStatus
		require.NoError(t, json.Unmarshal(env.Data, &status))
		assert.True(t, status.Healthy)
	}

	rec := do(s, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerHealthEndpointsUnhealthy(t *testing.T) {
	failing := &stubChecker{status: HealthStatus{Healthy: false, Ready: false, Message: "checks failed: postgres"}}
	s := newTestServer(&stubStore{}, failing)

	rec := do(s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(s, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec)
	var body map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "checks failed: postgres", body["reason"])

	// Liveness only reports the process, not its dependencies.
	rec = do(s, http.MethodGet, "/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerHealthWithoutChecker(t *testing.T) {
	s := newTestServer(&stubStore{}, nil)

	rec := do(s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerRoot(t *testing.T) {
	s := newTestServer(&stubStore{}, nil)

	rec := do(s, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	env := decodeEnvelope(t, rec)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "Progress Engine API", info["name"])
}

// ─────────────────────────────────────────────────────────────────────────────
// Leaderboard API
// ─────────────────────────────────────────────────────────────────────────────

func TestServerGetLeaderboard(t *testing.T) {
	store := &stubStore{snaps: map[leaderboard.Timeframe]*leaderboard.Snapshot{
		leaderboard.TimeframeAllTime: boardSnapshot(leaderboard.TimeframeAllTime, 8, 5),
	}}
	s := newTestServer(store, nil)

	rec := do(s, http.MethodGet, "/api/v1/leaderboard?timeframe=allTime&page=1&page_size=2")
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	var result query.LeaderboardPageResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "allTime", result.Timeframe)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, 1, result.Entries[0].Rank)
	assert.Equal(t, 3, result.TotalPages)
	assert.Equal(t, 8, result.TotalPlayers)

	require.NotNil(t, env.Meta)
	assert.Equal(t, 8, env.Meta.TotalCount)
	assert.Equal(t, 1, env.Meta.Page)
	assert.Equal(t, 2, env.Meta.PageSize)
	assert.True(t, env.Meta.HasMore)
}

func TestServerGetLeaderboardDefaults(t *testing.T) {
	store := &stubStore{snaps: map[leaderboard.Timeframe]*leaderboard.Snapshot{
		leaderboard.TimeframeAllTime: boardSnapshot(leaderboard.TimeframeAllTime, 5, 5),
	}}
	s := newTestServer(store, nil)

	// No query params at all: allTime, page 1, default page size.
	rec := do(s, http.MethodGet, "/api/v1/leaderboard")
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	var result query.LeaderboardPageResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "allTime", result.Timeframe)
	assert.Len(t, result.Entries, 5)
	assert.False(t, env.Meta.HasMore)
}

func TestServerGetLeaderboardInvalidTimeframe(t *testing.T) {
	s := newTestServer(&stubStore{}, nil)

	rec := do(s, http.MethodGet, "/api/v1/leaderboard?timeframe=hourly")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_request", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details)
}

func TestServerGetLeaderboardNotPublished(t *testing.T) {
	s := newTestServer(&stubStore{}, nil)

	rec := do(s, http.MethodGet, "/api/v1/leaderboard?timeframe=weekly")
	require.Equal(t, http.StatusNotFound, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rank API
// ─────────────────────────────────────────────────────────────────────────────

func TestServerGetUserRank(t *testing.T) {
	store := &stubStore{snaps: map[leaderboard.Timeframe]*leaderboard.Snapshot{
		leaderboard.TimeframeAllTime: boardSnapshot(leaderboard.TimeframeAllTime, 8, 5),
	}}
	s := newTestServer(store, nil)

	rec := do(s, http.MethodGet, "/api/v1/users/"+userIDFor(3)+"/rank?neighbors=1")
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	var result query.UserRankResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 3, result.Rank)
	assert.True(t, result.OnBoard)
	assert.Len(t, result.Neighbors, 3)
	assert.Equal(t, int64(10), result.ScoreToNextRank)
}

func TestServerGetUserRankNotRanked(t *testing.T) {
	store := &stubStore{snaps: map[leaderboard.Timeframe]*leaderboard.Snapshot{
		leaderboard.TimeframeAllTime: boardSnapshot(leaderboard.TimeframeAllTime, 5, 5),
	}}
	s := newTestServer(store, nil)

	rec := do(s, http.MethodGet, "/api/v1/users/stranger/rank")
	require.Equal(t, http.StatusNotFound, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Middleware
// ─────────────────────────────────────────────────────────────────────────────

func TestServerRequestIDPropagation(t *testing.T) {
	store := &stubStore{snaps: map[leaderboard.Timeframe]*leaderboard.Snapshot{
		leaderboard.TimeframeAllTime: boardSnapshot(leaderboard.TimeframeAllTime, 3, 3),
	}}
	s := newTestServer(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/leaderboard", nil)
	req.Header.Set("X-Request-ID", "req-12345")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-12345", rec.Header().Get("X-Request-ID"))
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "req-12345", env.RequestID)
}

func TestServerGeneratesRequestID(t *testing.T) {
	s := newTestServer(&stubStore{}, nil)

	rec := do(s, http.MethodGet, "/live")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerRecoversFromPanic(t *testing.T) {
	s := newTestServer(&stubStore{}, nil)
	s.router.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("kaput")
	})

	var rec *httptest.ResponseRecorder
	require.NotPanics(t, func() {
		rec = do(s, http.MethodGet, "/boom")
	})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "internal_server_error", env.Error.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Metrics
// ─────────────────────────────────────────────────────────────────────────────

func TestServerMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "progress_engine",
		Name:      "test_requests_total",
	})
	counter.Inc()

	cfg := DefaultConfig()
	deps := Dependencies{Logger: quietLogger(), MetricsGatherer: registry}
	s := NewServer(cfg, deps)

	rec := do(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "progress_engine_test_requests_total 1")
}

func TestServerMetricsDisabled(t *testing.T) {
	s := newTestServer(&stubStore{}, nil)

	// With metrics disabled the path falls through to the root catch-all
	// and serves the JSON info page instead of Prometheus text.
	rec := do(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "# HELP")
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

func TestServerLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.EnableMetrics = false
	s := NewServer(cfg, Dependencies{Logger: quietLogger()})

	require.False(t, s.IsRunning())
	assert.Zero(t, s.Uptime())
	require.NoError(t, s.Shutdown(context.Background()), "shutdown before start is a no-op")

	errCh := s.StartAsync()

	require.Eventually(t, s.IsRunning, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, s.Uptime())
	assert.Equal(t, "127.0.0.1:0", s.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.False(t, s.IsRunning())

	select {
	case err, ok := <-errCh:
		if ok {
			require.NoError(t, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine did not exit")
	}
}

func TestServerDoubleStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.EnableMetrics = false
	s := NewServer(cfg, Dependencies{Logger: quietLogger()})

	errCh := s.StartAsync()
	require.Eventually(t, s.IsRunning, 2*time.Second, 10*time.Millisecond)

	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	<-errCh
}
