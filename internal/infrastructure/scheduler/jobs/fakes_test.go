package jobs

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/fluentlane/progress-engine/internal/application/command"
	"github.com/fluentlane/progress-engine/internal/domain/activity"
	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
	"github.com/fluentlane/progress-engine/internal/domain/stats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// In-memory fakes so the jobs can be exercised end to end, wrapping the
// real command handlers, without PostgreSQL or Redis.

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memActivityRepo is a map-backed activity.Repository.
type memActivityRepo struct {
	mu      sync.Mutex
	docs    map[activity.UserID]activity.RawRecord
	listErr error
}

func newMemActivityRepo() *memActivityRepo {
	return &memActivityRepo{docs: make(map[activity.UserID]activity.RawRecord)}
}

func (m *memActivityRepo) put(userID string, doc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := activity.UserID(userID)
	m.docs[id] = activity.RawRecord{UserID: id, Doc: doc, UpdatedAt: time.Now().UTC()}
}

func (m *memActivityRepo) doc(userID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[activity.UserID(userID)].Doc
}

func (m *memActivityRepo) Get(_ context.Context, userID activity.UserID) (*activity.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[userID]
	if !ok {
		return nil, activity.ErrRecordNotFound
	}
	return &raw, nil
}

func (m *memActivityRepo) Save(_ context.Context, record *activity.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := activity.EncodeCanonical(record)
	if err != nil {
		return err
	}
	m.docs[record.UserID] = activity.RawRecord{UserID: record.UserID, Doc: doc, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *memActivityRepo) ListPage(_ context.Context, afterID activity.UserID, limit int) ([]activity.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]activity.UserID, 0, len(m.docs))
	for id := range m.docs {
		if afterID == "" || afterID < id {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	page := make([]activity.RawRecord, 0, len(ids))
	for _, id := range ids {
		page = append(page, m.docs[id])
	}
	return page, nil
}

func (m *memActivityRepo) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs), nil
}

// memAuditRepo collects repair audit entries in a slice.
type memAuditRepo struct {
	mu       sync.Mutex
	entries  []activity.RepairAuditEntry
	pruneErr error
}

func (m *memAuditRepo) Record(_ context.Context, entry activity.RepairAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAuditRepo) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if e.RepairedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *memAuditRepo) all() []activity.RepairAuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]activity.RepairAuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// memStatsRepo is a slice-backed stats.StatsRepository.
type memStatsRepo struct {
	mu      sync.Mutex
	records []*stats.UserStatsRecord
	listErr error
}

func (m *memStatsRepo) GetByUserID(_ context.Context, userID string) (*stats.UserStatsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.UserID == userID {
			clone := *r
			return &clone, nil
		}
	}
	return nil, stats.ErrStatsNotFound
}

func (m *memStatsRepo) ListAll(_ context.Context) ([]*stats.UserStatsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*stats.UserStatsRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memStatsRepo) UpsertStreaks(_ context.Context, userID string, current, best int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.UserID == userID {
			r.StreakCurrent = current
			r.StreakBest = best
			return nil
		}
	}
	m.records = append(m.records, &stats.UserStatsRecord{
		UserID:        userID,
		Tier:          stats.TierFree,
		StreakCurrent: current,
		StreakBest:    best,
	})
	return nil
}

func (m *memStatsRepo) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

// memOptOuts is a fixed-list stats.OptOutRegistry.
type memOptOuts struct {
	ids []string
}

func (m *memOptOuts) ListIDs(_ context.Context) ([]string, error) {
	return m.ids, nil
}

func (m *memOptOuts) IsOptedOut(_ context.Context, userID string) (bool, error) {
	for _, id := range m.ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// memSnapshotRepo stores the last saved snapshot set and counts prunes.
type memSnapshotRepo struct {
	mu          sync.Mutex
	stored      map[leaderboard.Timeframe]*leaderboard.Snapshot
	saveCalls   int
	pruneCalls  int
	pruneReturn int64
	pruneErr    error
	lastCutoff  time.Time
}

func newMemSnapshotRepo() *memSnapshotRepo {
	return &memSnapshotRepo{stored: make(map[leaderboard.Timeframe]*leaderboard.Snapshot)}
}

func (m *memSnapshotRepo) SaveAll(_ context.Context, set leaderboard.SnapshotSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	for _, snap := range set {
		m.stored[snap.Timeframe] = snap
	}
	return nil
}

func (m *memSnapshotRepo) Get(_ context.Context, timeframe leaderboard.Timeframe) (*leaderboard.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.stored[timeframe]
	if !ok {
		return nil, leaderboard.ErrSnapshotNotFound
	}
	return snap, nil
}

func (m *memSnapshotRepo) PruneHistoryBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneCalls++
	m.lastCutoff = cutoff
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	return m.pruneReturn, nil
}

// memSnapshotCache counts publishes.
type memSnapshotCache struct {
	mu        sync.Mutex
	published map[leaderboard.Timeframe]*leaderboard.Snapshot
	publishes int
}

func newMemSnapshotCache() *memSnapshotCache {
	return &memSnapshotCache{published: make(map[leaderboard.Timeframe]*leaderboard.Snapshot)}
}

func (m *memSnapshotCache) Publish(_ context.Context, snapshot *leaderboard.Snapshot, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes++
	m.published[snapshot.Timeframe] = snapshot
	return nil
}

func (m *memSnapshotCache) Get(_ context.Context, timeframe leaderboard.Timeframe) (*leaderboard.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.published[timeframe]
	if !ok {
		return nil, leaderboard.ErrSnapshotNotFound
	}
	return snap, nil
}

func (m *memSnapshotCache) GetRank(_ context.Context, timeframe leaderboard.Timeframe, userID string) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.published[timeframe]
	if !ok {
		return 0, 0, leaderboard.ErrSnapshotNotFound
	}
	entry, ok := snap.GetByUserID(userID)
	if !ok {
		return 0, 0, nil
	}
	return entry.Rank, entry.Score, nil
}

func (m *memSnapshotCache) Invalidate(_ context.Context, timeframe leaderboard.Timeframe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.published, timeframe)
	return nil
}

// memBus captures published domain events.
type memBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func (m *memBus) Publish(event shared.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// newBatchReconciler wires the real reconcile handlers over the fakes.
func newBatchReconciler(
	activityRepo *memActivityRepo,
	auditRepo *memAuditRepo,
	statsRepo *memStatsRepo,
	bus *memBus,
) *command.ReconcileBatchStreakHandler {
	handler := command.NewReconcileStreakHandler(activityRepo, auditRepo, statsRepo, bus, nil)
	return command.NewReconcileBatchStreakHandler(handler, command.ReconcileBatchStreakHandlerConfig{Concurrency: 2})
}
