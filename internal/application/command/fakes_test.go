package command

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluentlane/progress-engine/internal/domain/activity"
	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
	"github.com/fluentlane/progress-engine/internal/domain/stats"
)

// In-memory fakes shared by the command handler tests. They implement the
// domain repository interfaces with maps and slices so handlers can be
// exercised end to end without PostgreSQL or Redis.

// memActivityRepo is a map-backed activity.Repository.
type memActivityRepo struct {
	mu      sync.Mutex
	docs    map[activity.UserID]activity.RawRecord
	saved   []*activity.ActivityRecord
	getErr  error
	saveErr error
}

func newMemActivityRepo() *memActivityRepo {
	return &memActivityRepo{docs: make(map[activity.UserID]activity.RawRecord)}
}

// put seeds a raw document without touching the saved log.
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
	if m.getErr != nil {
		return nil, m.getErr
	}
	raw, ok := m.docs[userID]
	if !ok {
		return nil, activity.ErrRecordNotFound
	}
	return &raw, nil
}

func (m *memActivityRepo) Save(_ context.Context, record *activity.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	doc, err := activity.EncodeCanonical(record)
	if err != nil {
		return err
	}
	m.docs[record.UserID] = activity.RawRecord{UserID: record.UserID, Doc: doc, UpdatedAt: time.Now().UTC()}
	m.saved = append(m.saved, record.Clone())
	return nil
}

func (m *memActivityRepo) ListPage(_ context.Context, afterID activity.UserID, limit int) ([]activity.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	mu      sync.Mutex
	entries []activity.RepairAuditEntry
	err     error
}

func (m *memAuditRepo) Record(_ context.Context, entry activity.RepairAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAuditRepo) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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

type streakUpsert struct {
	userID  string
	current int
	best    int
}

// memStatsRepo is a slice-backed stats.StatsRepository.
type memStatsRepo struct {
	mu        sync.Mutex
	records   []*stats.UserStatsRecord
	upserts   []streakUpsert
	listErr   error
	upsertErr error
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
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts = append(m.upserts, streakUpsert{userID: userID, current: current, best: best})
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
	ids     []string
	listErr error
}

func (m *memOptOuts) ListIDs(_ context.Context) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
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

// memSnapshotRepo stores the last saved snapshot set in memory.
type memSnapshotRepo struct {
	mu        sync.Mutex
	stored    map[leaderboard.Timeframe]*leaderboard.Snapshot
	saveCalls int
	saveErr   error
}

func newMemSnapshotRepo() *memSnapshotRepo {
	return &memSnapshotRepo{stored: make(map[leaderboard.Timeframe]*leaderboard.Snapshot)}
}

func (m *memSnapshotRepo) SaveAll(_ context.Context, set leaderboard.SnapshotSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
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

func (m *memSnapshotRepo) PruneHistoryBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// memSnapshotCache counts publishes and serves rank lookups from them.
type memSnapshotCache struct {
	mu         sync.Mutex
	published  map[leaderboard.Timeframe]*leaderboard.Snapshot
	publishes  int
	publishErr error
}

func newMemSnapshotCache() *memSnapshotCache {
	return &memSnapshotCache{published: make(map[leaderboard.Timeframe]*leaderboard.Snapshot)}
}

func (m *memSnapshotCache) Publish(_ context.Context, snapshot *leaderboard.Snapshot, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
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
	err    error
}

func (m *memBus) Publish(event shared.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memBus) ofType(t shared.EventType) []shared.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []shared.Event
	for _, e := range m.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// seedCanonical builds a record through the domain entity and stores its
// canonical encoding, bypassing the repository's saved log.
func seedCanonical(t *testing.T, repo *memActivityRepo, userID string, days ...string) *activity.ActivityRecord {
	t.Helper()
	record, err := activity.NewActivityRecord(activity.UserID(userID))
	require.NoError(t, err)
	for i, day := range days {
		_, err := record.MarkDay(activity.DateKey(day), time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	doc, err := activity.EncodeCanonical(record)
	require.NoError(t, err)
	repo.put(userID, doc)
	return record
}

// decodeDoc parses a stored document back into its day set and counters.
func decodeDoc(t *testing.T, doc []byte) *activity.ParsedDocument {
	t.Helper()
	parsed, err := activity.ParseDocument(doc)
	require.NoError(t, err)
	return parsed
}
