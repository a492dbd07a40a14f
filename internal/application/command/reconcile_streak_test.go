package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentlane/progress-engine/internal/domain/activity"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
)

func newReconcileFixture() (*ReconcileStreakHandler, *memActivityRepo, *memAuditRepo, *memStatsRepo, *memBus) {
	activityRepo := newMemActivityRepo()
	auditRepo := &memAuditRepo{}
	statsRepo := &memStatsRepo{}
	bus := &memBus{}
	handler := NewReconcileStreakHandler(activityRepo, auditRepo, statsRepo, bus, nil)
	return handler, activityRepo, auditRepo, statsRepo, bus
}

func TestReconcileStreakHandler_RepairsAndWrites(t *testing.T) {
	handler, activityRepo, auditRepo, statsRepo, bus := newReconcileFixture()
	activityRepo.put("user-1", []byte(`{"2024-03-10": true, "2024-03-11": true, "currentStreak": 4}`))

	result, err := handler.Handle(context.Background(), ReconcileStreakCommand{
		UserID:       "user-1",
		ReferenceDay: "2024-03-12",
	})

	require.NoError(t, err)
	assert.True(t, result.WasCorrupted)
	assert.True(t, result.Written)
	assert.False(t, result.DryRun)
	assert.Equal(t, 2, result.Report.StreakAfter)
	assert.Equal(t, 4, result.Report.BestAfter, "prior counter keeps the best streak")
	assert.Equal(t, 2, result.Report.DatesMerged)

	parsed := decodeDoc(t, activityRepo.doc("user-1"))
	assert.True(t, parsed.IsCanonical())
	assert.True(t, parsed.Days.Has("2024-03-10"))
	assert.True(t, parsed.Days.Has("2024-03-11"))

	entries := auditRepo.all()
	require.Len(t, entries, 1)
	assert.Equal(t, []string{string(activity.ShapeDatesAtRoot)}, entries[0].Shapes)
	assert.False(t, entries[0].DryRun)

	require.Len(t, statsRepo.upserts, 1)
	assert.Equal(t, streakUpsert{userID: "user-1", current: 2, best: 4}, statsRepo.upserts[0])

	events := bus.ofType(shared.EventStreakRepaired)
	require.Len(t, events, 1)
	repaired := events[0].(shared.StreakRepairedEvent)
	assert.Equal(t, 2, repaired.StreakAfter)
	assert.Equal(t, 4, repaired.BestAfter)
	assert.False(t, repaired.DryRun)
}

func TestReconcileStreakHandler_DryRunWritesNothing(t *testing.T) {
	handler, activityRepo, auditRepo, statsRepo, bus := newReconcileFixture()
	original := []byte(`{"2024-03-10": true, "2024-03-11": true, "currentStreak": 4}`)
	activityRepo.put("user-1", original)

	result, err := handler.Handle(context.Background(), ReconcileStreakCommand{
		UserID:       "user-1",
		ReferenceDay: "2024-03-12",
		DryRun:       true,
	})

	require.NoError(t, err)
	assert.True(t, result.WasCorrupted)
	assert.False(t, result.Written)
	assert.True(t, result.DryRun)
	assert.True(t, result.Report.Changed, "dry run still reports what a write would change")

	assert.Equal(t, original, activityRepo.doc("user-1"), "document must stay untouched")
	assert.Empty(t, activityRepo.saved)
	assert.Empty(t, statsRepo.upserts)

	entries := auditRepo.all()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].DryRun)

	events := bus.ofType(shared.EventStreakRepaired)
	require.Len(t, events, 1)
	assert.True(t, events[0].(shared.StreakRepairedEvent).DryRun)
}

func TestReconcileStreakHandler_CanonicalCurrentIsNoOp(t *testing.T) {
	handler, activityRepo, auditRepo, _, bus := newReconcileFixture()
	seedCanonical(t, activityRepo, "user-1", "2024-03-14", "2024-03-15")

	result, err := handler.Handle(context.Background(), ReconcileStreakCommand{
		UserID:       "user-1",
		ReferenceDay: "2024-03-15",
	})

	require.NoError(t, err)
	assert.False(t, result.WasCorrupted)
	assert.False(t, result.Written)
	assert.False(t, result.Report.Changed)
	assert.Empty(t, auditRepo.all(), "no audit noise for healthy documents")
	assert.Empty(t, bus.events)
}

func TestReconcileStreakHandler_SecondRunIsIdempotent(t *testing.T) {
	handler, activityRepo, auditRepo, _, _ := newReconcileFixture()
	activityRepo.put("user-1", []byte(`{"dates": {"2024-03-10": true, "dates": {"2024-03-11": true}}}`))

	first, err := handler.Handle(context.Background(), ReconcileStreakCommand{
		UserID:       "user-1",
		ReferenceDay: "2024-03-12",
	})
	require.NoError(t, err)
	require.True(t, first.Written)

	second, err := handler.Handle(context.Background(), ReconcileStreakCommand{
		UserID:       "user-1",
		ReferenceDay: "2024-03-12",
	})
	require.NoError(t, err)
	assert.False(t, second.Report.Changed)
	assert.False(t, second.Written)
	assert.Len(t, auditRepo.all(), 1, "idempotent rerun leaves no second audit row")
}

func TestReconcileStreakHandler_MissingDocumentFails(t *testing.T) {
	handler, _, _, _, _ := newReconcileFixture()

	_, err := handler.Handle(context.Background(), ReconcileStreakCommand{UserID: "ghost"})

	require.Error(t, err)
	assert.ErrorIs(t, err, activity.ErrRecordNotFound)
}

func TestReconcileStreakHandler_MalformedDocumentFails(t *testing.T) {
	handler, activityRepo, _, _, _ := newReconcileFixture()
	activityRepo.put("user-1", []byte(`{"dates": ["2024-03-10"]}`))

	_, err := handler.Handle(context.Background(), ReconcileStreakCommand{UserID: "user-1"})

	require.Error(t, err)
	assert.ErrorIs(t, err, activity.ErrMalformedRecord)
	assert.Empty(t, activityRepo.saved)
}

func TestReconcileStreakCommand_Validate(t *testing.T) {
	assert.Error(t, ReconcileStreakCommand{UserID: ""}.Validate())
	assert.Error(t, ReconcileStreakCommand{UserID: "user-1", ReferenceDay: "2024-3-5"}.Validate())
	assert.NoError(t, ReconcileStreakCommand{UserID: "user-1", ReferenceDay: "2024-03-05"}.Validate())
	assert.NoError(t, ReconcileStreakCommand{UserID: "user-1"}.Validate())
}

func TestReconcileBatchStreakHandler_AggregatesOutcomes(t *testing.T) {
	handler, activityRepo, _, _, _ := newReconcileFixture()
	seedCanonical(t, activityRepo, "user-a", "2024-03-14", "2024-03-15")
	activityRepo.put("user-b", []byte(`{"2024-03-14": true}`))
	activityRepo.put("user-d", []byte(`{"dates": 7}`))
	batch := NewReconcileBatchStreakHandler(handler, DefaultReconcileBatchStreakHandlerConfig())

	result, err := batch.Handle(context.Background(), ReconcileBatchStreakCommand{
		UserIDs:      []string{"user-a", "user-b", "user-c", "user-d"},
		ReferenceDay: "2024-03-15",
	})

	require.NoError(t, err)
	assert.Equal(t, 4, result.TotalCount)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 2, result.FailedCount)
	assert.Equal(t, 1, result.ChangedCount)
	assert.Equal(t, 1, result.CorruptedCount)
	assert.InDelta(t, 0.5, result.FailureRate(), 1e-9)

	require.Contains(t, result.Errors, "2:user-c")
	assert.ErrorIs(t, result.Errors["2:user-c"], activity.ErrRecordNotFound)
	require.Contains(t, result.Errors, "3:user-d")
	assert.ErrorIs(t, result.Errors["3:user-d"], activity.ErrMalformedRecord)
}

func TestReconcileBatchStreakHandler_DefaultsConcurrency(t *testing.T) {
	handler, _, _, _, _ := newReconcileFixture()

	batch := NewReconcileBatchStreakHandler(handler, ReconcileBatchStreakHandlerConfig{})

	assert.Equal(t, 5, batch.concurrency)
}

func TestReconcileBatchStreakResult_FailureRateEmptyBatch(t *testing.T) {
	result := &ReconcileBatchStreakResult{}

	assert.Zero(t, result.FailureRate())
}
