package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentlane/progress-engine/config"
	"github.com/fluentlane/progress-engine/internal/domain/activity"
)

var (
	canonicalDoc = []byte(`{"dates":{"2024-03-01":true,"2024-03-02":true},"currentStreak":2,"bestStreak":2,"lastActivity":"2024-03-02T10:00:00Z"}`)

	// dates wrongly wrapping a second dates object.
	nestedDoc = []byte(`{"dates":{"dates":{"2024-03-01":true,"2024-03-02":true}},"currentStreak":2,"bestStreak":2}`)

	// streak counter misplaced inside the dates object.
	countersDoc = []byte(`{"dates":{"2024-02-27":true,"currentStreak":4}}`)

	malformedDoc = []byte(`{"unknownField":1}`)
)

type auditEnv struct {
	activityRepo *memActivityRepo
	auditRepo    *memAuditRepo
	statsRepo    *memStatsRepo
	bus          *memBus
	flags        *config.FeatureFlags
}

func newAuditEnv() *auditEnv {
	return &auditEnv{
		activityRepo: newMemActivityRepo(),
		auditRepo:    &memAuditRepo{},
		statsRepo:    &memStatsRepo{},
		bus:          &memBus{},
		flags:        config.LoadFeatureFlags(),
	}
}

func (e *auditEnv) job(t *testing.T, cfg AuditStreaksConfig) *AuditStreaksJob {
	t.Helper()
	reconciler := newBatchReconciler(e.activityRepo, e.auditRepo, e.statsRepo, e.bus)
	return NewAuditStreaksJob(e.activityRepo, reconciler, e.flags, quietLogger(), cfg)
}

func TestAuditStreaksJobRepairsAdmittedUsers(t *testing.T) {
	env := newAuditEnv()
	require.NoError(t, env.flags.SetRolloutPercent(config.FlagRepairAutofix, 100))

	env.activityRepo.put("u-alpha", canonicalDoc)
	env.activityRepo.put("u-beta", canonicalDoc)
	env.activityRepo.put("u-delta", countersDoc)
	env.activityRepo.put("u-gamma", nestedDoc)

	job := env.job(t, DefaultAuditStreaksConfig())
	assert.Equal(t, "audit_streaks", job.Name())
	assert.NotEmpty(t, job.Description())

	require.NoError(t, job.Run(context.Background()))

	stats := job.LastAuditStats()
	require.NotNil(t, stats)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 2, stats.Canonical)
	assert.Equal(t, 2, stats.Corrupted)
	assert.Equal(t, 0, stats.Malformed)
	assert.Equal(t, 2, stats.Repaired)
	assert.Equal(t, 0, stats.RepairsPlanned)
	assert.Equal(t, 0, stats.Failed)
	assert.Zero(t, stats.FailureRate)

	for _, userID := range []string{"u-gamma", "u-delta"} {
		parsed, err := activity.ParseDocument(env.activityRepo.doc(userID))
		require.NoError(t, err, userID)
		assert.True(t, parsed.IsCanonical(), userID)
	}

	entries := env.auditRepo.all()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.False(t, entry.DryRun)
	}
	assert.Len(t, env.bus.events, 2)

	// A second pass finds nothing left to repair.
	require.NoError(t, job.Run(context.Background()))
	stats = job.LastAuditStats()
	assert.Equal(t, 4, stats.Canonical)
	assert.Equal(t, 0, stats.Corrupted)
	assert.Equal(t, 0, stats.Repaired)
}

func TestAuditStreaksJobDryRunOutsideRollout(t *testing.T) {
	env := newAuditEnv()
	require.NoError(t, env.flags.SetRolloutPercent(config.FlagRepairAutofix, 0))

	env.activityRepo.put("u-delta", countersDoc)
	env.activityRepo.put("u-gamma", nestedDoc)

	job := env.job(t, DefaultAuditStreaksConfig())
	require.NoError(t, job.Run(context.Background()))

	stats := job.LastAuditStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Corrupted)
	assert.Equal(t, 0, stats.Repaired)
	assert.Equal(t, 2, stats.RepairsPlanned)

	// Nothing was written; the corruption is still there.
	for _, userID := range []string{"u-gamma", "u-delta"} {
		parsed, err := activity.ParseDocument(env.activityRepo.doc(userID))
		require.NoError(t, err, userID)
		assert.False(t, parsed.IsCanonical(), userID)
	}

	entries := env.auditRepo.all()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.True(t, entry.DryRun)
	}
}

func TestAuditStreaksJobCountsMalformed(t *testing.T) {
	env := newAuditEnv()
	require.NoError(t, env.flags.SetRolloutPercent(config.FlagRepairAutofix, 100))

	env.activityRepo.put("u-alpha", canonicalDoc)
	env.activityRepo.put("u-bad", malformedDoc)
	env.activityRepo.put("u-delta", countersDoc)
	env.activityRepo.put("u-gamma", nestedDoc)

	job := env.job(t, DefaultAuditStreaksConfig())
	require.NoError(t, job.Run(context.Background()))

	stats := job.LastAuditStats()
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 2, stats.Repaired)
	assert.InDelta(t, 1.0/3.0, stats.FailureRate, 0.001)

	// Malformed documents are never rewritten.
	assert.Equal(t, malformedDoc, env.activityRepo.doc("u-bad"))
}

func TestAuditStreaksJobFailsWhenMostlyMalformed(t *testing.T) {
	env := newAuditEnv()

	env.activityRepo.put("u-alpha", canonicalDoc)
	env.activityRepo.put("u-bad-1", malformedDoc)
	env.activityRepo.put("u-bad-2", malformedDoc)

	job := env.job(t, DefaultAuditStreaksConfig())
	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure rate")

	stats := job.LastAuditStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Malformed)
	assert.InDelta(t, 1.0, stats.FailureRate, 0.001)
}

func TestAuditStreaksJobListPageFailure(t *testing.T) {
	env := newAuditEnv()
	env.activityRepo.listErr = errors.New("connection reset")

	job := env.job(t, DefaultAuditStreaksConfig())
	err := job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")
	assert.Nil(t, job.LastAuditStats())
}

func TestAuditStreaksJobPagesThroughStore(t *testing.T) {
	env := newAuditEnv()
	for _, id := range []string{"u-1", "u-2", "u-3", "u-4", "u-5", "u-6", "u-7"} {
		env.activityRepo.put(id, canonicalDoc)
	}

	job := env.job(t, AuditStreaksConfig{PageSize: 3, FailureThreshold: 0.5})
	require.NoError(t, job.Run(context.Background()))

	stats := job.LastAuditStats()
	require.NotNil(t, stats)
	assert.Equal(t, 7, stats.Scanned)
	assert.Equal(t, 7, stats.Canonical)
}
