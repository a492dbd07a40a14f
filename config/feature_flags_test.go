package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureFlagDefaults(t *testing.T) {
	ff := LoadFeatureFlags()

	assert.True(t, ff.Enabled(FlagCachePublish))
	assert.True(t, ff.Enabled(FlagRankEvents))
	assert.True(t, ff.Enabled(FlagRetentionPrune))
	assert.Equal(t, 50, ff.RolloutPercent(FlagRepairAutofix))
	assert.False(t, ff.Enabled("unknown.flag"))
	assert.False(t, ff.EnabledFor("unknown.flag", "user-1"))
}

func TestFeatureFlagEnvOverrides(t *testing.T) {
	t.Setenv("FEATURE_REPAIR_AUTOFIX", "25")
	t.Setenv("FEATURE_LEADERBOARD_RANK_EVENTS", "false")

	ff := LoadFeatureFlags()

	assert.Equal(t, 25, ff.RolloutPercent(FlagRepairAutofix))
	assert.False(t, ff.Enabled(FlagRankEvents))
	assert.True(t, ff.Enabled(FlagCachePublish))
}

func TestEnabledForIsStable(t *testing.T) {
	ff := LoadFeatureFlags()
	require.NoError(t, ff.SetRolloutPercent(FlagRepairAutofix, 40))

	first := ff.EnabledFor(FlagRepairAutofix, "user-0042")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ff.EnabledFor(FlagRepairAutofix, "user-0042"))
	}
}

func TestRaisingRolloutNeverEvictsSubjects(t *testing.T) {
	ff := LoadFeatureFlags()

	require.NoError(t, ff.SetRolloutPercent(FlagRepairAutofix, 30))
	admitted := make([]string, 0)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("user-%04d", i)
		if ff.EnabledFor(FlagRepairAutofix, id) {
			admitted = append(admitted, id)
		}
	}
	require.NotEmpty(t, admitted)

	require.NoError(t, ff.SetRolloutPercent(FlagRepairAutofix, 70))
	for _, id := range admitted {
		assert.True(t, ff.EnabledFor(FlagRepairAutofix, id),
			"raising the percentage must not evict %s", id)
	}
}

func TestRolloutAdmitsRoughlyTheConfiguredShare(t *testing.T) {
	ff := LoadFeatureFlags()
	require.NoError(t, ff.SetRolloutPercent(FlagRepairAutofix, 50))

	const n = 2000
	admitted := 0
	for i := 0; i < n; i++ {
		if ff.EnabledFor(FlagRepairAutofix, fmt.Sprintf("user-%05d", i)) {
			admitted++
		}
	}
	assert.InDelta(t, n/2, admitted, n/10)
}

func TestRolloutBoundaries(t *testing.T) {
	ff := LoadFeatureFlags()

	require.NoError(t, ff.SetRolloutPercent(FlagRepairAutofix, 0))
	assert.False(t, ff.Enabled(FlagRepairAutofix))
	assert.False(t, ff.EnabledFor(FlagRepairAutofix, "user-1"))

	require.NoError(t, ff.SetRolloutPercent(FlagRepairAutofix, 100))
	assert.True(t, ff.EnabledFor(FlagRepairAutofix, "user-1"))

	assert.ErrorIs(t, ff.SetRolloutPercent(FlagRepairAutofix, 101), ErrInvalidRolloutPercent)
	assert.ErrorIs(t, ff.SetRolloutPercent("unknown.flag", 10), ErrFlagNotFound)
}
