package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActivityRecord(t *testing.T) {
	rec, err := NewActivityRecord("user-1")
	require.NoError(t, err)
	assert.Equal(t, UserID("user-1"), rec.UserID)
	assert.Equal(t, 0, rec.Days.Len())
	assert.Equal(t, 0, rec.CurrentStreak)

	_, err = NewActivityRecord("")
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestMarkDay_FirstActivity(t *testing.T) {
	rec, _ := NewActivityRecord("user-1")
	at := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	grew, err := rec.MarkDay("2024-03-15", at)
	require.NoError(t, err)

	assert.True(t, grew)
	assert.Equal(t, 1, rec.CurrentStreak)
	assert.Equal(t, 1, rec.BestStreak)
	assert.Equal(t, at, rec.LastActivity)
}

func TestMarkDay_SameDayIsNoOp(t *testing.T) {
	rec, _ := NewActivityRecord("user-1")
	morning := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC)

	_, err := rec.MarkDay("2024-03-15", morning)
	require.NoError(t, err)
	grew, err := rec.MarkDay("2024-03-15", evening)
	require.NoError(t, err)

	assert.False(t, grew)
	assert.Equal(t, 1, rec.CurrentStreak)
	assert.Equal(t, 1, rec.Days.Len())
	// The later timestamp still wins.
	assert.Equal(t, evening, rec.LastActivity)
}

func TestMarkDay_ConsecutiveDaysExtendStreak(t *testing.T) {
	rec, _ := NewActivityRecord("user-1")
	at := time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)

	for _, day := range []DateKey{"2024-03-13", "2024-03-14", "2024-03-15"} {
		grew, err := rec.MarkDay(day, at)
		require.NoError(t, err)
		assert.True(t, grew)
		at = at.Add(24 * time.Hour)
	}

	assert.Equal(t, 3, rec.CurrentStreak)
	assert.Equal(t, 3, rec.BestStreak)
}

func TestMarkDay_GapResetsCurrentKeepsBest(t *testing.T) {
	rec, _ := NewActivityRecord("user-1")
	at := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	rec.MarkDay("2024-03-10", at)
	rec.MarkDay("2024-03-11", at)
	rec.MarkDay("2024-03-12", at)

	grew, err := rec.MarkDay("2024-03-15", at)
	require.NoError(t, err)

	assert.False(t, grew)
	assert.Equal(t, 1, rec.CurrentStreak)
	assert.Equal(t, 3, rec.BestStreak)
}

func TestMarkDay_BackfillJoinsRuns(t *testing.T) {
	rec, _ := NewActivityRecord("user-1")
	at := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	rec.MarkDay("2024-03-12", at)
	rec.MarkDay("2024-03-13", at)
	rec.MarkDay("2024-03-15", at)
	assert.Equal(t, 1, rec.CurrentStreak)

	// Filling the hole joins both runs into one.
	grew, err := rec.MarkDay("2024-03-14", at)
	require.NoError(t, err)

	assert.True(t, grew)
	assert.Equal(t, 4, rec.CurrentStreak)
	assert.Equal(t, 4, rec.BestStreak)
}

func TestMarkDay_IncrementalEqualsRecompute(t *testing.T) {
	// Whatever order days arrive in, the incrementally maintained
	// counters must match a full recompute over the stored set.
	sequences := [][]DateKey{
		{"2024-03-15"},
		{"2024-03-14", "2024-03-15"},
		{"2024-03-13", "2024-03-14", "2024-03-15"},
		{"2024-03-10", "2024-03-15"},
		{"2024-03-10", "2024-03-11", "2024-03-14", "2024-03-15"},
		{"2024-03-15", "2024-03-13", "2024-03-14"},
		{"2024-03-12", "2024-03-12", "2024-03-13"},
	}

	at := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	for _, seq := range sequences {
		rec, _ := NewActivityRecord("user-1")
		for _, day := range seq {
			_, err := rec.MarkDay(day, at)
			require.NoError(t, err)
		}

		latest := rec.Days.Latest()
		assert.Equal(t, CurrentStreak(rec.Days, latest), rec.CurrentStreak, "%v", seq)
		assert.GreaterOrEqual(t, rec.BestStreak, LongestRun(rec.Days), "%v", seq)
		assert.GreaterOrEqual(t, rec.BestStreak, rec.CurrentStreak, "%v", seq)
	}
}

func TestMarkDay_RejectsInvalidDay(t *testing.T) {
	rec, _ := NewActivityRecord("user-1")
	_, err := rec.MarkDay("2024-3-15", time.Now())
	assert.ErrorIs(t, err, ErrInvalidDateKey)
}

func TestRecalculate_RaisesBestNeverLowers(t *testing.T) {
	rec := &ActivityRecord{
		UserID:     "user-1",
		Days:       daysOf("2024-03-13", "2024-03-14", "2024-03-15"),
		BestStreak: 7,
	}

	rec.Recalculate("2024-03-15")

	assert.Equal(t, 3, rec.CurrentStreak)
	assert.Equal(t, 7, rec.BestStreak)
}

func TestIsActive(t *testing.T) {
	rec := &ActivityRecord{UserID: "user-1", Days: daysOf("2024-03-14")}

	assert.True(t, rec.IsActive("2024-03-14"))
	assert.True(t, rec.IsActive("2024-03-15"), "grace day")
	assert.False(t, rec.IsActive("2024-03-16"))
}

func TestValidate(t *testing.T) {
	valid := &ActivityRecord{
		UserID:        "user-1",
		Days:          daysOf("2024-03-15"),
		CurrentStreak: 1,
		BestStreak:    1,
	}
	assert.NoError(t, valid.Validate())

	broken := &ActivityRecord{UserID: "user-1", CurrentStreak: 2, BestStreak: 1}
	assert.ErrorIs(t, broken.Validate(), ErrCounterInvariant)

	negative := &ActivityRecord{UserID: "user-1", CurrentStreak: -1}
	assert.ErrorIs(t, negative.Validate(), ErrNegativeCounter)
}

func TestClone_IsIndependent(t *testing.T) {
	rec := &ActivityRecord{UserID: "user-1", Days: daysOf("2024-03-15")}
	clone := rec.Clone()
	clone.Days.Add("2024-03-16")

	assert.Equal(t, 1, rec.Days.Len())
	assert.Equal(t, 2, clone.Days.Len())
}
