package leaderboard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rankedSnapshot(tf Timeframe, n int) *Snapshot {
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = Entry{
			Rank:   i + 1,
			UserID: fmt.Sprintf("user-%03d", i+1),
			Score:  int64(1000 - i*10),
		}
	}
	return &Snapshot{
		Timeframe:    tf,
		CapturedAt:   time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
		TotalPlayers: n,
		Entries:      entries,
		Digest:       ComputeDigest(n, entries),
	}
}

func TestSnapshotPage(t *testing.T) {
	snap := rankedSnapshot(TimeframeAllTime, 25)

	first := snap.Page(1, 10)
	require.Len(t, first, 10)
	assert.Equal(t, 1, first[0].Rank)
	assert.Equal(t, 10, first[9].Rank)

	last := snap.Page(3, 10)
	require.Len(t, last, 5)
	assert.Equal(t, 21, last[0].Rank)

	assert.Nil(t, snap.Page(4, 10))
	assert.Nil(t, snap.Page(0, 10))
	assert.Nil(t, snap.Page(1, 0))

	assert.Equal(t, 3, snap.TotalPages(10))
	assert.Equal(t, 1, snap.TotalPages(25))
	assert.Equal(t, 0, snap.TotalPages(0))
}

func TestSnapshotLookups(t *testing.T) {
	snap := rankedSnapshot(TimeframeAllTime, 10)

	e, ok := snap.GetByUserID("user-004")
	require.True(t, ok)
	assert.Equal(t, 4, e.Rank)
	assert.Equal(t, 4, snap.RankOf("user-004"))

	_, ok = snap.GetByUserID("stranger")
	assert.False(t, ok)
	assert.Equal(t, 0, snap.RankOf("stranger"))

	top := snap.Top(3)
	require.Len(t, top, 3)
	assert.Equal(t, 1, top[0].Rank)
	assert.Len(t, snap.Top(50), 10)
	assert.Nil(t, snap.Top(0))
}

func TestSnapshotNeighbors(t *testing.T) {
	snap := rankedSnapshot(TimeframeAllTime, 10)

	around := snap.Neighbors("user-005", 2)
	require.Len(t, around, 5)
	assert.Equal(t, 3, around[0].Rank)
	assert.Equal(t, 7, around[4].Rank)

	top := snap.Neighbors("user-001", 2)
	require.Len(t, top, 3)
	assert.Equal(t, 1, top[0].Rank)

	tail := snap.Neighbors("user-010", 2)
	require.Len(t, tail, 3)
	assert.Equal(t, 10, tail[2].Rank)

	assert.Nil(t, snap.Neighbors("stranger", 2))
}

func TestDiffSnapshots_FirstBuild(t *testing.T) {
	next := rankedSnapshot(TimeframeAllTime, 3)

	movements := DiffSnapshots(nil, next)

	require.Len(t, movements, 3)
	for i, m := range movements {
		assert.True(t, m.IsNewEntry())
		assert.Equal(t, 0, m.Delta())
		assert.Equal(t, i+1, m.NewRank)
	}
}

func TestDiffSnapshots_NoChanges(t *testing.T) {
	prev := rankedSnapshot(TimeframeAllTime, 5)
	next := rankedSnapshot(TimeframeAllTime, 5)

	assert.Empty(t, DiffSnapshots(prev, next))
}

func TestDiffSnapshots_RankSwap(t *testing.T) {
	prev := &Snapshot{Entries: []Entry{
		{Rank: 1, UserID: "user-a", Score: 300},
		{Rank: 2, UserID: "user-b", Score: 200},
	}}
	next := &Snapshot{Entries: []Entry{
		{Rank: 1, UserID: "user-b", Score: 400},
		{Rank: 2, UserID: "user-a", Score: 300},
	}}

	movements, byID := DiffSnapshots(prev, next), map[string]RankMovement{}
	for _, m := range movements {
		byID[m.UserID] = m
	}

	require.Len(t, movements, 2)
	assert.Equal(t, 1, byID["user-b"].Delta(), "climbed one position")
	assert.Equal(t, -1, byID["user-a"].Delta(), "dropped one position")
	assert.Equal(t, int64(400), byID["user-b"].Score)
}

func TestDiffSnapshots_NewEntryAmongStable(t *testing.T) {
	prev := &Snapshot{Entries: []Entry{
		{Rank: 1, UserID: "user-a", Score: 300},
	}}
	next := &Snapshot{Entries: []Entry{
		{Rank: 1, UserID: "user-a", Score: 300},
		{Rank: 2, UserID: "user-n", Score: 100},
	}}

	movements := DiffSnapshots(prev, next)

	require.Len(t, movements, 1)
	assert.Equal(t, "user-n", movements[0].UserID)
	assert.True(t, movements[0].IsNewEntry())
	assert.Equal(t, 2, movements[0].NewRank)
}

func TestComputeDigest(t *testing.T) {
	entries := rankedSnapshot(TimeframeAllTime, 5).Entries

	assert.Equal(t, ComputeDigest(5, entries), ComputeDigest(5, entries))
	assert.NotEqual(t, ComputeDigest(5, entries), ComputeDigest(6, entries),
		"eligible count participates in the digest")
	assert.Len(t, ComputeDigest(5, entries), 64, "hex-encoded 256-bit digest")
}
