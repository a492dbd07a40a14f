package leaderboard

import (
	"sort"
	"time"
)

// DefaultSize is the maximum number of entries a published snapshot carries.
const DefaultSize = 100

// Builder turns a scored candidate list into the four per-timeframe
// snapshots. Building is pure; persistence and cache publication belong to
// the callers.
type Builder struct {
	size int
}

// NewBuilder creates a builder that truncates snapshots to the given size.
// A non-positive size falls back to DefaultSize.
func NewBuilder(size int) *Builder {
	if size <= 0 {
		size = DefaultSize
	}
	return &Builder{size: size}
}

// Size returns the snapshot truncation limit.
func (b *Builder) Size() int {
	return b.size
}

// Build ranks the candidates and emits one snapshot per timeframe:
//
//  1. Candidates whose user ID appears in optOutIDs are excluded.
//  2. The rest are sorted by score descending, ties broken by user ID
//     ascending, and assigned dense 1-based ranks.
//  3. Each timeframe receives the same ranked list truncated to the
//     builder's size; TotalPlayers counts the eligible set before
//     truncation.
//
// Candidates arrive with Rank unset; Build owns rank assignment. All four
// snapshots share one digest since their content is identical.
func (b *Builder) Build(candidates []Entry, optOutIDs []string, now time.Time) SnapshotSet {
	excluded := make(map[string]struct{}, len(optOutIDs))
	for _, id := range optOutIDs {
		excluded[id] = struct{}{}
	}

	eligible := make([]Entry, 0, len(candidates))
	for _, e := range candidates {
		if _, out := excluded[e.UserID]; out {
			continue
		}
		e.IsPublic = true
		eligible = append(eligible, e)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		return eligible[i].UserID < eligible[j].UserID
	})
	for i := range eligible {
		eligible[i].Rank = i + 1
	}

	totalPlayers := len(eligible)
	top := eligible
	if len(top) > b.size {
		top = top[:b.size]
	}

	digest := ComputeDigest(totalPlayers, top)
	capturedAt := now.UTC()

	set := make(SnapshotSet, 0, len(AllTimeframes()))
	for _, tf := range AllTimeframes() {
		entries := make([]Entry, len(top))
		copy(entries, top)
		set = append(set, &Snapshot{
			Timeframe:    tf,
			CapturedAt:   capturedAt,
			TotalPlayers: totalPlayers,
			Entries:      entries,
			Digest:       digest,
		})
	}
	return set
}
