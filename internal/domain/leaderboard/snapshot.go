package leaderboard

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Snapshot is one published leaderboard: the ranked top entries for a
// timeframe plus the eligible player count before truncation. Snapshots are
// always rebuilt from scratch and replaced whole, never patched.
type Snapshot struct {
	Timeframe  Timeframe
	CapturedAt time.Time

	// TotalPlayers counts every eligible user, including those cut off by
	// truncation.
	TotalPlayers int

	// Entries are ordered rank-ascending, len(Entries) <= builder size.
	Entries []Entry

	// Digest is a BLAKE2b-256 hex digest over the ranked content. Identical
	// content produces an identical digest regardless of capture time, which
	// lets rebuilds skip republishing unchanged snapshots.
	Digest string
}

// IsEmpty returns true if the snapshot has no entries.
func (s *Snapshot) IsEmpty() bool {
	return len(s.Entries) == 0
}

// Count returns the number of published entries.
func (s *Snapshot) Count() int {
	return len(s.Entries)
}

// GetByUserID returns the entry for a user, if published.
func (s *Snapshot) GetByUserID(userID string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.UserID == userID {
			return e, true
		}
	}
	return Entry{}, false
}

// RankOf returns the user's rank, or 0 if the user is not published.
func (s *Snapshot) RankOf(userID string) int {
	if e, ok := s.GetByUserID(userID); ok {
		return e.Rank
	}
	return 0
}

// Top returns the first n entries.
func (s *Snapshot) Top(n int) []Entry {
	if n <= 0 {
		return nil
	}
	if n > len(s.Entries) {
		n = len(s.Entries)
	}
	out := make([]Entry, n)
	copy(out, s.Entries[:n])
	return out
}

// Page returns one page of entries. Pages are 1-based.
func (s *Snapshot) Page(page, pageSize int) []Entry {
	if page < 1 || pageSize <= 0 {
		return nil
	}
	from := (page - 1) * pageSize
	if from >= len(s.Entries) {
		return nil
	}
	to := from + pageSize
	if to > len(s.Entries) {
		to = len(s.Entries)
	}
	out := make([]Entry, to-from)
	copy(out, s.Entries[from:to])
	return out
}

// TotalPages returns how many pages of the given size the snapshot holds.
func (s *Snapshot) TotalPages(pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	pages := len(s.Entries) / pageSize
	if len(s.Entries)%pageSize != 0 {
		pages++
	}
	return pages
}

// Neighbors returns the entries ranked around a user, radius positions in
// each direction, the user's own entry included. Returns nil when the user
// is not published.
func (s *Snapshot) Neighbors(userID string, radius int) []Entry {
	idx := -1
	for i, e := range s.Entries {
		if e.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 || radius < 0 {
		return nil
	}

	from := idx - radius
	if from < 0 {
		from = 0
	}
	to := idx + radius + 1
	if to > len(s.Entries) {
		to = len(s.Entries)
	}
	out := make([]Entry, to-from)
	copy(out, s.Entries[from:to])
	return out
}

// String returns a short description for logging.
func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{%s, players: %d, entries: %d, at: %s}",
		s.Timeframe, s.TotalPlayers, len(s.Entries), s.CapturedAt.Format(time.RFC3339))
}

// ComputeDigest hashes the ranked content of a snapshot: the eligible player
// count and every published entry in rank order. Any change to ranks, scores,
// membership, or displayed fields changes the digest; the capture timestamp
// does not participate.
func ComputeDigest(totalPlayers int, entries []Entry) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "players:%d\n", totalPlayers)
	for i := range entries {
		b, _ := json.Marshal(&entries[i])
		buf.Write(b)
		buf.WriteByte('\n')
	}
	sum := blake2b.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// SnapshotSet is the result of one build: one snapshot per timeframe, in
// AllTimeframes order. The set is persisted atomically.
type SnapshotSet []*Snapshot

// ByTimeframe returns the snapshot for a timeframe, or nil.
func (s SnapshotSet) ByTimeframe(tf Timeframe) *Snapshot {
	for _, snap := range s {
		if snap != nil && snap.Timeframe == tf {
			return snap
		}
	}
	return nil
}

// AllTime returns the all-time snapshot, or nil.
func (s SnapshotSet) AllTime() *Snapshot {
	return s.ByTimeframe(TimeframeAllTime)
}

// RankMovement records one user's rank change between two consecutive
// snapshots of the same timeframe.
type RankMovement struct {
	UserID  string
	OldRank int // 0 when the user was absent from the previous snapshot
	NewRank int
	Score   int64
}

// Delta returns the movement magnitude: positive when the user climbed,
// negative when they dropped, zero for a new entry.
func (m RankMovement) Delta() int {
	if m.IsNewEntry() {
		return 0
	}
	return m.OldRank - m.NewRank
}

// IsNewEntry reports whether the user entered the snapshot this build.
func (m RankMovement) IsNewEntry() bool {
	return m.OldRank == 0
}

// DiffSnapshots compares two consecutive snapshots and returns one movement
// per entry whose rank changed, plus entries that newly appeared. Entries
// whose rank is unchanged produce nothing. prev may be nil (first build),
// in which case every entry of next is a new entry.
func DiffSnapshots(prev, next *Snapshot) []RankMovement {
	if next == nil {
		return nil
	}

	var movements []RankMovement
	for _, e := range next.Entries {
		oldRank := 0
		if prev != nil {
			oldRank = prev.RankOf(e.UserID)
		}
		if oldRank == e.Rank {
			continue
		}
		movements = append(movements, RankMovement{
			UserID:  e.UserID,
			OldRank: oldRank,
			NewRank: e.Rank,
			Score:   e.Score,
		})
	}
	return movements
}
