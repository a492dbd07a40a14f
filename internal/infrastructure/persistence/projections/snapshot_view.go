// Package projections implements process-local read models. The snapshot
// view keeps recently served leaderboards in bounded off-heap memory so hot
// reads skip the network entirely and a Redis outage degrades latency, not
// availability.
package projections

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"github.com/klauspost/compress/zstd"

	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT VIEW - Local Read Model
// ══════════════════════════════════════════════════════════════════════════════

// Defaults for the local snapshot view.
const (
	// DefaultViewSize is the freecache allocation. Freecache caps a single
	// entry at 1/1024 of the cache size, so 16 MB allows 16 KB entries; a
	// full snapshot compresses well below that.
	DefaultViewSize = 16 * 1024 * 1024

	// rankMemoTTL bounds the per-user rank memo entries.
	rankMemoTTL = time.Minute
)

// Snapshot payloads are always stored zstd-compressed. See DefaultViewSize
// for the entry size limit that forces this.
var (
	viewEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	viewDecoder, _ = zstd.NewReader(nil)
)

// viewDoc is the stored payload for one snapshot, sharing the published
// wire format.
type viewDoc struct {
	Timeframe    string              `json:"timeframe"`
	CapturedAt   time.Time           `json:"capturedAt"`
	TotalPlayers int                 `json:"totalPlayers"`
	Digest       string              `json:"digest"`
	Entries      []leaderboard.Entry `json:"entries"`
}

// SnapshotView is an in-process snapshot cache backed by freecache. It
// implements the same contract as the distributed cache, so the read path
// can stack it in front of Redis.
//
// Single-user rank lookups are memoized under a per-timeframe generation
// number. Publishing or invalidating a timeframe bumps its generation,
// which strands the old memo entries until their TTL reaps them.
type SnapshotView struct {
	store *freecache.Cache

	// gen holds one generation counter per timeframe, indexed by
	// timeframeSlot order.
	gen [4]atomic.Int64
}

// NewSnapshotView creates a SnapshotView with the given cache size in
// bytes. Non-positive sizes fall back to DefaultViewSize.
func NewSnapshotView(sizeBytes int) *SnapshotView {
	if sizeBytes <= 0 {
		sizeBytes = DefaultViewSize
	}
	return &SnapshotView{
		store: freecache.NewCache(sizeBytes),
	}
}

// timeframeSlot maps a timeframe to its generation counter index.
func timeframeSlot(tf leaderboard.Timeframe) int {
	switch tf {
	case leaderboard.TimeframeDaily:
		return 0
	case leaderboard.TimeframeWeekly:
		return 1
	case leaderboard.TimeframeMonthly:
		return 2
	default:
		return 3
	}
}

func snapshotViewKey(tf leaderboard.Timeframe) []byte {
	return []byte("snap:" + tf.String())
}

func (v *SnapshotView) rankMemoKey(tf leaderboard.Timeframe, userID string) []byte {
	gen := v.gen[timeframeSlot(tf)].Load()
	return []byte(fmt.Sprintf("rank:%s:%d:%s", tf, gen, userID))
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT CACHE CONTRACT
// ══════════════════════════════════════════════════════════════════════════════

// Publish stores the snapshot payload for its timeframe, bounded by ttl,
// and retires the timeframe's rank memos.
func (v *SnapshotView) Publish(ctx context.Context, snap *leaderboard.Snapshot, ttl time.Duration) error {
	if snap == nil {
		return errors.New("snapshot view: nil snapshot")
	}
	if !snap.Timeframe.IsValid() {
		return leaderboard.ErrUnknownTimeframe
	}
	if ttl <= 0 {
		return errors.New("snapshot view: ttl must be positive")
	}

	payload, err := encodeView(snap)
	if err != nil {
		return err
	}

	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if err := v.store.Set(snapshotViewKey(snap.Timeframe), payload, seconds); err != nil {
		return fmt.Errorf("snapshot view: store %s: %w", snap.Timeframe, err)
	}

	v.gen[timeframeSlot(snap.Timeframe)].Add(1)
	return nil
}

// Get returns the locally cached snapshot for a timeframe.
// Returns leaderboard.ErrSnapshotNotFound on a miss or after expiry.
func (v *SnapshotView) Get(ctx context.Context, tf leaderboard.Timeframe) (*leaderboard.Snapshot, error) {
	if !tf.IsValid() {
		return nil, leaderboard.ErrUnknownTimeframe
	}

	payload, err := v.store.Get(snapshotViewKey(tf))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return nil, leaderboard.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("snapshot view: read %s: %w", tf, err)
	}

	return decodeView(payload)
}

// GetRank returns the rank and score for one user from the local view.
// Ranks are 1-based; a user missing from the published board reports rank
// 0 with a nil error, and both outcomes are memoized. Returns
// leaderboard.ErrSnapshotNotFound when the timeframe has no local
// snapshot.
func (v *SnapshotView) GetRank(ctx context.Context, tf leaderboard.Timeframe, userID string) (int, int64, error) {
	if !tf.IsValid() {
		return 0, 0, leaderboard.ErrUnknownTimeframe
	}
	if userID == "" {
		return 0, 0, errors.New("snapshot view: empty user id")
	}

	memoKey := v.rankMemoKey(tf, userID)
	if memo, err := v.store.Get(memoKey); err == nil {
		if rank, score, ok := decodeRankMemo(memo); ok {
			return rank, score, nil
		}
	}

	snap, err := v.Get(ctx, tf)
	if err != nil {
		return 0, 0, err
	}

	var (
		rank  int
		score int64
	)
	if entry, ok := snap.GetByUserID(userID); ok {
		rank, score = entry.Rank, entry.Score
	}

	// Negative lookups are memoized too; absent users are the common case
	// on boards truncated to the top entries.
	_ = v.store.Set(memoKey, encodeRankMemo(rank, score), int(rankMemoTTL/time.Second))

	return rank, score, nil
}

// Invalidate drops the local snapshot for a timeframe and retires its rank
// memos.
func (v *SnapshotView) Invalidate(ctx context.Context, tf leaderboard.Timeframe) error {
	if !tf.IsValid() {
		return leaderboard.ErrUnknownTimeframe
	}

	v.store.Del(snapshotViewKey(tf))
	v.gen[timeframeSlot(tf)].Add(1)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ENCODING
// ══════════════════════════════════════════════════════════════════════════════

func encodeView(snap *leaderboard.Snapshot) ([]byte, error) {
	doc := viewDoc{
		Timeframe:    snap.Timeframe.String(),
		CapturedAt:   snap.CapturedAt,
		TotalPlayers: snap.TotalPlayers,
		Digest:       snap.Digest,
		Entries:      snap.Entries,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("snapshot view: encode: %w", err)
	}
	return viewEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

func decodeView(payload []byte) (*leaderboard.Snapshot, error) {
	raw, err := viewDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot view: decompress: %w", err)
	}

	var doc viewDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("snapshot view: decode: %w", err)
	}
	tf, err := leaderboard.ParseTimeframe(doc.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("snapshot view: decode: %w", err)
	}

	return &leaderboard.Snapshot{
		Timeframe:    tf,
		CapturedAt:   doc.CapturedAt,
		TotalPlayers: doc.TotalPlayers,
		Entries:      doc.Entries,
		Digest:       doc.Digest,
	}, nil
}

// Rank memos are 16 bytes: rank then score, big-endian.
func encodeRankMemo(rank int, score int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(rank))
	binary.BigEndian.PutUint64(buf[8:16], uint64(score))
	return buf
}

func decodeRankMemo(buf []byte) (rank int, score int64, ok bool) {
	if len(buf) != 16 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint64(buf[0:8])), int64(binary.BigEndian.Uint64(buf[8:16])), true
}
