// Package redis implements the Redis caching layer for the progress engine.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/fluentlane/progress-engine/internal/domain/leaderboard"
	"github.com/fluentlane/progress-engine/pkg/circuitbreaker"
	"github.com/fluentlane/progress-engine/pkg/logger"
	"github.com/fluentlane/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT PAYLOAD
// ══════════════════════════════════════════════════════════════════════════════

// Payload envelope tags. The first byte of every stored payload names its
// encoding; the rest is the body.
const (
	payloadJSON byte = 'j'
	payloadZstd byte = 'z'
)

// snapshotCompressThreshold is the raw payload size above which bodies are
// zstd-compressed. A full snapshot is roughly 30 KB of highly repetitive
// JSON.
const snapshotCompressThreshold = 4 * 1024

// Shared zstd codec for snapshot payloads. EncodeAll and DecodeAll are safe
// for concurrent use; both constructors can only fail on invalid options.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// snapshotDoc is the cache payload for one snapshot. Entries reuse the
// published wire format shared with the PostgreSQL snapshot rows.
type snapshotDoc struct {
	Timeframe    string              `json:"timeframe"`
	CapturedAt   time.Time           `json:"capturedAt"`
	TotalPlayers int                 `json:"totalPlayers"`
	Digest       string              `json:"digest"`
	Entries      []leaderboard.Entry `json:"entries"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT CACHE
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotCache serves published leaderboard snapshots from Redis. Each
// timeframe stores two keys: the full payload under SnapshotKey and a
// sorted set of userID by score under RankIndexKey, so single-user rank
// lookups never deserialize the whole snapshot.
//
// Every operation runs behind a circuit breaker. When Redis degrades the
// circuit opens and callers fail fast to the PostgreSQL read path instead
// of stacking up on timeouts.
type SnapshotCache struct {
	cache   *Cache
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	logger  *logger.Logger

	compressAbove int
}

// NewSnapshotCache creates a SnapshotCache on top of an established
// connection.
func NewSnapshotCache(cache *Cache, log *logger.Logger) *SnapshotCache {
	if log == nil {
		log = logger.Default()
	}
	sc := &SnapshotCache{
		cache:         cache,
		retrier:       retry.CacheRetrier(),
		logger:        log.With(logger.Component("snapshot_cache")),
		compressAbove: snapshotCompressThreshold,
	}
	sc.breaker = circuitbreaker.CacheBreaker(sc.onBreakerStateChange)
	return sc
}

func (sc *SnapshotCache) onBreakerStateChange(name string, from, to circuitbreaker.State) {
	sc.logger.Warn("cache circuit state changed",
		logger.String("breaker", name),
		logger.String("from", from.String()),
		logger.String("to", to.String()))
}

// execute runs one cache operation behind the circuit breaker with a
// bounded retry. Breaker rejections are permanent: an open circuit tells
// the caller to fall back to PostgreSQL, not to wait.
func (sc *SnapshotCache) execute(ctx context.Context, op func(ctx context.Context) error) error {
	return sc.retrier.Do(ctx, func(ctx context.Context) error {
		err := sc.breaker.Execute(ctx, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return retry.Permanent(err)
		}
		return retry.Retryable(err)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// PUBLICATION
// ══════════════════════════════════════════════════════════════════════════════

// Publish stores the snapshot payload and rebuilds the rank index for its
// timeframe, both bounded by ttl. The index is replaced whole so departed
// users do not linger with stale scores. A snapshot with no entries
// publishes a payload but no index.
func (sc *SnapshotCache) Publish(ctx context.Context, snap *leaderboard.Snapshot, ttl time.Duration) error {
	if snap == nil {
		return ErrCacheNilValue
	}
	if !snap.Timeframe.IsValid() {
		return leaderboard.ErrUnknownTimeframe
	}
	if ttl <= 0 {
		return ErrCacheInvalidTTL
	}

	payload, err := sc.encode(snap)
	if err != nil {
		return err
	}

	members := make([]redis.Z, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		members = append(members, redis.Z{Score: float64(e.Score), Member: e.UserID})
	}

	tf := snap.Timeframe.String()
	err = sc.execute(ctx, func(ctx context.Context) error {
		pipe := sc.cache.Client().TxPipeline()
		pipe.Set(ctx, SnapshotKey(tf), payload, ttl)
		pipe.Del(ctx, RankIndexKey(tf))
		if len(members) > 0 {
			pipe.ZAdd(ctx, RankIndexKey(tf), members...)
			pipe.Expire(ctx, RankIndexKey(tf), ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to publish snapshot %s: %w", tf, err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// Get returns the cached snapshot for a timeframe.
// Returns leaderboard.ErrSnapshotNotFound on a cache miss.
func (sc *SnapshotCache) Get(ctx context.Context, tf leaderboard.Timeframe) (*leaderboard.Snapshot, error) {
	if !tf.IsValid() {
		return nil, leaderboard.ErrUnknownTimeframe
	}

	var (
		payload []byte
		miss    bool
	)
	err := sc.execute(ctx, func(ctx context.Context) error {
		payload, miss = nil, false

		data, err := sc.cache.GetBytes(ctx, SnapshotKey(tf.String()))
		if errors.Is(err, ErrCacheMiss) {
			// A miss is an answer, not a failure; it must not trip the
			// breaker or burn a retry.
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		payload = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", tf, err)
	}
	if miss {
		return nil, leaderboard.ErrSnapshotNotFound
	}

	return sc.decode(payload)
}

// GetRank returns the cached rank and score for one user. Ranks are
// 1-based. Returns leaderboard.ErrSnapshotNotFound when the rank index is
// absent, and rank 0 with a nil error when the index exists but the user
// is not published in it. A snapshot published with no entries has no
// index, so its lookups report ErrSnapshotNotFound.
func (sc *SnapshotCache) GetRank(ctx context.Context, tf leaderboard.Timeframe, userID string) (int, int64, error) {
	if !tf.IsValid() {
		return 0, 0, leaderboard.ErrUnknownTimeframe
	}
	if userID == "" {
		return 0, 0, ErrCacheKeyEmpty
	}

	var (
		indexed bool
		ranked  bool
		rank    int64
		score   float64
	)
	err := sc.execute(ctx, func(ctx context.Context) error {
		indexed, ranked, rank, score = false, false, 0, 0

		key := RankIndexKey(tf.String())
		pipe := sc.cache.Client().Pipeline()
		existsCmd := pipe.Exists(ctx, key)
		rankCmd := pipe.ZRevRank(ctx, key, userID)
		scoreCmd := pipe.ZScore(ctx, key, userID)

		// Exec surfaces the first command error, redis.Nil included; a
		// nil from ZREVRANK or ZSCORE only means the member is absent.
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		n, err := existsCmd.Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		indexed = true

		r, err := rankCmd.Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		s, err := scoreCmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		ranked, rank, score = true, r, s
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read rank %s for %s: %w", tf, userID, err)
	}
	if !indexed {
		return 0, 0, leaderboard.ErrSnapshotNotFound
	}
	if !ranked {
		return 0, 0, nil
	}

	// ZREVRANK is 0-based with the highest score first.
	return int(rank) + 1, int64(score), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INVALIDATION
// ══════════════════════════════════════════════════════════════════════════════

// Invalidate drops the payload and rank index for a timeframe. Reads fall
// through to PostgreSQL until the next publication.
func (sc *SnapshotCache) Invalidate(ctx context.Context, tf leaderboard.Timeframe) error {
	if !tf.IsValid() {
		return leaderboard.ErrUnknownTimeframe
	}

	name := tf.String()
	err := sc.execute(ctx, func(ctx context.Context) error {
		return sc.cache.Delete(ctx, SnapshotKey(name), RankIndexKey(name))
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate snapshot %s: %w", name, err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ENCODING
// ══════════════════════════════════════════════════════════════════════════════

// encode serializes a snapshot into its cache payload, compressing bodies
// above the size threshold.
func (sc *SnapshotCache) encode(snap *leaderboard.Snapshot) ([]byte, error) {
	doc := snapshotDoc{
		Timeframe:    snap.Timeframe.String(),
		CapturedAt:   snap.CapturedAt,
		TotalPlayers: snap.TotalPlayers,
		Digest:       snap.Digest,
		Entries:      snap.Entries,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	if len(raw) < sc.compressAbove {
		return append([]byte{payloadJSON}, raw...), nil
	}

	out := append(make([]byte, 0, len(raw)/4+1), payloadZstd)
	return zstdEncoder.EncodeAll(raw, out), nil
}

// decode reverses encode. Corrupt payloads surface as
// ErrCacheSerialization; callers are expected to fall back to the
// repository and let the next publication replace the key.
func (sc *SnapshotCache) decode(data []byte) (*leaderboard.Snapshot, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated payload", ErrCacheSerialization)
	}

	body := data[1:]
	switch data[0] {
	case payloadJSON:
	case payloadZstd:
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCacheSerialization, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload tag %q", ErrCacheSerialization, data[0])
	}

	var doc snapshotDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	tf, err := leaderboard.ParseTimeframe(doc.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	return &leaderboard.Snapshot{
		Timeframe:    tf,
		CapturedAt:   doc.CapturedAt,
		TotalPlayers: doc.TotalPlayers,
		Entries:      doc.Entries,
		Digest:       doc.Digest,
	}, nil
}
