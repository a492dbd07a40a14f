// Package redis implements the Redis caching layer for the progress engine.
// It serves published leaderboard snapshots on the hot read path; PostgreSQL
// remains the source of truth and every read has a database fallback.
//
// Key components:
//   - Cache: connection management plus byte-oriented key operations
//   - SnapshotCache: per-timeframe snapshot payloads and rank indexes
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds the Redis connection settings. Fields map one to one onto
// the go-redis client options.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// Pool bounds. PoolSize caps open sockets, MinIdleConns keeps warm
	// spares so the first read after an idle stretch does not pay the dial.
	PoolSize     int
	MinIdleConns int

	// MaxRetries is the client's own retry budget per command. It sits
	// below the SnapshotCache retrier, which re-dispatches whole
	// operations rather than single commands.
	MaxRetries int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultConfig returns settings suitable for a local or sidecar Redis.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// Addr returns the "host:port" dial address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrCacheMiss reports that a key does not exist. Callers translate it
	// into their own not-found errors rather than surfacing it.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCacheConnection reports that Redis could not be reached at startup.
	ErrCacheConnection = errors.New("cache: connection failed")

	// ErrCacheSerialization reports a payload that could not be encoded or
	// decoded.
	ErrCacheSerialization = errors.New("cache: serialization failed")

	// ErrCacheInvalidTTL rejects zero or negative TTLs before they reach
	// Redis, where they would silently mean "no expiry".
	ErrCacheInvalidTTL = errors.New("cache: invalid TTL")

	// ErrCacheKeyEmpty rejects operations on an empty key.
	ErrCacheKeyEmpty = errors.New("cache: key cannot be empty")

	// ErrCacheNilValue rejects publishing a nil snapshot.
	ErrCacheNilValue = errors.New("cache: value cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// KEYS AND TTLs
// ══════════════════════════════════════════════════════════════════════════════

// keyPrefix namespaces every key this service writes. The Redis instance
// is shared with other applications, so the prefix is load-bearing.
const keyPrefix = "leaderboard:"

// TTLSnapshot bounds published snapshot payloads and rank indexes. Snapshots
// are republished on every rebuild; the TTL only has to outlive the rebuild
// interval with margin so a skipped run does not serve stale data forever.
const TTLSnapshot = 2 * time.Hour

// SnapshotKey returns the key holding the snapshot payload for a timeframe.
func SnapshotKey(timeframe string) string {
	return keyPrefix + timeframe
}

// RankIndexKey returns the key of the sorted set indexing userID by score
// for a timeframe. It lives and dies together with the payload key.
func RankIndexKey(timeframe string) string {
	return SnapshotKey(timeframe) + ":ranks"
}

// ══════════════════════════════════════════════════════════════════════════════
// CACHE CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Cache owns the Redis client and exposes the small set of byte-oriented
// operations the snapshot layer needs.
type Cache struct {
	client *redis.Client
}

// NewCache dials Redis and verifies the connection with a ping before
// returning. A Redis that is configured but unreachable should fail the
// process at startup, not on the first read.
func NewCache(cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheConnection, err)
	}

	return &Cache{client: client}, nil
}

// Client exposes the underlying go-redis client for pipelined snapshot
// publication. Single-key operations should go through the Cache methods.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping reports whether Redis is reachable. Wired into the readiness probe.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetBytes fetches a raw payload, returning ErrCacheMiss for absent keys.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrCacheKeyEmpty
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	return data, nil
}

// Delete removes the given keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return c.client.Del(ctx, keys...).Err()
}
