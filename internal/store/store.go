package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or member does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrUnavailable wraps transport-level failures. Callers treat it as a
// transient refusal (no match / not found) and never corrupt local state.
var ErrUnavailable = errors.New("store: unavailable")

// ZMember is one entry of an ordered set.
type ZMember struct {
	Member string
	Score  float64
}

// Store abstracts the clustered key/value service everything cluster-global
// lives in: strings with TTL, ordered sets keyed by a float score, a
// cursor-paginated key scan, and a fenced single-writer lock.
//
// All methods honor the caller's context deadline; implementations apply a
// default deadline when the caller supplies none.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ordered sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRank(ctx context.Context, key, member string) (int64, bool, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// Key scan (cursor-paginated)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	// Distributed lock. TryLock returns acquired=false without error when
	// another holder owns the key; Unlock releases only if token matches
	// (fenced single-writer discipline).
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	Unlock(ctx context.Context, key, token string) (bool, error)

	// Pub/sub for fleet-wide events rides on the Bus (internal/bus); the
	// store carries only keyed state.

	Ping(ctx context.Context) error
	Close() error
}
