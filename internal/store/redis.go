package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// defaultTimeout bounds store calls whose caller did not set a deadline.
const defaultTimeout = 5 * time.Second

// unlockScript deletes the lock key only when the caller still holds it.
// Compare-and-delete must be atomic server-side or two holders can race.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisStore is the Redis-backed implementation of Store.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", config.Addr).
		Int("db", config.DB).
		Msg("connected to Redis")

	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests that run
// against miniredis.
func NewRedisStoreFromClient(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}

// wrap maps driver errors onto the Store sentinels.
func (s *RedisStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	return val, s.wrap(err)
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.wrap(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, s.wrap(err)
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.wrap(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, s.wrap(err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.wrap(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(ctx, key, args...).Result()
	return n, s.wrap(err)
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	n, err := s.client.ZCard(ctx, key).Result()
	return n, s.wrap(err)
}

func (s *RedisStore) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	rank, err := s.client.ZRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.wrap(err)
	}
	return rank, true, nil
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, s.wrap(err)
	}
	return toZMembers(zs), nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, s.wrap(err)
	}
	return toZMembers(zs), nil
}

func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.wrap(s.client.ZRemRangeByRank(ctx, key, start, stop).Err())
}

func (s *RedisStore) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	keys, next, err := s.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, s.wrap(err)
	}
	return keys, next, nil
}

// TryLock attempts SET key token NX PX ttl. The random token fences the
// release: only the acquiring caller can unlock.
func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := newLockToken()
	if err != nil {
		return "", false, err
	}
	acquired, err := s.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", false, err
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) Unlock(ctx context.Context, key, token string) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	n, err := unlockScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, s.wrap(err)
	}
	return n == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.wrap(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toZMembers(zs []redis.Z) []ZMember {
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ZMember{Member: member, Score: z.Score})
	}
	return out
}

func formatScore(f float64) string {
	switch {
	case f == negInf:
		return "-inf"
	case f == posInf:
		return "+inf"
	default:
		return fmt.Sprintf("%f", f)
	}
}

// Sentinel scores for open-ended range queries.
const (
	negInf = -1 << 62
	posInf = 1 << 62
)

// NegInf and PosInf are exported for callers building open ranges.
const (
	NegInf float64 = negInf
	PosInf float64 = posInf
)

func newLockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
