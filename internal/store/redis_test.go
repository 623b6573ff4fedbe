package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client, zerolog.Nop()), mr
}

func TestStringsRoundTrip(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "k", "v", time.Minute))

	val, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	mr.FastForward(2 * time.Minute)
	_, err = st.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetNXGuards(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := st.SetNX(ctx, "guard", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.SetNX(ctx, "guard", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := st.Get(ctx, "guard")
	require.NoError(t, err)
	assert.Equal(t, "a", val)
}

func TestOrderedSetOrdering(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.ZAdd(ctx, "q", 300, "c"))
	require.NoError(t, st.ZAdd(ctx, "q", 100, "a"))
	require.NoError(t, st.ZAdd(ctx, "q", 200, "b"))

	members, err := st.ZRangeWithScores(ctx, "q", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "a", members[0].Member)
	assert.Equal(t, "b", members[1].Member)
	assert.Equal(t, "c", members[2].Member)

	// Equal scores break ties lexicographically by member.
	require.NoError(t, st.ZAdd(ctx, "tie", 100, "zed"))
	require.NoError(t, st.ZAdd(ctx, "tie", 100, "amy"))
	tied, err := st.ZRangeWithScores(ctx, "tie", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "amy", tied[0].Member)
	assert.Equal(t, "zed", tied[1].Member)
}

func TestZRankAndCard(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.ZAdd(ctx, "q", 1, "a"))
	require.NoError(t, st.ZAdd(ctx, "q", 2, "b"))

	rank, ok, err := st.ZRank(ctx, "q", "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), rank)

	_, ok, err = st.ZRank(ctx, "q", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := st.ZCard(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestZRangeByScoreWindow(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	for i, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, st.ZAdd(ctx, "q", float64((i+1)*10), m))
	}

	stale, err := st.ZRangeByScore(ctx, "q", NegInf, 25)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "a", stale[0].Member)
	assert.Equal(t, "b", stale[1].Member)
}

func TestLockFencing(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	token, acquired, err := st.TryLock(ctx, "lock:x", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, token)

	_, acquired, err = st.TryLock(ctx, "lock:x", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// A stale token cannot release another holder's lock.
	released, err := st.Unlock(ctx, "lock:x", "not-the-token")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = st.Unlock(ctx, "lock:x", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, acquired, err = st.TryLock(ctx, "lock:x", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockExpiry(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	_, acquired, err := st.TryLock(ctx, "lock:y", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(2 * time.Second)

	_, acquired, err = st.TryLock(ctx, "lock:y", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestScanPagination(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "pfx:1", "a", 0))
	require.NoError(t, st.Set(ctx, "pfx:2", "b", 0))
	require.NoError(t, st.Set(ctx, "other", "c", 0))

	var keys []string
	var cursor uint64
	for {
		page, next, err := st.Scan(ctx, cursor, "pfx:*", 10)
		require.NoError(t, err)
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	assert.ElementsMatch(t, []string{"pfx:1", "pfx:2"}, keys)
}

func TestDelVariadic(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "a", "1", 0))
	require.NoError(t, st.Set(ctx, "b", "2", 0))
	require.NoError(t, st.Del(ctx, "a", "b", "never-existed"))

	_, err := st.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}
