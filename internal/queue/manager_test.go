package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewRedisStoreFromClient(client, zerolog.Nop())
	m := NewManager(st, Config{
		QueueTimeout:    60 * time.Second,
		CleanupInterval: 10 * time.Second,
		PairLockTTL:     5 * time.Second,
	}, zerolog.Nop())

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m.now = clock.Now
	return m, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestEnqueueRejectsDuplicates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Enqueue(ctx, "u1", "s1", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same modality.
	ok, err = m.Enqueue(ctx, "u1", "s1", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different modality is still refused: one queue per user.
	ok, err = m.Enqueue(ctx, "u1", "s1", protocol.ModalityText)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDequeue(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "u1", "s1", protocol.ModalityText)
	require.NoError(t, err)

	removed, err := m.Dequeue(ctx, "u1", protocol.ModalityText)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.Dequeue(ctx, "u1", protocol.ModalityText)
	require.NoError(t, err)
	assert.False(t, removed)

	// Marker gone too: the user can join again.
	ok, err := m.Enqueue(ctx, "u1", "s1", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPairExtractsOldestTwo(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	for _, u := range []string{"alice", "bob", "carol"} {
		_, err := m.Enqueue(ctx, u, "sock-"+u, protocol.ModalityVideo)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	partner, caller, err := m.Pair(ctx, "alice", protocol.ModalityVideo)
	require.NoError(t, err)
	require.NotNil(t, partner)
	require.NotNil(t, caller)
	assert.Equal(t, "bob", partner.UserID)
	assert.Equal(t, "alice", caller.UserID)
	assert.Equal(t, "sock-bob", partner.SocketID)

	// Carol remains, now alone.
	n, err := m.Size(ctx, protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	partner, _, err = m.Pair(ctx, "carol", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Nil(t, partner)
}

func TestPairRefusesNonHeadCaller(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	for _, u := range []string{"alice", "bob", "carol"} {
		_, err := m.Enqueue(ctx, u, "s", protocol.ModalityVideo)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// Carol is third; she must wait for the queue ahead to drain.
	partner, _, err := m.Pair(ctx, "carol", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Nil(t, partner)

	n, err := m.Size(ctx, protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPairTieBreaksOnUserID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Same joinedAt for all three; extraction order must be lexicographic
	// and identical no matter which instance asks.
	for _, u := range []string{"zed", "amy", "mia"} {
		_, err := m.Enqueue(ctx, u, "s", protocol.ModalityText)
		require.NoError(t, err)
	}

	partner, caller, err := m.Pair(ctx, "amy", protocol.ModalityText)
	require.NoError(t, err)
	require.NotNil(t, partner)
	assert.Equal(t, "amy", caller.UserID)
	assert.Equal(t, "mia", partner.UserID)
}

func TestPairDoesNotCrossModalities(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "u1", "s1", protocol.ModalityVideo)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "u2", "s2", protocol.ModalityText)
	require.NoError(t, err)

	partner, _, err := m.Pair(ctx, "u1", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Nil(t, partner)
}

func TestPairBlockedWhileLockHeld(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "u1", "s1", protocol.ModalityVideo)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = m.Enqueue(ctx, "u2", "s2", protocol.ModalityVideo)
	require.NoError(t, err)

	_, acquired, err := m.store.TryLock(ctx, "lock:match:video", 5*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	partner, _, err := m.Pair(ctx, "u1", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Nil(t, partner)

	// Both users still waiting.
	n, err := m.Size(ctx, protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestReinsertPreservesOrder(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "first", "s1", protocol.ModalityAudio)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = m.Enqueue(ctx, "second", "s2", protocol.ModalityAudio)
	require.NoError(t, err)

	partner, caller, err := m.Pair(ctx, "first", protocol.ModalityAudio)
	require.NoError(t, err)
	require.NotNil(t, partner)

	// Put both back, as the pairing engine does after a failed session
	// create, then enqueue a newcomer. Originals keep their head spots.
	require.NoError(t, m.Reinsert(ctx, protocol.ModalityAudio, *caller))
	require.NoError(t, m.Reinsert(ctx, protocol.ModalityAudio, *partner))
	clock.Advance(time.Second)
	_, err = m.Enqueue(ctx, "third", "s3", protocol.ModalityAudio)
	require.NoError(t, err)

	pos, err := m.Position(ctx, "first", protocol.ModalityAudio)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = m.Position(ctx, "third", protocol.ModalityAudio)
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}

func TestPositionAbsentUser(t *testing.T) {
	m, _ := newTestManager(t)

	pos, err := m.Position(context.Background(), "ghost", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestWaitingModality(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, waiting, err := m.WaitingModality(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, waiting)

	_, err = m.Enqueue(ctx, "u1", "s1", protocol.ModalityAudio)
	require.NoError(t, err)

	modality, waiting, err := m.WaitingModality(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, waiting)
	assert.Equal(t, protocol.ModalityAudio, modality)
}

func TestRemoveFromAll(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "u1", "s1", protocol.ModalityVideo)
	require.NoError(t, err)

	require.NoError(t, m.RemoveFromAll(ctx, "u1"))

	n, err := m.Size(ctx, protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Idempotent when not queued anywhere.
	require.NoError(t, m.RemoveFromAll(ctx, "u1"))
}

func TestSweepStale(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "old", "s1", protocol.ModalityVideo)
	require.NoError(t, err)
	clock.Advance(70 * time.Second)
	_, err = m.Enqueue(ctx, "fresh", "s2", protocol.ModalityVideo)
	require.NoError(t, err)

	removed, err := m.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	pos, err := m.Position(ctx, "fresh", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = m.Position(ctx, "old", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestOldest(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, ok, err := m.Oldest(ctx, protocol.ModalityText)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Enqueue(ctx, "u1", "s1", protocol.ModalityText)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = m.Enqueue(ctx, "u2", "s2", protocol.ModalityText)
	require.NoError(t, err)

	oldest, ok, err := m.Oldest(ctx, protocol.ModalityText)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", oldest)
}
