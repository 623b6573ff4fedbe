package pairing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/drift/internal/bus"
	"github.com/driftchat/drift/internal/collab"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/store"
)

type emission struct {
	target  string // user id or socket id
	event   string
	payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	toUser []emission
	toSock []emission
}

func (n *fakeNotifier) EmitToUser(userID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toUser = append(n.toUser, emission{target: userID, event: event, payload: payload})
}

func (n *fakeNotifier) EmitToSocket(socketID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toSock = append(n.toSock, emission{target: socketID, event: event, payload: payload})
}

func (n *fakeNotifier) userEvents(userID, event string) []emission {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []emission
	for _, e := range n.toUser {
		if e.target == userID && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeUsers struct {
	friends bool
}

func (u fakeUsers) FindUser(_ context.Context, id string) (*collab.User, error) {
	return &collab.User{ID: id, Username: "name-" + id}, nil
}

func (u fakeUsers) IsBanned(context.Context, string) (bool, error) { return false, nil }

func (u fakeUsers) AreFriends(context.Context, string, string) (bool, error) {
	return u.friends, nil
}

type fakePresence struct {
	offline map[string]bool
}

func (p *fakePresence) IsOnline(_ context.Context, userID string) (bool, error) {
	return !p.offline[userID], nil
}

type testRig struct {
	engine   *Engine
	queues   *queue.Manager
	sessions *session.Manager
	notify   *fakeNotifier
	users    *fakeUsers
	presence *fakePresence
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewRedisStoreFromClient(client, zerolog.Nop())
	queues := queue.NewManager(st, queue.Config{
		QueueTimeout:    60 * time.Second,
		CleanupInterval: 10 * time.Second,
		PairLockTTL:     5 * time.Second,
	}, zerolog.Nop())
	sessions := session.NewManager(st, bus.NewMemoryBus(), nil, session.Config{
		SessionTTL:         2 * time.Hour,
		MaxSessionDuration: time.Hour,
		CreateLockTTL:      3 * time.Second,
	}, zerolog.Nop())

	notify := &fakeNotifier{}
	users := &fakeUsers{friends: true}
	presence := &fakePresence{offline: map[string]bool{}}
	engine := NewEngine(queues, sessions, notify, presence, users, Config{
		MatchInterval:          2 * time.Second,
		QueueCleanupInterval:   10 * time.Second,
		SessionCleanupInterval: 5 * time.Minute,
	}, zerolog.Nop())

	return &testRig{engine: engine, queues: queues, sessions: sessions, notify: notify, users: users, presence: presence}
}

func TestQuickMatchFirstUserWaits(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.engine.QuickMatch(ctx, "alice", "sock-a", protocol.ModalityVideo))

	pos, err := rig.queues.Position(ctx, "alice", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	// Position went to the joining socket, not the whole user.
	require.Len(t, rig.notify.toSock, 1)
	assert.Equal(t, "sock-a", rig.notify.toSock[0].target)
	assert.Equal(t, protocol.EvtQueuePosition, rig.notify.toSock[0].event)
}

func TestQuickMatchPairsSecondUser(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.engine.QuickMatch(ctx, "alice", "sock-a", protocol.ModalityVideo))
	require.NoError(t, rig.engine.QuickMatch(ctx, "bob", "sock-b", protocol.ModalityVideo))

	aliceFound := rig.notify.userEvents("alice", protocol.EvtMatchFound)
	bobFound := rig.notify.userEvents("bob", protocol.EvtMatchFound)
	require.Len(t, aliceFound, 1)
	require.Len(t, bobFound, 1)

	mf := aliceFound[0].payload.(protocol.MatchFound)
	assert.Equal(t, "bob", mf.PartnerID)
	assert.Equal(t, "name-bob", mf.PartnerUsername)
	assert.Equal(t, protocol.ModalityVideo, mf.SessionType)

	mf = bobFound[0].payload.(protocol.MatchFound)
	assert.Equal(t, "alice", mf.PartnerID)

	// Queue drained, session live for both.
	n, err := rig.queues.Size(ctx, protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	sess, err := rig.sessions.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", sess.Partner("alice"))
}

func TestQuickMatchInvalidModality(t *testing.T) {
	rig := newTestRig(t)

	err := rig.engine.QuickMatch(context.Background(), "alice", "sock-a", "smoke-signals")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeValidation, protocol.CodeOf(err))
}

func TestQuickMatchRejectsDuplicateJoin(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.engine.QuickMatch(ctx, "alice", "sock-a", protocol.ModalityVideo))

	err := rig.engine.QuickMatch(ctx, "alice", "sock-a", protocol.ModalityVideo)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeAlreadyQueued, protocol.CodeOf(err))
}

func TestQuickMatchRejectsUserInSession(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.sessions.Create(ctx, protocol.ModalityVideo, "alice", "bob")
	require.NoError(t, err)

	err = rig.engine.QuickMatch(ctx, "alice", "sock-a", protocol.ModalityVideo)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeAlreadyInSession, protocol.CodeOf(err))
}

func TestCancel(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	err := rig.engine.Cancel(ctx, "alice", protocol.ModalityVideo)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNotInQueue, protocol.CodeOf(err))

	require.NoError(t, rig.engine.QuickMatch(ctx, "alice", "sock-a", protocol.ModalityVideo))
	require.NoError(t, rig.engine.Cancel(ctx, "alice", protocol.ModalityVideo))

	pos, err := rig.queues.Position(ctx, "alice", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestStatus(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	st, err := rig.engine.Status(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, st.InQueue)

	// Three waiting users; pairing would normally fire, so enqueue behind
	// the engine's back to observe positions.
	for _, u := range []string{"alice", "bob", "carol"} {
		_, err := rig.queues.Enqueue(ctx, u, "sock-"+u, protocol.ModalityText)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	st, err = rig.engine.Status(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, st.InQueue)
	assert.Equal(t, protocol.ModalityText, st.Modality)
	assert.Equal(t, 3, st.Position)
	assert.Equal(t, 10.0, st.EstimatedWait)
}

func TestWithFriend(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.engine.WithFriend(ctx, "alice", "bob", protocol.ModalityVideo))

	sess, err := rig.sessions.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", sess.Partner("alice"))

	found := rig.notify.userEvents("bob", protocol.EvtMatchFound)
	require.Len(t, found, 1)
}

func TestWithFriendRejectsStrangers(t *testing.T) {
	rig := newTestRig(t)
	rig.users.friends = false

	err := rig.engine.WithFriend(context.Background(), "alice", "bob", protocol.ModalityVideo)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeValidation, protocol.CodeOf(err))
}

func TestWithFriendRejectsSelf(t *testing.T) {
	rig := newTestRig(t)

	err := rig.engine.WithFriend(context.Background(), "alice", "alice", protocol.ModalityVideo)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeValidation, protocol.CodeOf(err))
}

func TestWithFriendRejectsOfflineFriend(t *testing.T) {
	rig := newTestRig(t)
	rig.presence.offline["bob"] = true

	err := rig.engine.WithFriend(context.Background(), "alice", "bob", protocol.ModalityVideo)
	require.Error(t, err)
	assert.Equal(t, protocol.CodePartnerUnavailable, protocol.CodeOf(err))
	assert.Empty(t, rig.notify.userEvents("bob", protocol.EvtMatchFound))
}

func TestWithFriendRejectsBusyFriend(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.sessions.Create(ctx, protocol.ModalityVideo, "bob", "carol")
	require.NoError(t, err)

	err = rig.engine.WithFriend(ctx, "alice", "bob", protocol.ModalityVideo)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeAlreadyInSession, protocol.CodeOf(err))
}

func TestRematchNotifiesAbandonedPartner(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.engine.QuickMatch(ctx, "alice", "sock-a", protocol.ModalityVideo))
	require.NoError(t, rig.engine.QuickMatch(ctx, "bob", "sock-b", protocol.ModalityVideo))

	require.NoError(t, rig.engine.Rematch(ctx, "alice", "sock-a", protocol.ModalityVideo))

	disc := rig.notify.userEvents("bob", protocol.EvtMatchDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, "skip", disc[0].payload.(protocol.MatchDisconnected).Reason)

	// Alice is back in the queue alone; bob was not re-enqueued.
	pos, err := rig.queues.Position(ctx, "alice", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = rig.queues.Position(ctx, "bob", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	_, err = rig.sessions.Lookup(ctx, "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRematchDefaultsToSessionModality(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.sessions.Create(ctx, protocol.ModalityText, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, rig.engine.Rematch(ctx, "alice", "sock-a", ""))

	disc := rig.notify.userEvents("bob", protocol.EvtMatchDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, "skip", disc[0].payload.(protocol.MatchDisconnected).Reason)

	// The skip re-enters the modality the session used.
	pos, err := rig.queues.Position(ctx, "alice", protocol.ModalityText)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestRematchWithoutSessionOrModality(t *testing.T) {
	rig := newTestRig(t)

	err := rig.engine.Rematch(context.Background(), "alice", "sock-a", "")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNotInSession, protocol.CodeOf(err))
}

func TestRematchWithoutSessionJustQueues(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.engine.Rematch(ctx, "alice", "sock-a", protocol.ModalityText))

	pos, err := rig.queues.Position(ctx, "alice", protocol.ModalityText)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestSafetyTickPairsWaitingUsers(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Users waiting without a fast-path attempt, as after a lost race.
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		_, err := rig.queues.Enqueue(ctx, u, "sock-"+u, protocol.ModalityVideo)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	rig.engine.safetyTick(ctx, protocol.ModalityVideo)

	n, err := rig.queues.Size(ctx, protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		require.Len(t, rig.notify.userEvents(u, protocol.EvtMatchFound), 1, u)
	}

	// Oldest pair matched together.
	sess, err := rig.sessions.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", sess.Partner("alice"))
}

func TestSafetyTickNoopOnSingleton(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.queues.Enqueue(ctx, "alice", "sock-a", protocol.ModalityVideo)
	require.NoError(t, err)

	rig.engine.safetyTick(ctx, protocol.ModalityVideo)

	pos, err := rig.queues.Position(ctx, "alice", protocol.ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Empty(t, rig.notify.toUser)
}

func TestEstimatedWait(t *testing.T) {
	assert.Equal(t, time.Duration(0), estimatedWait(0))
	assert.Equal(t, time.Duration(0), estimatedWait(1))
	assert.Equal(t, 5*time.Second, estimatedWait(2))
	assert.Equal(t, 20*time.Second, estimatedWait(5))
}
