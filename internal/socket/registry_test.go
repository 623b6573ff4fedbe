package socket

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/drift/internal/bus"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedisStoreFromClient(client, zerolog.Nop())
}

// testClient returns a registered-ready client plus the peer end of its
// pipe for reading frames the write pump emits.
func testClient(t *testing.T, id, userID string) (*Client, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	c := NewClient(id, userID, userID, server, zerolog.Nop())
	go c.WritePump()
	t.Cleanup(c.Close)
	return c, peer
}

func readFrame(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestRegisterUnregisterCounts(t *testing.T) {
	r := NewRegistry(bus.NewMemoryBus(), newTestStore(t), "i1", time.Minute, zerolog.Nop())
	require.NoError(t, r.Start())
	defer r.Stop()
	ctx := context.Background()

	c1, _ := testClient(t, "s1", "alice")
	c2, _ := testClient(t, "s2", "alice") // second tab
	c3, _ := testClient(t, "s3", "bob")

	r.Register(ctx, c1)
	r.Register(ctx, c2)
	r.Register(ctx, c3)

	assert.Equal(t, 3, r.ConnectionCount())
	assert.Equal(t, 2, r.UserCount())
	assert.True(t, r.HasLocal("alice"))

	r.Unregister(ctx, c1)
	assert.True(t, r.HasLocal("alice"))

	r.Unregister(ctx, c2)
	assert.False(t, r.HasLocal("alice"))
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestEmitToUserLocalDeliversToAllSockets(t *testing.T) {
	r := NewRegistry(bus.NewMemoryBus(), newTestStore(t), "i1", time.Minute, zerolog.Nop())
	require.NoError(t, r.Start())
	defer r.Stop()
	ctx := context.Background()

	c1, peer1 := testClient(t, "s1", "alice")
	c2, peer2 := testClient(t, "s2", "alice")
	r.Register(ctx, c1)
	r.Register(ctx, c2)

	r.EmitToUser("alice", protocol.EvtUserCount, protocol.UserCount{N: 5})

	for _, peer := range []net.Conn{peer1, peer2} {
		env := readFrame(t, peer)
		assert.Equal(t, protocol.EvtUserCount, env.Type)
		var uc protocol.UserCount
		require.NoError(t, json.Unmarshal(env.Payload, &uc))
		assert.Equal(t, 5, uc.N)
	}
}

func TestEmitToUserCrossInstance(t *testing.T) {
	shared := bus.NewMemoryBus()
	st := newTestStore(t)

	ra := NewRegistry(shared, st, "i-a", time.Minute, zerolog.Nop())
	require.NoError(t, ra.Start())
	defer ra.Stop()
	rb := NewRegistry(shared, st, "i-b", time.Minute, zerolog.Nop())
	require.NoError(t, rb.Start())
	defer rb.Stop()

	ctx := context.Background()
	c, peer := testClient(t, "s1", "alice")
	ra.Register(ctx, c)

	// Alice has no socket on instance B; the event crosses the bus.
	rb.EmitToUser("alice", protocol.EvtChatMessage, protocol.ChatMessage{
		SenderID: "bob", Text: "hi", Timestamp: 123,
	})

	env := readFrame(t, peer)
	assert.Equal(t, protocol.EvtChatMessage, env.Type)
	var msg protocol.ChatMessage
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, "bob", msg.SenderID)
	assert.Equal(t, "hi", msg.Text)
}

func TestEmitToSocket(t *testing.T) {
	r := NewRegistry(bus.NewMemoryBus(), newTestStore(t), "i1", time.Minute, zerolog.Nop())
	require.NoError(t, r.Start())
	defer r.Stop()
	ctx := context.Background()

	c1, peer1 := testClient(t, "s1", "alice")
	c2, _ := testClient(t, "s2", "alice")
	r.Register(ctx, c1)
	r.Register(ctx, c2)

	r.EmitToSocket("s1", protocol.EvtQueuePosition, protocol.QueuePosition{Position: 2})

	env := readFrame(t, peer1)
	assert.Equal(t, protocol.EvtQueuePosition, env.Type)
}

func TestIsOnlineViaPresence(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(bus.NewMemoryBus(), st, "i1", time.Minute, zerolog.Nop())
	require.NoError(t, r.Start())
	defer r.Stop()
	ctx := context.Background()

	online, err := r.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	c, _ := testClient(t, "s1", "alice")
	r.Register(ctx, c)

	online, err = r.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestBroadcastFansOut(t *testing.T) {
	r := NewRegistry(bus.NewMemoryBus(), newTestStore(t), "i1", time.Minute, zerolog.Nop())
	require.NoError(t, r.Start())
	defer r.Stop()
	ctx := context.Background()

	c1, peer1 := testClient(t, "s1", "alice")
	c2, peer2 := testClient(t, "s2", "bob")
	r.Register(ctx, c1)
	r.Register(ctx, c2)

	r.Broadcast(protocol.EvtUserCount, protocol.UserCount{N: 2})

	for _, peer := range []net.Conn{peer1, peer2} {
		env := readFrame(t, peer)
		assert.Equal(t, protocol.EvtUserCount, env.Type)
	}
}
