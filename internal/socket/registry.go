package socket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/bus"
	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/store"
)

const presenceKeyPrefix = "presence:"

// directedMessage is the fleet-wide envelope for cross-instance delivery.
// Exactly the instance(s) holding the target's sockets deliver it locally.
type directedMessage struct {
	TargetUserID string          `json:"targetUserId"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// presenceEvent announces a user coming online or going offline on some
// instance.
type presenceEvent struct {
	UserID     string `json:"userId"`
	InstanceID string `json:"instanceId"`
}

// Registry maps users to their local sockets and forwards cross-instance
// delivery through the bus. The local maps are mutated only on this
// instance, under a mutex shared by connection handlers and bus callbacks.
type Registry struct {
	bus         bus.Bus
	store       store.Store
	instanceID  string
	presenceTTL time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.Mutex
	byUser   map[string]map[string]*Client
	bySocket map[string]*Client

	pool      *Pool
	directSub io.Closer
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewRegistry builds an empty registry for this instance.
func NewRegistry(b bus.Bus, st store.Store, instanceID string, presenceTTL time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		bus:         b,
		store:       st,
		instanceID:  instanceID,
		presenceTTL: presenceTTL,
		logger:      logger.With().Str("component", "socket_registry").Logger(),
		now:         time.Now,
		byUser:      make(map[string]map[string]*Client),
		bySocket:    make(map[string]*Client),
		pool:        NewPool(broadcastWorkers(), broadcastWorkers()*100, logger),
		stop:        make(chan struct{}),
	}
}

func broadcastWorkers() int {
	return runtime.GOMAXPROCS(0) * 2
}

// Start subscribes to the fleet direct channel and begins presence refresh.
func (r *Registry) Start() error {
	sub, err := r.bus.Subscribe(bus.SubjectDirect, r.onDirect)
	if err != nil {
		return err
	}
	r.directSub = sub

	r.wg.Add(1)
	go r.presenceLoop()
	return nil
}

// Stop unsubscribes and halts background work. Local sockets are closed by
// the connection supervisor, not here.
func (r *Registry) Stop() {
	close(r.stop)
	if r.directSub != nil {
		r.directSub.Close()
	}
	r.wg.Wait()
	r.pool.Stop()
}

// Broadcast fans an event out to every local socket through the bounded
// worker pool. Intended for droppable events like user:count.
func (r *Registry) Broadcast(event string, payload any) {
	for _, c := range r.LocalClients() {
		client := c
		r.pool.Submit(func() {
			client.Send(event, payload)
		})
	}
}

// Register adds a socket. The first socket for a user publishes
// user:online and writes the presence record.
func (r *Registry) Register(ctx context.Context, c *Client) {
	r.mu.Lock()
	sockets := r.byUser[c.UserID]
	first := len(sockets) == 0
	if sockets == nil {
		sockets = make(map[string]*Client)
		r.byUser[c.UserID] = sockets
	}
	sockets[c.ID] = c
	r.bySocket[c.ID] = c
	total := len(r.bySocket)
	r.mu.Unlock()

	monitoring.ConnectionsActive.Set(float64(total))

	if first {
		r.refreshPresence(ctx, c.UserID)
		r.publishPresence(bus.SubjectUserOnline, c.UserID)
	}
}

// Unregister removes a socket. When the user's local socket set becomes
// empty, user:offline is published; the presence record is left to its TTL
// so another instance still holding sockets keeps the user online.
func (r *Registry) Unregister(ctx context.Context, c *Client) {
	r.mu.Lock()
	sockets, ok := r.byUser[c.UserID]
	if ok {
		delete(sockets, c.ID)
		if len(sockets) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	delete(r.bySocket, c.ID)
	last := ok && len(sockets) == 0
	total := len(r.bySocket)
	r.mu.Unlock()

	monitoring.ConnectionsActive.Set(float64(total))

	if last {
		r.publishPresence(bus.SubjectUserOffline, c.UserID)
	}
}

// EmitToUser delivers an event to every socket the user holds. Local
// sockets get it directly; otherwise the directed envelope is published for
// whichever instance holds the user. Best-effort at-most-once per socket.
func (r *Registry) EmitToUser(userID, event string, payload any) {
	if r.deliverLocal(userID, event, payload) {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal directed payload")
		monitoring.RecordError("socket")
		return
	}
	msg, err := json.Marshal(directedMessage{TargetUserID: userID, Event: event, Payload: raw})
	if err != nil {
		monitoring.RecordError("socket")
		return
	}
	if err := r.bus.Publish(bus.SubjectDirect, msg); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Str("event", event).Msg("Directed publish failed")
		monitoring.RecordError("bus")
	}
}

// EmitToSocket targets one socket by id, if it is local.
func (r *Registry) EmitToSocket(socketID, event string, payload any) {
	r.mu.Lock()
	c := r.bySocket[socketID]
	r.mu.Unlock()
	if c != nil {
		c.Send(event, payload)
	}
}

// LocalClients snapshots every socket on this instance.
func (r *Registry) LocalClients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.bySocket))
	for _, c := range r.bySocket {
		out = append(out, c)
	}
	return out
}

// ConnectionCount drives the fleet load metric every heartbeat.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySocket)
}

// UserCount returns the number of distinct local users.
func (r *Registry) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// HasLocal reports whether the user holds a socket on this instance.
func (r *Registry) HasLocal(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) deliverLocal(userID, event string, payload any) bool {
	r.mu.Lock()
	sockets := make([]*Client, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		sockets = append(sockets, c)
	}
	r.mu.Unlock()

	for _, c := range sockets {
		c.Send(event, payload)
	}
	return len(sockets) > 0
}

// onDirect handles cross-instance delivery: if the target holds local
// sockets, deliver; otherwise ignore (some other instance owns them).
func (r *Registry) onDirect(_ string, data []byte) {
	var msg directedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Warn().Msg("Malformed directed message")
		return
	}
	r.deliverLocal(msg.TargetUserID, msg.Event, json.RawMessage(msg.Payload))
}

func (r *Registry) publishPresence(subject, userID string) {
	data, err := json.Marshal(presenceEvent{UserID: userID, InstanceID: r.instanceID})
	if err != nil {
		return
	}
	if err := r.bus.Publish(subject, data); err != nil {
		r.logger.Debug().Err(err).Str("subject", subject).Msg("Presence publish failed")
		monitoring.RecordError("bus")
	}
}

func (r *Registry) refreshPresence(ctx context.Context, userID string) {
	if err := r.store.Set(ctx, presenceKeyPrefix+userID, r.instanceID, r.presenceTTL); err != nil {
		r.logger.Debug().Err(err).Str("user_id", userID).Msg("Presence refresh failed")
		monitoring.RecordError("store")
	}
}

// presenceLoop re-arms presence TTLs for every locally connected user.
// Offline is observed by TTL lapse, which coalesces multi-tab and
// cross-instance churn: the record only disappears once no instance has
// refreshed it.
func (r *Registry) presenceLoop() {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "presenceLoop", nil)

	interval := r.presenceTTL / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			users := make([]string, 0, len(r.byUser))
			for uid := range r.byUser {
				users = append(users, uid)
			}
			r.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, uid := range users {
				r.refreshPresence(ctx, uid)
			}
			cancel()

		case <-r.stop:
			return
		}
	}
}

// IsOnline consults the fleet-wide presence record.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, err := r.store.Get(ctx, presenceKeyPrefix+userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}
