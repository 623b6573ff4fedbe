package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter applies a token bucket per key (IP address, user id, socket
// id). Idle entries are pruned so the map cannot grow without bound.
type KeyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

type keyedEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewKeyedLimiter creates a limiter granting `limit` events/sec with the
// given burst per key. Entries idle longer than ttl are swept every minute.
func NewKeyedLimiter(limit rate.Limit, burst int, ttl time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{
		entries: make(map[string]*keyedEntry),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

// Allow reports whether one event for key fits the bucket right now.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	entry, ok := kl.entries[key]
	if !ok {
		entry = &keyedEntry{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.entries[key] = entry
	}
	entry.lastAccess = time.Now()
	kl.mu.Unlock()

	return entry.limiter.Allow()
}

// Forget drops the bucket for key (socket closed, user gone).
func (kl *KeyedLimiter) Forget(key string) {
	kl.mu.Lock()
	delete(kl.entries, key)
	kl.mu.Unlock()
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.entries)
}

// Stop terminates the cleanup goroutine.
func (kl *KeyedLimiter) Stop() {
	kl.once.Do(func() { close(kl.stop) })
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			kl.cleanup()
		case <-kl.stop:
			return
		}
	}
}

func (kl *KeyedLimiter) cleanup() {
	now := time.Now()
	kl.mu.Lock()
	for key, entry := range kl.entries {
		if now.Sub(entry.lastAccess) > kl.ttl {
			delete(kl.entries, key)
		}
	}
	kl.mu.Unlock()
}

// SocketLimits bundles the three buckets the connection supervisor applies:
// per-IP connects, per-socket messages, per-user queue joins.
type SocketLimits struct {
	Connects   *KeyedLimiter // per client IP
	Messages   *KeyedLimiter // per socket id
	QueueJoins *KeyedLimiter // per user id
}

// NewSocketLimits builds the default limiter set.
//
//	connectsPerMin: WebSocket upgrades per IP per minute
//	messagesPerSec: inbound frames per socket per second
//	queueJoinsPer5s: queue:join attempts per user per 5 seconds
func NewSocketLimits(connectsPerMin, messagesPerSec, queueJoinsPer5s int) *SocketLimits {
	return &SocketLimits{
		Connects:   NewKeyedLimiter(rate.Limit(float64(connectsPerMin)/60.0), connectsPerMin, 5*time.Minute),
		Messages:   NewKeyedLimiter(rate.Limit(messagesPerSec), messagesPerSec, 5*time.Minute),
		QueueJoins: NewKeyedLimiter(rate.Limit(float64(queueJoinsPer5s)/5.0), queueJoinsPer5s, 5*time.Minute),
	}
}

// Stop terminates all cleanup goroutines.
func (sl *SocketLimits) Stop() {
	sl.Connects.Stop()
	sl.Messages.Stop()
	sl.QueueJoins.Stop()
}
