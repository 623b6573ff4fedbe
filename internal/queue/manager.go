package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/store"
)

// Departure reasons recorded against the queue-leave metric.
const (
	LeaveMatched    = "matched"
	LeaveCancel     = "cancel"
	LeaveTimeout    = "timeout"
	LeaveDisconnect = "disconnect"
)

// Entry is one waiting user. JoinedAt is the queue sort key.
type Entry struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
	JoinedAt int64  `json:"joinedAt"` // unix ms
}

// Config holds queue tunables.
type Config struct {
	QueueTimeout    time.Duration // stale waiting-entry cutoff
	CleanupInterval time.Duration // sweep cadence; also the staleness grace
	PairLockTTL     time.Duration // max hold for the matching lock
}

// Manager owns the per-modality FIFO wait queues in the shared store.
//
// Keys per modality m and user u:
//
//	queue:{m}           ordered set, member=u, score=joinedAt
//	queue:data:{m}:{u}  serialized Entry, same lifetime as the set member
//	queue:user:{u}      modality marker enforcing one queue per user
type Manager struct {
	store  store.Store
	logger zerolog.Logger
	cfg    Config
	now    func() time.Time
}

// NewManager builds a queue manager.
func NewManager(st store.Store, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  st,
		logger: logger.With().Str("component", "queue").Logger(),
		cfg:    cfg,
		now:    time.Now,
	}
}

func queueKey(m protocol.Modality) string { return "queue:" + string(m) }

func dataKey(m protocol.Modality, userID string) string {
	return "queue:data:" + string(m) + ":" + userID
}

func userKey(userID string) string { return "queue:user:" + userID }

// entryTTL outlives the staleness cutoff by one sweep interval so the
// sweeper, not key expiry, is what removes an abandoned entry (and gets to
// record the timeout metric). Set members and their sidecar blobs are
// always deleted together.
func (q *Manager) entryTTL() time.Duration {
	return q.cfg.QueueTimeout + 2*q.cfg.CleanupInterval
}

// Enqueue inserts the user into the modality's queue with joinedAt=now.
// Returns false when the user is already waiting in any modality.
func (q *Manager) Enqueue(ctx context.Context, userID, socketID string, modality protocol.Modality) (bool, error) {
	ok, err := q.store.SetNX(ctx, userKey(userID), string(modality), q.entryTTL())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	entry := Entry{UserID: userID, SocketID: socketID, JoinedAt: q.now().UnixMilli()}
	if err := q.insert(ctx, modality, entry); err != nil {
		// Roll the marker back so the user is not wedged out of every queue.
		_ = q.store.Del(ctx, userKey(userID))
		return false, err
	}

	q.updateSizeGauge(ctx, modality)
	return true, nil
}

// Reinsert places an entry back at its original joinedAt score, preserving
// queue fairness after a failed session creation.
func (q *Manager) Reinsert(ctx context.Context, modality protocol.Modality, entry Entry) error {
	if _, err := q.store.SetNX(ctx, userKey(entry.UserID), string(modality), q.entryTTL()); err != nil {
		return err
	}
	return q.insert(ctx, modality, entry)
}

func (q *Manager) insert(ctx context.Context, modality protocol.Modality, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, dataKey(modality, entry.UserID), string(data), q.entryTTL()); err != nil {
		return err
	}
	return q.store.ZAdd(ctx, queueKey(modality), float64(entry.JoinedAt), entry.UserID)
}

// Dequeue removes the user from the modality's queue. Returns whether a
// removal occurred.
func (q *Manager) Dequeue(ctx context.Context, userID string, modality protocol.Modality) (bool, error) {
	return q.remove(ctx, userID, modality, LeaveCancel)
}

// remove deletes the set member and its sidecar keys together, recording
// the wait-time metric under the given reason.
func (q *Manager) remove(ctx context.Context, userID string, modality protocol.Modality, reason string) (bool, error) {
	entry, _ := q.entry(ctx, modality, userID)

	n, err := q.store.ZRem(ctx, queueKey(modality), userID)
	if err != nil {
		return false, err
	}
	if delErr := q.store.Del(ctx, dataKey(modality, userID), userKey(userID)); delErr != nil {
		q.logger.Warn().Err(delErr).Str("user_id", userID).Msg("Queue sidecar delete failed")
	}
	if n == 0 {
		return false, nil
	}

	q.recordLeave(modality, entry, reason)
	q.updateSizeGauge(ctx, modality)
	return true, nil
}

// Pair atomically extracts the caller and the other of the two oldest
// waiting entries. Returns the partner's and the caller's entries, or nil
// when no pairing is possible right now. The caller entry lets the pairing
// engine re-insert at the original joinedAt if session creation fails.
//
// Holds lock:match:{modality} for the duration; if the lock cannot be
// acquired the caller simply retries on the next tick. The extraction
// removes both entries or neither.
func (q *Manager) Pair(ctx context.Context, userID string, modality protocol.Modality) (partner, caller *Entry, err error) {
	lockKey := "lock:match:" + string(modality)
	token, acquired, err := q.store.TryLock(ctx, lockKey, q.cfg.PairLockTTL)
	if err != nil {
		return nil, nil, err
	}
	if !acquired {
		monitoring.MatchFailures.WithLabelValues("lock_busy").Inc()
		return nil, nil, nil
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := q.store.Unlock(unlockCtx, lockKey, token); err != nil {
			q.logger.Warn().Err(err).Str("lock", lockKey).Msg("Lock release failed")
		}
	}()

	// Lowest two scores; equal joinedAt ties break lexicographically by
	// userId inside the ordered set, deterministic across instances.
	top, err := q.store.ZRangeWithScores(ctx, queueKey(modality), 0, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(top) < 2 {
		return nil, nil, nil
	}

	var partnerID string
	switch userID {
	case top[0].Member:
		partnerID = top[1].Member
	case top[1].Member:
		partnerID = top[0].Member
	default:
		// Caller is not among the two oldest; it waits until the queue
		// ahead of it drains.
		return nil, nil, nil
	}

	callerEntry, _ := q.entry(ctx, modality, userID)
	partnerEntry, partnerErr := q.entry(ctx, modality, partnerID)

	removed, err := q.store.ZRem(ctx, queueKey(modality), userID, partnerID)
	if err != nil {
		return nil, nil, err
	}
	if removed != 2 {
		// Under the lock this means the set changed between read and
		// remove (store hiccup). Restore whatever was taken out.
		if callerEntry != nil {
			_ = q.Reinsert(ctx, modality, *callerEntry)
		}
		if partnerEntry != nil {
			_ = q.Reinsert(ctx, modality, *partnerEntry)
		}
		monitoring.MatchFailures.WithLabelValues("store").Inc()
		return nil, nil, nil
	}

	_ = q.store.Del(ctx,
		dataKey(modality, userID), userKey(userID),
		dataKey(modality, partnerID), userKey(partnerID))

	if partnerErr != nil || partnerEntry == nil {
		// Partner blob expired under us; put the caller back at its
		// original position and let the partner's stale member stay gone.
		if callerEntry != nil {
			_ = q.Reinsert(ctx, modality, *callerEntry)
		}
		monitoring.MatchFailures.WithLabelValues("store").Inc()
		return nil, nil, nil
	}

	q.recordLeave(modality, callerEntry, LeaveMatched)
	q.recordLeave(modality, partnerEntry, LeaveMatched)
	monitoring.MatchesTotal.WithLabelValues(string(modality)).Inc()
	q.updateSizeGauge(ctx, modality)
	return partnerEntry, callerEntry, nil
}

// Position returns the 1-based queue position, or 0 if absent.
func (q *Manager) Position(ctx context.Context, userID string, modality protocol.Modality) (int, error) {
	rank, ok, err := q.store.ZRank(ctx, queueKey(modality), userID)
	if err != nil || !ok {
		return 0, err
	}
	return int(rank) + 1, nil
}

// Size returns the number of waiting users in the modality.
func (q *Manager) Size(ctx context.Context, modality protocol.Modality) (int64, error) {
	return q.store.ZCard(ctx, queueKey(modality))
}

// Oldest returns the longest-waiting user in the modality.
func (q *Manager) Oldest(ctx context.Context, modality protocol.Modality) (string, bool, error) {
	top, err := q.store.ZRangeWithScores(ctx, queueKey(modality), 0, 0)
	if err != nil || len(top) == 0 {
		return "", false, err
	}
	return top[0].Member, true, nil
}

// WaitingModality reports which queue, if any, the user is waiting in.
func (q *Manager) WaitingModality(ctx context.Context, userID string) (protocol.Modality, bool, error) {
	val, err := q.store.Get(ctx, userKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return protocol.Modality(val), true, nil
}

// RemoveFromAll clears the user from whichever queue holds them. Used by
// disconnect cleanup and rematch.
func (q *Manager) RemoveFromAll(ctx context.Context, userID string) error {
	modality, waiting, err := q.WaitingModality(ctx, userID)
	if err != nil {
		return err
	}
	if waiting {
		_, err = q.remove(ctx, userID, modality, LeaveDisconnect)
		return err
	}
	// Marker missing but a set member may linger (marker TTL raced the
	// sweep); clear defensively.
	for _, m := range protocol.Modalities {
		if _, err := q.store.ZRem(ctx, queueKey(m), userID); err != nil {
			return err
		}
		_ = q.store.Del(ctx, dataKey(m, userID))
	}
	return nil
}

// SweepStale removes entries older than QueueTimeout across all
// modalities. Returns the number removed.
func (q *Manager) SweepStale(ctx context.Context) (int, error) {
	cutoff := float64(q.now().Add(-q.cfg.QueueTimeout).UnixMilli())
	removed := 0
	for _, m := range protocol.Modalities {
		stale, err := q.store.ZRangeByScore(ctx, queueKey(m), store.NegInf, cutoff)
		if err != nil {
			return removed, err
		}
		for _, member := range stale {
			ok, err := q.remove(ctx, member.Member, m, LeaveTimeout)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
				q.logger.Debug().
					Str("user_id", member.Member).
					Str("modality", string(m)).
					Msg("Swept stale queue entry")
			}
		}
	}
	return removed, nil
}

// entry rehydrates the sidecar blob for a waiting user.
func (q *Manager) entry(ctx context.Context, modality protocol.Modality, userID string) (*Entry, error) {
	raw, err := q.store.Get(ctx, dataKey(modality, userID))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *Manager) recordLeave(modality protocol.Modality, entry *Entry, reason string) {
	monitoring.QueueLeaves.WithLabelValues(string(modality), reason).Inc()
	if entry != nil {
		wait := time.Duration(q.now().UnixMilli()-entry.JoinedAt) * time.Millisecond
		monitoring.QueueWaitSeconds.WithLabelValues(string(modality), reason).Observe(wait.Seconds())
	}
}

func (q *Manager) updateSizeGauge(ctx context.Context, modality protocol.Modality) {
	if n, err := q.store.ZCard(ctx, queueKey(modality)); err == nil {
		monitoring.QueueSize.WithLabelValues(string(modality)).Set(float64(n))
	}
}
