package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/bus"
	"github.com/driftchat/drift/internal/collab"
	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/store"
)

const (
	recKeyPrefix  = "session:rec:"
	userKeyPrefix = "session:user:"
)

// Session statuses.
const (
	StatusActive    = "active"
	StatusEnded     = "ended"
	StatusAbandoned = "abandoned"
)

// End reasons.
const (
	EndNormal     = "normal"
	EndSkip       = "skip"
	EndDisconnect = "disconnect"
	EndTimeout    = "timeout"
	EndAbandoned  = "abandoned"
	EndShutdown   = "shutdown"
)

// Session is the authoritative record of one active pairing.
type Session struct {
	ID        string            `json:"id"`
	Modality  protocol.Modality `json:"modality"`
	UserA     string            `json:"userA"`
	UserB     string            `json:"userB"`
	StartedAt int64             `json:"startedAt"` // unix ms
	Status    string            `json:"status"`
}

// Partner returns the opposite member, or "" if userID is not a member.
func (s *Session) Partner(userID string) string {
	switch userID {
	case s.UserA:
		return s.UserB
	case s.UserB:
		return s.UserA
	}
	return ""
}

// matchFoundEvent is published on the bus when a session is created.
type matchFoundEvent struct {
	SessionID string            `json:"sessionId"`
	UserA     string            `json:"userA"`
	UserB     string            `json:"userB"`
	Modality  protocol.Modality `json:"modality"`
}

// Config holds session tunables.
type Config struct {
	SessionTTL         time.Duration // record TTL in the store
	MaxSessionDuration time.Duration // mark-abandoned threshold
	CreateLockTTL      time.Duration // max hold for the create lock
}

// Manager owns active-pair state: the session record plus a reverse
// pointer per member for O(1) partner resolution. Records and pointers are
// created and deleted together; the cleanup task reconciles any drift.
type Manager struct {
	store   store.Store
	bus     bus.Bus
	history collab.SessionHistory
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time
}

// NewManager builds a session manager. history may be nil when no
// collaborator is wired.
func NewManager(st store.Store, b bus.Bus, history collab.SessionHistory, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   st,
		bus:     b,
		history: history,
		logger:  logger.With().Str("component", "session").Logger(),
		cfg:     cfg,
		now:     time.Now,
	}
}

func recKey(id string) string      { return recKeyPrefix + id }
func userKey(userID string) string { return userKeyPrefix + userID }
func pairLockKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "lock:session:" + a + ":" + b
}

// Create pairs a and b in a new active session. Rejects when either user
// already has one. The pair lock serializes identical pairs, but two
// creates sharing only one member hold different locks, so the reverse
// pointers are written with SetNX and the second writer loses.
func (m *Manager) Create(ctx context.Context, modality protocol.Modality, a, b string) (*Session, error) {
	if a == b {
		return nil, protocol.Errf(protocol.CodeValidation, "cannot pair a user with themselves")
	}

	lockKey := pairLockKey(a, b)
	token, acquired, err := m.store.TryLock(ctx, lockKey, m.cfg.CreateLockTTL)
	if err != nil {
		return nil, storeErr(err)
	}
	if !acquired {
		return nil, protocol.Errf(protocol.CodeStoreUnavailable, "session creation busy, try again")
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := m.store.Unlock(unlockCtx, lockKey, token); err != nil {
			m.logger.Warn().Err(err).Str("lock", lockKey).Msg("Lock release failed")
		}
	}()

	for _, uid := range []string{a, b} {
		if _, err := m.store.Get(ctx, userKey(uid)); err == nil {
			return nil, protocol.Errf(protocol.CodeAlreadyInSession, "user %s already has an active session", uid)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, storeErr(err)
		}
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Modality:  modality,
		UserA:     a,
		UserB:     b,
		StartedAt: m.now().UnixMilli(),
		Status:    StatusActive,
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}

	if err := m.store.Set(ctx, recKey(sess.ID), string(data), m.cfg.SessionTTL); err != nil {
		return nil, storeErr(err)
	}
	created := []string{recKey(sess.ID)}
	for _, uid := range []string{a, b} {
		ok, err := m.store.SetNX(ctx, userKey(uid), sess.ID, m.cfg.SessionTTL)
		if err != nil {
			// Unwind only our own keys; a foreign pointer stays.
			_ = m.store.Del(ctx, created...)
			return nil, storeErr(err)
		}
		if !ok {
			// An overlapping create committed between the probe and here.
			_ = m.store.Del(ctx, created...)
			return nil, protocol.Errf(protocol.CodeAlreadyInSession, "user %s already has an active session", uid)
		}
		created = append(created, userKey(uid))
	}

	monitoring.SessionsCreated.WithLabelValues(string(modality)).Inc()
	monitoring.SessionsActive.WithLabelValues(string(modality)).Inc()

	if evt, err := json.Marshal(matchFoundEvent{SessionID: sess.ID, UserA: a, UserB: b, Modality: modality}); err == nil {
		if err := m.bus.Publish(bus.SubjectMatchFound, evt); err != nil {
			m.logger.Debug().Err(err).Msg("match:found publish failed")
		}
	}

	m.logger.Info().
		Str("session_id", sess.ID).
		Str("modality", string(modality)).
		Str("user_a", a).
		Str("user_b", b).
		Msg("Session created")
	return sess, nil
}

// Get loads a session record by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := m.store.Get(ctx, recKey(sessionID))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Lookup resolves the user's active session through the reverse pointer.
// Self-heals by deleting a dangling pointer whose session is gone.
func (m *Manager) Lookup(ctx context.Context, userID string) (*Session, error) {
	sessionID, err := m.store.Get(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	sess, err := m.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		_ = m.store.Del(ctx, userKey(userID))
		return nil, store.ErrNotFound
	}
	return sess, err
}

// PartnerOf returns the opposite member of the user's active session.
func (m *Manager) PartnerOf(ctx context.Context, userID string) (string, error) {
	sess, err := m.Lookup(ctx, userID)
	if err != nil {
		return "", err
	}
	partner := sess.Partner(userID)
	if partner == "" {
		return "", store.ErrNotFound
	}
	return partner, nil
}

// End tears the session down: record and both reverse pointers go in one
// atomic delete. Idempotent; the second call returns false.
func (m *Manager) End(ctx context.Context, sessionID, reason string) (bool, error) {
	sess, err := m.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := m.store.Del(ctx, recKey(sessionID), userKey(sess.UserA), userKey(sess.UserB)); err != nil {
		return false, err
	}

	endedAt := m.now()
	duration := time.Duration(endedAt.UnixMilli()-sess.StartedAt) * time.Millisecond
	monitoring.SessionsActive.WithLabelValues(string(sess.Modality)).Dec()
	monitoring.SessionDuration.WithLabelValues(string(sess.Modality), reason).Observe(duration.Seconds())

	if m.history != nil {
		startedAt := time.UnixMilli(sess.StartedAt)
		if err := m.history.RecordSessionEnded(ctx, sessionID, startedAt, endedAt, reason); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Session history record failed")
		}
	}

	m.logger.Info().
		Str("session_id", sessionID).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("Session ended")
	return true, nil
}

// EndForUser resolves the user's session and ends it, returning the ended
// session so callers can notify the partner.
func (m *Manager) EndForUser(ctx context.Context, userID, reason string) (*Session, bool, error) {
	sess, err := m.Lookup(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ended, err := m.End(ctx, sess.ID, reason)
	return sess, ended, err
}

// Extend refreshes the session TTL on observed activity.
func (m *Manager) Extend(ctx context.Context, sessionID string) error {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, key := range []string{recKey(sessionID), userKey(sess.UserA), userKey(sess.UserB)} {
		if _, err := m.store.Expire(ctx, key, m.cfg.SessionTTL); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup enumerates live session records and reconciles: dangling
// reverse pointers are restored or the orphaned record removed, and
// sessions past MaxSessionDuration are marked abandoned. Runs every five
// minutes from the composition root.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	reconciled := 0
	var cursor uint64
	for {
		keys, next, err := m.store.Scan(ctx, cursor, recKeyPrefix+"*", 100)
		if err != nil {
			return reconciled, err
		}
		for _, key := range keys {
			sessionID := strings.TrimPrefix(key, recKeyPrefix)
			sess, err := m.Get(ctx, sessionID)
			if err != nil {
				continue // expired between scan and get
			}

			age := time.Duration(m.now().UnixMilli()-sess.StartedAt) * time.Millisecond
			if age > m.cfg.MaxSessionDuration {
				if ok, _ := m.End(ctx, sessionID, EndAbandoned); ok {
					reconciled++
					m.logger.Info().
						Str("session_id", sessionID).
						Dur("age", age).
						Msg("Abandoned long-lived session")
				}
				continue
			}

			// Both reverse pointers must exist and point here; a session
			// whose members no longer reference it is an orphan.
			if !m.pointersIntact(ctx, sess) {
				if ok, _ := m.End(ctx, sessionID, EndAbandoned); ok {
					reconciled++
					m.logger.Warn().
						Str("session_id", sessionID).
						Msg("Removed orphaned session record")
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return reconciled, nil
}

func (m *Manager) pointersIntact(ctx context.Context, sess *Session) bool {
	for _, uid := range []string{sess.UserA, sess.UserB} {
		id, err := m.store.Get(ctx, userKey(uid))
		if err != nil || id != sess.ID {
			return false
		}
	}
	return true
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return protocol.Errf(protocol.CodeStoreUnavailable, "temporary storage failure, try again")
	}
	return err
}
