package pairing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/collab"
	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/store"
)

// estimatedWaitPerSlot is the advertised wait per queue position ahead.
const estimatedWaitPerSlot = 5 * time.Second

// Queues is the queue-manager surface the engine consumes.
type Queues interface {
	Enqueue(ctx context.Context, userID, socketID string, modality protocol.Modality) (bool, error)
	Dequeue(ctx context.Context, userID string, modality protocol.Modality) (bool, error)
	Pair(ctx context.Context, userID string, modality protocol.Modality) (partner, caller *queue.Entry, err error)
	Reinsert(ctx context.Context, modality protocol.Modality, entry queue.Entry) error
	Position(ctx context.Context, userID string, modality protocol.Modality) (int, error)
	Size(ctx context.Context, modality protocol.Modality) (int64, error)
	Oldest(ctx context.Context, modality protocol.Modality) (string, bool, error)
	WaitingModality(ctx context.Context, userID string) (protocol.Modality, bool, error)
	RemoveFromAll(ctx context.Context, userID string) error
	SweepStale(ctx context.Context) (int, error)
}

// Sessions is the session-manager surface the engine consumes. The engine
// depends on interfaces, never the other way around: the session manager
// never calls back into pairing.
type Sessions interface {
	Create(ctx context.Context, modality protocol.Modality, a, b string) (*session.Session, error)
	Lookup(ctx context.Context, userID string) (*session.Session, error)
	EndForUser(ctx context.Context, userID, reason string) (*session.Session, bool, error)
	Cleanup(ctx context.Context) (int, error)
}

// Notifier delivers events to users wherever their sockets live.
type Notifier interface {
	EmitToUser(userID, event string, payload any)
	EmitToSocket(socketID, event string, payload any)
}

// Presence answers fleet-wide online checks. The socket registry
// implements it over the shared store.
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Status describes a user's place in the matching pipeline.
type Status struct {
	InQueue       bool              `json:"inQueue"`
	Modality      protocol.Modality `json:"modality,omitempty"`
	Position      int               `json:"position"`
	EstimatedWait float64           `json:"estimatedWait"` // seconds
}

// Config holds engine tunables.
type Config struct {
	MatchInterval          time.Duration // safety matcher tick
	QueueCleanupInterval   time.Duration // stale sweep cadence
	SessionCleanupInterval time.Duration // session reconciliation cadence
}

// Engine orchestrates queueing and session creation: join→match→create,
// skip/rematch, and friend calls. A per-modality safety tick re-attempts
// pair extraction to cover races lost by the instant-match fast path.
type Engine struct {
	queues   Queues
	sessions Sessions
	notify   Notifier
	presence Presence
	users    collab.Users
	logger   zerolog.Logger
	cfg      Config
}

// NewEngine builds a pairing engine. presence may be nil, which skips
// the online check on friend calls.
func NewEngine(q Queues, s Sessions, n Notifier, presence Presence, users collab.Users, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		queues:   q,
		sessions: s,
		notify:   n,
		presence: presence,
		users:    users,
		logger:   logger.With().Str("component", "pairing").Logger(),
		cfg:      cfg,
	}
}

// QuickMatch enqueues the user and immediately attempts a pair. On a match
// both endpoints are notified with match:found; otherwise the caller gets
// its queue position.
func (e *Engine) QuickMatch(ctx context.Context, userID, socketID string, modality protocol.Modality) error {
	if !modality.Valid() {
		return protocol.Errf(protocol.CodeValidation, "unknown session type %q", modality)
	}
	if sess, err := e.sessions.Lookup(ctx, userID); err == nil && sess != nil {
		return protocol.Errf(protocol.CodeAlreadyInSession, "leave your current session before matching")
	}

	enqueued, err := e.queues.Enqueue(ctx, userID, socketID, modality)
	if err != nil {
		return transientOr(err)
	}
	if !enqueued {
		return protocol.Errf(protocol.CodeAlreadyQueued, "already waiting for a match")
	}

	e.attemptMatch(ctx, userID, socketID, modality)
	return nil
}

// attemptMatch runs one pair extraction on behalf of userID and finishes
// the join: session creation and notification on success, a queue:position
// update otherwise.
func (e *Engine) attemptMatch(ctx context.Context, userID, socketID string, modality protocol.Modality) {
	partner, caller, err := e.queues.Pair(ctx, userID, modality)
	if err != nil {
		// Transient refusal: the user stays queued and the safety tick
		// retries.
		e.logger.Warn().Err(err).Str("user_id", userID).Msg("Pair attempt failed")
		monitoring.RecordError("pairing")
		e.sendPosition(ctx, userID, socketID, modality)
		return
	}
	if partner == nil {
		e.sendPosition(ctx, userID, socketID, modality)
		return
	}

	sess, err := e.sessions.Create(ctx, modality, userID, partner.UserID)
	if err != nil {
		// Both users go back at their original joinedAt scores so the
		// failure costs them no queue position.
		monitoring.MatchFailures.WithLabelValues("session_create").Inc()
		monitoring.RecordError("pairing")
		e.logger.Error().Err(err).
			Str("user_id", userID).
			Str("partner_id", partner.UserID).
			Msg("Session creation failed, re-enqueueing both users")

		if caller == nil {
			caller = &queue.Entry{UserID: userID, SocketID: socketID, JoinedAt: time.Now().UnixMilli()}
		}
		if rerr := e.queues.Reinsert(ctx, modality, *caller); rerr != nil {
			e.logger.Error().Err(rerr).Str("user_id", userID).Msg("Re-enqueue failed")
		}
		if rerr := e.queues.Reinsert(ctx, modality, *partner); rerr != nil {
			e.logger.Error().Err(rerr).Str("user_id", partner.UserID).Msg("Re-enqueue failed")
		}
		e.sendPosition(ctx, userID, socketID, modality)
		return
	}

	e.notifyMatch(ctx, sess)
}

// notifyMatch delivers match:found to both endpoints, possibly across
// instances.
func (e *Engine) notifyMatch(ctx context.Context, sess *session.Session) {
	for _, pair := range [][2]string{{sess.UserA, sess.UserB}, {sess.UserB, sess.UserA}} {
		target, partner := pair[0], pair[1]
		e.notify.EmitToUser(target, protocol.EvtMatchFound, protocol.MatchFound{
			SessionID:       sess.ID,
			PartnerID:       partner,
			PartnerUsername: e.username(ctx, partner),
			SessionType:     sess.Modality,
		})
	}
}

func (e *Engine) username(ctx context.Context, userID string) string {
	if e.users == nil {
		return ""
	}
	u, err := e.users.FindUser(ctx, userID)
	if err != nil || u == nil {
		return ""
	}
	return u.Username
}

func (e *Engine) sendPosition(ctx context.Context, userID, socketID string, modality protocol.Modality) {
	pos, err := e.queues.Position(ctx, userID, modality)
	if err != nil || pos == 0 {
		return
	}
	payload := protocol.QueuePosition{
		Position:      pos,
		EstimatedWait: estimatedWait(pos).Seconds(),
	}
	if socketID != "" {
		e.notify.EmitToSocket(socketID, protocol.EvtQueuePosition, payload)
	} else {
		e.notify.EmitToUser(userID, protocol.EvtQueuePosition, payload)
	}
}

// Cancel removes the user from the modality's queue.
func (e *Engine) Cancel(ctx context.Context, userID string, modality protocol.Modality) error {
	removed, err := e.queues.Dequeue(ctx, userID, modality)
	if err != nil {
		return transientOr(err)
	}
	if !removed {
		return protocol.Errf(protocol.CodeNotInQueue, "not waiting in the %s queue", modality)
	}
	return nil
}

// Status reports queue membership, position, and estimated wait.
func (e *Engine) Status(ctx context.Context, userID string) (*Status, error) {
	modality, waiting, err := e.queues.WaitingModality(ctx, userID)
	if err != nil {
		return nil, transientOr(err)
	}
	if !waiting {
		return &Status{}, nil
	}
	pos, err := e.queues.Position(ctx, userID, modality)
	if err != nil {
		return nil, transientOr(err)
	}
	return &Status{
		InQueue:       true,
		Modality:      modality,
		Position:      pos,
		EstimatedWait: estimatedWait(pos).Seconds(),
	}, nil
}

// WithFriend creates a session directly, bypassing the queues. Both users
// must be friends and free of active sessions.
func (e *Engine) WithFriend(ctx context.Context, userID, friendID string, modality protocol.Modality) error {
	if !modality.Valid() {
		return protocol.Errf(protocol.CodeValidation, "unknown session type %q", modality)
	}
	if userID == friendID {
		return protocol.Errf(protocol.CodeValidation, "cannot call yourself")
	}
	if e.users != nil {
		friends, err := e.users.AreFriends(ctx, userID, friendID)
		if err != nil {
			return transientOr(err)
		}
		if !friends {
			return protocol.Errf(protocol.CodeValidation, "not friends with that user")
		}
	}
	if e.presence != nil {
		online, err := e.presence.IsOnline(ctx, friendID)
		if err != nil {
			return transientOr(err)
		}
		if !online {
			return protocol.Errf(protocol.CodePartnerUnavailable, "friend is not online")
		}
	}

	sess, err := e.sessions.Create(ctx, modality, userID, friendID)
	if err != nil {
		return err
	}
	e.notifyMatch(ctx, sess)
	return nil
}

// Rematch ends the user's current session (notifying the partner), clears
// any queue membership, and runs a fresh QuickMatch. An empty modality
// falls back to the ended session's, so a bare skip needs no payload.
func (e *Engine) Rematch(ctx context.Context, userID, socketID string, modality protocol.Modality) error {
	sess, ended, err := e.sessions.EndForUser(ctx, userID, session.EndSkip)
	if err != nil {
		return transientOr(err)
	}
	if ended {
		e.notify.EmitToUser(sess.Partner(userID), protocol.EvtMatchDisconnected,
			protocol.MatchDisconnected{Reason: "skip"})
	}
	if modality == "" {
		if !ended {
			return protocol.Errf(protocol.CodeNotInSession, "no active session to skip")
		}
		modality = sess.Modality
	}
	if err := e.queues.RemoveFromAll(ctx, userID); err != nil {
		return transientOr(err)
	}
	return e.QuickMatch(ctx, userID, socketID, modality)
}

// Run drives the background loops: the per-modality safety matcher, the
// stale-queue sweep, and session reconciliation. Blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(e.logger, "pairingRun", nil)

	matchTicker := time.NewTicker(e.cfg.MatchInterval)
	sweepTicker := time.NewTicker(e.cfg.QueueCleanupInterval)
	cleanupTicker := time.NewTicker(e.cfg.SessionCleanupInterval)
	defer matchTicker.Stop()
	defer sweepTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-matchTicker.C:
			for _, m := range protocol.Modalities {
				e.safetyTick(ctx, m)
			}

		case <-sweepTicker.C:
			if n, err := e.queues.SweepStale(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("Stale sweep failed")
				monitoring.RecordError("queue")
			} else if n > 0 {
				e.logger.Debug().Int("removed", n).Msg("Swept stale queue entries")
			}

		case <-cleanupTicker.C:
			if n, err := e.sessions.Cleanup(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("Session cleanup failed")
				monitoring.RecordError("session")
			} else if n > 0 {
				e.logger.Info().Int("reconciled", n).Msg("Session cleanup pass")
			}

		case <-ctx.Done():
			return
		}
	}
}

// safetyTick covers races lost by the instant-match path: it impersonates
// the oldest waiting user and pairs on their behalf, preserving the
// single-owner invariant of Pair.
func (e *Engine) safetyTick(ctx context.Context, modality protocol.Modality) {
	size, err := e.queues.Size(ctx, modality)
	if err != nil || size < 2 {
		return
	}
	attempts := size / 2
	for i := int64(0); i < attempts; i++ {
		oldest, ok, err := e.queues.Oldest(ctx, modality)
		if err != nil || !ok {
			return
		}
		partner, caller, err := e.queues.Pair(ctx, oldest, modality)
		if err != nil || partner == nil {
			return
		}
		sess, err := e.sessions.Create(ctx, modality, oldest, partner.UserID)
		if err != nil {
			monitoring.MatchFailures.WithLabelValues("session_create").Inc()
			e.logger.Warn().Err(err).Str("modality", string(modality)).Msg("Safety tick session create failed")
			if caller != nil {
				_ = e.queues.Reinsert(ctx, modality, *caller)
			}
			_ = e.queues.Reinsert(ctx, modality, *partner)
			return
		}
		e.notifyMatch(ctx, sess)
	}
}

func estimatedWait(position int) time.Duration {
	if position <= 1 {
		return 0
	}
	return time.Duration(position-1) * estimatedWaitPerSlot
}

func transientOr(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return protocol.Errf(protocol.CodeStoreUnavailable, "temporary storage failure, try again")
	}
	if pe, ok := err.(*protocol.Error); ok {
		return pe
	}
	return protocol.Errf(protocol.CodeInternal, "internal error")
}
