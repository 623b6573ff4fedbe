package relay

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/collab"
	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/store"
)

// Sessions is the session surface the relay consumes.
type Sessions interface {
	PartnerOf(ctx context.Context, userID string) (string, error)
	Lookup(ctx context.Context, userID string) (*session.Session, error)
	EndForUser(ctx context.Context, userID, reason string) (*session.Session, bool, error)
	Extend(ctx context.Context, sessionID string) error
}

// Notifier delivers events to users wherever their sockets live.
type Notifier interface {
	EmitToUser(userID, event string, payload any)
}

// Relay forwards in-session traffic between partners: chat, typing
// indicators, and opaque WebRTC signaling. Nothing relayed here is ever
// persisted.
type Relay struct {
	sessions Sessions
	notify   Notifier
	reports  collab.Reports
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRelay builds a relay. reports may be nil when no collaborator is
// wired.
func NewRelay(s Sessions, n Notifier, reports collab.Reports, logger zerolog.Logger) *Relay {
	return &Relay{
		sessions: s,
		notify:   n,
		reports:  reports,
		logger:   logger.With().Str("component", "relay").Logger(),
		now:      time.Now,
	}
}

// Chat validates and forwards a chat message to the sender's partner.
func (r *Relay) Chat(ctx context.Context, userID, text string) error {
	if strings.TrimSpace(text) == "" {
		return protocol.Errf(protocol.CodeValidation, "message is empty")
	}
	if utf8.RuneCountInString(text) > protocol.MaxChatLen {
		return protocol.Errf(protocol.CodeValidation, "message exceeds %d characters", protocol.MaxChatLen)
	}

	sess, err := r.session(ctx, userID)
	if err != nil {
		return err
	}

	r.notify.EmitToUser(sess.Partner(userID), protocol.EvtChatMessage, protocol.ChatMessage{
		SenderID:  userID,
		Text:      text,
		Timestamp: r.now().UnixMilli(),
	})
	monitoring.RelayedMessages.WithLabelValues("chat").Inc()

	// Chat is activity; keep the session record alive.
	if err := r.sessions.Extend(ctx, sess.ID); err != nil {
		r.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("Session extend failed")
	}
	return nil
}

// Typing forwards a typing start/stop indicator. Best-effort: a missing
// session is not an error, the indicator is simply dropped.
func (r *Relay) Typing(ctx context.Context, userID string, typing bool) {
	partner, err := r.partner(ctx, userID)
	if err != nil {
		return
	}
	event := protocol.EvtChatTyping
	if !typing {
		event = protocol.EvtChatStop
	}
	r.notify.EmitToUser(partner, event, protocol.ChatMessage{SenderID: userID})
	monitoring.RelayedMessages.WithLabelValues("typing").Inc()
}

// Signal forwards an opaque WebRTC signaling frame (offer, answer, or ICE
// candidate) verbatim to the partner. Frames with no active session are
// dropped silently; mid-teardown stragglers are expected.
func (r *Relay) Signal(ctx context.Context, userID, event string, payload protocol.SignalPayload) {
	partner, err := r.partner(ctx, userID)
	if err != nil {
		r.logger.Debug().Str("user_id", userID).Str("event", event).Msg("Dropped signaling frame without session")
		return
	}
	r.notify.EmitToUser(partner, event, payload)
	monitoring.RelayedMessages.WithLabelValues("signal").Inc()
}

// EndCall forwards call:end to the partner and then ends the session.
// Notification precedes teardown so the partner always learns why the
// media path went away.
func (r *Relay) EndCall(ctx context.Context, userID string) error {
	if partner, err := r.partner(ctx, userID); err == nil {
		r.notify.EmitToUser(partner, protocol.EvtCallEnd, nil)
	}
	_, _, err := r.sessions.EndForUser(ctx, userID, session.EndNormal)
	return err
}

// Report records an abuse report against another user. The reported user
// is never notified.
func (r *Relay) Report(ctx context.Context, reporterID string, p protocol.ReportPayload) error {
	if p.ReportedUserID == "" || p.ReportedUserID == reporterID {
		return protocol.Errf(protocol.CodeValidation, "invalid reported user")
	}
	if strings.TrimSpace(p.Reason) == "" {
		return protocol.Errf(protocol.CodeValidation, "report reason is required")
	}
	if r.reports == nil {
		return nil
	}

	rep := collab.Report{
		ID:          uuid.NewString(),
		ReporterID:  reporterID,
		ReportedID:  p.ReportedUserID,
		SessionID:   p.SessionID,
		Reason:      p.Reason,
		Description: p.Description,
		CreatedAt:   r.now(),
		Status:      "pending",
	}
	if err := r.reports.RecordReport(ctx, rep); err != nil {
		r.logger.Error().Err(err).Str("reporter_id", reporterID).Msg("Report record failed")
		monitoring.RecordError("relay")
		return protocol.Errf(protocol.CodeInternal, "could not record report")
	}
	r.logger.Info().
		Str("report_id", rep.ID).
		Str("reporter_id", reporterID).
		Str("reported_id", p.ReportedUserID).
		Msg("Report recorded")
	return nil
}

func (r *Relay) partner(ctx context.Context, userID string) (string, error) {
	partner, err := r.sessions.PartnerOf(ctx, userID)
	if err != nil {
		return "", mapSessionErr(err)
	}
	return partner, nil
}

func (r *Relay) session(ctx context.Context, userID string) (*session.Session, error) {
	sess, err := r.sessions.Lookup(ctx, userID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return sess, nil
}

func mapSessionErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Errf(protocol.CodeNotInSession, "no active session")
	}
	if errors.Is(err, store.ErrUnavailable) {
		return protocol.Errf(protocol.CodeStoreUnavailable, "temporary storage failure, try again")
	}
	return protocol.Errf(protocol.CodeInternal, "internal error")
}
