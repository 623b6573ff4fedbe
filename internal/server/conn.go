package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/socket"
)

const (
	// authTimeout bounds the window between upgrade and the auth frame.
	authTimeout = 10 * time.Second

	// readWait must exceed the client ping period; pongs re-arm it.
	readWait = 30 * time.Second

	// cleanupTimeout bounds the disconnect cascade. Detached from the
	// request context, which is gone once the socket drops.
	cleanupTimeout = 5 * time.Second
)

type handlerFunc func(ctx context.Context, c *socket.Client, payload json.RawMessage) error

// dispatchEntry pairs a handler with the event its failures surface on.
type dispatchEntry struct {
	handle   handlerFunc
	errEvent string
}

func (s *Server) buildDispatch() map[string]handlerFunc {
	entries := map[string]dispatchEntry{
		protocol.MsgQueueJoin:  {s.onQueueJoin, protocol.EvtQueueError},
		protocol.MsgQueueLeave: {s.onQueueLeave, protocol.EvtQueueError},
		protocol.MsgMatchNext:  {s.onMatchNext, protocol.EvtMatchError},
		protocol.MsgFriendCall: {s.onFriendCall, protocol.EvtMatchError},
		protocol.MsgChatText:   {s.onChat, protocol.EvtError},
		protocol.MsgChatTyping: {s.onTyping(true), protocol.EvtError},
		protocol.MsgChatStop:   {s.onTyping(false), protocol.EvtError},
		protocol.MsgCallOffer:  {s.onSignal(protocol.EvtCallOffer), protocol.EvtCallError},
		protocol.MsgCallAnswer: {s.onSignal(protocol.EvtCallAnswer), protocol.EvtCallError},
		protocol.MsgCallICE:    {s.onSignal(protocol.EvtCallICE), protocol.EvtCallError},
		protocol.MsgCallEnd:    {s.onCallEnd, protocol.EvtCallError},
		protocol.MsgReportUser: {s.onReport, protocol.EvtError},
	}

	table := make(map[string]handlerFunc, len(entries))
	for msg, e := range entries {
		entry := e
		table[msg] = func(ctx context.Context, c *socket.Client, payload json.RawMessage) error {
			if err := entry.handle(ctx, c, payload); err != nil {
				perr, ok := err.(*protocol.Error)
				if !ok {
					perr = protocol.Errf(protocol.CodeInternal, "internal error")
				}
				c.SendError(entry.errEvent, perr)
			}
			return nil
		}
	}
	return table
}

// handleWS runs admission, the upgrade, and the auth handshake, then hands
// the socket to its pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		monitoring.ConnectionsRejected.WithLabelValues("draining").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.deps.Limits.Connects.Allow(ip) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		monitoring.RateLimited.WithLabelValues("connect_ip").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if s.deps.Registry.ConnectionCount() >= s.deps.Config.MaxConnections {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	if !s.deps.Coordinator.ShouldAccept() {
		monitoring.ConnectionsRejected.WithLabelValues("overloaded").Inc()
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", ip).Msg("Upgrade failed")
		return
	}

	go s.serveConn(conn, ip)
}

// serveConn authenticates the freshly upgraded socket and runs its read
// pump until disconnect.
func (s *Server) serveConn(conn net.Conn, ip string) {
	defer monitoring.RecoverPanic(s.logger, "serveConn", map[string]any{"ip": ip})

	client, ok := s.authenticate(conn, ip)
	if !ok {
		conn.Close()
		return
	}

	monitoring.ConnectionsTotal.Inc()
	ctx := context.Background()
	s.deps.Registry.Register(ctx, client)
	go client.WritePump()

	client.Send(protocol.EvtAuthSuccess, protocol.AuthSuccess{
		SocketID: client.ID,
		UserID:   client.UserID,
		Username: client.Username,
	})

	s.logger.Info().
		Str("socket_id", client.ID).
		Str("user_id", client.UserID).
		Str("ip", ip).
		Msg("Client connected")

	s.readPump(client)
	s.disconnect(client)
}

// authenticate reads the auth frame, verifies the token, and rejects
// banned users. Failure responses are written directly since no client
// pump exists yet.
func (s *Server) authenticate(conn net.Conn, ip string) (*socket.Client, bool) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	frame, err := readTextFrame(conn)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("auth_timeout").Inc()
		return nil, false
	}

	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type != protocol.MsgAuth {
		s.rejectAuth(conn, protocol.CodeAuthInvalid, "expected auth frame")
		return nil, false
	}
	var payload protocol.AuthPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Token == "" {
		s.rejectAuth(conn, protocol.CodeAuthInvalid, "missing token")
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	identity, err := s.deps.Auth.VerifyAccessToken(ctx, payload.Token)
	if err != nil || identity == nil {
		s.rejectAuth(conn, protocol.CodeAuthInvalid, "invalid or expired token")
		return nil, false
	}

	if s.deps.Users != nil && !identity.IsGuest {
		banned, err := s.deps.Users.IsBanned(ctx, identity.UserID)
		if err != nil {
			s.rejectAuth(conn, protocol.CodeStoreUnavailable, "temporary failure, try again")
			return nil, false
		}
		if banned {
			s.rejectAuth(conn, protocol.CodeBanned, "account suspended")
			return nil, false
		}
	}

	client := socket.NewClient(uuid.NewString(), identity.UserID, identity.Username, conn, s.logger)
	return client, true
}

func (s *Server) rejectAuth(conn net.Conn, code protocol.Code, msg string) {
	monitoring.ConnectionsRejected.WithLabelValues("auth_invalid").Inc()
	env := protocol.Envelope{Type: protocol.EvtAuthError}
	if raw, err := json.Marshal(protocol.Error{Code: code, Message: msg}); err == nil {
		env.Payload = raw
	}
	if data, err := json.Marshal(env); err == nil {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
	}
}

// readPump consumes inbound frames and dispatches them serially. One
// goroutine per socket; ordering within a socket is preserved because
// handlers run inline.
func (s *Server) readPump(client *socket.Client) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{"socket_id": client.ID})

	conn := client.Conn()
	ctrl := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	rd := wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: ctrl,
	}

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		hdr, err := rd.NextFrame()
		if err != nil {
			s.logger.Debug().Err(err).Str("socket_id", client.ID).Msg("Read pump closing")
			monitoring.DisconnectsTotal.WithLabelValues("read_error").Inc()
			return
		}
		if hdr.OpCode.IsControl() {
			if err := ctrl(hdr, &rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(&rd)
		if err != nil {
			return
		}

		if !s.deps.Limits.Messages.Allow(client.ID) {
			monitoring.RateLimited.WithLabelValues("socket_msg").Inc()
			client.SendError(protocol.EvtError,
				protocol.Errf(protocol.CodeRateLimited, "slow down"))
			continue
		}

		s.dispatch(client, data)

		select {
		case <-client.Done():
			return
		default:
		}
	}
}

func (s *Server) dispatch(client *socket.Client, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		client.SendError(protocol.EvtError,
			protocol.Errf(protocol.CodeValidation, "malformed frame"))
		return
	}

	handler, ok := s.handlers[env.Type]
	if !ok {
		client.SendError(protocol.EvtError,
			protocol.Errf(protocol.CodeValidation, "unknown message type %q", env.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = handler(ctx, client, env.Payload)
}

// disconnect runs the teardown cascade: queue removal, session end with
// partner notice, registry removal. Runs under its own deadline since the
// socket context is already dead.
func (s *Server) disconnect(client *socket.Client) {
	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	// Multi-tab: only the user's last socket tears down shared state.
	s.deps.Registry.Unregister(ctx, client)
	s.deps.Limits.Messages.Forget(client.ID)

	if s.deps.Registry.HasLocal(client.UserID) {
		s.logger.Debug().Str("user_id", client.UserID).Msg("User still holds sockets, skipping cascade")
		return
	}

	if err := s.deps.Queues.RemoveFromAll(ctx, client.UserID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", client.UserID).Msg("Queue cleanup on disconnect failed")
		monitoring.RecordError("queue")
	}

	sess, ended, err := s.deps.Sessions.EndForUser(ctx, client.UserID, session.EndDisconnect)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", client.UserID).Msg("Session cleanup on disconnect failed")
		monitoring.RecordError("session")
	} else if ended {
		s.deps.Registry.EmitToUser(sess.Partner(client.UserID), protocol.EvtMatchDisconnected,
			protocol.MatchDisconnected{Reason: "partner_disconnected"})
	}

	s.logger.Info().
		Str("socket_id", client.ID).
		Str("user_id", client.UserID).
		Dur("connected_for", time.Since(client.ConnectedAt)).
		Msg("Client disconnected")
}

// readTextFrame reads one text message, used only for the auth handshake.
func readTextFrame(conn net.Conn) ([]byte, error) {
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return nil, err
		}
		if op == ws.OpText {
			return data, nil
		}
	}
}

// Message handlers. Each returns a *protocol.Error on user-visible
// failure; the dispatch wrapper renders it on the entry's error event.

func (s *Server) onQueueJoin(ctx context.Context, c *socket.Client, payload json.RawMessage) error {
	if !s.deps.Limits.QueueJoins.Allow(c.UserID) {
		monitoring.RateLimited.WithLabelValues("queue_join").Inc()
		return protocol.Errf(protocol.CodeRateLimited, "too many queue joins, wait a moment")
	}
	var p protocol.QueueJoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.Errf(protocol.CodeValidation, "malformed queue:join payload")
	}
	return s.deps.Engine.QuickMatch(ctx, c.UserID, c.ID, p.Type)
}

func (s *Server) onQueueLeave(ctx context.Context, c *socket.Client, payload json.RawMessage) error {
	var p protocol.QueueJoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.Errf(protocol.CodeValidation, "malformed queue:leave payload")
	}
	return s.deps.Engine.Cancel(ctx, c.UserID, p.Type)
}

func (s *Server) onMatchNext(ctx context.Context, c *socket.Client, payload json.RawMessage) error {
	// The frame normally carries no payload; an optional {type} overrides
	// the ended session's modality.
	var p protocol.QueueJoinPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return protocol.Errf(protocol.CodeValidation, "malformed match:next payload")
		}
	}
	return s.deps.Engine.Rematch(ctx, c.UserID, c.ID, p.Type)
}

func (s *Server) onFriendCall(ctx context.Context, c *socket.Client, payload json.RawMessage) error {
	var p protocol.FriendCallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.Errf(protocol.CodeValidation, "malformed friend:call payload")
	}
	return s.deps.Engine.WithFriend(ctx, c.UserID, p.FriendID, p.Type)
}

func (s *Server) onChat(ctx context.Context, c *socket.Client, payload json.RawMessage) error {
	var p protocol.ChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.Errf(protocol.CodeValidation, "malformed chat payload")
	}
	return s.deps.Relay.Chat(ctx, c.UserID, p.Text)
}

func (s *Server) onTyping(typing bool) handlerFunc {
	return func(ctx context.Context, c *socket.Client, _ json.RawMessage) error {
		s.deps.Relay.Typing(ctx, c.UserID, typing)
		return nil
	}
}

func (s *Server) onSignal(event string) handlerFunc {
	return func(ctx context.Context, c *socket.Client, payload json.RawMessage) error {
		var p protocol.SignalPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return protocol.Errf(protocol.CodeValidation, "malformed signaling payload")
		}
		s.deps.Relay.Signal(ctx, c.UserID, event, p)
		return nil
	}
}

func (s *Server) onCallEnd(ctx context.Context, c *socket.Client, _ json.RawMessage) error {
	return s.deps.Relay.EndCall(ctx, c.UserID)
}

func (s *Server) onReport(ctx context.Context, c *socket.Client, payload json.RawMessage) error {
	var p protocol.ReportPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return protocol.Errf(protocol.CodeValidation, "malformed report payload")
	}
	return s.deps.Relay.Report(ctx, c.UserID, p)
}
