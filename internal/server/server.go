package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/collab"
	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/fleet"
	"github.com/driftchat/drift/internal/limits"
	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/pairing"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/socket"
	"github.com/driftchat/drift/internal/store"
)

const userCountInterval = 15 * time.Second

// Deps collects everything the server composes. All fields are required
// except Users, which may be nil in guest-only deployments.
type Deps struct {
	Config      *config.Config
	Store       store.Store
	Registry    *socket.Registry
	Engine      *pairing.Engine
	Relay       *relay.Relay
	Sessions    *session.Manager
	Queues      *queue.Manager
	Coordinator *fleet.Coordinator
	Limits      *limits.SocketLimits
	Auth        collab.Auth
	Users       collab.Users
}

// Server owns the HTTP listener and the WebSocket connection lifecycle:
// admission, auth handshake, dispatch, and the disconnect cascade.
type Server struct {
	deps     Deps
	logger   zerolog.Logger
	handlers map[string]handlerFunc
	httpSrv  *http.Server
	started  time.Time

	// draining flips during graceful shutdown; new upgrades are refused.
	draining atomic.Bool

	stop chan struct{}
}

// New builds the server and its dispatch table.
func New(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:    deps,
		logger:  logger.With().Str("component", "server").Logger(),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	s.handlers = s.buildDispatch()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/fleet", s.handleFleet)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpSrv = &http.Server{
		Addr:              deps.Config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the HTTP listener until Shutdown. Also starts the
// user-count broadcaster.
func (s *Server) ListenAndServe() error {
	go s.userCountLoop()

	s.logger.Info().Str("addr", s.deps.Config.Addr).Msg("Server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains gracefully: new upgrades are refused, every client in a
// session learns the server is going away, and after the grace period all
// sockets are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	close(s.stop)

	clients := s.deps.Registry.LocalClients()
	s.logger.Info().Int("clients", len(clients)).Msg("Draining connections")

	notified := map[string]bool{}
	for _, c := range clients {
		if notified[c.UserID] {
			continue
		}
		notified[c.UserID] = true
		sess, err := s.deps.Sessions.Lookup(ctx, c.UserID)
		if err != nil || sess == nil {
			continue
		}
		c.Send(protocol.EvtMatchDisconnected, protocol.MatchDisconnected{Reason: "shutdown"})
		if _, _, err := s.deps.Sessions.EndForUser(ctx, c.UserID, session.EndShutdown); err != nil {
			s.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("Shutdown session end failed")
		}
		// The partner may live on another instance; the registry routes
		// the notice either way.
		if partner := sess.Partner(c.UserID); partner != "" {
			notified[partner] = true
			s.deps.Registry.EmitToUser(partner, protocol.EvtMatchDisconnected,
				protocol.MatchDisconnected{Reason: "shutdown"})
		}
	}

	// Give the write pumps a moment to flush the shutdown notices.
	select {
	case <-time.After(s.deps.Config.ShutdownGrace):
	case <-ctx.Done():
	}

	for _, c := range clients {
		c.Close()
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth reports liveness plus a store round-trip. Load balancers
// and orchestration probes consume this.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status      string `json:"status"`
		InstanceID  string `json:"instanceId"`
		Connections int    `json:"connections"`
		UptimeSec   int64  `json:"uptimeSec"`
		Store       string `json:"store"`
	}

	h := health{
		Status:      "ok",
		InstanceID:  s.deps.Coordinator.InstanceID(),
		Connections: s.deps.Registry.ConnectionCount(),
		UptimeSec:   int64(time.Since(s.started).Seconds()),
		Store:       "ok",
	}
	code := http.StatusOK
	if s.draining.Load() {
		h.Status = "draining"
		code = http.StatusServiceUnavailable
	}
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		h.Status = "degraded"
		h.Store = "unreachable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// handleFleet exposes the healthy instances ordered best-first by load.
// External routing layers use this to steer new connections.
func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	instances, err := s.deps.Coordinator.LeastLoaded(r.Context())
	if err != nil {
		http.Error(w, "fleet view unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Instances []fleet.Record `json:"instances"`
	}{Instances: instances})
}

// userCountLoop broadcasts the distinct-user count to local clients. The
// event is droppable under backpressure.
func (s *Server) userCountLoop() {
	defer monitoring.RecoverPanic(s.logger, "userCountLoop", nil)

	ticker := time.NewTicker(userCountInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := s.deps.Registry.UserCount()
			s.deps.Registry.Broadcast(protocol.EvtUserCount, protocol.UserCount{N: n})
		case <-s.stop:
			return
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// transport address. The rate limiter keys on this.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
