package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/driftchat/drift/internal/bus"
	"github.com/driftchat/drift/internal/collab"
	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/fleet"
	"github.com/driftchat/drift/internal/limits"
	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/pairing"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/server"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/socket"
	"github.com/driftchat/drift/internal/store"
)

// reapInterval drives the dead-instance reaper.
const reapInterval = 30 * time.Second

func main() {
	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration error")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	st, err := store.NewRedisStore(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer st.Close()

	b, err := bus.NewNATSBus(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("NATS connection failed")
	}
	defer b.Close()

	// Development collaborators: guest tokens, no directory, no-op
	// moderation. Production deployments swap these at the composition
	// root for the platform's real services.
	var (
		auth    collab.Auth           = collab.DevAuth{}
		users   collab.Users          = collab.DevUsers{}
		reports collab.Reports        = collab.DevReports{}
		history collab.SessionHistory = collab.DevSessionHistory{}
	)

	socketLimits := limits.NewSocketLimits(cfg.ConnectsPerMinPerIP, cfg.MessagesPerSec, cfg.QueueJoinsPer5s)
	defer socketLimits.Stop()

	queues := queue.NewManager(st, queue.Config{
		QueueTimeout:    cfg.QueueTimeout,
		CleanupInterval: cfg.QueueCleanupInterval,
		PairLockTTL:     cfg.PairLockTTL,
	}, logger)

	sessions := session.NewManager(st, b, history, session.Config{
		SessionTTL:         cfg.SessionTTL,
		MaxSessionDuration: cfg.MaxSessionDuration,
		CreateLockTTL:      cfg.SessionLockTTL,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registry depends on the instance id minted by the coordinator, and
	// the coordinator polls the registry's connection count. The atomic
	// pointer resolves the cycle: the heartbeat reads whatever is wired.
	var registryRef atomic.Pointer[socket.Registry]
	coordinator := fleet.New(st, fleet.SystemSampler{}, fleet.Config{
		InstanceTTL:       cfg.InstanceTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		CPURejectPct:      cfg.CPURejectThreshold,
		MemRejectPct:      cfg.MemRejectThreshold,
	}, func() int {
		if r := registryRef.Load(); r != nil {
			return r.ConnectionCount()
		}
		return 0
	}, logger)

	if err := coordinator.Start(ctx, portOf(cfg.Addr)); err != nil {
		logger.Fatal().Err(err).Msg("Fleet registration failed")
	}

	registry := socket.NewRegistry(b, st, coordinator.InstanceID(), cfg.PresenceTTL, logger)
	if err := registry.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Socket registry start failed")
	}
	registryRef.Store(registry)

	engine := pairing.NewEngine(queues, sessions, registry, registry, users, pairing.Config{
		MatchInterval:          cfg.MatchInterval,
		QueueCleanupInterval:   cfg.QueueCleanupInterval,
		SessionCleanupInterval: cfg.SessionCleanupInterval,
	}, logger)
	go engine.Run(ctx)

	go reapLoop(ctx, coordinator)

	rly := relay.NewRelay(sessions, registry, reports, logger)

	srv := server.New(server.Deps{
		Config:      cfg,
		Store:       st,
		Registry:    registry,
		Engine:      engine,
		Relay:       rly,
		Sessions:    sessions,
		Queues:      queues,
		Coordinator: coordinator,
		Limits:      socketLimits,
		Auth:        auth,
		Users:       users,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
	cancel()
	registry.Stop()
	coordinator.Stop(shutdownCtx)
	logger.Info().Msg("Shutdown complete")
}

// reapLoop deletes fleet records for instances that crashed without
// deregistering.
func reapLoop(ctx context.Context, c *fleet.Coordinator) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = c.ReapDead(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}
