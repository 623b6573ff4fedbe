package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/store"
)

const (
	recKeyPrefix = "instance:rec:"
	tsKeyPrefix  = "instance:ts:"

	// A record whose heartbeat is older than staleAfter is dead regardless
	// of its TTL; older than reapAfter it gets deleted outright.
	staleAfter = 30 * time.Second
	reapAfter  = 60 * time.Second

	// Load timeseries: last 100 samples, kept one hour.
	tsMaxSamples = 100
	tsTTL        = time.Hour
)

// Record describes one server process in the fleet.
type Record struct {
	InstanceID        string  `json:"instanceId"`
	Host              string  `json:"host"`
	Port              int     `json:"port"`
	CPUPct            float64 `json:"cpuPct"`
	MemPct            float64 `json:"memPct"`
	ActiveConnections int     `json:"activeConnections"`
	LastHeartbeat     int64   `json:"lastHeartbeat"` // unix ms
	Healthy           bool    `json:"healthy"`
}

// LoadScore ranks instances for admission routing. Lower is better.
func (r Record) LoadScore() float64 {
	return 0.4*r.CPUPct + 0.3*r.MemPct + 0.3*(float64(r.ActiveConnections)/100.0)
}

// Config holds coordinator tunables.
type Config struct {
	InstanceTTL       time.Duration
	HeartbeatInterval time.Duration
	CPURejectPct      float64
	MemRejectPct      float64
}

// Coordinator registers this instance, heartbeats liveness and load, and
// exposes the cluster view for load-aware admission.
type Coordinator struct {
	store   store.Store
	sampler Sampler
	logger  zerolog.Logger
	cfg     Config

	instanceID string
	host       string
	port       int

	// connCount is polled every heartbeat; wired to the socket registry.
	connCount func() int
	now       func() time.Time

	mu      sync.RWMutex
	lastCPU float64
	lastMem float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a coordinator. connCount supplies the instance's live socket
// count for the load metric.
func New(st store.Store, sampler Sampler, cfg Config, connCount func() int, logger zerolog.Logger) *Coordinator {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Coordinator{
		store:     st,
		sampler:   sampler,
		logger:    logger.With().Str("component", "fleet").Logger(),
		cfg:       cfg,
		host:      host,
		connCount: connCount,
		now:       time.Now,
	}
}

// InstanceID returns the identifier minted at Start.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// Start registers the instance record and schedules the heartbeat.
func (c *Coordinator) Start(ctx context.Context, port int) error {
	c.port = port
	c.instanceID = fmt.Sprintf("%s-%d-%d", c.host, os.Getpid(), c.now().UnixNano())

	if err := c.writeRecord(ctx, 0, 0); err != nil {
		return fmt.Errorf("fleet register: %w", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.heartbeatLoop(hbCtx)

	c.logger.Info().
		Str("instance_id", c.instanceID).
		Int("port", port).
		Dur("heartbeat_interval", c.cfg.HeartbeatInterval).
		Msg("Instance registered")
	return nil
}

// Stop deregisters and halts the heartbeat. Called on graceful shutdown so
// routing stops sending clients here immediately instead of waiting out the
// record TTL.
func (c *Coordinator) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.store.Del(ctx, recKeyPrefix+c.instanceID, tsKeyPrefix+c.instanceID); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to deregister instance record")
	} else {
		c.logger.Info().Str("instance_id", c.instanceID).Msg("Instance deregistered")
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "heartbeatLoop", nil)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat samples load, refreshes the instance record, and appends to the
// capped per-instance timeseries.
func (c *Coordinator) heartbeat(ctx context.Context) {
	cpuPct, memPct, err := c.sampler.Sample(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Load sample failed")
		monitoring.RecordError("fleet")
		// Refresh the record anyway with the previous sample so the TTL
		// does not lapse on a sampling hiccup.
		c.mu.RLock()
		cpuPct, memPct = c.lastCPU, c.lastMem
		c.mu.RUnlock()
	}

	c.mu.Lock()
	c.lastCPU, c.lastMem = cpuPct, memPct
	c.mu.Unlock()

	monitoring.FleetCPUPercent.Set(cpuPct)
	monitoring.FleetMemPercent.Set(memPct)

	if err := c.writeRecord(ctx, cpuPct, memPct); err != nil {
		c.logger.Warn().Err(err).Msg("Heartbeat record refresh failed")
		monitoring.RecordError("fleet")
		return
	}

	c.appendTimeseries(ctx, cpuPct, memPct)

	if healthy, err := c.GetHealthyInstances(ctx); err == nil {
		monitoring.FleetHealthyInstances.Set(float64(len(healthy)))
	}
}

func (c *Coordinator) writeRecord(ctx context.Context, cpuPct, memPct float64) error {
	rec := Record{
		InstanceID:        c.instanceID,
		Host:              c.host,
		Port:              c.port,
		CPUPct:            cpuPct,
		MemPct:            memPct,
		ActiveConnections: c.connCount(),
		LastHeartbeat:     c.now().UnixMilli(),
		Healthy:           cpuPct <= c.cfg.CPURejectPct && memPct <= c.cfg.MemRejectPct,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, recKeyPrefix+c.instanceID, string(data), c.cfg.InstanceTTL)
}

func (c *Coordinator) appendTimeseries(ctx context.Context, cpuPct, memPct float64) {
	sample, err := json.Marshal(map[string]float64{
		"ts":    float64(c.now().UnixMilli()),
		"cpu":   cpuPct,
		"mem":   memPct,
		"conns": float64(c.connCount()),
	})
	if err != nil {
		return
	}
	key := tsKeyPrefix + c.instanceID
	if err := c.store.ZAdd(ctx, key, float64(c.now().UnixMilli()), string(sample)); err != nil {
		c.logger.Debug().Err(err).Msg("Timeseries append failed")
		return
	}
	// Cap to the most recent samples and keep the whole set bounded in time.
	_ = c.store.ZRemRangeByRank(ctx, key, 0, -int64(tsMaxSamples)-1)
	_, _ = c.store.Expire(ctx, key, tsTTL)
}

// ShouldAccept gates new WebSocket upgrades on the last load sample.
func (c *Coordinator) ShouldAccept() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCPU <= c.cfg.CPURejectPct && c.lastMem <= c.cfg.MemRejectPct
}

// GetHealthyInstances scans all records and returns those with a heartbeat
// within the last 30 s and healthy=true.
func (c *Coordinator) GetHealthyInstances(ctx context.Context) ([]Record, error) {
	records, err := c.scanRecords(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := c.now().Add(-staleAfter).UnixMilli()
	healthy := records[:0]
	for _, r := range records {
		if r.Healthy && r.LastHeartbeat >= cutoff {
			healthy = append(healthy, r)
		}
	}
	return healthy, nil
}

// ReapDead deletes records (and their timeseries) whose heartbeat is older
// than 60 s. Instances that crashed without deregistering are cleaned up
// here rather than lingering until key expiry.
func (c *Coordinator) ReapDead(ctx context.Context) (int, error) {
	records, err := c.scanRecords(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-reapAfter).UnixMilli()
	reaped := 0
	for _, r := range records {
		if r.LastHeartbeat < cutoff {
			if err := c.store.Del(ctx, recKeyPrefix+r.InstanceID, tsKeyPrefix+r.InstanceID); err != nil {
				c.logger.Warn().Err(err).Str("instance_id", r.InstanceID).Msg("Reap failed")
				continue
			}
			reaped++
			c.logger.Info().Str("instance_id", r.InstanceID).Msg("Reaped dead instance")
		}
	}
	return reaped, nil
}

// LeastLoaded returns healthy instances ordered best-first by load score;
// ties break on the older heartbeat.
func (c *Coordinator) LeastLoaded(ctx context.Context) ([]Record, error) {
	healthy, err := c.GetHealthyInstances(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(healthy, func(i, j int) bool {
		si, sj := healthy[i].LoadScore(), healthy[j].LoadScore()
		if si != sj {
			return si < sj
		}
		return healthy[i].LastHeartbeat < healthy[j].LastHeartbeat
	})
	return healthy, nil
}

func (c *Coordinator) scanRecords(ctx context.Context) ([]Record, error) {
	var records []Record
	var cursor uint64
	for {
		keys, next, err := c.store.Scan(ctx, cursor, recKeyPrefix+"*", 100)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, recKeyPrefix) {
				continue
			}
			raw, err := c.store.Get(ctx, key)
			if err != nil {
				continue // expired between scan and get
			}
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				c.logger.Warn().Str("key", key).Msg("Malformed instance record")
				continue
			}
			records = append(records, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return records, nil
}
