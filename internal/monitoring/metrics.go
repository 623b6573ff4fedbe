package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the pairing core. Scraped from /metrics and
// visualized in Grafana; gauges are updated by the owning subsystem, never
// read back by core logic.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_ws_connections_rejected_total",
		Help: "Connection attempts rejected, by reason",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_ws_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Queue metrics
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drift_queue_size",
		Help: "Waiting users per modality",
	}, []string{"modality"})

	QueueWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drift_queue_wait_seconds",
		Help:    "Time spent waiting in queue before leaving it",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"modality", "outcome"})

	QueueLeaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_queue_leaves_total",
		Help: "Queue departures by modality and reason (matched, cancel, timeout, disconnect)",
	}, []string{"modality", "reason"})

	// Session metrics
	SessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drift_sessions_active",
		Help: "Active sessions per modality",
	}, []string{"modality"})

	SessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_sessions_created_total",
		Help: "Sessions created per modality",
	}, []string{"modality"})

	SessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drift_session_duration_seconds",
		Help:    "Session duration at teardown",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"modality", "reason"})

	// Matching metrics
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_matches_total",
		Help: "Successful pair extractions per modality",
	}, []string{"modality"})

	MatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_match_failures_total",
		Help: "Failed match attempts by cause (lock_busy, store, session_create)",
	}, []string{"cause"})

	// Relay metrics
	RelayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_relayed_messages_total",
		Help: "Messages relayed between paired peers, by type",
	}, []string{"type"})

	DroppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_dropped_frames_total",
		Help: "Outbound frames dropped on full send buffers, by event type",
	}, []string{"event"})

	// Rate limiting
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_rate_limited_total",
		Help: "Rate limiter rejections by scope (connect_ip, socket_msg, queue_join)",
	}, []string{"scope"})

	// Error tracking
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_errors_total",
		Help: "Errors by subsystem (store, bus, fleet, queue, session, pairing, relay, socket)",
	}, []string{"subsystem"})

	// Fleet metrics
	FleetCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_instance_cpu_percent",
		Help: "Last sampled CPU usage for this instance",
	})

	FleetMemPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_instance_mem_percent",
		Help: "Last sampled memory usage for this instance",
	})

	FleetHealthyInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_fleet_healthy_instances",
		Help: "Healthy instances observed at last heartbeat",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		QueueSize,
		QueueWaitSeconds,
		QueueLeaves,
		SessionsActive,
		SessionsCreated,
		SessionDuration,
		MatchesTotal,
		MatchFailures,
		RelayedMessages,
		DroppedFrames,
		RateLimited,
		ErrorsTotal,
		FleetCPUPercent,
		FleetMemPercent,
		FleetHealthyInstances,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordError increments the per-subsystem error counter.
func RecordError(subsystem string) {
	ErrorsTotal.WithLabelValues(subsystem).Inc()
}
