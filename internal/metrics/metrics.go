package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the visual streaming core
type Metrics struct {
	// Ingest metrics
	EventsIngested *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	IngestDepth    prometheus.Gauge

	// Fan-out metrics
	FramesDelivered *prometheus.CounterVec
	SequenceResets  *prometheus.CounterVec
	SnapshotWait    prometheus.Histogram

	// Connection metrics
	Connections      *prometheus.GaugeVec
	ConnectionsTotal *prometheus.CounterVec

	// Control metrics
	ControlCommands    *prometheus.CounterVec
	ControlRateLimited prometheus.Counter
	CommandDuration    *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Storage-state metrics
	StateSaves *prometheus.CounterVec
	StateLoads *prometheus.CounterVec

	// Envelope metrics
	EnvelopeOps *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Recorder events accepted into session buffers
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_events_ingested_total",
				Help: "Total recorder events ingested into session ring buffers",
			},
			[]string{"kind"}, // kind: snapshot, incremental
		),

		// Events or frames discarded before reaching a viewer
		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_events_dropped_total",
				Help: "Total events dropped before delivery",
			},
			[]string{"reason"}, // reason: ingest_overflow, client_queue, client_evicted
		),

		// Ingest Channel Depth Gauge
		IngestDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "visual_ingest_channel_depth",
				Help: "Events waiting in the ingest channel across all sessions",
			},
		),

		// Frames Delivered Counter
		FramesDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_frames_delivered_total",
				Help: "Total frames written to viewer connections",
			},
			[]string{"kind"}, // kind: event, sequence_reset, control
		),

		// Sequence Reset Counter
		SequenceResets: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_sequence_resets_total",
				Help: "Total sequence resets issued to viewers",
			},
			[]string{"trigger"}, // trigger: slow_client, client_request, eviction
		),

		// Snapshot Wait Histogram
		SnapshotWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "visual_snapshot_wait_seconds",
				Help:    "Time a joining viewer waited for the first full snapshot",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),

		// Active Connections Gauge
		Connections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "visual_connections",
				Help: "Currently open WebSocket connections",
			},
			[]string{"channel"}, // channel: stream, control
		),

		// Connections Total Counter
		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_connections_total",
				Help: "Total WebSocket connections accepted",
			},
			[]string{"channel"},
		),

		// Control Command Counter
		ControlCommands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_control_commands_total",
				Help: "Total control commands processed",
			},
			[]string{"type", "outcome"}, // outcome: ok, failed, rejected
		),

		// Rate Limited Counter
		ControlRateLimited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "visual_control_rate_limited_total",
				Help: "Total control messages rejected by the rate limiter",
			},
		),

		// Command Duration Histogram
		CommandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "visual_command_duration_seconds",
				Help:    "Duration of browser input command execution",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
			},
			[]string{"type"},
		),

		// Active Sessions Gauge
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "visual_sessions_active",
				Help: "Sessions currently registered",
			},
		),

		// Sessions Total Counter
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_sessions_total",
				Help: "Total sessions by terminal outcome",
			},
			[]string{"outcome"}, // outcome: ended, failed
		),

		// Session Duration Histogram
		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "visual_session_duration_seconds",
				Help:    "Lifetime of a session from init to terminal phase",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),

		// Storage-State Save Counter
		StateSaves: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_storage_state_saves_total",
				Help: "Total storage-state records persisted",
			},
			[]string{"verified"}, // verified: true, false
		),

		// Storage-State Load Counter
		StateLoads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_storage_state_loads_total",
				Help: "Total storage-state loads by source",
			},
			[]string{"source"}, // source: database, user_file, env, shared_file, none
		),

		// Envelope Operation Counter
		EnvelopeOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visual_envelope_ops_total",
				Help: "Total envelope seal/open operations",
			},
			[]string{"op", "result"}, // op: seal, open
		),
	}
}

// RecordIngest records an accepted recorder event
func (m *Metrics) RecordIngest(isSnapshot bool) {
	kind := "incremental"
	if isSnapshot {
		kind = "snapshot"
	}
	m.EventsIngested.WithLabelValues(kind).Inc()
}

// RecordDrop records an event discarded before delivery
func (m *Metrics) RecordDrop(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordDelivery records a frame written to a viewer
func (m *Metrics) RecordDelivery(kind string) {
	m.FramesDelivered.WithLabelValues(kind).Inc()
}

// RecordReset records a sequence reset and its trigger
func (m *Metrics) RecordReset(trigger string) {
	m.SequenceResets.WithLabelValues(trigger).Inc()
}

// RecordControl records a control command outcome
func (m *Metrics) RecordControl(cmdType string, outcome string, duration float64) {
	m.ControlCommands.WithLabelValues(cmdType, outcome).Inc()
	m.CommandDuration.WithLabelValues(cmdType).Observe(duration)
}

// ConnectionOpened tracks a new WebSocket connection
func (m *Metrics) ConnectionOpened(channel string) {
	m.Connections.WithLabelValues(channel).Inc()
	m.ConnectionsTotal.WithLabelValues(channel).Inc()
}

// ConnectionClosed tracks a closed WebSocket connection
func (m *Metrics) ConnectionClosed(channel string) {
	m.Connections.WithLabelValues(channel).Dec()
}

// RecordSessionEnd records a terminal session outcome. SessionsActive
// is paired by the manager (Inc on register, Dec on teardown).
func (m *Metrics) RecordSessionEnd(failed bool, durationSecs float64) {
	outcome := "ended"
	if failed {
		outcome = "failed"
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(durationSecs)
}

// RecordStateSave records a persisted storage-state record
func (m *Metrics) RecordStateSave(verified bool) {
	v := "false"
	if verified {
		v = "true"
	}
	m.StateSaves.WithLabelValues(v).Inc()
}

// RecordStateLoad records which source satisfied a storage-state load
func (m *Metrics) RecordStateLoad(source string) {
	m.StateLoads.WithLabelValues(source).Inc()
}

// RecordEnvelopeOp records a seal or open outcome
func (m *Metrics) RecordEnvelopeOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EnvelopeOps.WithLabelValues(op, result).Inc()
}
