package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector the node exposes via
// internal/adminhttp's /metrics endpoint, named per spec §9's NodeStats and
// the component error-metric mentions scattered through §4.
type Metrics struct {
	CommandsTotal        *prometheus.CounterVec
	CommandDuration       *prometheus.HistogramVec
	CommandCacheHitsTotal prometheus.Counter

	ReplicationPublishedTotal  prometheus.Counter
	ReplicationAppliedTotal    prometheus.Counter
	ReplicationSuppressedTotal prometheus.Counter
	ReplicationDroppedTotal    prometheus.Counter
	ReplicationMalformedTotal  prometheus.Counter
	OutboxDepth                prometheus.Gauge

	AntiEntropyCyclesTotal     *prometheus.CounterVec
	AntiEntropyKeysReconciled prometheus.Counter
	AntiEntropyRateLimitedTotal prometheus.Counter

	StoreEntries    prometheus.Gauge
	StoreTombstones prometheus.Gauge
	TombstonesGCedTotal prometheus.Counter

	TransportReconnectsTotal prometheus.Counter
	ConnectionState          prometheus.Gauge
}

// NewMetrics registers every collector against reg. Call once per process;
// reg is typically prometheus.NewRegistry() so tests can use an isolated
// registry instead of the global default.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merklekv_commands_total", Help: "Commands processed, by opcode and status.",
		}, []string{"op", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "merklekv_command_duration_seconds", Help: "Command processing latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		CommandCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_command_idempotency_cache_hits_total", Help: "Idempotency cache hits.",
		}),
		ReplicationPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_replication_events_published_total", Help: "Replication events successfully published.",
		}),
		ReplicationAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_replication_events_applied_total", Help: "Inbound replication events applied.",
		}),
		ReplicationSuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_replication_events_suppressed_total", Help: "Inbound replication events suppressed as duplicates or stale.",
		}),
		ReplicationDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_replication_events_dropped_total", Help: "Outbound replication events dropped for exceeding the size cap.",
		}),
		ReplicationMalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_replication_events_malformed_total", Help: "Inbound replication events rejected as malformed.",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merklekv_replication_outbox_depth", Help: "Pending records in the replication outbox.",
		}),
		AntiEntropyCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merklekv_antientropy_cycles_total", Help: "Anti-entropy cycles, by result.",
		}, []string{"result"}),
		AntiEntropyKeysReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_antientropy_keys_reconciled_total", Help: "Keys reconciled via anti-entropy.",
		}),
		AntiEntropyRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_antientropy_rate_limited_total", Help: "Anti-entropy cycles skipped due to rate limiting.",
		}),
		StoreEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merklekv_store_entries", Help: "Live entries (including tombstones) in the store.",
		}),
		StoreTombstones: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merklekv_store_tombstones", Help: "Tombstones currently retained in the store.",
		}),
		TombstonesGCedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_store_tombstones_gced_total", Help: "Tombstones removed by GC.",
		}),
		TransportReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklekv_transport_reconnects_total", Help: "MQTT reconnect attempts.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merklekv_connection_state", Help: "Current connection lifecycle state (0=Disconnected..5=Disconnecting).",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal, m.CommandDuration, m.CommandCacheHitsTotal,
		m.ReplicationPublishedTotal, m.ReplicationAppliedTotal, m.ReplicationSuppressedTotal,
		m.ReplicationDroppedTotal, m.ReplicationMalformedTotal, m.OutboxDepth,
		m.AntiEntropyCyclesTotal, m.AntiEntropyKeysReconciled, m.AntiEntropyRateLimitedTotal,
		m.StoreEntries, m.StoreTombstones, m.TombstonesGCedTotal,
		m.TransportReconnectsTotal, m.ConnectionState,
	)
	return m
}
