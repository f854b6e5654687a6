package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/merklekv/merklekv/internal/antientropy"
	"github.com/merklekv/merklekv/internal/command"
	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/replication"
	"github.com/merklekv/merklekv/internal/router"
	"github.com/merklekv/merklekv/internal/store"
	"github.com/merklekv/merklekv/internal/telemetry"
	"github.com/merklekv/merklekv/internal/transport"
)

// BatteryStatus is fed in by the embedding application; the engine never
// reads a real sensor (spec §1/§6 "battery_config" consumed abstractly).
type BatteryStatus struct {
	Level    int // 0..100
	Charging bool
}

const (
	baseOutboxFlushInterval     = 100 * time.Millisecond
	baseTombstoneGCInterval     = time.Hour
	lowBatteryIntervalMultiplier = 2
	criticalBatteryIntervalMultiplier = 5
)

// replicationTransport adapts the Topic Router's authz-gated replication
// publish into the replication.Transport interface; the topic argument is
// ignored since the router derives the canonical topic itself (spec §4.4
// authz pre-check must run on every replication publish, not just the
// first).
type replicationTransport struct{ r *router.Router }

func (t replicationTransport) Publish(ctx context.Context, _ string, payload []byte) error {
	return t.r.PublishReplicationEvent(ctx, payload)
}

// Node is the Public API Facade (C10): it wires every component package
// together and exposes typed, Go-native operations instead of JSON command
// frames, mirroring the teacher's internal/client.Client but in-process
// rather than over HTTP.
type Node struct {
	cfg config.Config
	log zerolog.Logger

	store      *store.Store
	outbox     *replication.Outbox
	publisher  *replication.Publisher
	applier    *replication.Applier
	processor  *command.Processor
	coordinator *antientropy.Coordinator
	responder  *antientropy.Responder
	transport  *transport.Client
	router     *router.Router
	peerClient *mqttPeerClient
	syncServer *syncServer
	metrics    *telemetry.Metrics

	battery struct {
		mu     sync.Mutex
		status BatteryStatus
	}
	antiEntropyIntervalNs atomic.Int64
	outboxFlushIntervalNs atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Node from cfg. It does not connect to the broker; call Start
// for that.
func New(cfg config.Config, log zerolog.Logger, reg *prometheus.Registry) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.NodeID, cfg.PersistencePath)
	if err != nil {
		return nil, err
	}
	outbox, err := replication.OpenOutbox(cfg.PersistencePath, cfg.OutboxHighWaterMark)
	if err != nil {
		return nil, err
	}
	st.SetOutboxRefChecker(outbox.HasPending)

	tr := transport.NewClient(transport.Config{
		Host: cfg.MQTTHost, Port: cfg.MQTTPort, ClientID: cfg.ClientID,
		Username: cfg.Username, Password: cfg.Password, TLSEnabled: cfg.TLSEnabled,
		KeepAlive: cfg.Keepalive(), SessionExpiry: cfg.SessionExpiry(),
		ConnectTimeout: cfg.ConnectTimeout(),
	}, log)
	rt := router.New(cfg, tr)

	pub := replication.NewPublisher(cfg.NodeID, cfg.ReplicationTopic(), st, outbox, replicationTransport{rt}, log)
	applier := replication.NewApplier(st, log)
	proc := command.NewProcessor(st, pub, command.DefaultCacheSize, log)

	peerClient := newMQTTPeerClient(rt, cfg.ClientID, log)
	coordinator := antientropy.NewCoordinator(st, peerClient, cfg.AntiEntropyRatePerSec, antientropy.DefaultTimeout, log)
	responder := antientropy.NewResponder(st)
	syncSrv := newSyncServer(rt, responder, log)

	var metrics *telemetry.Metrics
	if reg != nil {
		metrics = telemetry.NewMetrics(reg)
	}

	n := &Node{
		cfg: cfg, log: log.With().Str("component", "node").Str("node_id", cfg.NodeID).Logger(),
		store: st, outbox: outbox, publisher: pub, applier: applier, processor: proc,
		coordinator: coordinator, responder: responder, transport: tr, router: rt,
		peerClient: peerClient, syncServer: syncSrv, metrics: metrics,
	}
	n.battery.status = BatteryStatus{Level: 100, Charging: true}
	n.antiEntropyIntervalNs.Store(int64(time.Duration(cfg.AntiEntropyCycleSeconds) * time.Second))
	n.outboxFlushIntervalNs.Store(int64(baseOutboxFlushInterval))
	return n, nil
}

// Start connects the MQTT transport, subscribes every inbound topic, waits
// for the SUBACK barrier, and launches the background goroutines (outbox
// flusher, tombstone GC, anti-entropy scheduler) — one goroutine per duty,
// matching the teacher's cmd/server/main.go shape.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	if err := n.transport.Connect(ctx); err != nil {
		cancel()
		return err
	}

	if err := n.router.SubscribeCommand(ctx, n.handleCommand); err != nil {
		cancel()
		return err
	}
	if n.cfg.ReplicationAccess != config.ReplicationNone {
		if err := n.router.SubscribeReplication(ctx, n.handleReplicationEvent); err != nil {
			cancel()
			return err
		}
	}
	if err := n.router.SubscribeSyncRequests(ctx, n.syncServer.handleRequest); err != nil {
		cancel()
		return err
	}
	if err := n.router.SubscribeSyncResponses(ctx, n.peerClient.handleResponse); err != nil {
		cancel()
		return err
	}

	if err := n.router.WaitForRestore(ctx, n.cfg.ConnectTimeout()); err != nil {
		cancel()
		return err
	}

	n.wg.Add(3)
	go n.runOutboxFlusher(runCtx)
	go n.runTombstoneGC(runCtx)
	go n.runAntiEntropyScheduler(runCtx)
	if n.metrics != nil {
		n.wg.Add(1)
		go n.runMetricsSync(runCtx)
	}
	return nil
}

// Stop disconnects gracefully (suppressing the Last Will) and waits for
// background goroutines to exit.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.transport.Disconnect(true)
	n.transport.Close()
	n.wg.Wait()
	n.store.Close()
	n.outbox.Close()
}

func (n *Node) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	var req command.Request
	if err := decodeJSON(msg.Payload(), &req); err != nil {
		n.log.Warn().Err(err).Msg("dropping malformed command frame")
		return
	}
	start := time.Now()
	resp := n.processor.Handle(context.Background(), req)
	if n.metrics != nil {
		n.metrics.CommandsTotal.WithLabelValues(string(req.Op), string(resp.Status)).Inc()
		n.metrics.CommandDuration.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())
	}
	payload, err := encodeJSON(resp)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to encode command response")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.router.PublishResponse(ctx, payload); err != nil {
		n.log.Warn().Err(err).Msg("failed to publish command response")
	}
}

func (n *Node) handleReplicationEvent(_ mqtt.Client, msg mqtt.Message) {
	if err := n.applier.ApplyWire(msg.Payload()); err != nil {
		n.log.Error().Err(err).Msg("failed to apply inbound replication event")
	}
}

func (n *Node) runOutboxFlusher(ctx context.Context) {
	defer n.wg.Done()
	for {
		interval := time.Duration(n.outboxFlushIntervalNs.Load())
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			n.publisher.FlushOnce(ctx)
		}
	}
}

func (n *Node) runTombstoneGC(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(baseTombstoneGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := n.store.GCTombstones(time.Now())
			if removed > 0 && n.metrics != nil {
				n.metrics.TombstonesGCedTotal.Add(float64(removed))
			}
		}
	}
}

// runMetricsSync periodically folds the component packages' cumulative
// counters into the Prometheus collectors — components track their own
// plain uint64 counters (so they have no Prometheus dependency of their
// own), and this is the one place that bridges them in (spec §9's
// NodeStats, mirrored as live gauges/counters for C9).
func (n *Node) runMetricsSync(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastPublished, lastDropped, lastApplied, lastSuppressed, lastMalformed uint64
	var lastCacheHits, lastReconnects uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			published := n.publisher.PublishedCount()
			dropped := n.publisher.DroppedCount()
			applied, suppressed, malformed := n.applier.Stats()

			n.metrics.ReplicationPublishedTotal.Add(float64(published - lastPublished))
			n.metrics.ReplicationDroppedTotal.Add(float64(dropped - lastDropped))
			n.metrics.ReplicationAppliedTotal.Add(float64(applied - lastApplied))
			n.metrics.ReplicationSuppressedTotal.Add(float64(suppressed - lastSuppressed))
			n.metrics.ReplicationMalformedTotal.Add(float64(malformed - lastMalformed))
			lastPublished, lastDropped, lastApplied, lastSuppressed, lastMalformed = published, dropped, applied, suppressed, malformed

			cacheHits := n.processor.CacheHits()
			n.metrics.CommandCacheHitsTotal.Add(float64(cacheHits - lastCacheHits))
			lastCacheHits = cacheHits

			reconnects := n.transport.ReconnectAttempts()
			n.metrics.TransportReconnectsTotal.Add(float64(reconnects - lastReconnects))
			lastReconnects = reconnects

			n.metrics.OutboxDepth.Set(float64(n.outbox.Depth()))
			n.metrics.ConnectionState.Set(float64(n.transport.State()))

			entries := n.store.Entries()
			tombstones := 0
			for _, e := range entries {
				if e.Tombstone {
					tombstones++
				}
			}
			n.metrics.StoreEntries.Set(float64(len(entries)))
			n.metrics.StoreTombstones.Set(float64(tombstones))
		}
	}
}

func (n *Node) runAntiEntropyScheduler(ctx context.Context) {
	defer n.wg.Done()
	for {
		interval := time.Duration(n.antiEntropyIntervalNs.Load())
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			for _, peer := range n.cfg.AntiEntropyPeers {
				stats, err := n.coordinator.RunCycle(ctx, peer)
				result := "ok"
				if err != nil {
					result = "error"
					if ee, ok := err.(*errs.Error); ok && ee.Kind == errs.KindRateLimited {
						result = "rate_limited"
					}
					n.log.Warn().Err(err).Str("peer", peer).Msg("anti-entropy cycle failed")
				}
				if n.metrics != nil {
					n.metrics.AntiEntropyCyclesTotal.WithLabelValues(result).Inc()
					n.metrics.AntiEntropyKeysReconciled.Add(float64(stats.KeysReconciled))
					if result == "rate_limited" {
						n.metrics.AntiEntropyRateLimitedTotal.Inc()
					}
				}
			}
		}
	}
}

// SetBatteryStatus applies battery_config's adaptive behavior (spec §1/§3/§6):
// below low_threshold, anti-entropy cycles slow down if adaptive_sync is set;
// below critical_threshold, background work slows further if
// reduce_background is set. The engine never reads real sensors — callers
// feed updates in.
func (n *Node) SetBatteryStatus(status BatteryStatus) {
	n.battery.mu.Lock()
	n.battery.status = status
	n.battery.mu.Unlock()

	base := time.Duration(n.cfg.AntiEntropyCycleSeconds) * time.Second
	flushBase := baseOutboxFlushInterval
	switch {
	case status.Level <= n.cfg.Battery.CriticalThreshold && n.cfg.Battery.ReduceBackground:
		n.antiEntropyIntervalNs.Store(int64(base * criticalBatteryIntervalMultiplier))
		n.outboxFlushIntervalNs.Store(int64(flushBase * criticalBatteryIntervalMultiplier))
	case status.Level <= n.cfg.Battery.LowThreshold && n.cfg.Battery.AdaptiveSync:
		n.antiEntropyIntervalNs.Store(int64(base * lowBatteryIntervalMultiplier))
		n.outboxFlushIntervalNs.Store(int64(flushBase * lowBatteryIntervalMultiplier))
	default:
		n.antiEntropyIntervalNs.Store(int64(base))
		n.outboxFlushIntervalNs.Store(int64(flushBase))
	}
}

// BatteryStatus returns the last status fed in via SetBatteryStatus.
func (n *Node) BatteryStatus() BatteryStatus {
	n.battery.mu.Lock()
	defer n.battery.mu.Unlock()
	return n.battery.status
}

// ConnectionStateStream exposes the transport's lifecycle stream, letting
// embedding applications react to disconnect/reconnect/ready transitions.
func (n *Node) ConnectionStateStream() <-chan transport.State {
	return n.transport.ConnectionStateStream()
}

// Store exposes the underlying Storage Engine for cmd/merklekv-node's admin
// HTTP wiring (internal/adminhttp.NewHandler needs direct store access, the
// same way the teacher's cmd/server/main.go hands its store straight to
// internal/api.NewHandler). Not part of the typed operations surface;
// callers embedding Node should use Get/Set/etc. instead.
func (n *Node) Store() *store.Store {
	return n.store
}

// NodeStats reports the node's command, replication and outbox counters.
type NodeStats struct {
	CommandsProcessed          uint64
	ReplicationEventsPublished uint64
	ReplicationEventsDropped   uint64
	ReplicationEventsApplied   uint64
	ReplicationEventsSuppressed uint64
	ReplicationEventsMalformed uint64
	OutboxDepth                int
}

func (n *Node) Stats() NodeStats {
	applied, suppressed, malformed := n.applier.Stats()
	return NodeStats{
		CommandsProcessed:           n.processor.CommandsProcessed(),
		ReplicationEventsPublished:  n.publisher.PublishedCount(),
		ReplicationEventsDropped:    n.publisher.DroppedCount(),
		ReplicationEventsApplied:    applied,
		ReplicationEventsSuppressed: suppressed,
		ReplicationEventsMalformed:  malformed,
		OutboxDepth:                 n.outbox.Depth(),
	}
}

// ─── Typed operations ──────────────────────────────────────────────────────
//
// These call directly into the Command Processor rather than round-tripping
// through MQTT: the facade is an in-process API for the application
// embedding this node, not another MQTT client of it (spec's "client_id"
// command inbox is for *other* devices/controllers to reach this node).

func (n *Node) call(ctx context.Context, req command.Request) command.Response {
	req.ID = newCorrelationID()
	start := time.Now()
	resp := n.processor.Handle(ctx, req)
	if n.metrics != nil {
		n.metrics.CommandsTotal.WithLabelValues(string(req.Op), string(resp.Status)).Inc()
		n.metrics.CommandDuration.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())
	}
	return resp
}

func (n *Node) Get(ctx context.Context, key string) (string, error) {
	resp := n.call(ctx, command.Request{Op: command.OpGet, Key: key})
	if resp.Status != command.StatusOK {
		return "", responseError(resp)
	}
	s, _ := resp.Value.(string)
	return s, nil
}

func (n *Node) Set(ctx context.Context, key, value string) error {
	resp := n.call(ctx, command.Request{Op: command.OpSet, Key: key, Value: value})
	return responseError(resp)
}

func (n *Node) Delete(ctx context.Context, key string) error {
	resp := n.call(ctx, command.Request{Op: command.OpDel, Key: key})
	return responseError(resp)
}

func (n *Node) Incr(ctx context.Context, key string, amount int64) (int64, error) {
	return n.incrDecr(ctx, command.OpIncr, key, amount)
}

func (n *Node) Decr(ctx context.Context, key string, amount int64) (int64, error) {
	return n.incrDecr(ctx, command.OpDecr, key, amount)
}

func (n *Node) incrDecr(ctx context.Context, op command.Opcode, key string, amount int64) (int64, error) {
	resp := n.call(ctx, command.Request{Op: op, Key: key, Amount: &amount})
	if resp.Status != command.StatusOK {
		return 0, responseError(resp)
	}
	v, _ := resp.Value.(int64)
	return v, nil
}

func (n *Node) Append(ctx context.Context, key, fragment string) (int, error) {
	return n.appendPrepend(ctx, command.OpAppend, key, fragment)
}

func (n *Node) Prepend(ctx context.Context, key, fragment string) (int, error) {
	return n.appendPrepend(ctx, command.OpPrepend, key, fragment)
}

func (n *Node) appendPrepend(ctx context.Context, op command.Opcode, key, fragment string) (int, error) {
	resp := n.call(ctx, command.Request{Op: op, Key: key, Fragment: fragment})
	if resp.Status != command.StatusOK {
		return 0, responseError(resp)
	}
	v, _ := resp.Value.(int)
	return v, nil
}

func (n *Node) MGet(ctx context.Context, keys []string) (map[string]*string, error) {
	resp := n.call(ctx, command.Request{Op: command.OpMGet, Keys: keys})
	if resp.Status != command.StatusOK {
		return nil, responseError(resp)
	}
	m, _ := resp.Value.(map[string]*string)
	return m, nil
}

func (n *Node) MSet(ctx context.Context, pairs []command.KVPair) ([]command.MSetResult, error) {
	resp := n.call(ctx, command.Request{Op: command.OpMSet, Pairs: pairs})
	if resp.Status != command.StatusOK {
		return nil, responseError(resp)
	}
	res, _ := resp.Value.([]command.MSetResult)
	return res, nil
}

// responseError reconstructs the engine's *errs.Error from a Response's
// numeric error_code, keeping the facade's error type consistent with every
// other package instead of leaking the wire Response shape to callers.
func responseError(resp command.Response) error {
	if resp.Status == command.StatusOK {
		return nil
	}
	switch resp.ErrorCode {
	case errs.CodeValidation:
		return errs.Validation(resp.Error)
	case errs.CodeSizeLimit:
		return errs.SizeLimit(resp.Error)
	case errs.CodeAuthzCommand:
		return errs.AuthzCommand(resp.Error)
	case errs.CodeAuthzReplicate:
		return errs.AuthzReplication(resp.Error)
	case errs.CodeTimeout:
		return errs.Timeout(resp.Error)
	case errs.CodeNotFound:
		return errs.NotFound(resp.Error)
	case errs.CodeTransport:
		return errs.Transport(resp.Error, nil)
	case errs.CodeRateLimited:
		return errs.RateLimited(resp.Error)
	case errs.CodePayloadTooLarge:
		return errs.PayloadTooLarge(resp.Error)
	default:
		return errs.Internal(resp.Error, nil)
	}
}
