// Package node wires every component package into one running node: the
// Public API Facade (C10). It is the in-process analogue of the teacher's
// internal/client/client.go HTTP SDK, generalized from "one HTTP call per
// method" to "one call into the local store/command/replication stack",
// since MerkleKV's own API is not itself an HTTP service.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/merklekv/merklekv/internal/antientropy"
	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/router"
)

// syncEnvelope carries one anti-entropy request over the sync/req topic
// (§4.7's SYNC/SYNC_KEYS messages are specified abstractly; this is the
// concrete MQTT framing this node uses to carry that RPC, analogous to how
// command frames carry the command/response RPC).
type syncEnvelope struct {
	ReqID    string                      `cbor:"req_id"`
	FromID   string                      `cbor:"from_id"`
	Kind     string                      `cbor:"kind"` // "sync" | "sync_keys"
	Sync     *antientropy.SyncRequest     `cbor:"sync,omitempty"`
	SyncKeys *antientropy.SyncKeysRequest `cbor:"sync_keys,omitempty"`
}

type syncReplyEnvelope struct {
	ReqID    string                       `cbor:"req_id"`
	Kind     string                       `cbor:"kind"`
	Sync     *antientropy.SyncResponse     `cbor:"sync,omitempty"`
	SyncKeys *antientropy.SyncKeysResponse `cbor:"sync_keys,omitempty"`
}

// mqttPeerClient implements antientropy.PeerClient over MQTT via the Topic
// Router's sync/req and sync/res topics, correlating request/response pairs
// by a uuid request id the same way a command frame's "id" correlates a
// response to its request.
type mqttPeerClient struct {
	r      *router.Router
	selfID string
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan syncReplyEnvelope
}

func newMQTTPeerClient(r *router.Router, selfID string, log zerolog.Logger) *mqttPeerClient {
	return &mqttPeerClient{
		r: r, selfID: selfID,
		log:     log.With().Str("component", "node.peerclient").Logger(),
		pending: make(map[string]chan syncReplyEnvelope),
	}
}

// handleResponse is the MQTT handler subscribed to this node's own sync
// response inbox; it resolves the pending request a response correlates to.
func (c *mqttPeerClient) handleResponse(_ mqtt.Client, msg mqtt.Message) {
	var env syncReplyEnvelope
	if err := cbor.Unmarshal(msg.Payload(), &env); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed sync response")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[env.ReqID]
	if ok {
		delete(c.pending, env.ReqID)
	}
	c.mu.Unlock()
	if !ok {
		return // late arrival past the requester's timeout; nothing to deliver to.
	}
	ch <- env
}

func (c *mqttPeerClient) register(reqID string) chan syncReplyEnvelope {
	ch := make(chan syncReplyEnvelope, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	return ch
}

func (c *mqttPeerClient) unregister(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

func (c *mqttPeerClient) Sync(ctx context.Context, peerID string, req antientropy.SyncRequest) (antientropy.SyncResponse, error) {
	reqID := uuid.NewString()
	env := syncEnvelope{ReqID: reqID, FromID: c.selfID, Kind: "sync", Sync: &req}
	reply, err := c.roundTrip(ctx, peerID, reqID, env)
	if err != nil {
		return antientropy.SyncResponse{}, err
	}
	if reply.Sync == nil {
		return antientropy.SyncResponse{}, errs.Internal("sync reply missing sync payload", nil)
	}
	return *reply.Sync, nil
}

func (c *mqttPeerClient) SyncKeys(ctx context.Context, peerID string, req antientropy.SyncKeysRequest) (antientropy.SyncKeysResponse, error) {
	reqID := uuid.NewString()
	env := syncEnvelope{ReqID: reqID, FromID: c.selfID, Kind: "sync_keys", SyncKeys: &req}
	reply, err := c.roundTrip(ctx, peerID, reqID, env)
	if err != nil {
		return antientropy.SyncKeysResponse{}, err
	}
	if reply.SyncKeys == nil {
		return antientropy.SyncKeysResponse{}, errs.Internal("sync_keys reply missing payload", nil)
	}
	return *reply.SyncKeys, nil
}

func (c *mqttPeerClient) roundTrip(ctx context.Context, peerID, reqID string, env syncEnvelope) (syncReplyEnvelope, error) {
	payload, err := cbor.Marshal(env)
	if err != nil {
		return syncReplyEnvelope{}, errs.Internal("encode sync request", err)
	}

	ch := c.register(reqID)
	defer c.unregister(reqID)

	if err := c.r.PublishSyncRequest(ctx, peerID, payload); err != nil {
		return syncReplyEnvelope{}, err
	}

	select {
	case <-ctx.Done():
		return syncReplyEnvelope{}, errs.Timeout("anti-entropy round-trip timed out")
	case reply := <-ch:
		return reply, nil
	}
}

// syncServer handles inbound SYNC/SYNC_KEYS requests addressed to this node
// and replies on the requester's sync response topic.
type syncServer struct {
	r    *router.Router
	resp *antientropy.Responder
	log  zerolog.Logger
}

func newSyncServer(r *router.Router, resp *antientropy.Responder, log zerolog.Logger) *syncServer {
	return &syncServer{r: r, resp: resp, log: log.With().Str("component", "node.syncserver").Logger()}
}

func (s *syncServer) handleRequest(_ mqtt.Client, msg mqtt.Message) {
	var env syncEnvelope
	if err := cbor.Unmarshal(msg.Payload(), &env); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed sync request")
		return
	}

	reply := syncReplyEnvelope{ReqID: env.ReqID}
	switch env.Kind {
	case "sync":
		if env.Sync == nil {
			return
		}
		resp := s.resp.HandleSync(*env.Sync)
		reply.Kind = "sync"
		reply.Sync = &resp
	case "sync_keys":
		if env.SyncKeys == nil {
			return
		}
		resp := s.resp.HandleSyncKeys(*env.SyncKeys)
		reply.Kind = "sync_keys"
		reply.SyncKeys = &resp
	default:
		s.log.Warn().Str("kind", env.Kind).Msg("unknown sync request kind")
		return
	}

	payload, err := cbor.Marshal(reply)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode sync reply")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.r.PublishSyncResponse(ctx, env.FromID, payload); err != nil {
		s.log.Warn().Err(err).Str("peer", env.FromID).Msg("failed to publish sync reply")
	}
}
