// Package router implements the Topic Router (C3): canonical topic
// publish/subscribe dispatch, the client-side authorization pre-check, and
// the SUBACK barrier that gates "Ready" from the rest of the node.
//
// Grounded on the teacher's internal/cluster/membership.go
// mutex-guarded-map idiom, generalized here from node membership tracking to
// per-topic SUBACK bookkeeping built on top of internal/transport's
// broadcast streams.
package router

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/transport"
)

// mqttTransport is the narrow subset of transport.Client the Router depends
// on, kept as an interface so authz/dispatch logic can be tested without a
// live broker connection.
type mqttTransport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishRetained(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler mqtt.MessageHandler) error
	State() transport.State
	ConnectionStateStream() <-chan transport.State
}

// Router binds the canonical topic scheme to an MQTT transport and enforces
// the client-side authz pre-check before any publish reaches the network
// (spec §4.4, invariant 9 "cross-client command publishes ... always fail
// with code 300 without hitting the network").
type Router struct {
	cfg config.Config
	tr  mqttTransport
}

func New(cfg config.Config, tr mqttTransport) *Router {
	return &Router{cfg: cfg, tr: tr}
}

// PublishCommand publishes a command frame to targetClientID's cmd topic. A
// non-controller may only publish to its own topic (error code 300); a
// controller (is_controller=true) may publish to any client under the
// canonical prefix (Open Question decision, see DESIGN.md).
func (r *Router) PublishCommand(ctx context.Context, targetClientID string, payload []byte) error {
	if !config.ValidTopicSegment(targetClientID) {
		return errs.Validation("invalid target client_id")
	}
	if targetClientID != r.cfg.ClientID && !r.cfg.IsController {
		return errs.AuthzCommand("cross-client command publish denied")
	}
	return r.tr.Publish(ctx, r.cfg.CommandTopicFor(targetClientID), payload)
}

// PublishResponse publishes a response frame to this node's own res topic.
func (r *Router) PublishResponse(ctx context.Context, payload []byte) error {
	return r.tr.Publish(ctx, r.cfg.ResponseTopic(), payload)
}

// PublishReplicationEvent publishes to the shared replication bus, gated by
// replication_access (error code 301 when denied, spec §4.4).
func (r *Router) PublishReplicationEvent(ctx context.Context, payload []byte) error {
	if r.cfg.ReplicationAccess != config.ReplicationReadWrite {
		return errs.AuthzReplication("replication publish denied by replication_access")
	}
	return r.tr.Publish(ctx, r.cfg.ReplicationTopic(), payload)
}

// SubscribeCommand subscribes this node's own cmd inbox.
func (r *Router) SubscribeCommand(ctx context.Context, handler mqtt.MessageHandler) error {
	return r.tr.Subscribe(ctx, r.cfg.CommandTopic(), handler)
}

// SubscribeReplication subscribes the replication bus, gated by
// replication_access != none.
func (r *Router) SubscribeReplication(ctx context.Context, handler mqtt.MessageHandler) error {
	if r.cfg.ReplicationAccess == config.ReplicationNone {
		return errs.AuthzReplication("replication subscribe denied by replication_access")
	}
	return r.tr.Subscribe(ctx, r.cfg.ReplicationTopic(), handler)
}

// PublishModeMarker is the sole call site permitted to set retain=true
// (spec §6 "the sole topic that may be published with retain=true").
func (r *Router) PublishModeMarker(ctx context.Context, payload []byte) error {
	return r.tr.PublishRetained(ctx, r.cfg.ModeMarkerTopic(), payload)
}

// PublishSyncRequest sends an anti-entropy SYNC/SYNC_KEYS request frame to
// peerClientID's sync inbox. Gated the same way as replication traffic,
// since anti-entropy is replication's background repair path (spec §4.7,
// §4.4 authz pre-check).
func (r *Router) PublishSyncRequest(ctx context.Context, peerClientID string, payload []byte) error {
	if !config.ValidTopicSegment(peerClientID) {
		return errs.Validation("invalid peer client_id")
	}
	if r.cfg.ReplicationAccess == config.ReplicationNone {
		return errs.AuthzReplication("anti-entropy publish denied by replication_access")
	}
	return r.tr.Publish(ctx, r.cfg.SyncRequestTopicFor(peerClientID), payload)
}

// PublishSyncResponse replies to requesterClientID's sync response inbox.
func (r *Router) PublishSyncResponse(ctx context.Context, requesterClientID string, payload []byte) error {
	if !config.ValidTopicSegment(requesterClientID) {
		return errs.Validation("invalid requester client_id")
	}
	if r.cfg.ReplicationAccess == config.ReplicationNone {
		return errs.AuthzReplication("anti-entropy publish denied by replication_access")
	}
	return r.tr.Publish(ctx, r.cfg.SyncResponseTopicFor(requesterClientID), payload)
}

// SubscribeSyncRequests subscribes this node's own sync inbox, where peers
// send SYNC/SYNC_KEYS requests addressed to this node.
func (r *Router) SubscribeSyncRequests(ctx context.Context, handler mqtt.MessageHandler) error {
	return r.tr.Subscribe(ctx, r.cfg.SyncRequestTopicFor(r.cfg.ClientID), handler)
}

// SubscribeSyncResponses subscribes this node's own sync response topic.
func (r *Router) SubscribeSyncResponses(ctx context.Context, handler mqtt.MessageHandler) error {
	return r.tr.Subscribe(ctx, r.cfg.SyncResponseTopic(), handler)
}

// WaitForRestore blocks until the transport reaches Ready (all prior
// subscriptions SUBACKed or individually timed out), ctx is done, or timeout
// elapses (spec §4.8 "Ready ... ensures no application traffic is claimed
// healthy before subscriptions are active").
func (r *Router) WaitForRestore(ctx context.Context, timeout time.Duration) error {
	if r.tr.State() == transport.StateReady {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := r.tr.ConnectionStateStream()
	for {
		select {
		case <-ctx.Done():
			return errs.Timeout("timed out waiting for subscription restore")
		case s, ok := <-ch:
			if !ok {
				return errs.Cancelled("connection state stream closed")
			}
			if s == transport.StateReady {
				return nil
			}
		}
	}
}
