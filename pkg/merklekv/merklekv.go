// Package merklekv is the public Go SDK for embedding a MerkleKV node in an
// application process, generalizing the teacher's internal/client.Client
// (an HTTP SDK wrapping one baseURL) into an in-process SDK wrapping one
// running node: no HTTP round trip, since the engine lives in the same
// process as its caller.
package merklekv

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/merklekv/merklekv/internal/command"
	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/node"
	"github.com/merklekv/merklekv/internal/transport"
)

// Config is the node's configuration surface (MQTT endpoint, topic scheme,
// battery behavior, anti-entropy tuning, etc).
type Config = config.Config

// DefaultConfig returns baseline values; callers override fields and call
// Config.Validate() (or just pass it to Open, which validates for them).
func DefaultConfig() Config { return config.Default() }

// BatteryStatus is fed in by the embedding application via SetBatteryStatus;
// the engine never reads a real battery sensor.
type BatteryStatus = node.BatteryStatus

// Stats mirrors the node's cumulative operational counters.
type Stats = node.NodeStats

// KVPair is one entry of an MSet call.
type KVPair = command.KVPair

// MSetResult is one per-key result of an MSet call.
type MSetResult = command.MSetResult

// Error is the single error type every call on Node can return. Use
// errors.As to recover Kind/Code for programmatic handling.
type Error = errs.Error

// Node is a running MerkleKV node: an MQTT-connected replica with LWW
// storage, CBOR replication, and Merkle-tree anti-entropy, exposed as a set
// of typed Go methods instead of a wire protocol.
type Node struct {
	inner *node.Node
}

// Open constructs a Node from cfg. It validates cfg and wires every internal
// component, but does not connect to the broker — call Start for that.
// reg may be nil to disable Prometheus metrics collection.
func Open(cfg Config, log zerolog.Logger, reg *prometheus.Registry) (*Node, error) {
	n, err := node.New(cfg, log, reg)
	if err != nil {
		return nil, err
	}
	return &Node{inner: n}, nil
}

// Start connects to the broker, restores subscriptions, and launches the
// node's background goroutines. It blocks until the node is ready to serve
// traffic or ctx/startup fails.
func (n *Node) Start(ctx context.Context) error { return n.inner.Start(ctx) }

// Stop disconnects gracefully and waits for background goroutines to exit.
func (n *Node) Stop() { n.inner.Stop() }

// Get returns the current value of key, or a NotFound Error if absent or
// tombstoned.
func (n *Node) Get(ctx context.Context, key string) (string, error) {
	return n.inner.Get(ctx, key)
}

// Set stores key=value, last-writer-wins across replicas.
func (n *Node) Set(ctx context.Context, key, value string) error {
	return n.inner.Set(ctx, key, value)
}

// Delete tombstones key. Deleting an absent key is not an error.
func (n *Node) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, key)
}

// Incr adds amount to key's current integer value (0 if absent) and returns
// the result.
func (n *Node) Incr(ctx context.Context, key string, amount int64) (int64, error) {
	return n.inner.Incr(ctx, key, amount)
}

// Decr subtracts amount from key's current integer value and returns the
// result.
func (n *Node) Decr(ctx context.Context, key string, amount int64) (int64, error) {
	return n.inner.Decr(ctx, key, amount)
}

// Append concatenates fragment onto key's current value (treating an absent
// key as empty) and returns the resulting length.
func (n *Node) Append(ctx context.Context, key, fragment string) (int, error) {
	return n.inner.Append(ctx, key, fragment)
}

// Prepend concatenates fragment before key's current value and returns the
// resulting length.
func (n *Node) Prepend(ctx context.Context, key, fragment string) (int, error) {
	return n.inner.Prepend(ctx, key, fragment)
}

// MGet returns a map from each requested key to its value, or nil for keys
// that don't exist.
func (n *Node) MGet(ctx context.Context, keys []string) (map[string]*string, error) {
	return n.inner.MGet(ctx, keys)
}

// MSet applies every pair and returns a per-key ok/error result list; a
// failure on one pair does not prevent the others from applying.
func (n *Node) MSet(ctx context.Context, pairs []KVPair) ([]MSetResult, error) {
	return n.inner.MSet(ctx, pairs)
}

// SetBatteryStatus lets the embedding application report the host's battery
// state so the node can throttle background work per Config.Battery.
func (n *Node) SetBatteryStatus(status BatteryStatus) { n.inner.SetBatteryStatus(status) }

// BatteryStatus returns the last status fed in via SetBatteryStatus.
func (n *Node) BatteryStatus() BatteryStatus { return n.inner.BatteryStatus() }

// ConnectionState is the MQTT connection lifecycle state
// (Disconnected/Connecting/Connected/Restoring/Ready/Disconnecting).
type ConnectionState = transport.State

// ConnectionStateStream lets the embedding application observe MQTT
// connection lifecycle transitions.
func (n *Node) ConnectionStateStream() <-chan ConnectionState {
	return n.inner.ConnectionStateStream()
}

// Stats reports cumulative operational counters for the node.
func (n *Node) Stats() Stats { return n.inner.Stats() }
