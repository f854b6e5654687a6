package node

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/merklekv/internal/antientropy"
	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/internal/router"
	"github.com/merklekv/merklekv/internal/store"
	"github.com/merklekv/merklekv/internal/telemetry"
	"github.com/merklekv/merklekv/internal/transport"
)

// fakeMessage implements mqtt.Message over an in-memory payload, letting
// tests feed a handler without a live broker (mirrors router_test.go's
// fakeTransport for the publish side of the same boundary).
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestMQTTPeerClientSyncRoundTrip(t *testing.T) {
	log := telemetry.NewLogger("error", false)

	// Responder side: a store with one entry, wired behind a syncServer.
	st, err := store.Open("b", "")
	require.NoError(t, err)
	_, _, err = st.Put("k1", []byte("v1"), 1000, 1)
	require.NoError(t, err)
	responder := antientropy.NewResponder(st)

	cfgB := config.Default()
	cfgB.NodeID, cfgB.ClientID = "b", "b"
	transportB := newLoopbackTransport()
	routerB := router.New(cfgB, transportB)
	srv := newSyncServer(routerB, responder, log)

	// Requester side: its own router publishes "request" frames straight into
	// srv.handleRequest, and srv's replies are delivered straight back into
	// the requester's own handleResponse, emulating the broker round trip.
	cfgA := config.Default()
	cfgA.NodeID, cfgA.ClientID = "a", "a"
	transportA := newLoopbackTransport()
	routerA := router.New(cfgA, transportA)
	client := newMQTTPeerClient(routerA, "a", log)

	transportA.onPublish = func(topic string, payload []byte) {
		if topic == cfgB.SyncRequestTopicFor("b") {
			srv.handleRequest(nil, &fakeMessage{topic: topic, payload: payload})
		}
	}
	transportB.onPublish = func(topic string, payload []byte) {
		if topic == cfgA.SyncResponseTopicFor("a") {
			client.handleResponse(nil, &fakeMessage{topic: topic, payload: payload})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tree := antientropy.Build(st.Entries())
	resp, err := client.Sync(ctx, "b", antientropy.SyncRequest{RootHash: tree.RootHash()})
	require.NoError(t, err)
	require.Equal(t, tree.RootHash(), resp.RootHash)
	require.Len(t, resp.BucketHashes, 16)
}

func TestMQTTPeerClientTimesOutWithNoResponder(t *testing.T) {
	log := telemetry.NewLogger("error", false)
	cfgA := config.Default()
	cfgA.NodeID, cfgA.ClientID = "a", "a"
	transportA := newLoopbackTransport() // onPublish is nil: request vanishes, nothing replies
	routerA := router.New(cfgA, transportA)
	client := newMQTTPeerClient(routerA, "a", log)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Sync(ctx, "b", antientropy.SyncRequest{})
	require.Error(t, err)
}

func TestSyncServerIgnoresMalformedPayload(t *testing.T) {
	log := telemetry.NewLogger("error", false)
	st, err := store.Open("b", "")
	require.NoError(t, err)
	responder := antientropy.NewResponder(st)
	cfgB := config.Default()
	cfgB.ClientID = "b"
	transportB := newLoopbackTransport()
	srv := newSyncServer(router.New(cfgB, transportB), responder, log)

	// Must not panic on garbage input.
	srv.handleRequest(nil, &fakeMessage{topic: "x", payload: []byte("not cbor")})
}

func TestSyncEnvelopeCBORRoundTrip(t *testing.T) {
	req := antientropy.SyncRequest{RootHash: [32]byte{1, 2, 3}}
	env := syncEnvelope{ReqID: "r1", FromID: "a", Kind: "sync", Sync: &req}
	data, err := cbor.Marshal(env)
	require.NoError(t, err)

	var decoded syncEnvelope
	require.NoError(t, cbor.Unmarshal(data, &decoded))
	require.Equal(t, env.ReqID, decoded.ReqID)
	require.NotNil(t, decoded.Sync)
	require.Equal(t, req.RootHash, decoded.Sync.RootHash)
}

// loopbackTransport satisfies router's mqttTransport interface; Publish
// invokes onPublish synchronously instead of hitting a broker, and
// Subscribe/State/ConnectionStateStream are no-ops since tests drive
// handlers directly.
type loopbackTransport struct {
	onPublish func(topic string, payload []byte)
	stream    chan transport.State
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{stream: make(chan transport.State, 1)}
}

func (l *loopbackTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if l.onPublish != nil {
		l.onPublish(topic, payload)
	}
	return nil
}

func (l *loopbackTransport) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return l.Publish(ctx, topic, payload)
}

func (l *loopbackTransport) Subscribe(_ context.Context, _ string, _ mqtt.MessageHandler) error {
	return nil
}

func (l *loopbackTransport) State() transport.State { return transport.StateReady }

func (l *loopbackTransport) ConnectionStateStream() <-chan transport.State { return l.stream }
