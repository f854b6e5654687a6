package router

import (
	"context"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/internal/errs"
	"github.com/merklekv/merklekv/internal/transport"
)

type fakeTransport struct {
	published map[string][]byte
	state     transport.State
	stream    chan transport.State
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: make(map[string][]byte), state: transport.StateReady, stream: make(chan transport.State, 1)}
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.published[topic] = payload
	return nil
}
func (f *fakeTransport) PublishRetained(_ context.Context, topic string, payload []byte) error {
	f.published[topic] = payload
	return nil
}
func (f *fakeTransport) Subscribe(_ context.Context, _ string, _ mqtt.MessageHandler) error {
	return nil
}
func (f *fakeTransport) State() transport.State                        { return f.state }
func (f *fakeTransport) ConnectionStateStream() <-chan transport.State { return f.stream }

func testConfig() config.Config {
	c := config.Default()
	c.NodeID = "n1"
	c.ClientID = "d1"
	return c
}

func TestPublishCommandOwnTopicAllowed(t *testing.T) {
	tr := newFakeTransport()
	r := New(testConfig(), tr)
	require.NoError(t, r.PublishCommand(context.Background(), "d1", []byte("x")))
	require.Contains(t, tr.published, "merkle_kv/d1/cmd")
}

func TestPublishCommandCrossClientDeniedWithoutNetworkCall(t *testing.T) {
	// Invariant 9 / S7.
	tr := newFakeTransport()
	r := New(testConfig(), tr)
	err := r.PublishCommand(context.Background(), "d2", []byte("x"))
	require.Error(t, err)
	ee, ok := err.(*errs.Error)
	require.True(t, ok)
	require.Equal(t, errs.CodeAuthzCommand, ee.Code)
	require.Empty(t, tr.published) // never hit the network
}

func TestPublishCommandControllerMayPublishToAnyClient(t *testing.T) {
	cfg := testConfig()
	cfg.IsController = true
	tr := newFakeTransport()
	r := New(cfg, tr)
	require.NoError(t, r.PublishCommand(context.Background(), "d2", []byte("x")))
	require.Contains(t, tr.published, "merkle_kv/d2/cmd")
}

func TestPublishReplicationDeniedWhenAccessNone(t *testing.T) {
	cfg := testConfig()
	cfg.ReplicationAccess = config.ReplicationNone
	tr := newFakeTransport()
	r := New(cfg, tr)
	err := r.PublishReplicationEvent(context.Background(), []byte("x"))
	require.Error(t, err)
	ee, ok := err.(*errs.Error)
	require.True(t, ok)
	require.Equal(t, errs.CodeAuthzReplicate, ee.Code)
}

func TestPublishReplicationAllowedByDefault(t *testing.T) {
	tr := newFakeTransport()
	r := New(testConfig(), tr)
	require.NoError(t, r.PublishReplicationEvent(context.Background(), []byte("x")))
	require.Contains(t, tr.published, "merkle_kv/replication/events")
}

func TestWaitForRestoreReturnsImmediatelyWhenAlreadyReady(t *testing.T) {
	tr := newFakeTransport()
	r := New(testConfig(), tr)
	require.NoError(t, r.WaitForRestore(context.Background(), 0))
}
