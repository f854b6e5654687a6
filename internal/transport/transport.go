// Package transport implements the MQTT Transport (C2): connection
// lifecycle, QoS=1 enforcement, TLS, Last Will, exponential-backoff
// reconnect with jitter, and SUBACK-gated subscription restoration.
//
// Grounded on the teacher's internal/cluster/replicator.go retry idiom
// (sendReplicateRequest's bounded retry loop), generalized from "retry one
// RPC call" to "retry a persistent broker connection", and on
// cmd/server/main.go's ticker-driven background goroutine style for the
// broadcast streams.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/merklekv/merklekv/internal/errs"
)

// State is a Connection Lifecycle state (spec §4.8).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRestoring
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRestoring:
		return "restoring"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Config configures one MQTT connection (spec §4.3, §6).
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	TLSEnabled    bool
	MinTLSVersion uint16 // defaults to tls.VersionTLS12 when zero

	KeepAlive          time.Duration
	// SessionExpiry is carried for configuration-surface completeness (spec
	// §4.3 "Session Expiry=24h") but is NOT currently sent on the wire: see
	// buildOptions below and the Open Questions entry in DESIGN.md (C2) —
	// eclipse/paho.mqtt.golang speaks MQTT 3.1.1 only, which has no
	// Session-Expiry-Interval CONNECT property to set. CleanSession(false)
	// still gets the broker-default (no expiry / broker-policy-defined)
	// persistent session semantics.
	SessionExpiry      time.Duration
	ConnectTimeout     time.Duration
	SubscribeTimeout   time.Duration // per-topic SUBACK wait before "restored with timeout"
	LastWillTopic      string
	LastWillPayload    []byte
}

func (c Config) brokerURL() string {
	scheme := "tcp"
	if c.TLSEnabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// Client wraps a paho MQTT client with the lifecycle and reconnect contract
// the rest of the node depends on. All application traffic is published at
// QoS=1 with retain=false, except the one broker-mode marker topic which the
// router is permitted to flag for retain=true (spec §6).
type Client struct {
	cfg Config
	log zerolog.Logger

	cli mqtt.Client

	mu         sync.Mutex
	subs       map[string]mqtt.MessageHandler
	state      atomic.Int32
	attempt    atomic.Int32
	canceled   atomic.Bool
	reconnects atomic.Uint64

	stateStream  *Broadcaster[State]
	subackStream *Broadcaster[string]
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.MinTLSVersion == 0 {
		cfg.MinTLSVersion = tls.VersionTLS12
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.SubscribeTimeout == 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:          cfg,
		log:          log.With().Str("component", "transport").Str("client_id", cfg.ClientID).Logger(),
		subs:         make(map[string]mqtt.MessageHandler),
		stateStream:  NewBroadcaster[State](),
		subackStream: NewBroadcaster[string](),
	}
	c.setState(StateDisconnected)
	c.cli = mqtt.NewClient(c.buildOptions())
	return c
}

func (c *Client) buildOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.brokerURL())
	opts.SetClientID(c.cfg.ClientID)
	opts.SetCleanSession(false) // Clean Start=false (spec §4.3)
	// c.cfg.SessionExpiry is intentionally not applied here: MQTT 3.1.1 (all
	// this client speaks) has no Session-Expiry-Interval CONNECT property,
	// only the Clean Session bit above. See the field doc comment and
	// DESIGN.md's C2 Open Questions entry.
	opts.SetOrderMatters(true)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false) // we drive our own backoff+jitter loop instead

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
		c.cfg.TLSEnabled = true // credentials imply TLS required (spec §6)
	}
	if c.cfg.TLSEnabled {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: c.cfg.MinTLSVersion,
			ServerName: c.cfg.Host,
		})
	}
	if c.cfg.LastWillTopic != "" {
		opts.SetBinaryWill(c.cfg.LastWillTopic, c.cfg.LastWillPayload, 1, false)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.attempt.Store(0)
		c.setState(StateConnected)
		go c.restoreSubscriptions()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Warn().Err(err).Msg("mqtt connection lost")
		c.setState(StateDisconnected)
		if !c.canceled.Load() {
			c.reconnects.Add(1)
			go c.reconnectLoop(context.Background())
		}
	})
	return opts
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.stateStream.Publish(s)
}

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// ReconnectAttempts reports the total number of reconnect sequences started
// after a connection loss, for telemetry (merklekv_transport_reconnects_total).
func (c *Client) ReconnectAttempts() uint64 { return c.reconnects.Load() }

// ConnectionStateStream exposes the lazy broadcast of lifecycle transitions.
func (c *Client) ConnectionStateStream() <-chan State { return c.stateStream.Subscribe() }

// OnSubscribedStream carries a topic name each time its SUBACK is observed
// (spec §4.3 "on_subscribed(topic) stream carrying SUBACKs").
func (c *Client) OnSubscribedStream() <-chan string { return c.subackStream.Subscribe() }

// Connect starts the connection attempt loop. It returns once the client
// reaches at least Connected (not necessarily Ready — callers that need to
// know subscriptions are restored should watch ConnectionStateStream for
// Ready), or ctx is canceled.
func (c *Client) Connect(ctx context.Context) error {
	c.canceled.Store(false)
	c.setState(StateConnecting)
	return c.reconnectLoop(ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) error {
	for {
		if c.canceled.Load() {
			return errs.Cancelled("connect canceled")
		}
		c.setState(StateConnecting)
		token := c.cli.Connect()
		done := make(chan struct{})
		go func() { token.Wait(); close(done) }()

		select {
		case <-ctx.Done():
			return errs.Cancelled("connect canceled")
		case <-done:
		}

		if token.Error() == nil {
			return nil // OnConnectHandler drives state -> Connected -> Restoring -> Ready
		}

		attempt := int(c.attempt.Add(1)) - 1
		delay := nextBackoff(attempt)
		c.log.Warn().Err(token.Error()).Dur("retry_in", delay).Msg("mqtt connect failed, retrying")

		select {
		case <-ctx.Done():
			return errs.Cancelled("connect canceled")
		case <-time.After(delay):
		}
	}
}

// restoreSubscriptions re-issues every previously-held subscription after a
// (re)connect and waits for each topic's SUBACK (or its per-topic timeout)
// before signaling Ready (spec §4.3/§4.4/§4.8, invariant 8 "SUBACK barrier").
func (c *Client) restoreSubscriptions() {
	c.setState(StateRestoring)

	c.mu.Lock()
	topics := make(map[string]mqtt.MessageHandler, len(c.subs))
	for t, h := range c.subs {
		topics[t] = h
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for topic, handler := range topics {
		wg.Add(1)
		go func(topic string, handler mqtt.MessageHandler) {
			defer wg.Done()
			token := c.cli.Subscribe(topic, 1, handler)
			ok := token.WaitTimeout(c.cfg.SubscribeTimeout)
			if ok && token.Error() == nil {
				c.subackStream.Publish(topic)
			} else {
				c.log.Warn().Str("topic", topic).Msg("subscription restore timed out or failed")
			}
		}(topic, handler)
	}
	wg.Wait()

	if c.State() == StateRestoring {
		c.setState(StateReady)
	}
}

// Disconnect closes the connection. suppressLWT=true performs a graceful
// MQTT DISCONNECT, which tells the broker not to publish this client's Last
// Will (spec §4.3 "disconnect(suppressLWT=true) for graceful shutdown"); a
// false value leaves the TCP connection to lapse so the broker does
// publish the Will, used only for deliberately exercising LWT in tests.
func (c *Client) Disconnect(suppressLWT bool) {
	c.canceled.Store(true)
	c.setState(StateDisconnecting)
	if suppressLWT {
		c.cli.Disconnect(250)
	}
	c.setState(StateDisconnected)
}

// Publish sends payload at QoS=1 and blocks until the broker PUBACKs, ctx is
// done, or the client disconnects. retain must be false for all application
// traffic except the broker-mode probe marker (spec §6).
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.publish(ctx, topic, payload, false)
}

// PublishRetained is the narrow exception for the broker-mode probe marker
// topic (spec §6); application data must never use this.
func (c *Client) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return c.publish(ctx, topic, payload, true)
}

func (c *Client) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	token := c.cli.Publish(topic, 1, retain, payload)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		return errs.Cancelled("publish canceled")
	case <-done:
	}
	if err := token.Error(); err != nil {
		return errs.Transport("mqtt publish failed", err)
	}
	return nil
}

// Subscribe registers topic for re-subscription across reconnects and
// subscribes immediately if already connected.
func (c *Client) Subscribe(ctx context.Context, topic string, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if c.State() != StateReady && c.State() != StateConnected {
		return nil // will be restored once connected
	}
	token := c.cli.Subscribe(topic, 1, handler)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return errs.Cancelled("subscribe canceled")
	case <-done:
	}
	if err := token.Error(); err != nil {
		return errs.Transport("mqtt subscribe failed", err)
	}
	c.subackStream.Publish(topic)
	return nil
}

// Unsubscribe removes topic from the restoration set and unsubscribes from
// the broker.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	token := c.cli.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return errs.Transport("mqtt unsubscribe failed", err)
	}
	return nil
}

// Close tears down broadcast streams after Disconnect.
func (c *Client) Close() {
	c.stateStream.Close()
	c.subackStream.Close()
}
