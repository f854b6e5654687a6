// Package config defines MerkleKV's immutable configuration surface and the
// canonical MQTT topic scheme. It generalizes the teacher's flag-driven
// cmd/server/main.go startup (where quorum parameters were validated before
// the store was opened) to the full set of options in spec.md §6.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/merklekv/merklekv/internal/errs"
)

// ReplicationAccess gates whether this node may publish/consume replication
// traffic at all (§4.4).
type ReplicationAccess string

const (
	ReplicationNone      ReplicationAccess = "none"
	ReplicationRead      ReplicationAccess = "read"
	ReplicationReadWrite ReplicationAccess = "read_write"
)

// BatteryConfig drives the adaptive behavior described in §3/§6. The engine
// never reads a real battery; callers feed BatteryStatus updates in.
type BatteryConfig struct {
	LowThreshold      int  `yaml:"low_threshold"`
	CriticalThreshold int  `yaml:"critical_threshold"`
	AdaptiveKeepalive bool `yaml:"adaptive_keepalive"`
	AdaptiveSync      bool `yaml:"adaptive_sync"`
	ThrottleOps       bool `yaml:"throttle_ops"`
	ReduceBackground  bool `yaml:"reduce_background"`
}

func defaultBatteryConfig() BatteryConfig {
	return BatteryConfig{
		LowThreshold:      20,
		CriticalThreshold: 5,
		AdaptiveKeepalive: true,
		AdaptiveSync:      true,
		ThrottleOps:       true,
		ReduceBackground:  true,
	}
}

// Config is the full, immutable configuration surface (§6). Construct with
// Default(), then apply overrides, then call Validate().
type Config struct {
	MQTTHost                 string            `yaml:"mqtt_host"`
	MQTTPort                 int               `yaml:"mqtt_port"`
	TLSEnabled                bool              `yaml:"tls_enabled"`
	Username                 string            `yaml:"username"`
	Password                 string            `yaml:"password"`
	ClientID                 string            `yaml:"client_id"`
	NodeID                   string            `yaml:"node_id"`
	TopicPrefix              string            `yaml:"topic_prefix"`
	KeepaliveSeconds         int               `yaml:"keepalive_seconds"`
	SessionExpirySeconds     int               `yaml:"session_expiry_seconds"`
	ConnectionTimeoutSeconds int               `yaml:"connection_timeout_seconds"`
	PersistencePath          string            `yaml:"persistence_path"`
	ReplicationAccess        ReplicationAccess `yaml:"replication_access"`
	IsController             bool              `yaml:"is_controller"`
	Battery                  BatteryConfig      `yaml:"battery_config"`
	AntiEntropyRatePerSec    float64           `yaml:"anti_entropy_rate_per_sec"`

	// AntiEntropyPeers is the set of peer client_ids this node runs SYNC
	// cycles against. Peer discovery/membership is out of scope (§1
	// Non-goals exclude a consistency/membership layer); a node that needs
	// dynamic peer discovery supplies this list from whatever external
	// mechanism it uses (static config, a directory service, etc.) and
	// reloads it independently of this package.
	AntiEntropyPeers []string `yaml:"anti_entropy_peers"`

	// AntiEntropyCycleSeconds is how often the background scheduler attempts
	// one SYNC cycle per configured peer (distinct from the token-bucket
	// rate that bounds how many SYNC requests may be *initiated*, §4.7).
	AntiEntropyCycleSeconds int `yaml:"anti_entropy_cycle_seconds"`

	// OutboxHighWaterMark bounds the replication outbox before Backpressure
	// is returned to callers (§5 "Backpressure").
	OutboxHighWaterMark int `yaml:"outbox_high_water_mark"`
}

// Default returns the baseline configuration; callers override fields before
// calling Validate.
func Default() Config {
	return Config{
		MQTTHost:                 "localhost",
		MQTTPort:                 1883,
		TLSEnabled:               false,
		ClientID:                 "",
		NodeID:                   "",
		TopicPrefix:              "merkle_kv",
		KeepaliveSeconds:         60,
		SessionExpirySeconds:     24 * 3600,
		ConnectionTimeoutSeconds: 30,
		ReplicationAccess:        ReplicationReadWrite,
		IsController:             false,
		Battery:                  defaultBatteryConfig(),
		AntiEntropyRatePerSec:    5,
		AntiEntropyCycleSeconds:  60,
		OutboxHighWaterMark:      10_000,
	}
}

// LoadYAML decodes a YAML config file into a new Config, starting from
// Default() values. Unknown keys are rejected (strict decoding), matching
// §9's "unknown keys are rejected at parse time" rule.
func LoadYAML(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errs.Internal("open config file", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errs.Validation(fmt.Sprintf("config file %s: %v", path, err))
	}
	return cfg, nil
}

var topicCharRe = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)

// Validate enforces every bound named in §6's configuration surface and topic
// scheme validation rules.
func (c Config) Validate() error {
	if c.NodeID == "" || len(c.NodeID) > 128 {
		return errs.Validation("node_id must be 1-128 bytes")
	}
	if !isValidUTF8Printable(c.NodeID) {
		return errs.Validation("node_id must be UTF-8 without control characters")
	}
	if c.ClientID == "" {
		return errs.Validation("client_id is required")
	}
	if len(c.ClientID) > 128 {
		return errs.Validation("client_id must be <= 128 bytes")
	}
	if !topicCharRe.MatchString(c.ClientID) {
		return errs.Validation("client_id must match [A-Za-z0-9_/-]")
	}
	if len(c.TopicPrefix) == 0 || len(c.TopicPrefix) > 50 {
		return errs.Validation("topic_prefix must be 1-50 bytes")
	}
	if !topicCharRe.MatchString(c.TopicPrefix) {
		return errs.Validation("topic_prefix must match [A-Za-z0-9_/-]")
	}
	if strings.ContainsAny(c.TopicPrefix+c.ClientID, "+#") {
		return errs.Validation("topic_prefix/client_id must not contain MQTT wildcards")
	}
	switch c.ReplicationAccess {
	case ReplicationNone, ReplicationRead, ReplicationReadWrite:
	default:
		return errs.Validation("replication_access must be one of none|read|read_write")
	}
	if (c.Username != "" || c.Password != "") && !c.TLSEnabled {
		return errs.Validation("tls_enabled is required when credentials are present")
	}
	if c.KeepaliveSeconds <= 0 {
		return errs.Validation("keepalive_seconds must be positive")
	}
	if c.AntiEntropyRatePerSec <= 0 {
		return errs.Validation("anti_entropy_rate_per_sec must be positive")
	}
	if c.AntiEntropyCycleSeconds <= 0 {
		return errs.Validation("anti_entropy_cycle_seconds must be positive")
	}
	if c.OutboxHighWaterMark < 0 {
		return errs.Validation("outbox_high_water_mark must be >= 0")
	}
	// Validate every derived topic fits the 100-byte cap (§4.4).
	for _, t := range []string{c.CommandTopic(), c.ResponseTopic(), c.ReplicationTopic(), c.ModeMarkerTopic(), c.SyncResponseTopic()} {
		if len(t) > 100 {
			return errs.Validation(fmt.Sprintf("derived topic %q exceeds 100 bytes", t))
		}
	}
	return nil
}

// ─── Canonical topic scheme (§4.4 / §6) ───────────────────────────────────────

func (c Config) CommandTopic() string {
	return fmt.Sprintf("%s/%s/cmd", c.TopicPrefix, c.ClientID)
}

func (c Config) ResponseTopic() string {
	return fmt.Sprintf("%s/%s/res", c.TopicPrefix, c.ClientID)
}

func (c Config) ReplicationTopic() string {
	return fmt.Sprintf("%s/replication/events", c.TopicPrefix)
}

func (c Config) ModeMarkerTopic() string {
	return fmt.Sprintf("%s/mode/marker", c.TopicPrefix)
}

// SyncRequestTopicFor and SyncResponseTopic carry the anti-entropy
// SYNC/SYNC_KEYS round-trip (§4.7). Not enumerated in spec.md's topic list
// (which only names cmd/res/replication/mode-marker) because the original
// spec treats the anti-entropy PeerClient as an abstract RPC; this node's
// concrete wire carries that RPC over MQTT the same way commands are
// carried, so it needs its own per-client inbox/outbox pair.
func (c Config) SyncRequestTopicFor(clientID string) string {
	return fmt.Sprintf("%s/%s/sync/req", c.TopicPrefix, clientID)
}

func (c Config) SyncResponseTopicFor(clientID string) string {
	return fmt.Sprintf("%s/%s/sync/res", c.TopicPrefix, clientID)
}

// SyncResponseTopic is this node's own sync response inbox.
func (c Config) SyncResponseTopic() string {
	return c.SyncResponseTopicFor(c.ClientID)
}

// CommandTopicFor derives the command inbox for an arbitrary client id, used
// by the router's authz pre-check (§4.4) and by controllers publishing to
// other devices.
func (c Config) CommandTopicFor(clientID string) string {
	return fmt.Sprintf("%s/%s/cmd", c.TopicPrefix, clientID)
}

func (c Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

func (c Config) SessionExpiry() time.Duration {
	return time.Duration(c.SessionExpirySeconds) * time.Second
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// ValidTopicSegment reports whether s is safe to splice into a topic path:
// non-empty, <=128 bytes, and restricted to the allowed character class with
// no MQTT wildcards (§4.4). Used by the router's cross-client authz
// pre-check on an arbitrary target client_id.
func ValidTopicSegment(s string) bool {
	return s != "" && len(s) <= 128 && topicCharRe.MatchString(s)
}

func isValidUTF8Printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == 0 || r < 0x20 {
			return false
		}
	}
	return true
}
