// Package config loads the trosyncd configuration file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the trosyncd configuration file.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Security  SecurityConfig  `toml:"security"`
	Sync      SyncConfig      `toml:"sync"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	SyncPort int    `toml:"sync_port"`
}

// DiscoveryConfig controls how peers are found.
type DiscoveryConfig struct {
	MulticastGroup string   `toml:"multicast_group"`
	MulticastPort  int      `toml:"multicast_port"`
	Interval       duration `toml:"interval"`
	StaleAfter     duration `toml:"stale_after"`
	MDNS           bool     `toml:"mdns"`
}

// SecurityConfig carries credential material and auth policy.
type SecurityConfig struct {
	PSKID            string   `toml:"psk_id"`
	PSK              string   `toml:"psk"`         // hex; prefer psk_keyring
	PSKFromKeyring   bool     `toml:"psk_keyring"` // load PSK from the OS keyring by psk_id
	KeyFile          string   `toml:"key_file"`    // optional Ed25519 private key (PEM)
	UseSSL           bool     `toml:"use_ssl"`
	SessionTTL       duration `toml:"session_ttl"`
	LockoutThreshold int      `toml:"lockout_threshold"`
	LockoutCooldown  duration `toml:"lockout_cooldown"`
	MessageTTL       duration `toml:"message_ttl"`
}

// SyncConfig tunes the connection manager and sync engine.
type SyncConfig struct {
	HeartbeatInterval        duration `toml:"heartbeat_interval"`
	MissedHeartbeatThreshold int      `toml:"missed_heartbeat_threshold"`
	MaxRetries               int      `toml:"max_retries"`
	ChunkSize                int      `toml:"chunk_size"`
	MaxInflightTransfers     int      `toml:"max_inflight_transfers"`
	SyncInterval             duration `toml:"sync_interval"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// duration lets TOML carry values like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with sensible defaults. The node id is random
// per call; persist the config to keep a stable identity.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       randomNodeID(),
			Name:     defaultNodeName(),
			SyncPort: 5001,
		},
		Discovery: DiscoveryConfig{
			MulticastGroup: "239.255.43.21",
			MulticastPort:  5000,
			Interval:       duration{30 * time.Second},
			StaleAfter:     duration{90 * time.Second},
			MDNS:           false,
		},
		Security: SecurityConfig{
			UseSSL:           false,
			SessionTTL:       duration{time.Hour},
			LockoutThreshold: 5,
			LockoutCooldown:  duration{5 * time.Minute},
			MessageTTL:       duration{30 * time.Second},
		},
		Sync: SyncConfig{
			HeartbeatInterval:        duration{10 * time.Second},
			MissedHeartbeatThreshold: 3,
			MaxRetries:               3,
			ChunkSize:                64 * 1024,
			MaxInflightTransfers:     4,
			SyncInterval:             duration{60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from path, layering it over defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configs that cannot work.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id must not be empty")
	}
	if c.Node.SyncPort <= 0 || c.Node.SyncPort > 65535 {
		return fmt.Errorf("node.sync_port %d out of range", c.Node.SyncPort)
	}
	if c.Discovery.MulticastPort <= 0 || c.Discovery.MulticastPort > 65535 {
		return fmt.Errorf("discovery.multicast_port %d out of range", c.Discovery.MulticastPort)
	}
	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("sync.chunk_size must be positive")
	}
	if c.Sync.MaxInflightTransfers <= 0 {
		return fmt.Errorf("sync.max_inflight_transfers must be positive")
	}
	return nil
}

// PSKBytes decodes the inline hex PSK, if configured.
func (c *Config) PSKBytes() ([]byte, error) {
	if c.Security.PSK == "" {
		return nil, nil
	}
	psk, err := hex.DecodeString(c.Security.PSK)
	if err != nil {
		return nil, fmt.Errorf("decode security.psk: %w", err)
	}
	return psk, nil
}

func randomNodeID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("config: read entropy: %v", err))
	}
	return hex.EncodeToString(b)
}

func defaultNodeName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "trosyn-node"
	}
	return hostname
}
