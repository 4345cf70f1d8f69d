package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Node.ID == "" {
		t.Error("default node id empty")
	}
	if cfg.Node.SyncPort != 5001 {
		t.Errorf("sync_port = %d, want 5001", cfg.Node.SyncPort)
	}
	if cfg.Discovery.MulticastGroup != "239.255.43.21" {
		t.Errorf("multicast group = %q", cfg.Discovery.MulticastGroup)
	}
	if cfg.Discovery.Interval.Duration != 30*time.Second {
		t.Errorf("discovery interval = %v", cfg.Discovery.Interval.Duration)
	}
	if cfg.Discovery.StaleAfter.Duration != 90*time.Second {
		t.Errorf("stale_after = %v", cfg.Discovery.StaleAfter.Duration)
	}
	if cfg.Security.SessionTTL.Duration != time.Hour {
		t.Errorf("session_ttl = %v", cfg.Security.SessionTTL.Duration)
	}
	if cfg.Sync.ChunkSize != 64*1024 {
		t.Errorf("chunk_size = %d", cfg.Sync.ChunkSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.SyncPort != 5001 {
		t.Errorf("sync_port = %d, want default 5001", cfg.Node.SyncPort)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	raw := `
[node]
id = "node-a"
name = "alpha"
sync_port = 7001

[discovery]
interval = "5s"
mdns = true

[security]
psk = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
session_ttl = "30m"

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.ID != "node-a" || cfg.Node.Name != "alpha" {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.Node.SyncPort != 7001 {
		t.Errorf("sync_port = %d", cfg.Node.SyncPort)
	}
	if cfg.Discovery.Interval.Duration != 5*time.Second {
		t.Errorf("interval = %v", cfg.Discovery.Interval.Duration)
	}
	if !cfg.Discovery.MDNS {
		t.Error("mdns not set")
	}
	// Keys absent from the file keep their defaults.
	if cfg.Discovery.MulticastPort != 5000 {
		t.Errorf("multicast_port = %d, want default", cfg.Discovery.MulticastPort)
	}
	if cfg.Security.SessionTTL.Duration != 30*time.Minute {
		t.Errorf("session_ttl = %v", cfg.Security.SessionTTL.Duration)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q", cfg.Logging.Format)
	}

	psk, err := cfg.PSKBytes()
	if err != nil {
		t.Fatalf("PSKBytes: %v", err)
	}
	if len(psk) != 32 {
		t.Errorf("psk length = %d, want 32", len(psk))
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	raw := `
[node]
id = "node-a"
sync_port = 99999
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Node.ID = "node-rt"
	cfg.Sync.ChunkSize = 128 * 1024
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Node.ID != "node-rt" {
		t.Errorf("id = %q", loaded.Node.ID)
	}
	if loaded.Sync.ChunkSize != 128*1024 {
		t.Errorf("chunk_size = %d", loaded.Sync.ChunkSize)
	}
}
