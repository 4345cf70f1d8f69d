package daemon

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"trosyn.dev/go/trosync/internal/auth"
	"trosyn.dev/go/trosync/internal/config"
	"trosyn.dev/go/trosync/internal/connmgr"
	"trosyn.dev/go/trosync/internal/discovery"
	"trosyn.dev/go/trosync/internal/engine"
	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/registry"
	"trosyn.dev/go/trosync/internal/security"
	"trosyn.dev/go/trosync/internal/transport"
	"trosyn.dev/go/trosync/internal/vector"
)

// connectInterval is how often the daemon scans the registry for discovered
// but not yet connected nodes.
const connectInterval = 15 * time.Second

// Daemon assembles the sync node: discovery, transport, authentication,
// connection management and the sync engine.
type Daemon struct {
	cfg       *config.Config
	logBuffer *LogBuffer
	metrics   *Metrics

	sec       *security.Manager
	codec     *protocol.Codec
	registry  *registry.Registry
	transport *transport.TCPTransport
	auth      *auth.Manager
	conns     *connmgr.Manager
	store     *engine.MemoryStore
	engine    *engine.Engine
	disco     *discovery.Service
	mdns      *discovery.MDNS

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds a daemon from the configuration. The sync port is bound here
// so a port conflict surfaces before any loop starts.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	psk, err := LoadPSK(cfg)
	if err != nil {
		return nil, err
	}

	secOpts := security.Options{PSKID: cfg.Security.PSKID, PSK: psk}
	if cfg.Security.KeyFile != "" {
		key, err := loadSigningKey(cfg.Security.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		secOpts.SignKey = key
	}
	sec, err := security.NewManager(secOpts)
	if err != nil {
		return nil, err
	}

	codec := protocol.NewCodec(cfg.Node.ID, psk, cfg.Security.MessageTTL.Duration)
	reg := registry.New()

	var tlsPair *transport.TLSPair
	if cfg.Security.UseSSL {
		tc, err := sec.GenerateTLSConfig(cfg.Node.Name)
		if err != nil {
			return nil, fmt.Errorf("generate TLS config: %w", err)
		}
		tlsPair = &transport.TLSPair{
			Server: tc.ServerTLSConfig(),
			Client: tc.ClientTLSConfig,
		}
	}

	tr, err := transport.Listen(cfg.Node.SyncPort, tlsPair)
	if err != nil {
		return nil, err
	}

	authmgr := auth.NewManager(codec, sec, auth.Options{
		NodeName:         cfg.Node.Name,
		SessionTTL:       cfg.Security.SessionTTL.Duration,
		LockoutThreshold: cfg.Security.LockoutThreshold,
		LockoutCooldown:  cfg.Security.LockoutCooldown.Duration,
	})

	metrics := NewMetrics()

	conns := connmgr.New(codec, authmgr, reg, tr, connmgr.Options{
		HeartbeatInterval:        cfg.Sync.HeartbeatInterval.Duration,
		MissedHeartbeatThreshold: cfg.Sync.MissedHeartbeatThreshold,
		MaxRetries:               cfg.Sync.MaxRetries,
	})
	conns.SetMetrics(metrics)

	store := engine.NewMemoryStore(cfg.Node.ID)
	eng := engine.New(cfg.Node.ID, store, conns, engine.Options{
		ChunkSize:    cfg.Sync.ChunkSize,
		MaxInflight:  cfg.Sync.MaxInflightTransfers,
		SyncInterval: cfg.Sync.SyncInterval.Duration,
	})

	disco, err := discovery.New(codec, reg, discovery.Options{
		NodeName:       cfg.Node.Name,
		SyncPort:       cfg.Node.SyncPort,
		MulticastGroup: cfg.Discovery.MulticastGroup,
		MulticastPort:  cfg.Discovery.MulticastPort,
		Interval:       cfg.Discovery.Interval.Duration,
		StaleAfter:     cfg.Discovery.StaleAfter.Duration,
	})
	if err != nil {
		tr.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		metrics:   metrics,
		sec:       sec,
		codec:     codec,
		registry:  reg,
		transport: tr,
		auth:      authmgr,
		conns:     conns,
		store:     store,
		engine:    eng,
		disco:     disco,
	}

	if cfg.Discovery.MDNS {
		d.mdns = discovery.NewMDNS(cfg.Node.ID, cfg.Node.Name, cfg.Node.SyncPort, reg, cfg.Discovery.Interval.Duration)
	}

	// A fresh handshake means manifests may have diverged while apart.
	conns.SetOnConnect(func(nodeID string) {
		d.metrics.SyncRounds.Add(1)
		if err := eng.SyncWithPeer(nodeID); err != nil {
			slog.Debug("sync on connect", "node", nodeID, "error", err)
		}
	})

	reg.OnStale(func(node registry.Node) {
		slog.Info("node went stale", "node", node.NodeID, "name", node.Name)
		conns.Evict(node.NodeID, "discovery timeout")
	})

	return d, nil
}

// SetupLogging installs a process-wide slog logger per the config, teeing
// records into the returned daemon's in-memory buffer.
func (d *Daemon) SetupLogging() {
	var level slog.Level
	switch d.cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if d.cfg.Logging.Format == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}

	d.logBuffer = NewLogBuffer(defaultLogBufferSize)
	slog.SetDefault(slog.New(NewBufferedHandler(inner, d.logBuffer)))
}

// Start brings up discovery, the listener and the sync engine.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon already running")
	}

	if err := d.disco.Start(); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	if d.mdns != nil {
		if err := d.mdns.Start(); err != nil {
			// Multicast discovery still works without mDNS.
			slog.Warn("mdns unavailable", "error", err)
			d.mdns = nil
		}
	}

	d.conns.Start()
	d.engine.Start()

	d.running = true
	d.startedAt = time.Now()
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.connectLoop()

	slog.Info("daemon started",
		"node", d.cfg.Node.ID,
		"name", d.cfg.Node.Name,
		"addr", d.transport.Addr().String())
	return nil
}

// Stop shuts everything down in reverse order of Start.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.engine.Stop()
	d.conns.Stop()
	if d.mdns != nil {
		d.mdns.Stop()
	}
	d.disco.Stop()
	slog.Info("daemon stopped", "node", d.cfg.Node.ID)
}

// connectLoop dials nodes discovery has found but nothing has connected to
// yet. Outbound collisions with inbound handshakes are resolved by the
// connection manager's duplicate check.
func (d *Daemon) connectLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(connectInterval)
	defer ticker.Stop()

	d.connectDiscovered()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.connectDiscovered()
		}
	}
}

func (d *Daemon) connectDiscovered() {
	for _, node := range d.registry.Active() {
		if node.State != registry.StateDiscovered {
			continue
		}
		if _, ok := d.conns.Peer(node.NodeID); ok {
			continue
		}
		node := node
		go func() {
			if _, err := d.conns.ConnectWithRetry(node); err != nil {
				slog.Debug("connect failed", "node", node.NodeID, "addr", node.Addr, "error", err)
				// Dial timeouts and refused connections are not auth
				// failures; only count rejected handshakes.
				if errors.Is(err, auth.ErrAuthFailed) || errors.Is(err, auth.ErrLockedOut) {
					d.metrics.AuthFailures.Add(1)
				}
			}
		}()
	}
}

// Status is a point-in-time summary for the CLI.
type Status struct {
	NodeID    string    `json:"node_id"`
	NodeName  string    `json:"node_name"`
	Addr      string    `json:"addr"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`

	KnownNodes     int `json:"known_nodes"`
	ConnectedPeers int `json:"connected_peers"`
	Documents      int `json:"documents"`
	Conflicts      int `json:"conflicts"`
}

// Status reports the current daemon state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	running := d.running
	started := d.startedAt
	d.mu.Unlock()

	return Status{
		NodeID:         d.cfg.Node.ID,
		NodeName:       d.cfg.Node.Name,
		Addr:           d.transport.Addr().String(),
		Running:        running,
		StartedAt:      started,
		KnownNodes:     len(d.registry.Snapshot()),
		ConnectedPeers: len(d.conns.Peers()),
		Documents:      d.store.Len(),
		Conflicts:      len(d.engine.Conflicts()),
	}
}

// MetricsSnapshot returns the full metrics view including gauges.
func (d *Daemon) MetricsSnapshot() *MetricsSnapshot {
	return d.metrics.Snapshot(func() GaugeMetrics {
		unresolved := 0
		for _, c := range d.engine.Conflicts() {
			if !c.Resolved {
				unresolved++
			}
		}
		return GaugeMetrics{
			ConnectedPeers:      len(d.conns.Peers()),
			KnownNodes:          len(d.registry.Snapshot()),
			Documents:           d.store.Len(),
			UnresolvedConflicts: unresolved,
		}
	})
}

// Logs queries the in-memory log buffer. Returns nil when logging was not
// routed through SetupLogging.
func (d *Daemon) Logs(opts QueryOpts) []LogEntry {
	if d.logBuffer == nil {
		return nil
	}
	return d.logBuffer.Query(opts)
}

// Nodes lists everything the registry knows.
func (d *Daemon) Nodes() []registry.Node {
	return d.registry.Snapshot()
}

// Peers lists currently connected peers.
func (d *Daemon) Peers() []*connmgr.Peer {
	return d.conns.Peers()
}

// Conflicts lists recorded sync conflicts, resolved and not.
func (d *Daemon) Conflicts() []engine.ConflictRecord {
	return d.engine.Conflicts()
}

// PutDocument stores or replaces a local document and advances its version
// vector. Connected peers pick it up on the next sync round.
func (d *Daemon) PutDocument(docID string, data []byte) (engine.Doc, error) {
	doc, err := d.store.Put(docID, data)
	if err != nil {
		return engine.Doc{}, err
	}
	d.metrics.DocsApplied.Add(1)
	return doc, nil
}

// ApplyDocument writes a document with an externally supplied version
// vector, for storage layers that track causality themselves.
func (d *Daemon) ApplyDocument(docID string, data []byte, vv vector.VersionVector) error {
	err := d.store.Apply(engine.Doc{
		ID:          docID,
		Data:        data,
		Vector:      vv,
		ContentHash: engine.ContentHash(data),
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	d.metrics.DocsApplied.Add(1)
	return nil
}

// GetDocument reads a local document.
func (d *Daemon) GetDocument(docID string) (engine.Doc, error) {
	return d.store.ReadDoc(docID)
}

// GetManifest returns the local manifest: per-document version vector,
// content hash, size and update time.
func (d *Daemon) GetManifest() (map[string]protocol.ManifestDigest, error) {
	return d.store.GetManifest()
}

// SyncNow runs an immediate sync round against every connected peer.
func (d *Daemon) SyncNow() error {
	peers := d.conns.Peers()
	if len(peers) == 0 {
		return errors.New("no connected peers")
	}
	d.metrics.SyncRounds.Add(1)
	var firstErr error
	for _, p := range peers {
		if err := d.engine.SyncWithPeer(p.NodeID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadPSK resolves the cluster pre-shared key: TROSYNC_PSK env var first,
// then the OS keyring, then the inline hex value in the config.
func LoadPSK(cfg *config.Config) ([]byte, error) {
	if v := os.Getenv("TROSYNC_PSK"); v != "" {
		psk, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode TROSYNC_PSK: %w", err)
		}
		return psk, nil
	}
	if cfg.Security.PSKFromKeyring {
		psk, err := security.PSKFromKeyring(cfg.Security.PSKID)
		if err != nil {
			return nil, fmt.Errorf("load PSK from keyring: %w", err)
		}
		return psk, nil
	}
	return cfg.PSKBytes()
}

// loadSigningKey reads a PKCS#8 Ed25519 private key in PEM form.
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an Ed25519 key", path)
	}
	return edKey, nil
}
