package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"trosyn.dev/go/trosync/internal/registry"
)

const (
	mdnsServiceType   = "_trosync._tcp"
	mdnsDomain        = "local."
	mdnsBrowseTimeout = 5 * time.Second
)

// MDNS supplements multicast discovery with zeroconf advertising and
// browsing. Entries it finds flow into the same registry; authentication
// still happens over the sync connection, so unverified mDNS data only
// ever produces Discovered nodes.
type MDNS struct {
	nodeID   string
	nodeName string
	syncPort int
	registry *registry.Registry
	interval time.Duration

	mu      sync.Mutex
	running bool
	server  *zeroconf.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMDNS creates the mDNS supplement.
func NewMDNS(nodeID, nodeName string, syncPort int, reg *registry.Registry, interval time.Duration) *MDNS {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MDNS{
		nodeID:   nodeID,
		nodeName: nodeName,
		syncPort: syncPort,
		registry: reg,
		interval: interval,
	}
}

// Start registers the service and begins periodic browsing.
func (m *MDNS) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	txt := []string{
		"id=" + m.nodeID,
		"name=" + m.nodeName,
		"v=1",
	}
	server, err := zeroconf.Register(m.nodeName, mdnsServiceType, mdnsDomain, m.syncPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.server = server
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.browseLoop(ctx)

	slog.Info("mdns discovery started", "instance", m.nodeName, "port", m.syncPort)
	return nil
}

// Stop shuts down advertising and browsing.
func (m *MDNS) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	slog.Info("mdns discovery stopped")
}

func (m *MDNS) browseLoop(ctx context.Context) {
	defer m.wg.Done()

	m.browse(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.browse(ctx)
		}
	}
}

func (m *MDNS) browse(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Debug("mdns resolver error", "error", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, mdnsBrowseTimeout)
	defer cancel()

	go func() {
		for entry := range entries {
			m.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(browseCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		slog.Debug("mdns browse error", "error", err)
		return
	}
	<-browseCtx.Done()
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	var nodeID, name string
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "id="):
			nodeID = txt[3:]
		case strings.HasPrefix(txt, "name="):
			name = txt[5:]
		}
	}
	if nodeID == "" || nodeID == m.nodeID {
		return
	}

	var host string
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	} else {
		return
	}
	addr := host + ":" + strconv.Itoa(entry.Port)

	_, known := m.registry.Upsert(registry.Node{
		NodeID: nodeID,
		Name:   name,
		Addr:   addr,
	})
	if !known {
		slog.Info("peer discovered via mdns", "node", nodeID, "name", name, "addr", addr)
	}
}
