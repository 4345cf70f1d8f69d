package daemon

import (
	"encoding/hex"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"trosyn.dev/go/trosync/internal/config"
	"trosyn.dev/go/trosync/internal/registry"
	"trosyn.dev/go/trosync/internal/vector"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	// Grab a free TCP port for the sync listener.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := config.Default()
	cfg.Node.ID = "daemon-test-node"
	cfg.Node.Name = "daemon-test"
	cfg.Node.SyncPort = port
	cfg.Security.PSKID = "test-psk"
	cfg.Security.PSK = hex.EncodeToString(make([]byte, 32))
	return cfg
}

func TestNewDaemonWiresComponents(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.transport.Close()

	status := d.Status()
	if status.Running {
		t.Error("daemon should not be running before Start")
	}
	if status.NodeID != "daemon-test-node" {
		t.Errorf("status node id = %q", status.NodeID)
	}
	if status.Documents != 0 {
		t.Errorf("fresh daemon has %d documents", status.Documents)
	}
}

func TestNewDaemonRejectsMissingPSK(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.PSK = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error without a pre-shared key")
	}
}

func TestPutDocumentAdvancesStatus(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.transport.Close()

	doc, err := d.PutDocument("notes/a", []byte("hello"))
	if err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	if doc.Vector["daemon-test-node"] != 1 {
		t.Errorf("vector entry = %d, want 1", doc.Vector["daemon-test-node"])
	}

	got, err := d.GetDocument("notes/a")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if string(got.Data) != "hello" {
		t.Errorf("data = %q", got.Data)
	}

	if st := d.Status(); st.Documents != 1 {
		t.Errorf("documents = %d, want 1", st.Documents)
	}
	if n := d.metrics.DocsApplied.Load(); n != 1 {
		t.Errorf("docs applied = %d, want 1", n)
	}
}

func TestApplyDocumentKeepsSuppliedVector(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.transport.Close()

	vv := vector.VersionVector{"other-node": 7}
	if err := d.ApplyDocument("notes/b", []byte("imported"), vv); err != nil {
		t.Fatalf("ApplyDocument: %v", err)
	}

	got, err := d.GetDocument("notes/b")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Vector["other-node"] != 7 {
		t.Errorf("vector = %v, want other-node:7", got.Vector)
	}

	manifest, err := d.GetManifest()
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if _, ok := manifest["notes/b"]; !ok {
		t.Error("applied document missing from manifest")
	}
}

func TestSyncNowWithoutPeers(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.transport.Close()

	if err := d.SyncNow(); err == nil {
		t.Fatal("expected error with no connected peers")
	}
}

func TestUnreachableNodeIsNotAnAuthFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.MaxRetries = 1
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.transport.Close()

	// Reserve a port and close it so the dial is refused, not rejected
	// by a handshake.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	deadAddr := l.Addr().String()
	l.Close()

	d.registry.Upsert(registry.Node{NodeID: "ghost", Name: "ghost", Addr: deadAddr})
	d.connectDiscovered()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := d.metrics.AuthFailures.Load(); got != 0 {
			t.Fatalf("auth failures = %d after a refused dial", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := d.conns.Peer("ghost"); ok {
		t.Error("connected to a closed port")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.MessageSent("heartbeat", 120)
	m.MessageSent("sync_data", 65536)
	m.MessageReceived("sync_ack", 80)
	m.MessageDropped("replay")
	m.MessageDropped("rate_limited")
	m.PeerConnected()
	m.RecordError("handshake", "bad proof", "node-x")

	snap := m.Snapshot(func() GaugeMetrics {
		return GaugeMetrics{ConnectedPeers: 1, Documents: 3}
	})

	if snap.Counters.MessagesSent != 2 {
		t.Errorf("messages sent = %d, want 2", snap.Counters.MessagesSent)
	}
	if snap.Counters.BytesSent != 120+65536 {
		t.Errorf("bytes sent = %d", snap.Counters.BytesSent)
	}
	if snap.Counters.ReplayDrops != 1 || snap.Counters.RateLimitDrops != 1 {
		t.Errorf("drops = %+v", snap.Counters)
	}
	if snap.MessagesByType.Sent["heartbeat"] != 1 {
		t.Errorf("heartbeat sent = %d", snap.MessagesByType.Sent["heartbeat"])
	}
	if snap.Gauges.ConnectedPeers != 1 || snap.Gauges.Documents != 3 {
		t.Errorf("gauges = %+v", snap.Gauges)
	}

	found := false
	for _, e := range snap.RecentErrors {
		if e.Type == "handshake" && e.Peer == "node-x" {
			found = true
		}
	}
	if !found {
		t.Error("recorded error missing from snapshot")
	}
}

func TestLogBufferQuery(t *testing.T) {
	buf := NewLogBuffer(4)
	base := time.Now()
	levels := []string{"debug", "info", "warn", "error", "info"}
	for i, lvl := range levels {
		buf.Add(LogEntry{Time: base.Add(time.Duration(i) * time.Second), Level: lvl, Message: "event " + lvl})
	}

	// Buffer holds 4; the oldest (debug) was evicted.
	all := buf.Query(QueryOpts{})
	if len(all) != 4 {
		t.Fatalf("got %d entries, want 4", len(all))
	}
	if all[0].Level != "info" {
		t.Errorf("newest entry level = %q, want info", all[0].Level)
	}

	warns := buf.Query(QueryOpts{MinLevel: "warn"})
	if len(warns) != 2 {
		t.Fatalf("got %d warn+ entries, want 2", len(warns))
	}

	errs := buf.Query(QueryOpts{Contains: "ERROR"})
	if len(errs) != 1 {
		t.Fatalf("substring match got %d entries, want 1", len(errs))
	}

	limited := buf.Query(QueryOpts{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("limit got %d entries, want 2", len(limited))
	}
}

func TestBufferedHandlerTees(t *testing.T) {
	buf := NewLogBuffer(16)
	var sink strings.Builder
	inner := slog.NewTextHandler(&sink, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(NewBufferedHandler(inner, buf))

	logger.Info("peer connected", "node", "n1")
	logger.With("component", "sync").Warn("transfer stalled")

	if !strings.Contains(sink.String(), "peer connected") {
		t.Error("inner handler did not receive the record")
	}

	entries := buf.Query(QueryOpts{})
	if len(entries) != 2 {
		t.Fatalf("buffered %d entries, want 2", len(entries))
	}
	if entries[0].Message != "transfer stalled" {
		t.Errorf("newest message = %q", entries[0].Message)
	}
	if entries[0].Attrs["component"] != "sync" {
		t.Errorf("WithAttrs attr missing: %v", entries[0].Attrs)
	}
	if entries[1].Attrs["node"] != "n1" {
		t.Errorf("record attr missing: %v", entries[1].Attrs)
	}
}
