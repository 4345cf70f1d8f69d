package daemon

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects operational counters for the daemon. Counters are
// atomic; per-type maps take a small lock.
type Metrics struct {
	startTime time.Time

	MessagesReceived atomic.Int64
	MessagesSent     atomic.Int64
	BytesReceived    atomic.Int64
	BytesSent        atomic.Int64

	PeersConnected    atomic.Int64 // cumulative
	PeersDisconnected atomic.Int64

	SyncRounds        atomic.Int64
	DocsApplied       atomic.Int64
	ConflictsDetected atomic.Int64
	TransfersResumed  atomic.Int64

	RateLimitDrops atomic.Int64
	ReplayDrops    atomic.Int64
	VerifyFailures atomic.Int64
	AuthFailures   atomic.Int64

	msgCountersMu sync.RWMutex
	msgReceived   map[string]int64
	msgSent       map[string]int64

	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int
}

// ErrorEntry records one error event in the ring.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Peer    string    `json:"peer,omitempty"`
}

const maxErrorEntries = 100

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:   time.Now(),
		msgReceived: make(map[string]int64),
		msgSent:     make(map[string]int64),
		errors:      make([]ErrorEntry, maxErrorEntries),
	}
}

// PeerConnected implements connmgr.MetricsSink.
func (m *Metrics) PeerConnected() {
	m.PeersConnected.Add(1)
}

// PeerDisconnected implements connmgr.MetricsSink.
func (m *Metrics) PeerDisconnected() {
	m.PeersDisconnected.Add(1)
}

// MessageSent implements connmgr.MetricsSink.
func (m *Metrics) MessageSent(msgType string, bytes int) {
	m.MessagesSent.Add(1)
	m.BytesSent.Add(int64(bytes))

	m.msgCountersMu.Lock()
	m.msgSent[msgType]++
	m.msgCountersMu.Unlock()
}

// MessageReceived implements connmgr.MetricsSink.
func (m *Metrics) MessageReceived(msgType string, bytes int) {
	m.MessagesReceived.Add(1)
	m.BytesReceived.Add(int64(bytes))

	m.msgCountersMu.Lock()
	m.msgReceived[msgType]++
	m.msgCountersMu.Unlock()
}

// MessageDropped implements connmgr.MetricsSink.
func (m *Metrics) MessageDropped(reason string) {
	switch reason {
	case "replay":
		m.ReplayDrops.Add(1)
	case "rate_limited":
		m.RateLimitDrops.Add(1)
	default:
		m.VerifyFailures.Add(1)
	}
	m.RecordError("message_dropped", reason, "")
}

// RecordError appends an error event to the ring.
func (m *Metrics) RecordError(errType, message, peer string) {
	entry := ErrorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: message,
		Peer:    peer,
	}
	m.errorsMu.Lock()
	m.errors[m.errorIndex] = entry
	m.errorIndex = (m.errorIndex + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System   SystemMetrics  `json:"system"`
	Counters CounterMetrics `json:"counters"`

	MessagesByType MessageMetrics `json:"messages_by_type"`
	Gauges         GaugeMetrics   `json:"gauges"`
	RecentErrors   []ErrorEntry   `json:"recent_errors"`
}

// SystemMetrics holds runtime information.
type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumCPU       int     `json:"num_cpu"`
	NumGoroutine int     `json:"num_goroutine"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemSysMB     float64 `json:"mem_sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// CounterMetrics holds the cumulative counters.
type CounterMetrics struct {
	MessagesReceived  int64 `json:"messages_received"`
	MessagesSent      int64 `json:"messages_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	BytesSent         int64 `json:"bytes_sent"`
	PeersConnected    int64 `json:"peers_connected"`
	PeersDisconnected int64 `json:"peers_disconnected"`
	SyncRounds        int64 `json:"sync_rounds"`
	DocsApplied       int64 `json:"docs_applied"`
	ConflictsDetected int64 `json:"conflicts_detected"`
	TransfersResumed  int64 `json:"transfers_resumed"`
	RateLimitDrops    int64 `json:"rate_limit_drops"`
	ReplayDrops       int64 `json:"replay_drops"`
	VerifyFailures    int64 `json:"verify_failures"`
	AuthFailures      int64 `json:"auth_failures"`
}

// MessageMetrics breaks down traffic by message type.
type MessageMetrics struct {
	Received map[string]int64 `json:"received"`
	Sent     map[string]int64 `json:"sent"`
}

// GaugeMetrics holds current-state values supplied by the daemon.
type GaugeMetrics struct {
	ConnectedPeers      int `json:"connected_peers"`
	KnownNodes          int `json:"known_nodes"`
	Documents           int `json:"documents"`
	UnresolvedConflicts int `json:"unresolved_conflicts"`
}

// Snapshot returns a point-in-time view of all metrics.
func (m *Metrics) Snapshot(gaugeProvider func() GaugeMetrics) *MetricsSnapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.msgCountersMu.RLock()
	received := make(map[string]int64, len(m.msgReceived))
	for k, v := range m.msgReceived {
		received[k] = v
	}
	sent := make(map[string]int64, len(m.msgSent))
	for k, v := range m.msgSent {
		sent[k] = v
	}
	m.msgCountersMu.RUnlock()

	m.errorsMu.RLock()
	recentErrors := make([]ErrorEntry, 0, maxErrorEntries)
	for i := 0; i < maxErrorEntries; i++ {
		idx := (m.errorIndex - 1 - i + maxErrorEntries) % maxErrorEntries
		if !m.errors[idx].Time.IsZero() {
			recentErrors = append(recentErrors, m.errors[idx])
		}
	}
	m.errorsMu.RUnlock()

	var gauges GaugeMetrics
	if gaugeProvider != nil {
		gauges = gaugeProvider()
	}

	return &MetricsSnapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   float64(memStats.Alloc) / 1024 / 1024,
			MemSysMB:     float64(memStats.Sys) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
		Counters: CounterMetrics{
			MessagesReceived:  m.MessagesReceived.Load(),
			MessagesSent:      m.MessagesSent.Load(),
			BytesReceived:     m.BytesReceived.Load(),
			BytesSent:         m.BytesSent.Load(),
			PeersConnected:    m.PeersConnected.Load(),
			PeersDisconnected: m.PeersDisconnected.Load(),
			SyncRounds:        m.SyncRounds.Load(),
			DocsApplied:       m.DocsApplied.Load(),
			ConflictsDetected: m.ConflictsDetected.Load(),
			TransfersResumed:  m.TransfersResumed.Load(),
			RateLimitDrops:    m.RateLimitDrops.Load(),
			ReplayDrops:       m.ReplayDrops.Load(),
			VerifyFailures:    m.VerifyFailures.Load(),
			AuthFailures:      m.AuthFailures.Load(),
		},
		MessagesByType: MessageMetrics{Received: received, Sent: sent},
		Gauges:         gauges,
		RecentErrors:   recentErrors,
	}
}
