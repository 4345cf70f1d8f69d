// Package connmgr maintains authenticated connections to peers: it accepts
// inbound connections, dials discovered nodes, runs the handshake, and keeps
// per-peer send/receive/heartbeat loops with reconnect on failure.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"trosyn.dev/go/trosync/internal/auth"
	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/registry"
	"trosyn.dev/go/trosync/internal/security"
	"trosyn.dev/go/trosync/internal/transport"
)

const (
	// sendBuffer is the per-peer outgoing queue depth.
	sendBuffer = 100

	// maxDropsBeforeDisconnect closes a peer that keeps tripping the rate
	// limiter or sending unverifiable frames.
	maxDropsBeforeDisconnect = 100

	// handshakeTimeout bounds the auth exchange on a fresh connection.
	handshakeTimeout = 30 * time.Second
)

// ErrNotConnected is returned when sending to a peer without a live
// connection.
var ErrNotConnected = errors.New("peer not connected")

// Handler processes one verified inbound message.
type Handler func(peer *Peer, msg *protocol.Message)

// Peer is a live authenticated connection.
type Peer struct {
	NodeID      string
	Name        string
	Addr        string
	ConnectedAt time.Time

	session *auth.Session
	sealer  *security.AEADSealer
	conn    net.Conn
	framer  *protocol.Framer
	sendCh  chan *protocol.Message
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	lastSeen time.Time
	drops    int
	closed   bool
}

// Session returns the auth session backing this connection.
func (p *Peer) Session() *auth.Session {
	return p.session
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.drops = 0
	p.mu.Unlock()
}

func (p *Peer) recordDrop() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drops++
	return p.drops
}

func (p *Peer) sinceLastSeen() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSeen)
}

// Options configures the connection manager.
type Options struct {
	HeartbeatInterval        time.Duration
	MissedHeartbeatThreshold int
	MaxRetries               int
	RateLimits               *RateLimitConfig
}

// Manager owns the listener and all peer connections.
type Manager struct {
	codec     *protocol.Codec
	authmgr   *auth.Manager
	registry  *registry.Registry
	transport *transport.TCPTransport
	opts      Options
	limiter   *RateLimiter
	metrics   MetricsSink
	onConnect func(nodeID string)

	mu       sync.RWMutex
	peers    map[string]*Peer // nodeID -> peer
	handlers map[protocol.MessageType]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MetricsSink receives connection events. The daemon plugs its metrics in;
// a nil sink is valid.
type MetricsSink interface {
	PeerConnected()
	PeerDisconnected()
	MessageSent(msgType string, bytes int)
	MessageReceived(msgType string, bytes int)
	MessageDropped(reason string)
}

// New creates a connection manager on an already-listening transport.
func New(codec *protocol.Codec, authmgr *auth.Manager, reg *registry.Registry, tr *transport.TCPTransport, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.MissedHeartbeatThreshold <= 0 {
		opts.MissedHeartbeatThreshold = 3
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		codec:     codec,
		authmgr:   authmgr,
		registry:  reg,
		transport: tr,
		opts:      opts,
		limiter:   NewRateLimiter(opts.RateLimits),
		peers:     make(map[string]*Peer),
		handlers:  make(map[protocol.MessageType]Handler),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetMetrics attaches a metrics sink. Call before Start.
func (m *Manager) SetMetrics(sink MetricsSink) {
	m.metrics = sink
}

// SetOnConnect registers a callback invoked on its own goroutine each time
// a peer finishes the handshake, inbound or outbound. Call before Start.
func (m *Manager) SetOnConnect(fn func(nodeID string)) {
	m.onConnect = fn
}

// RegisterHandler routes verified messages of the given type. Handlers run
// on the peer's receive goroutine; long work should be dispatched.
func (m *Manager) RegisterHandler(msgType protocol.MessageType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = h
}

// Start begins accepting inbound connections.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.acceptLoop()
	slog.Info("connection manager started", "addr", m.transport.Addr().String())
}

// Stop closes all connections and the listener.
func (m *Manager) Stop() {
	m.cancel()
	m.transport.Close()

	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		m.closePeer(p, "shutdown")
	}
	m.wg.Wait()
	slog.Info("connection manager stopped")
}

// Peer returns the live connection for a node, if any.
func (m *Manager) Peer(nodeID string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[nodeID]
	return p, ok
}

// Peers returns all live connections.
func (m *Manager) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Send signs and queues a message for a peer.
func (m *Manager) Send(nodeID string, msgType protocol.MessageType, payload interface{}) error {
	return m.send(nodeID, msgType, payload, false)
}

// SendSealed encrypts the payload under the peer's session key before
// signing and queueing it.
func (m *Manager) SendSealed(nodeID string, msgType protocol.MessageType, payload interface{}) error {
	return m.send(nodeID, msgType, payload, true)
}

func (m *Manager) send(nodeID string, msgType protocol.MessageType, payload interface{}, sealed bool) error {
	m.mu.RLock()
	peer, ok := m.peers[nodeID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, nodeID)
	}

	msg, err := m.codec.NewSigned(msgType, payload)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	if sealed {
		if peer.sealer == nil {
			return fmt.Errorf("no session key for %s", nodeID)
		}
		if err := m.codec.EncryptPayload(msg, peer.sealer); err != nil {
			return fmt.Errorf("seal payload: %w", err)
		}
	}

	select {
	case peer.sendCh <- msg:
		return nil
	case <-peer.ctx.Done():
		return fmt.Errorf("%w: %s", ErrNotConnected, nodeID)
	default:
		if m.metrics != nil {
			m.metrics.MessageDropped("send_buffer_full")
		}
		return fmt.Errorf("send buffer full for %s", nodeID)
	}
}

// Connect establishes an authenticated connection to a registered node.
// Returns the existing peer if already connected.
func (m *Manager) Connect(node registry.Node) (*Peer, error) {
	if node.NodeID == m.codec.NodeID() {
		return nil, fmt.Errorf("refusing to connect to self")
	}
	m.mu.RLock()
	if p, ok := m.peers[node.NodeID]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	if m.authmgr.Locked(node.NodeID) {
		return nil, auth.ErrLockedOut
	}

	dialCtx, cancel := context.WithTimeout(m.ctx, transport.DialTimeout)
	conn, err := m.transport.Dial(dialCtx, node.Addr)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", node.Addr, err)
	}

	m.registry.SetState(node.NodeID, registry.StateAuthenticating)
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	session, err := m.authmgr.Initiate(conn)
	if err != nil {
		conn.Close()
		m.registry.SetState(node.NodeID, registry.StateDiscovered)
		return nil, fmt.Errorf("handshake with %s: %w", node.NodeID, err)
	}
	conn.SetDeadline(time.Time{})

	if session.NodeID != node.NodeID {
		conn.Close()
		m.registry.SetState(node.NodeID, registry.StateDiscovered)
		return nil, fmt.Errorf("peer at %s identified as %q, expected %q", node.Addr, session.NodeID, node.NodeID)
	}

	return m.setupPeer(session, conn)
}

// ConnectWithRetry dials a node with exponential backoff, for reconnecting
// after a dropped connection.
func (m *Manager) ConnectWithRetry(node registry.Node) (*Peer, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	operation := func() (*Peer, error) {
		p, err := m.Connect(node)
		if err != nil {
			if errors.Is(err, auth.ErrLockedOut) || errors.Is(err, auth.ErrAuthFailed) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return p, nil
	}

	peer, err := backoff.Retry(m.ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(m.opts.MaxRetries)),
	)
	if err != nil {
		return nil, err
	}
	return peer, nil
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.transport.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			slog.Error("accept error", "error", err)
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(conn)
		}()
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	slog.Debug("inbound connection", "addr", remote)

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	session, err := m.authmgr.Respond(conn)
	if err != nil {
		slog.Warn("inbound handshake failed", "addr", remote, "error", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	m.registry.Upsert(registry.Node{
		NodeID: session.NodeID,
		Name:   session.Name,
		Addr:   remote,
	})
	if _, err := m.setupPeer(session, conn); err != nil {
		slog.Debug("inbound peer setup", "addr", remote, "error", err)
		conn.Close()
	}
}

func (m *Manager) setupPeer(session *auth.Session, conn net.Conn) (*Peer, error) {
	sealer, err := session.Sealer()
	if err != nil {
		return nil, fmt.Errorf("session sealer: %w", err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	peer := &Peer{
		NodeID:      session.NodeID,
		Name:        session.Name,
		Addr:        conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		session:     session,
		sealer:      sealer,
		conn:        conn,
		framer:      protocol.NewFramer(conn, conn),
		sendCh:      make(chan *protocol.Message, sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		lastSeen:    time.Now(),
	}

	m.mu.Lock()
	if existing, ok := m.peers[session.NodeID]; ok {
		// Simultaneous dial from both sides. Keep the established one.
		m.mu.Unlock()
		cancel()
		slog.Debug("duplicate connection closed", "node", session.NodeID)
		conn.Close()
		return existing, nil
	}
	m.peers[session.NodeID] = peer
	m.mu.Unlock()

	m.registry.SetState(session.NodeID, registry.StateAuthenticated)
	if m.metrics != nil {
		m.metrics.PeerConnected()
	}
	slog.Info("peer connected", "node", session.NodeID, "name", session.Name, "addr", peer.Addr)

	m.wg.Add(3)
	go m.sendLoop(peer)
	go m.receiveLoop(peer)
	go m.heartbeatLoop(peer)

	if m.onConnect != nil {
		go m.onConnect(session.NodeID)
	}
	return peer, nil
}

func (m *Manager) sendLoop(peer *Peer) {
	defer m.wg.Done()
	for {
		select {
		case <-peer.ctx.Done():
			return
		case msg := <-peer.sendCh:
			if err := peer.framer.WriteMessage(msg); err != nil {
				slog.Debug("send failed", "node", peer.NodeID, "error", err)
				m.disconnect(peer, "send failed")
				return
			}
			if m.metrics != nil {
				m.metrics.MessageSent(string(msg.Type), len(msg.Payload))
			}
		}
	}
}

func (m *Manager) receiveLoop(peer *Peer) {
	defer m.wg.Done()
	for {
		select {
		case <-peer.ctx.Done():
			return
		default:
		}

		msg, size, err := peer.framer.ReadMessageWithSize()
		if err != nil {
			if peer.ctx.Err() == nil {
				slog.Debug("receive failed", "node", peer.NodeID, "error", err)
				m.disconnect(peer, "receive failed")
			}
			return
		}

		if err := m.codec.Verify(msg); err != nil {
			reason := "verify_failed"
			if errors.Is(err, protocol.ErrReplay) {
				reason = "replay"
				slog.Warn("replayed message dropped", "node", peer.NodeID, "type", msg.Type)
			} else {
				slog.Warn("unverifiable message dropped", "node", peer.NodeID, "type", msg.Type, "error", err)
			}
			if m.metrics != nil {
				m.metrics.MessageDropped(reason)
			}
			if peer.recordDrop() > maxDropsBeforeDisconnect {
				m.disconnect(peer, "too many bad messages")
				return
			}
			continue
		}
		if msg.From != peer.NodeID {
			slog.Warn("message from wrong identity dropped",
				"node", peer.NodeID,
				"claimed", msg.From,
			)
			if peer.recordDrop() > maxDropsBeforeDisconnect {
				m.disconnect(peer, "identity confusion")
				return
			}
			continue
		}

		if err := m.limiter.Allow(peer.NodeID, msg.Type); err != nil {
			if m.metrics != nil {
				m.metrics.MessageDropped("rate_limited")
			}
			drops := peer.recordDrop()
			slog.Warn("message rate limited",
				"node", peer.NodeID,
				"type", msg.Type,
				"drops", drops,
				"error", err,
			)
			if drops > maxDropsBeforeDisconnect {
				m.disconnect(peer, "rate limit abuse")
				return
			}
			continue
		}

		peer.touch()
		m.registry.Touch(peer.NodeID)
		if m.metrics != nil {
			m.metrics.MessageReceived(string(msg.Type), size)
		}

		if msg.Encrypted {
			if err := m.codec.DecryptPayload(msg, peer.sealer); err != nil {
				slog.Warn("sealed payload rejected", "node", peer.NodeID, "type", msg.Type, "error", err)
				continue
			}
		}

		m.dispatch(peer, msg)
	}
}

func (m *Manager) dispatch(peer *Peer, msg *protocol.Message) {
	if msg.Type == protocol.MsgHeartbeat {
		return // touch already recorded it
	}

	m.mu.RLock()
	handler, ok := m.handlers[msg.Type]
	m.mu.RUnlock()
	if !ok {
		slog.Debug("no handler for message", "node", peer.NodeID, "type", msg.Type)
		return
	}
	handler(peer, msg)
}

func (m *Manager) heartbeatLoop(peer *Peer) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	deadline := m.opts.HeartbeatInterval * time.Duration(m.opts.MissedHeartbeatThreshold)
	for {
		select {
		case <-peer.ctx.Done():
			return
		case <-ticker.C:
			if peer.session.NeedsRefresh(time.Now()) {
				// Re-running the handshake gets a fresh token and
				// session key before the old ones expire mid-transfer.
				slog.Info("session nearing expiry, reconnecting", "node", peer.NodeID)
				m.authmgr.Drop(peer.NodeID)
				m.disconnect(peer, "session refresh")
				return
			}
			if peer.sinceLastSeen() > deadline {
				slog.Warn("peer unresponsive",
					"node", peer.NodeID,
					"last_seen", peer.sinceLastSeen(),
					"threshold", deadline,
				)
				m.disconnect(peer, "missed heartbeats")
				return
			}
			if err := m.Send(peer.NodeID, protocol.MsgHeartbeat, struct{}{}); err != nil {
				slog.Debug("heartbeat send failed", "node", peer.NodeID, "error", err)
			}
		}
	}
}

// Evict closes a peer's connection without scheduling a reconnect. Used
// when the registry marks a node stale; it must rediscover to come back.
func (m *Manager) Evict(nodeID, reason string) {
	m.mu.RLock()
	peer, ok := m.peers[nodeID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.authmgr.Drop(nodeID)
	m.closePeer(peer, reason)
	// Nonce history is kept across ordinary disconnects so a captured
	// frame cannot be replayed through a reconnect inside its TTL. Only
	// eviction, which outlives the replay window, clears it.
	m.codec.ForgetSender(nodeID)
	m.registry.SetState(nodeID, registry.StateStale)
}

// disconnect tears a peer down and schedules a reconnect attempt.
func (m *Manager) disconnect(peer *Peer, reason string) {
	if !m.closePeer(peer, reason) {
		return
	}

	// Reconnect unless we are shutting down.
	if m.ctx.Err() != nil {
		return
	}
	node, ok := m.registry.Get(peer.NodeID)
	if !ok {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.ConnectWithRetry(node); err != nil {
			slog.Warn("reconnect failed", "node", node.NodeID, "error", err)
			m.registry.SetState(node.NodeID, registry.StateStale)
		}
	}()
}

// closePeer removes a peer and closes its connection. Returns false if the
// peer was already closed.
func (m *Manager) closePeer(peer *Peer, reason string) bool {
	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return false
	}
	peer.closed = true
	peer.mu.Unlock()

	peer.cancel()
	peer.conn.Close()

	m.mu.Lock()
	if m.peers[peer.NodeID] == peer {
		delete(m.peers, peer.NodeID)
	}
	m.mu.Unlock()

	m.limiter.Forget(peer.NodeID)
	m.registry.SetState(peer.NodeID, registry.StateDiscovered)
	if m.metrics != nil {
		m.metrics.PeerDisconnected()
	}
	slog.Info("peer disconnected", "node", peer.NodeID, "reason", reason)
	return true
}
