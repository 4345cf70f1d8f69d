// Package discovery announces this node on the LAN and tracks peers that
// announce themselves. The primary mechanism is UDP multicast with signed
// messages; mDNS can supplement it on networks that filter multicast.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/registry"
)

const (
	// DefaultMulticastGroup matches the group other trosyn nodes listen on.
	DefaultMulticastGroup = "239.255.43.21"

	// DefaultMulticastPort is the discovery port.
	DefaultMulticastPort = 5000

	// maxDatagramSize bounds a single discovery packet.
	maxDatagramSize = 64 * 1024
)

// Options configures the discovery service.
type Options struct {
	NodeName     string
	SyncPort     int
	Capabilities []string

	MulticastGroup string
	MulticastPort  int
	Interval       time.Duration
	StaleAfter     time.Duration
}

// Service broadcasts presence announcements and records peers heard on the
// multicast group into the registry.
type Service struct {
	codec    *protocol.Codec
	registry *registry.Registry
	opts     Options
	group    *net.UDPAddr

	mu      sync.Mutex
	running bool
	conn    *net.UDPConn     // listener joined to the multicast group
	send    net.PacketConn   // unicast/multicast sender
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a discovery service. The codec signs outgoing announcements
// and authenticates incoming ones.
func New(codec *protocol.Codec, reg *registry.Registry, opts Options) (*Service, error) {
	if opts.MulticastGroup == "" {
		opts.MulticastGroup = DefaultMulticastGroup
	}
	if opts.MulticastPort == 0 {
		opts.MulticastPort = DefaultMulticastPort
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 3 * opts.Interval
	}

	group := net.ParseIP(opts.MulticastGroup)
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("discovery: %q is not a multicast address", opts.MulticastGroup)
	}

	return &Service{
		codec:    codec,
		registry: reg,
		opts:     opts,
		group:    &net.UDPAddr{IP: group, Port: opts.MulticastPort},
	}, nil
}

// Start joins the multicast group and begins the announce, listen and sweep
// loops.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, s.group)
	if err != nil {
		return fmt.Errorf("join multicast group: %w", err)
	}
	if err := conn.SetReadBuffer(maxDatagramSize); err != nil {
		slog.Debug("set multicast read buffer", "error", err)
	}

	send, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		conn.Close()
		return fmt.Errorf("open discovery sender: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.send = send
	s.cancel = cancel
	s.running = true

	s.wg.Add(3)
	go s.announceLoop(ctx)
	go s.listenLoop(ctx)
	go s.sweepLoop(ctx)

	slog.Info("discovery started",
		"group", s.group.String(),
		"interval", s.opts.Interval,
		"stale_after", s.opts.StaleAfter,
	)
	return nil
}

// Stop shuts down the loops and leaves the multicast group.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.conn.Close()
	s.send.Close()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("discovery stopped")
}

// Announce sends a single presence broadcast immediately.
func (s *Service) Announce() error {
	return s.broadcast(protocol.MsgDiscoveryBroadcast, s.group)
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.Announce(); err != nil {
		slog.Warn("discovery announce failed", "error", err)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				slog.Warn("discovery announce failed", "error", err)
			}
		}
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("discovery read error", "error", err)
			continue
		}
		s.handlePacket(buf[:n], src)
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.StaleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, node := range s.registry.Sweep(s.opts.StaleAfter) {
				slog.Info("peer went stale",
					"node", node.NodeID,
					"name", node.Name,
					"last_seen", node.LastSeen,
				)
			}
		}
	}
}

// handlePacket authenticates and applies one discovery datagram. Split out
// from the read loop so tests can inject packets directly.
func (s *Service) handlePacket(data []byte, src *net.UDPAddr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Debug("discovery packet rejected", "src", src.String(), "error", err)
		return
	}
	if msg.From == s.codec.NodeID() {
		return // our own broadcast echoed back
	}
	if err := s.codec.Verify(msg); err != nil {
		if errors.Is(err, protocol.ErrReplay) {
			slog.Warn("discovery replay dropped", "src", src.String(), "from", msg.From)
		} else {
			slog.Debug("discovery packet rejected", "src", src.String(), "error", err)
		}
		return
	}

	switch msg.Type {
	case protocol.MsgDiscoveryBroadcast:
		known := s.applyAnnounce(msg, src)
		if !known {
			// Introduce ourselves so the new node learns us without
			// waiting for our next broadcast.
			if err := s.respond(src); err != nil {
				slog.Debug("discovery response failed", "dst", src.String(), "error", err)
			}
		}
	case protocol.MsgDiscoveryResponse:
		s.applyAnnounce(msg, src)
	default:
		slog.Debug("unexpected discovery message", "type", msg.Type, "src", src.String())
	}
}

// applyAnnounce records the announcing peer and reports whether it was
// already known (and not stale).
func (s *Service) applyAnnounce(msg *protocol.Message, src *net.UDPAddr) bool {
	var ann protocol.DiscoveryAnnounce
	if err := msg.ParsePayload(&ann); err != nil {
		slog.Debug("malformed discovery payload", "src", src.String(), "error", err)
		return true
	}
	if ann.NodeID == "" || ann.NodeID != msg.From {
		slog.Debug("discovery payload node mismatch", "src", src.String(), "from", msg.From)
		return true
	}

	addr := &net.TCPAddr{IP: src.IP, Port: ann.SyncPort}
	_, known := s.registry.Upsert(registry.Node{
		NodeID:       ann.NodeID,
		Name:         ann.Name,
		Addr:         addr.String(),
		Capabilities: ann.Capabilities,
	})
	if !known {
		slog.Info("peer discovered",
			"node", ann.NodeID,
			"name", ann.Name,
			"addr", addr.String(),
		)
	}
	return known
}

func (s *Service) respond(dst *net.UDPAddr) error {
	return s.broadcast(protocol.MsgDiscoveryResponse, dst)
}

func (s *Service) broadcast(typ protocol.MessageType, dst *net.UDPAddr) error {
	msg, err := s.codec.NewSigned(typ, protocol.DiscoveryAnnounce{
		NodeID:       s.codec.NodeID(),
		Name:         s.opts.NodeName,
		SyncPort:     s.opts.SyncPort,
		Capabilities: s.opts.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("build announce: %w", err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode announce: %w", err)
	}

	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return fmt.Errorf("discovery not started")
	}
	if _, err := send.WriteTo(data, dst); err != nil {
		return fmt.Errorf("send announce: %w", err)
	}
	return nil
}
