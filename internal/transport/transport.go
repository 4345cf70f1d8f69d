// Package transport provides the framed TCP byte stream the sync protocol
// runs over: one persistent connection per peer, optionally wrapped in TLS.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// DialTimeout bounds a single connection attempt.
const DialTimeout = 30 * time.Second

// Transport abstracts the network layer so tests can substitute in-memory
// pipes for real sockets.
type Transport interface {
	// Dial connects to a peer at host:port.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Accept waits for and returns the next incoming connection.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the local listening address.
	Addr() net.Addr

	// Close shuts down the transport.
	Close() error
}

// TCPTransport implements Transport over plain TCP or TLS.
type TCPTransport struct {
	listener  net.Listener
	tlsConfig *TLSPair
	incoming  chan acceptResult
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// TLSPair carries the server config for the listener and a client config
// factory for dialing, so both directions use the same certificate.
type TLSPair struct {
	Server *tls.Config
	Client func(expectedFingerprint string) *tls.Config
}

// Listen creates a TCP transport bound to the given port. When tlsPair is
// non-nil every connection is wrapped in TLS.
func Listen(port int, tlsPair *TLSPair) (*TCPTransport, error) {
	addr := fmt.Sprintf("0.0.0.0:%d", port)

	var listener net.Listener
	var err error
	if tlsPair != nil {
		listener, err = tls.Listen("tcp", addr, tlsPair.Server)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	t := &TCPTransport{
		listener:  listener,
		tlsConfig: tlsPair,
		incoming:  make(chan acceptResult),
		done:      make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

// acceptLoop is the single goroutine blocked in listener.Accept. A
// connection accepted while no caller is waiting is held here until the
// next Accept call or Close, never dropped.
func (t *TCPTransport) acceptLoop() {
	defer close(t.incoming)
	for {
		conn, err := t.listener.Accept()
		select {
		case t.incoming <- acceptResult{conn, err}:
		case <-t.done:
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// Dial connects to a peer at host:port.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return t.DialPinned(ctx, addr, "")
}

// DialPinned connects to a peer, pinning its TLS certificate fingerprint
// when one is known.
func (t *TCPTransport) DialPinned(ctx context.Context, addr, expectedFingerprint string) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: DialTimeout}

	if t.tlsConfig != nil {
		dialer := &tls.Dialer{
			NetDialer: netDialer,
			Config:    t.tlsConfig.Client(expectedFingerprint),
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}

	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Accept waits for the next incoming connection or context cancellation.
// Cancellation abandons the wait, not the connection: an arrival stays
// parked in the accept loop for the next caller.
func (t *TCPTransport) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result, ok := <-t.incoming:
		if !ok {
			return nil, fmt.Errorf("transport closed")
		}
		return result.conn, result.err
	}
}

// Addr returns the listener address.
func (t *TCPTransport) Addr() net.Addr {
	return t.listener.Addr()
}

// Close shuts down the listener.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return t.listener.Close()
}
