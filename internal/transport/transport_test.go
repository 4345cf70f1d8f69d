package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func listen(t *testing.T) *TCPTransport {
	t.Helper()
	tr, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestAcceptDeliversConnection(t *testing.T) {
	tr := listen(t)

	dialed, err := net.Dial("tcp", tr.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dialed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := tr.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	conn.Close()
}

func TestCancelledAcceptKeepsConnection(t *testing.T) {
	tr := listen(t)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Accept(cancelled); err != context.Canceled {
		t.Fatalf("cancelled Accept = %v, want context.Canceled", err)
	}

	// A connection arriving while nobody waits must be handed to the
	// next Accept call, not dropped.
	dialed, err := net.Dial("tcp", tr.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dialed.Close()
	time.Sleep(50 * time.Millisecond)

	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	conn, err := tr.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept after cancellation: %v", err)
	}
	conn.Close()
}

func TestCloseUnblocksAccept(t *testing.T) {
	tr := listen(t)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Accept(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	tr.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Accept returned a connection after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Accept still blocked after Close")
	}
}
