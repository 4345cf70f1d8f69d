package discovery

import (
	"bytes"
	"net"
	"testing"
	"time"

	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/registry"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func testService(t *testing.T, nodeID string) (*Service, *registry.Registry) {
	t.Helper()
	codec := protocol.NewCodec(nodeID, testSecret, 30*time.Second)
	reg := registry.New()
	svc, err := New(codec, reg, Options{
		NodeName: nodeID + "-name",
		SyncPort: 5001,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A loopback sender so handlePacket can answer broadcasts.
	send, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { send.Close() })
	svc.send = send
	return svc, reg
}

func announcePacket(t *testing.T, nodeID string, secret []byte, typ protocol.MessageType) []byte {
	t.Helper()
	codec := protocol.NewCodec(nodeID, secret, 30*time.Second)
	msg, err := codec.NewSigned(typ, protocol.DiscoveryAnnounce{
		NodeID:   nodeID,
		Name:     nodeID + "-name",
		SyncPort: 6001,
	})
	if err != nil {
		t.Fatalf("NewSigned: %v", err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func TestBroadcastRegistersPeer(t *testing.T) {
	svc, reg := testService(t, "node-a")

	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 7), Port: 54321}
	svc.handlePacket(announcePacket(t, "node-b", testSecret, protocol.MsgDiscoveryBroadcast), src)

	node, ok := reg.Get("node-b")
	if !ok {
		t.Fatal("node-b not registered")
	}
	if node.State != registry.StateDiscovered {
		t.Errorf("State = %v, want Discovered", node.State)
	}
	// The sync address combines the packet source IP with the announced port.
	if node.Addr != "192.168.1.7:6001" {
		t.Errorf("Addr = %q, want 192.168.1.7:6001", node.Addr)
	}
}

func TestBroadcastFromUnknownPeerGetsResponse(t *testing.T) {
	svc, reg := testService(t, "node-a")

	// Listen where the "new peer" would receive our unicast introduction.
	recv, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer recv.Close()
	src := recv.LocalAddr().(*net.UDPAddr)

	svc.handlePacket(announcePacket(t, "node-b", testSecret, protocol.MsgDiscoveryBroadcast), src)

	recv.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxDatagramSize)
	n, _, err := recv.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no discovery response received: %v", err)
	}
	msg, err := protocol.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != protocol.MsgDiscoveryResponse {
		t.Errorf("response type = %q, want %q", msg.Type, protocol.MsgDiscoveryResponse)
	}
	if msg.From != "node-a" {
		t.Errorf("response from = %q, want node-a", msg.From)
	}

	// A second broadcast from a now-known peer must not trigger another
	// response.
	svc.handlePacket(announcePacket(t, "node-b", testSecret, protocol.MsgDiscoveryBroadcast), src)
	recv.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := recv.ReadFrom(buf); err == nil {
		t.Error("known peer broadcast triggered a second response")
	}

	if _, ok := reg.Get("node-b"); !ok {
		t.Error("node-b missing from registry")
	}
}

func TestOwnBroadcastIgnored(t *testing.T) {
	svc, reg := testService(t, "node-a")

	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	svc.handlePacket(announcePacket(t, "node-a", testSecret, protocol.MsgDiscoveryBroadcast), src)

	if _, ok := reg.Get("node-a"); ok {
		t.Error("own broadcast registered as a peer")
	}
}

func TestBadSignatureDropped(t *testing.T) {
	svc, reg := testService(t, "node-a")

	wrongSecret := bytes.Repeat([]byte{0x13}, 32)
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 9), Port: 5000}
	svc.handlePacket(announcePacket(t, "node-b", wrongSecret, protocol.MsgDiscoveryBroadcast), src)

	if _, ok := reg.Get("node-b"); ok {
		t.Error("forged broadcast registered a peer")
	}
}

func TestMalformedPacketDropped(t *testing.T) {
	svc, reg := testService(t, "node-a")

	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 9), Port: 5000}
	svc.handlePacket([]byte("not json at all"), src)

	if len(reg.Snapshot()) != 0 {
		t.Error("malformed packet modified the registry")
	}
}

func TestPayloadNodeMismatchDropped(t *testing.T) {
	svc, reg := testService(t, "node-a")

	codec := protocol.NewCodec("node-b", testSecret, 30*time.Second)
	msg, err := codec.NewSigned(protocol.MsgDiscoveryBroadcast, protocol.DiscoveryAnnounce{
		NodeID:   "node-c", // claims a different identity than the envelope
		Name:     "impostor",
		SyncPort: 6001,
	})
	if err != nil {
		t.Fatalf("NewSigned: %v", err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 9), Port: 5000}
	svc.handlePacket(data, src)

	if len(reg.Snapshot()) != 0 {
		t.Error("mismatched announce modified the registry")
	}
}

func TestRejectsNonMulticastGroup(t *testing.T) {
	codec := protocol.NewCodec("node-a", testSecret, 30*time.Second)
	_, err := New(codec, registry.New(), Options{MulticastGroup: "192.168.1.1"})
	if err == nil {
		t.Fatal("expected error for unicast group address")
	}
}
