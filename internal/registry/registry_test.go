package registry

import (
	"testing"
	"time"
)

func TestUpsertNewNode(t *testing.T) {
	r := New()

	n, known := r.Upsert(Node{NodeID: "node-b", Name: "bob", Addr: "192.168.1.5:5001"})

	if known {
		t.Error("new node reported as already known")
	}

	if n.State != StateDiscovered {
		t.Errorf("State = %v, want Discovered", n.State)
	}
	if n.LastSeen.IsZero() {
		t.Error("LastSeen should be set")
	}

	got, ok := r.Get("node-b")
	if !ok {
		t.Fatal("node should be registered")
	}
	if got.Addr != "192.168.1.5:5001" {
		t.Errorf("Addr = %q", got.Addr)
	}
}

func TestUpsertPreservesAuthState(t *testing.T) {
	r := New()
	r.Upsert(Node{NodeID: "node-b", Name: "bob", Addr: "addr1"})
	r.SetState("node-b", StateAuthenticated)

	// A repeat discovery must not demote an authenticated node.
	_, known := r.Upsert(Node{NodeID: "node-b", Name: "bob", Addr: "addr2"})
	if !known {
		t.Error("live node reported as unknown")
	}

	got, _ := r.Get("node-b")
	if got.State != StateAuthenticated {
		t.Errorf("State = %v, want Authenticated", got.State)
	}
	if got.Addr != "addr2" {
		t.Errorf("Addr = %q, want addr2", got.Addr)
	}
}

func TestSweepMarksStale(t *testing.T) {
	r := New()
	r.Upsert(Node{NodeID: "node-b", Name: "bob"})

	var staleNodes []Node
	r.OnStale(func(n Node) { staleNodes = append(staleNodes, n) })

	// Nothing stale yet.
	if went := r.Sweep(time.Minute); len(went) != 0 {
		t.Fatalf("Sweep = %d nodes, want 0", len(went))
	}

	// Force the node's last-seen into the past by sweeping with a zero
	// threshold after a short wait.
	time.Sleep(5 * time.Millisecond)
	went := r.Sweep(time.Millisecond)
	if len(went) != 1 || went[0].NodeID != "node-b" {
		t.Fatalf("Sweep = %v, want [node-b]", went)
	}
	if len(staleNodes) != 1 {
		t.Errorf("stale callback fired %d times, want 1", len(staleNodes))
	}

	got, _ := r.Get("node-b")
	if got.State != StateStale {
		t.Errorf("State = %v, want Stale", got.State)
	}

	// A second sweep does not re-fire for already-stale nodes.
	if went := r.Sweep(time.Millisecond); len(went) != 0 {
		t.Errorf("second Sweep = %d nodes, want 0", len(went))
	}
}

func TestStaleNodeRevivedByDiscovery(t *testing.T) {
	r := New()
	r.Upsert(Node{NodeID: "node-b", Name: "bob"})
	time.Sleep(5 * time.Millisecond)
	r.Sweep(time.Millisecond)

	if active := r.Active(); len(active) != 0 {
		t.Fatalf("Active = %d nodes, want 0 while stale", len(active))
	}

	// A fresh discovery response re-admits the node as Discovered.
	_, known := r.Upsert(Node{NodeID: "node-b", Name: "bob", Addr: "addr"})
	if known {
		t.Error("stale node should re-enter as unknown")
	}

	got, _ := r.Get("node-b")
	if got.State != StateDiscovered {
		t.Errorf("State = %v, want Discovered after revival", got.State)
	}
	if active := r.Active(); len(active) != 1 {
		t.Errorf("Active = %d nodes, want 1", len(active))
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New()
	r.Upsert(Node{NodeID: "node-b", Name: "bob"})

	snap := r.Snapshot()
	snap[0].Name = "mutated"

	got, _ := r.Get("node-b")
	if got.Name != "bob" {
		t.Error("Snapshot should return copies")
	}
}
