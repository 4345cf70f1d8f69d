// Package registry tracks the nodes this peer knows about. The registry is
// an explicit service object constructed once per process and shared by
// discovery, the connection manager, and the sync engine; all mutation goes
// through its methods under a single lock.
package registry

import (
	"sync"
	"time"
)

// NodeState is the lifecycle state of a known node.
type NodeState int

const (
	StateDiscovered NodeState = iota
	StateAuthenticating
	StateAuthenticated
	StateStale
)

func (s NodeState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Node is one peer on the LAN.
type Node struct {
	NodeID       string    `json:"node_id"`
	Name         string    `json:"name"`
	Addr         string    `json:"addr"` // host:port of the peer's sync listener
	CredentialID string    `json:"credential_id,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	State        NodeState `json:"state"`
}

// StaleFunc is invoked outside the registry lock for every node that a
// sweep newly marks stale.
type StaleFunc func(node Node)

// Registry is the shared node table.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	onStale []StaleFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// OnStale registers a callback for nodes that go stale during a sweep.
func (r *Registry) OnStale(fn StaleFunc) {
	r.mu.Lock()
	r.onStale = append(r.onStale, fn)
	r.mu.Unlock()
}

// Upsert records a discovered node, refreshing its address, name, and
// last-seen time. A stale or unknown node re-enters as Discovered;
// authentication state of a live node is preserved. The second return
// reports whether the node was already known and live.
func (r *Registry) Upsert(node Node) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.nodes[node.NodeID]
	if !ok || existing.State == StateStale {
		stored := node
		stored.State = StateDiscovered
		stored.LastSeen = time.Now()
		r.nodes[node.NodeID] = &stored
		return stored, false
	}

	existing.Name = node.Name
	existing.Addr = node.Addr
	if node.CredentialID != "" {
		existing.CredentialID = node.CredentialID
	}
	if node.Capabilities != nil {
		existing.Capabilities = node.Capabilities
	}
	existing.LastSeen = time.Now()
	return *existing, true
}

// Touch refreshes a node's last-seen time, e.g. on a heartbeat.
func (r *Registry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.LastSeen = time.Now()
	}
}

// SetState transitions a node's lifecycle state.
func (r *Registry) SetState(nodeID string, state NodeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.State = state
	}
}

// Get returns a copy of the node, if known.
func (r *Registry) Get(nodeID string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Snapshot returns copies of all known nodes.
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// Active returns copies of all nodes that are not stale.
func (r *Registry) Active() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.State != StateStale {
			out = append(out, *n)
		}
	}
	return out
}

// Sweep marks nodes unseen for longer than staleAfter as Stale and fires
// the stale callbacks for each. Already-stale nodes are left in place so a
// later discovery can revive them.
func (r *Registry) Sweep(staleAfter time.Duration) []Node {
	now := time.Now()

	r.mu.Lock()
	var wentStale []Node
	for _, n := range r.nodes {
		if n.State == StateStale {
			continue
		}
		if now.Sub(n.LastSeen) > staleAfter {
			n.State = StateStale
			wentStale = append(wentStale, *n)
		}
	}
	callbacks := r.onStale
	r.mu.Unlock()

	for _, node := range wentStale {
		for _, fn := range callbacks {
			fn(node)
		}
	}
	return wentStale
}

// Remove deletes a node outright.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}
