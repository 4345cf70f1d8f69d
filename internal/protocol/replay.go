package protocol

import (
	"container/list"
	"sync"
	"time"
)

// DefaultReplayCapacity bounds the number of nonces remembered per sender.
const DefaultReplayCapacity = 4096

// ReplayGuard keeps a bounded LRU set of recently seen nonces per sender.
// A nonce seen twice from the same sender within the window is a replay.
// Entries older than the window are evicted lazily, so memory stays
// proportional to recent traffic.
type ReplayGuard struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	senders  map[string]*nonceWindow
}

type nonceWindow struct {
	order *list.List               // oldest nonce at the front
	seen  map[string]*list.Element // nonce -> element holding nonceEntry
}

type nonceEntry struct {
	nonce string
	at    time.Time
}

// NewReplayGuard creates a guard with the given window and per-sender
// capacity. Zero values fall back to DefaultTTL and DefaultReplayCapacity.
func NewReplayGuard(window time.Duration, capacity int) *ReplayGuard {
	if window <= 0 {
		window = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayGuard{
		window:   window,
		capacity: capacity,
		senders:  make(map[string]*nonceWindow),
	}
}

// Check records the nonce for the sender and returns ErrReplay if it was
// already seen within the window.
func (g *ReplayGuard) Check(sender, nonce string) error {
	return g.checkAt(sender, nonce, time.Now())
}

func (g *ReplayGuard) checkAt(sender, nonce string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.senders[sender]
	if !ok {
		w = &nonceWindow{order: list.New(), seen: make(map[string]*list.Element)}
		g.senders[sender] = w
	}

	// Evict expired entries from the front.
	for e := w.order.Front(); e != nil; {
		entry := e.Value.(*nonceEntry)
		if now.Sub(entry.at) <= g.window {
			break
		}
		next := e.Next()
		w.order.Remove(e)
		delete(w.seen, entry.nonce)
		e = next
	}

	if _, dup := w.seen[nonce]; dup {
		return ErrReplay
	}

	// Evict the oldest entry when at capacity.
	if w.order.Len() >= g.capacity {
		oldest := w.order.Front()
		w.order.Remove(oldest)
		delete(w.seen, oldest.Value.(*nonceEntry).nonce)
	}

	w.seen[nonce] = w.order.PushBack(&nonceEntry{nonce: nonce, at: now})
	return nil
}

// Forget drops all remembered nonces for a sender. Used when a peer is
// evicted from the registry.
func (g *ReplayGuard) Forget(sender string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, sender)
}
