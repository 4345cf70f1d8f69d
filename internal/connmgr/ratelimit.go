package connmgr

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"trosyn.dev/go/trosync/internal/protocol"
)

// RateLimitConfig defines message rate limits for peer connections.
type RateLimitConfig struct {
	// Per-peer overall limit.
	PeerMessagesPerSecond float64
	PeerBurst             int

	// Per-message-type limits, layered under the per-peer limit.
	TypeLimits map[protocol.MessageType]TypeLimit

	// Global limit across all peers.
	GlobalMessagesPerSecond float64
	GlobalBurst             int
}

// TypeLimit bounds one message type.
type TypeLimit struct {
	PerSecond float64
	Burst     int
}

// DefaultRateLimitConfig returns limits sized for LAN sync traffic.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PeerMessagesPerSecond: 100,
		PeerBurst:             200,

		TypeLimits: map[protocol.MessageType]TypeLimit{
			// Heartbeats are cheap but there is no reason for more than
			// a few per second.
			protocol.MsgHeartbeat: {PerSecond: 2, Burst: 5},

			// Control-plane sync messages.
			protocol.MsgSyncRequest:  {PerSecond: 5, Burst: 10},
			protocol.MsgSyncResponse: {PerSecond: 5, Burst: 10},
			protocol.MsgSyncComplete: {PerSecond: 10, Burst: 20},

			// Data chunks dominate a transfer; allow the most.
			protocol.MsgSyncData: {PerSecond: 100, Burst: 200},
			protocol.MsgSyncAck:  {PerSecond: 100, Burst: 200},
		},

		GlobalMessagesPerSecond: 500,
		GlobalBurst:             1000,
	}
}

// RateLimiter enforces global, per-peer, and per-type message limits.
type RateLimiter struct {
	config        *RateLimitConfig
	globalLimiter *rate.Limiter

	peerLimiters sync.Map // nodeID -> *rate.Limiter
	typeLimiters sync.Map // "nodeID:type" -> *rate.Limiter
}

// NewRateLimiter creates a rate limiter; nil config uses the defaults.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:        config,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalMessagesPerSecond), config.GlobalBurst),
	}
}

// Allow reports whether a message from the peer may be processed.
func (rl *RateLimiter) Allow(nodeID string, msgType protocol.MessageType) error {
	if !rl.globalLimiter.Allow() {
		return fmt.Errorf("global rate limit exceeded")
	}
	if !rl.peerLimiter(nodeID).Allow() {
		return fmt.Errorf("peer rate limit exceeded")
	}
	if tl, ok := rl.config.TypeLimits[msgType]; ok {
		if !rl.typeLimiter(nodeID, msgType, tl).Allow() {
			return fmt.Errorf("rate limit exceeded for %s", msgType)
		}
	}
	return nil
}

// Forget drops the limiter state for a disconnected peer.
func (rl *RateLimiter) Forget(nodeID string) {
	rl.peerLimiters.Delete(nodeID)
	for msgType := range rl.config.TypeLimits {
		rl.typeLimiters.Delete(typeKey(nodeID, msgType))
	}
}

func (rl *RateLimiter) peerLimiter(nodeID string) *rate.Limiter {
	if l, ok := rl.peerLimiters.Load(nodeID); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(rl.config.PeerMessagesPerSecond), rl.config.PeerBurst)
	actual, _ := rl.peerLimiters.LoadOrStore(nodeID, l)
	return actual.(*rate.Limiter)
}

func (rl *RateLimiter) typeLimiter(nodeID string, msgType protocol.MessageType, tl TypeLimit) *rate.Limiter {
	key := typeKey(nodeID, msgType)
	if l, ok := rl.typeLimiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(tl.PerSecond), tl.Burst)
	actual, _ := rl.typeLimiters.LoadOrStore(key, l)
	return actual.(*rate.Limiter)
}

func typeKey(nodeID string, msgType protocol.MessageType) string {
	return nodeID + ":" + string(msgType)
}
