package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry is one buffered log record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogBuffer keeps the most recent log entries in a ring so they can be
// inspected without tailing files.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	index   int
	size    int
}

const defaultLogBufferSize = 500

// NewLogBuffer creates a buffer holding up to size entries.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = defaultLogBufferSize
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add appends an entry, evicting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	b.entries[b.index] = entry
	b.index = (b.index + 1) % b.size
	b.mu.Unlock()
}

// QueryOpts filters buffered entries.
type QueryOpts struct {
	MinLevel string // minimum level, e.g. "warn"
	Contains string // substring match on the message
	Limit    int    // max entries returned, newest first
}

// Query returns matching entries, newest first.
func (b *LogBuffer) Query(opts QueryOpts) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 || limit > b.size {
		limit = b.size
	}

	var out []LogEntry
	for i := 0; i < b.size && len(out) < limit; i++ {
		idx := (b.index - 1 - i + b.size) % b.size
		e := b.entries[idx]
		if e.Time.IsZero() {
			continue
		}
		if opts.MinLevel != "" && !levelAtLeast(e.Level, opts.MinLevel) {
			continue
		}
		if opts.Contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(opts.Contains)) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func levelAtLeast(level, min string) bool {
	return levelRank(level) >= levelRank(min)
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 0
	case "info":
		return 1
	case "warn", "warning":
		return 2
	case "error":
		return 3
	default:
		return 1
	}
}

// BufferedHandler is a slog.Handler that tees records into a LogBuffer
// while delegating to an inner handler for output.
type BufferedHandler struct {
	inner  slog.Handler
	buffer *LogBuffer
	attrs  []slog.Attr
	groups []string
}

// NewBufferedHandler wraps inner so records also land in buffer.
func NewBufferedHandler(inner slog.Handler, buffer *LogBuffer) *BufferedHandler {
	return &BufferedHandler{inner: inner, buffer: buffer}
}

func (h *BufferedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BufferedHandler) Handle(ctx context.Context, record slog.Record) error {
	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[h.attrKey(a.Key)] = a.Value.Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[h.attrKey(a.Key)] = a.Value.Any()
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}

	h.buffer.Add(LogEntry{
		Time:    record.Time,
		Level:   strings.ToLower(record.Level.String()),
		Message: record.Message,
		Attrs:   attrs,
	})

	return h.inner.Handle(ctx, record)
}

func (h *BufferedHandler) attrKey(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

func (h *BufferedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	combined = append(combined, h.attrs...)
	combined = append(combined, attrs...)
	return &BufferedHandler{
		inner:  h.inner.WithAttrs(attrs),
		buffer: h.buffer,
		attrs:  combined,
		groups: h.groups,
	}
}

func (h *BufferedHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &BufferedHandler{
		inner:  h.inner.WithGroup(name),
		buffer: h.buffer,
		attrs:  h.attrs,
		groups: groups,
	}
}
