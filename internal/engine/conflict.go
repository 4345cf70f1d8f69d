package engine

import (
	"sync"
	"time"

	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/vector"
)

// Winner identifies which side a resolver picked.
type Winner int

const (
	// WinnerLocal keeps the local revision; the remote one is pushed over.
	WinnerLocal Winner = iota
	// WinnerRemote accepts the remote revision; the local one is retained.
	WinnerRemote
)

func (w Winner) String() string {
	if w == WinnerRemote {
		return "remote"
	}
	return "local"
}

// Revision is one side of a conflict as seen by a resolver.
type Revision struct {
	Vector      vector.VersionVector
	ContentHash string
	UpdatedAt   time.Time
}

// Resolver picks a winner between two concurrent revisions. It must be
// deterministic: both peers run it independently and have to agree.
type Resolver func(docID string, local, remote Revision) Winner

// LastWriterWins is the default resolver: the later updated_at wins, with
// the lexicographically greater content hash as a deterministic tie-break.
func LastWriterWins(docID string, local, remote Revision) Winner {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return WinnerRemote
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return WinnerLocal
	}
	if remote.ContentHash > local.ContentHash {
		return WinnerRemote
	}
	return WinnerLocal
}

// ConflictRecord documents a concurrent update that was detected during
// manifest exchange. A conflict is never resolved silently: the record
// stays queryable after resolution, and the losing revision is retained
// by the store.
type ConflictRecord struct {
	DocID        string
	PeerID       string
	LocalVector  vector.VersionVector
	RemoteVector vector.VersionVector
	LocalHash    string
	RemoteHash   string
	LocalUpdated time.Time
	RemoteUpdate time.Time
	DetectedAt   time.Time
	Resolved     bool
	Winner       string
}

// conflictLog stores conflict records keyed by doc id and peer.
type conflictLog struct {
	mu      sync.Mutex
	records map[string]*ConflictRecord // docID+"\x00"+peerID
}

func newConflictLog() *conflictLog {
	return &conflictLog{records: make(map[string]*ConflictRecord)}
}

func conflictKey(docID, peerID string) string {
	return docID + "\x00" + peerID
}

// record registers a detected conflict, replacing any earlier record for
// the same doc and peer.
func (l *conflictLog) record(docID, peerID string, local Revision, remote protocol.ConflictNotice) *ConflictRecord {
	rec := &ConflictRecord{
		DocID:        docID,
		PeerID:       peerID,
		LocalVector:  local.Vector.Clone(),
		RemoteVector: remote.VersionVector.Clone(),
		LocalHash:    local.ContentHash,
		RemoteHash:   remote.ContentHash,
		LocalUpdated: local.UpdatedAt,
		RemoteUpdate: remote.UpdatedAt,
		DetectedAt:   time.Now(),
	}
	l.mu.Lock()
	l.records[conflictKey(docID, peerID)] = rec
	l.mu.Unlock()
	return rec
}

// resolve marks a conflict resolved with the given winner.
func (l *conflictLog) resolve(docID, peerID string, winner Winner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[conflictKey(docID, peerID)]; ok {
		rec.Resolved = true
		rec.Winner = winner.String()
	}
}

// all returns a copy of every record.
func (l *conflictLog) all() []ConflictRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConflictRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	return out
}
