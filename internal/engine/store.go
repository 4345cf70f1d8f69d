package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/vector"
)

// ErrDocNotFound is returned when a document id is unknown to the store.
var ErrDocNotFound = errors.New("document not found")

// Doc is one synchronized document with its version metadata.
type Doc struct {
	ID          string
	Data        []byte
	Vector      vector.VersionVector
	ContentHash string
	UpdatedAt   time.Time
}

// Digest returns the manifest entry for the document.
func (d Doc) Digest() protocol.ManifestDigest {
	return protocol.ManifestDigest{
		VersionVector: d.Vector,
		ContentHash:   d.ContentHash,
		Size:          int64(len(d.Data)),
		UpdatedAt:     d.UpdatedAt,
	}
}

// ContentHash returns the hex SHA-256 of the document bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is the storage collaborator the engine syncs against. Apply must be
// atomic: the document bytes and manifest entry commit together or not at
// all.
type Store interface {
	// GetManifest returns the digest of every stored document.
	GetManifest() (map[string]protocol.ManifestDigest, error)

	// ReadDoc returns a document by id.
	ReadDoc(docID string) (Doc, error)

	// Apply commits a document received from a peer.
	Apply(doc Doc) error

	// RetainVersion archives a revision that lost conflict resolution so
	// it stays recoverable.
	RetainVersion(doc Doc) error
}

// MemoryStore is the in-memory Store used by the daemon default and tests.
type MemoryStore struct {
	nodeID string

	mu       sync.RWMutex
	docs     map[string]Doc
	retained map[string][]Doc
}

// NewMemoryStore creates an empty store owned by the given node.
func NewMemoryStore(nodeID string) *MemoryStore {
	return &MemoryStore{
		nodeID:   nodeID,
		docs:     make(map[string]Doc),
		retained: make(map[string][]Doc),
	}
}

// Put records a local write: the document's vector is bumped at this
// node's entry.
func (s *MemoryStore) Put(docID string, data []byte) (Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vv := vector.New()
	if existing, ok := s.docs[docID]; ok {
		vv = existing.Vector.Clone()
	}
	vv.Increment(s.nodeID)

	doc := Doc{
		ID:          docID,
		Data:        append([]byte(nil), data...),
		Vector:      vv,
		ContentHash: ContentHash(data),
		UpdatedAt:   time.Now(),
	}
	s.docs[docID] = doc
	return doc, nil
}

// GetManifest implements Store.
func (s *MemoryStore) GetManifest() (map[string]protocol.ManifestDigest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	manifest := make(map[string]protocol.ManifestDigest, len(s.docs))
	for id, doc := range s.docs {
		manifest[id] = doc.Digest()
	}
	return manifest, nil
}

// ReadDoc implements Store.
func (s *MemoryStore) ReadDoc(docID string) (Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[docID]
	if !ok {
		return Doc{}, fmt.Errorf("%w: %s", ErrDocNotFound, docID)
	}
	doc.Data = append([]byte(nil), doc.Data...)
	doc.Vector = doc.Vector.Clone()
	return doc, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(doc Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.Data = append([]byte(nil), doc.Data...)
	doc.Vector = doc.Vector.Clone()
	s.docs[doc.ID] = doc
	return nil
}

// RetainVersion implements Store.
func (s *MemoryStore) RetainVersion(doc Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained[doc.ID] = append(s.retained[doc.ID], doc)
	return nil
}

// RetainedVersions returns archived revisions of a document.
func (s *MemoryStore) RetainedVersions(docID string) []Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Doc(nil), s.retained[docID]...)
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
