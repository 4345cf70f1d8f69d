// Package engine reconciles document state with authenticated peers:
// manifest exchange, version-vector classification, conflict handling, and
// chunked resumable transfer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trosyn.dev/go/trosync/internal/connmgr"
	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/vector"
)

const (
	// DefaultChunkSize is the transfer chunk size.
	DefaultChunkSize = 64 * 1024

	// DefaultMaxInflight bounds concurrent transfers per peer.
	DefaultMaxInflight = 4

	// DefaultAckTimeout is how long a sender waits for a chunk ack.
	DefaultAckTimeout = 30 * time.Second
)

// Conns is the connection-manager surface the engine drives. Satisfied by
// *connmgr.Manager.
type Conns interface {
	Send(nodeID string, msgType protocol.MessageType, payload interface{}) error
	SendSealed(nodeID string, msgType protocol.MessageType, payload interface{}) error
	Peers() []*connmgr.Peer
	RegisterHandler(msgType protocol.MessageType, h connmgr.Handler)
}

// Options configures the engine.
type Options struct {
	ChunkSize    int
	MaxInflight  int
	SyncInterval time.Duration
	AckTimeout   time.Duration

	// Resolver decides conflicts; nil means LastWriterWins.
	Resolver Resolver
}

// partial is an incomplete inbound transfer. It is keyed by peer, doc, and
// content hash so a reconnect with a fresh transfer id resumes instead of
// restarting.
type partial struct {
	docID       string
	peerID      string
	contentHash string
	totalSize   int64
	updatedAt   time.Time
	vv          vector.VersionVector
	buf         []byte
}

// Engine drives synchronization over a connection manager.
type Engine struct {
	nodeID    string
	store     Store
	conns     Conns
	opts      Options
	conflicts *conflictLog

	mu          sync.Mutex
	pendingAcks map[string]chan protocol.SyncAck // transferID -> acks
	partials    map[string]*partial
	inflight    map[string]chan struct{} // peerID -> semaphore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine and registers its message handlers on the
// connection manager.
func New(nodeID string, store Store, conns Conns, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = DefaultMaxInflight
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Minute
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Resolver == nil {
		opts.Resolver = LastWriterWins
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		nodeID:      nodeID,
		store:       store,
		conns:       conns,
		opts:        opts,
		conflicts:   newConflictLog(),
		pendingAcks: make(map[string]chan protocol.SyncAck),
		partials:    make(map[string]*partial),
		inflight:    make(map[string]chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	conns.RegisterHandler(protocol.MsgSyncRequest, e.handleSyncRequest)
	conns.RegisterHandler(protocol.MsgSyncResponse, e.handleSyncResponse)
	conns.RegisterHandler(protocol.MsgSyncData, e.handleSyncData)
	conns.RegisterHandler(protocol.MsgSyncAck, e.handleSyncAck)
	conns.RegisterHandler(protocol.MsgSyncComplete, e.handleSyncComplete)
	conns.RegisterHandler(protocol.MsgError, e.handleError)
	return e
}

// Start begins the periodic sync loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.syncLoop()
	slog.Info("sync engine started", "interval", e.opts.SyncInterval, "chunk_size", e.opts.ChunkSize)
}

// Stop halts the loops and waits for in-flight transfers to wind down.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	slog.Info("sync engine stopped")
}

// Conflicts returns all recorded conflicts, resolved and unresolved.
func (e *Engine) Conflicts() []ConflictRecord {
	return e.conflicts.all()
}

func (e *Engine) syncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range e.conns.Peers() {
				if err := e.SyncWithPeer(peer.NodeID); err != nil {
					slog.Warn("sync cycle failed", "node", peer.NodeID, "error", err)
				}
			}
		}
	}
}

// SyncWithPeer sends the local manifest to a peer, opening a sync round.
func (e *Engine) SyncWithPeer(nodeID string) error {
	manifest, err := e.store.GetManifest()
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	req := protocol.SyncRequest{
		RequestID: uuid.NewString(),
		Manifest:  manifest,
	}
	if err := e.conns.Send(nodeID, protocol.MsgSyncRequest, req); err != nil {
		return fmt.Errorf("send sync request: %w", err)
	}
	slog.Debug("sync round opened", "node", nodeID, "docs", len(manifest))
	return nil
}

// handleSyncRequest classifies the peer's manifest against ours and answers
// with what we want; documents we dominate are pushed.
func (e *Engine) handleSyncRequest(peer *connmgr.Peer, msg *protocol.Message) {
	var req protocol.SyncRequest
	if err := msg.ParsePayload(&req); err != nil {
		e.sendError(peer.NodeID, protocol.ErrCodeBadRequest, "malformed sync request", req.RequestID)
		return
	}

	local, err := e.store.GetManifest()
	if err != nil {
		e.sendError(peer.NodeID, protocol.ErrCodeStorage, "manifest unavailable", req.RequestID)
		return
	}

	var wants []string
	var conflicts []protocol.ConflictNotice
	var pushes []string

	for docID, remote := range req.Manifest {
		mine, ok := local[docID]
		if !ok {
			wants = append(wants, docID)
			continue
		}
		if mine.ContentHash == remote.ContentHash {
			// Same bytes, histories may have diverged (a receiver bumps
			// its own entry on apply). Merge vectors on both sides
			// instead of re-shipping the document.
			if !mine.VersionVector.Equal(remote.VersionVector) {
				e.reconcileVectors(peer.NodeID, docID, mine, remote.VersionVector)
			}
			continue
		}
		switch mine.VersionVector.Compare(remote.VersionVector) {
		case vector.Equal:
			// In sync.
		case vector.Before:
			wants = append(wants, docID)
		case vector.After:
			pushes = append(pushes, docID)
		case vector.Concurrent:
			localRev := Revision{Vector: mine.VersionVector, ContentHash: mine.ContentHash, UpdatedAt: mine.UpdatedAt}
			remoteRev := Revision{Vector: remote.VersionVector, ContentHash: remote.ContentHash, UpdatedAt: remote.UpdatedAt}
			e.conflicts.record(docID, peer.NodeID, localRev, protocol.ConflictNotice{
				DocID:         docID,
				VersionVector: remote.VersionVector,
				ContentHash:   remote.ContentHash,
				UpdatedAt:     remote.UpdatedAt,
			})
			winner := e.opts.Resolver(docID, localRev, remoteRev)
			e.conflicts.resolve(docID, peer.NodeID, winner)
			slog.Warn("concurrent update detected",
				"doc", docID,
				"node", peer.NodeID,
				"winner", winner,
			)
			// Tell the requester; it records the conflict with our
			// revision as the remote side.
			conflicts = append(conflicts, protocol.ConflictNotice{
				DocID:         docID,
				VersionVector: mine.VersionVector,
				ContentHash:   mine.ContentHash,
				UpdatedAt:     mine.UpdatedAt,
			})
			if winner == WinnerLocal {
				pushes = append(pushes, docID)
			} else {
				wants = append(wants, docID)
			}
		}
	}
	for docID := range local {
		if _, ok := req.Manifest[docID]; !ok {
			pushes = append(pushes, docID)
		}
	}

	resp := protocol.SyncResponse{
		RequestID: req.RequestID,
		Wants:     wants,
		Conflicts: conflicts,
	}
	if err := e.conns.Send(peer.NodeID, protocol.MsgSyncResponse, resp); err != nil {
		slog.Warn("send sync response failed", "node", peer.NodeID, "error", err)
		return
	}

	for _, docID := range pushes {
		e.startPush(peer.NodeID, docID)
	}
}

// reconcileVectors settles a document whose bytes match the peer's but
// whose vectors differ: adopt the union locally and send a data-free
// SYNC_COMPLETE so the peer adopts it too. No own-entry bump on either
// side; the content did not change.
func (e *Engine) reconcileVectors(nodeID, docID string, mine protocol.ManifestDigest, remote vector.VersionVector) {
	merged := mine.VersionVector.Merge(remote)
	if err := e.adoptVector(docID, merged); err != nil {
		slog.Error("vector reconcile failed", "doc", docID, "error", err)
		return
	}
	complete := protocol.SyncComplete{
		TransferID:    uuid.NewString(),
		DocID:         docID,
		VersionVector: merged,
		ContentHash:   mine.ContentHash,
		UpdatedAt:     mine.UpdatedAt,
	}
	if err := e.conns.Send(nodeID, protocol.MsgSyncComplete, complete); err != nil {
		slog.Warn("send vector reconcile failed", "node", nodeID, "doc", docID, "error", err)
	}
}

// adoptVector merges a remote vector into a document we already hold.
// Metadata-only commit: the bytes are untouched and our own entry is not
// incremented.
func (e *Engine) adoptVector(docID string, remote vector.VersionVector) error {
	doc, err := e.store.ReadDoc(docID)
	if err != nil {
		return err
	}
	merged := doc.Vector.Merge(remote)
	if merged.Equal(doc.Vector) {
		return nil
	}
	doc.Vector = merged
	return e.store.Apply(doc)
}

// handleSyncResponse records conflicts reported by the responder and pushes
// the documents it asked for.
func (e *Engine) handleSyncResponse(peer *connmgr.Peer, msg *protocol.Message) {
	var resp protocol.SyncResponse
	if err := msg.ParsePayload(&resp); err != nil {
		slog.Warn("malformed sync response", "node", peer.NodeID, "error", err)
		return
	}

	for _, notice := range resp.Conflicts {
		doc, err := e.store.ReadDoc(notice.DocID)
		if err != nil {
			continue
		}
		localRev := Revision{Vector: doc.Vector, ContentHash: doc.ContentHash, UpdatedAt: doc.UpdatedAt}
		remoteRev := Revision{Vector: notice.VersionVector, ContentHash: notice.ContentHash, UpdatedAt: notice.UpdatedAt}
		e.conflicts.record(notice.DocID, peer.NodeID, localRev, notice)
		winner := e.opts.Resolver(notice.DocID, localRev, remoteRev)
		e.conflicts.resolve(notice.DocID, peer.NodeID, winner)
	}

	for _, docID := range resp.Wants {
		e.startPush(peer.NodeID, docID)
	}
}

// startPush launches an outbound transfer in its own goroutine, subject to
// the per-peer inflight cap.
func (e *Engine) startPush(nodeID, docID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.pushDoc(nodeID, docID); err != nil {
			slog.Warn("push failed", "node", nodeID, "doc", docID, "error", err)
		}
	}()
}

func (e *Engine) semaphore(nodeID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.inflight[nodeID]
	if !ok {
		sem = make(chan struct{}, e.opts.MaxInflight)
		e.inflight[nodeID] = sem
	}
	return sem
}

// pushDoc streams one document to a peer: resume probe, chunks, complete.
func (e *Engine) pushDoc(nodeID, docID string) error {
	sem := e.semaphore(nodeID)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-e.ctx.Done():
		return e.ctx.Err()
	}

	doc, err := e.store.ReadDoc(docID)
	if err != nil {
		return fmt.Errorf("read doc: %w", err)
	}

	transferID := uuid.NewString()
	acks := make(chan protocol.SyncAck, 1)
	e.mu.Lock()
	e.pendingAcks[transferID] = acks
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pendingAcks, transferID)
		e.mu.Unlock()
	}()

	meta := protocol.SyncData{
		TransferID:    transferID,
		DocID:         doc.ID,
		VersionVector: doc.Vector,
		ContentHash:   doc.ContentHash,
		TotalSize:     int64(len(doc.Data)),
		UpdatedAt:     doc.UpdatedAt,
	}

	// Opening probe: empty data at offset zero. The receiver answers with
	// the offset it wants us to start from, which resumes a matching
	// partial after a reconnect.
	if err := e.conns.Send(nodeID, protocol.MsgSyncData, meta); err != nil {
		return fmt.Errorf("send transfer probe: %w", err)
	}
	ack, err := e.waitAck(acks)
	if err != nil {
		return fmt.Errorf("transfer probe: %w", err)
	}
	if ack.Error != "" {
		return fmt.Errorf("peer refused transfer: %s", ack.Error)
	}

	offset := ack.Offset
	if offset > meta.TotalSize {
		return fmt.Errorf("peer requested offset %d beyond size %d", offset, meta.TotalSize)
	}
	if offset > 0 {
		slog.Info("resuming transfer", "node", nodeID, "doc", docID, "offset", offset)
	}

	for offset < meta.TotalSize {
		end := offset + int64(e.opts.ChunkSize)
		if end > meta.TotalSize {
			end = meta.TotalSize
		}
		chunk := meta
		chunk.Offset = offset
		chunk.Data = doc.Data[offset:end]

		if err := e.conns.SendSealed(nodeID, protocol.MsgSyncData, chunk); err != nil {
			return fmt.Errorf("send chunk at %d: %w", offset, err)
		}
		ack, err = e.waitAck(acks)
		if err != nil {
			return fmt.Errorf("chunk at %d: %w", offset, err)
		}
		if ack.Error != "" {
			return fmt.Errorf("peer aborted transfer: %s", ack.Error)
		}
		offset = ack.Offset
	}

	complete := protocol.SyncComplete{
		TransferID:    transferID,
		DocID:         doc.ID,
		VersionVector: doc.Vector,
		ContentHash:   doc.ContentHash,
		UpdatedAt:     doc.UpdatedAt,
	}
	if err := e.conns.Send(nodeID, protocol.MsgSyncComplete, complete); err != nil {
		return fmt.Errorf("send complete: %w", err)
	}
	ack, err = e.waitAck(acks)
	if err != nil {
		return fmt.Errorf("await apply: %w", err)
	}
	if ack.Error != "" {
		return fmt.Errorf("peer failed to apply: %s", ack.Error)
	}

	slog.Info("document pushed", "node", nodeID, "doc", docID, "bytes", meta.TotalSize)
	return nil
}

func (e *Engine) waitAck(acks chan protocol.SyncAck) (protocol.SyncAck, error) {
	select {
	case ack := <-acks:
		return ack, nil
	case <-time.After(e.opts.AckTimeout):
		return protocol.SyncAck{}, fmt.Errorf("ack timeout after %s", e.opts.AckTimeout)
	case <-e.ctx.Done():
		return protocol.SyncAck{}, e.ctx.Err()
	}
}

// handleSyncAck routes an ack to the transfer waiting on it.
func (e *Engine) handleSyncAck(peer *connmgr.Peer, msg *protocol.Message) {
	var ack protocol.SyncAck
	if err := msg.ParsePayload(&ack); err != nil {
		slog.Warn("malformed sync ack", "node", peer.NodeID, "error", err)
		return
	}

	e.mu.Lock()
	ch, ok := e.pendingAcks[ack.TransferID]
	e.mu.Unlock()
	if !ok {
		slog.Debug("ack for unknown transfer", "node", peer.NodeID, "transfer", ack.TransferID)
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func partialKey(peerID, docID, contentHash string) string {
	return peerID + "\x00" + docID + "\x00" + contentHash
}

// handleSyncData receives a probe or chunk and acks the next offset we
// expect. Duplicate chunks are acked, not errored.
func (e *Engine) handleSyncData(peer *connmgr.Peer, msg *protocol.Message) {
	var chunk protocol.SyncData
	if err := msg.ParsePayload(&chunk); err != nil {
		slog.Warn("malformed sync data", "node", peer.NodeID, "error", err)
		return
	}

	key := partialKey(peer.NodeID, chunk.DocID, chunk.ContentHash)

	e.mu.Lock()
	p, ok := e.partials[key]
	if !ok {
		p = &partial{
			docID:       chunk.DocID,
			peerID:      peer.NodeID,
			contentHash: chunk.ContentHash,
			totalSize:   chunk.TotalSize,
			updatedAt:   chunk.UpdatedAt,
			vv:          chunk.VersionVector.Clone(),
		}
		e.partials[key] = p
	}

	have := int64(len(p.buf))
	if len(chunk.Data) > 0 {
		switch {
		case chunk.Offset == have:
			p.buf = append(p.buf, chunk.Data...)
			have = int64(len(p.buf))
		case chunk.Offset < have:
			// Duplicate of bytes we already hold; ack what we have.
		default:
			// Gap; ask the sender to back up.
			slog.Debug("out-of-order chunk",
				"node", peer.NodeID,
				"doc", chunk.DocID,
				"offset", chunk.Offset,
				"have", have,
			)
		}
	}
	e.mu.Unlock()

	e.sendAck(peer.NodeID, protocol.SyncAck{
		TransferID: chunk.TransferID,
		DocID:      chunk.DocID,
		Offset:     have,
	})
}

// handleSyncComplete verifies the assembled document and applies it
// atomically with a merged vector.
func (e *Engine) handleSyncComplete(peer *connmgr.Peer, msg *protocol.Message) {
	var complete protocol.SyncComplete
	if err := msg.ParsePayload(&complete); err != nil {
		slog.Warn("malformed sync complete", "node", peer.NodeID, "error", err)
		return
	}

	key := partialKey(peer.NodeID, complete.DocID, complete.ContentHash)
	e.mu.Lock()
	p, ok := e.partials[key]
	e.mu.Unlock()

	local, localErr := e.store.ReadDoc(complete.DocID)
	haveLocal := localErr == nil

	// Completion for content we already hold: ack success so the sender
	// can settle, and adopt any vector entries we are missing so the
	// manifests converge instead of re-triggering a push next round.
	if haveLocal && local.ContentHash == complete.ContentHash {
		e.mu.Lock()
		delete(e.partials, key)
		e.mu.Unlock()
		if err := e.adoptVector(complete.DocID, complete.VersionVector); err != nil {
			slog.Error("vector merge failed", "doc", complete.DocID, "error", err)
			e.sendAck(peer.NodeID, protocol.SyncAck{
				TransferID: complete.TransferID,
				DocID:      complete.DocID,
				Offset:     int64(len(local.Data)),
				Error:      "storage error",
			})
			return
		}
		e.sendAck(peer.NodeID, protocol.SyncAck{
			TransferID: complete.TransferID,
			DocID:      complete.DocID,
			Offset:     int64(len(local.Data)),
		})
		return
	}

	if !ok {
		e.sendAck(peer.NodeID, protocol.SyncAck{
			TransferID: complete.TransferID,
			DocID:      complete.DocID,
			Error:      "no transfer in progress",
		})
		return
	}
	if int64(len(p.buf)) != p.totalSize {
		e.sendAck(peer.NodeID, protocol.SyncAck{
			TransferID: complete.TransferID,
			DocID:      complete.DocID,
			Offset:     int64(len(p.buf)),
			Error:      "transfer incomplete",
		})
		return
	}
	if ContentHash(p.buf) != complete.ContentHash {
		// Corrupt assembly; discard so the next cycle restarts clean.
		e.mu.Lock()
		delete(e.partials, key)
		e.mu.Unlock()
		e.sendAck(peer.NodeID, protocol.SyncAck{
			TransferID: complete.TransferID,
			DocID:      complete.DocID,
			Error:      "content hash mismatch",
		})
		return
	}

	// A losing concurrent revision is retained, never silently dropped.
	if haveLocal && local.Vector.Concurrent(complete.VersionVector) {
		if err := e.store.RetainVersion(local); err != nil {
			slog.Error("retain version failed", "doc", complete.DocID, "error", err)
		}
	}

	merged := complete.VersionVector.Clone()
	if haveLocal {
		merged = local.Vector.Merge(complete.VersionVector)
	}
	merged.Increment(e.nodeID)

	doc := Doc{
		ID:          complete.DocID,
		Data:        p.buf,
		Vector:      merged,
		ContentHash: complete.ContentHash,
		UpdatedAt:   complete.UpdatedAt,
	}
	if err := e.store.Apply(doc); err != nil {
		// Keep the partial: the bytes are good, only the commit failed.
		slog.Error("apply failed", "doc", complete.DocID, "error", err)
		e.sendAck(peer.NodeID, protocol.SyncAck{
			TransferID: complete.TransferID,
			DocID:      complete.DocID,
			Offset:     int64(len(p.buf)),
			Error:      "storage error",
		})
		return
	}

	e.mu.Lock()
	delete(e.partials, key)
	e.mu.Unlock()

	e.sendAck(peer.NodeID, protocol.SyncAck{
		TransferID: complete.TransferID,
		DocID:      complete.DocID,
		Offset:     int64(len(doc.Data)),
	})
	slog.Info("document applied",
		"doc", complete.DocID,
		"node", peer.NodeID,
		"bytes", len(doc.Data),
	)
}

func (e *Engine) handleError(peer *connmgr.Peer, msg *protocol.Message) {
	var errPayload protocol.ErrorPayload
	if err := msg.ParsePayload(&errPayload); err != nil {
		return
	}
	slog.Warn("peer reported error",
		"node", peer.NodeID,
		"code", errPayload.Code,
		"message", errPayload.Message,
	)

	// If the error names an in-flight transfer, fail it promptly rather
	// than waiting for the ack timeout.
	if errPayload.RequestID == "" {
		return
	}
	e.mu.Lock()
	ch, ok := e.pendingAcks[errPayload.RequestID]
	e.mu.Unlock()
	if ok {
		select {
		case ch <- protocol.SyncAck{TransferID: errPayload.RequestID, Error: errPayload.Message}:
		default:
		}
	}
}

func (e *Engine) sendAck(nodeID string, ack protocol.SyncAck) {
	if err := e.conns.Send(nodeID, protocol.MsgSyncAck, ack); err != nil {
		slog.Debug("send ack failed", "node", nodeID, "transfer", ack.TransferID, "error", err)
	}
}

func (e *Engine) sendError(nodeID, code, message, requestID string) {
	payload := protocol.ErrorPayload{Code: code, Message: message, RequestID: requestID}
	if err := e.conns.Send(nodeID, protocol.MsgError, payload); err != nil {
		slog.Debug("send error failed", "node", nodeID, "error", err)
	}
}
