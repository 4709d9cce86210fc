// Package batcher implements the protocol's two-layer client request
// batching: every replica first batches the requests it directly receives
// from clients into a ClientBatch, then the current leader batches
// ClientBatchIDs (not the payloads themselves) into the value proposed for
// one consensus instance. Keeping the actual request payloads out of the
// Paxos instance value keeps instances small regardless of client request
// size; the payloads are fetched from a ClientBatchStore once an instance
// decides.
package batcher

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// ReplicaID mirrors consensus.ReplicaID without importing the consensus
// package, the same way the wire package keeps its own primitive types;
// batcher has no business depending on dispatcher internals.
type ReplicaID int32

// ClientBatchID names a batch of client requests formed by one replica:
// the replica's own id plus a per-replica increasing sequence number.
type ClientBatchID struct {
	ProposerID ReplicaID
	Seq        int64
}

func (id ClientBatchID) String() string {
	return fmt.Sprintf("%d:%d", id.ProposerID, id.Seq)
}

// ClientRequest is one command submitted by a client, already addressed to
// a specific replica (normally the one it believes leads the current
// view).
type ClientRequest struct {
	ClientID int64
	Seq      int32
	Payload  []byte
}

// ClientBatch is a sequence of client requests grouped under one
// ClientBatchID, the unit the ClientBatchStore persists and the leader
// references from a consensus instance's value.
type ClientBatch struct {
	ID       ClientBatchID
	Requests []ClientRequest
}

func (b ClientBatch) byteSize() int {
	n := 0
	for _, r := range b.Requests {
		n += len(r.Payload) + 16
	}
	return n
}

// AfterFunc abstracts the one-shot timer primitive batchers need, so
// production code can bind it to a wall-clock timer whose callback is
// posted onto the consensus dispatcher (replica.Replica's afterFunc) while
// tests drive it manually.
type AfterFunc func(d time.Duration, fn func()) (cancel func())

// ClientRequestBatcher accumulates ClientRequests addressed to one replica
// and emits a ClientBatch once BatchSize bytes have accumulated or
// MaxBatchDelay has elapsed since the first request in the batch, whichever
// comes first.
type ClientRequestBatcher struct {
	mu sync.Mutex

	replicaID ReplicaID
	seq       int64

	maxBytes int
	maxDelay time.Duration
	after    AfterFunc
	onReady  func(ClientBatch)

	pending      []ClientRequest
	pendingBytes int
	cancelTimer  func()
}

// NewClientRequestBatcher constructs a batcher for replicaID. onReady is
// invoked (on whatever goroutine the timer or Submit call runs on —
// callers typically bounce it onto the dispatcher via Dispatcher.Post)
// once per completed batch.
func NewClientRequestBatcher(replicaID ReplicaID, maxBytes int, maxDelay time.Duration, after AfterFunc, onReady func(ClientBatch)) *ClientRequestBatcher {
	return &ClientRequestBatcher{
		replicaID: replicaID,
		maxBytes:  maxBytes,
		maxDelay:  maxDelay,
		after:     after,
		onReady:   onReady,
	}
}

// Submit adds req to the current batch, flushing immediately if it pushes
// the batch past maxBytes.
func (b *ClientRequestBatcher) Submit(req ClientRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.cancelTimer = b.after(b.maxDelay, b.flushTimeout)
	}
	b.pending = append(b.pending, req)
	b.pendingBytes += len(req.Payload) + 16

	if b.pendingBytes >= b.maxBytes {
		b.flushLocked()
	}
}

func (b *ClientRequestBatcher) flushTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *ClientRequestBatcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}
	if b.cancelTimer != nil {
		b.cancelTimer()
		b.cancelTimer = nil
	}
	batch := ClientBatch{
		ID:       ClientBatchID{ProposerID: b.replicaID, Seq: b.seq},
		Requests: b.pending,
	}
	b.seq++
	b.pending = nil
	b.pendingBytes = 0
	b.onReady(batch)
}

// InstanceValueBuilder is the leader-side second layer: it collects
// ClientBatchIDs forwarded by every replica (including its own
// ClientRequestBatcher) and periodically flushes them as the value for one
// consensus instance.
type InstanceValueBuilder struct {
	mu sync.Mutex

	maxBatches int
	maxDelay   time.Duration
	after      AfterFunc
	onReady    func([]byte)

	pending     []ClientBatchID
	cancelTimer func()
}

// NewInstanceValueBuilder constructs a builder that flushes after
// maxBatches ClientBatchIDs accumulate or maxDelay elapses.
func NewInstanceValueBuilder(maxBatches int, maxDelay time.Duration, after AfterFunc, onReady func([]byte)) *InstanceValueBuilder {
	return &InstanceValueBuilder{maxBatches: maxBatches, maxDelay: maxDelay, after: after, onReady: onReady}
}

// Submit queues id for inclusion in the next proposed instance value.
func (v *InstanceValueBuilder) Submit(id ClientBatchID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.pending) == 0 {
		v.cancelTimer = v.after(v.maxDelay, v.flushTimeout)
	}
	v.pending = append(v.pending, id)
	if len(v.pending) >= v.maxBatches {
		v.flushLocked()
	}
}

func (v *InstanceValueBuilder) flushTimeout() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flushLocked()
}

func (v *InstanceValueBuilder) flushLocked() {
	if len(v.pending) == 0 {
		return
	}
	if v.cancelTimer != nil {
		v.cancelTimer()
		v.cancelTimer = nil
	}
	value := EncodeInstanceValue(v.pending)
	v.pending = nil
	v.onReady(value)
}

// EncodeInstanceValue packs a list of ClientBatchIDs into the opaque byte
// value a consensus instance carries.
func EncodeInstanceValue(ids []ClientBatchID) []byte {
	var buf bytes.Buffer
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(ids)))
	buf.Write(n[:])
	for _, id := range ids {
		var rec [12]byte
		binary.BigEndian.PutUint32(rec[0:4], uint32(id.ProposerID))
		binary.BigEndian.PutUint64(rec[4:12], uint64(id.Seq))
		buf.Write(rec[:])
	}
	return buf.Bytes()
}

// DecodeInstanceValue is the inverse of EncodeInstanceValue. An empty or
// nil value (the no-op a new leader proposes to close a gap) decodes to an
// empty, non-nil slice.
func DecodeInstanceValue(value []byte) ([]ClientBatchID, error) {
	if len(value) == 0 {
		return []ClientBatchID{}, nil
	}
	if len(value) < 4 {
		return nil, fmt.Errorf("batcher: instance value too short")
	}
	count := binary.BigEndian.Uint32(value[0:4])
	ids := make([]ClientBatchID, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+12 > len(value) {
			return nil, fmt.Errorf("batcher: truncated instance value")
		}
		ids = append(ids, ClientBatchID{
			ProposerID: ReplicaID(binary.BigEndian.Uint32(value[off : off+4])),
			Seq:        int64(binary.BigEndian.Uint64(value[off+4 : off+12])),
		})
		off += 12
	}
	return ids, nil
}
