package batcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ClientBatchStore persists ClientBatches so they can be fetched by
// ClientBatchID once the instance referencing them decides and the state
// machine is ready to apply them. Under the FullSS crash model no store is
// configured at all: ClientBatchStoreAvailable reports false and the
// replica is handed a nil ClientBatchStore.
type ClientBatchStore interface {
	Put(ctx context.Context, batch ClientBatch) error
	Get(ctx context.Context, id ClientBatchID) (ClientBatch, bool, error)
	Delete(ctx context.Context, id ClientBatchID) error
}

// MemClientBatchStore is the in-memory, non-durable ClientBatchStore used
// when no RedisAddr is configured (under any crash model but FullSS) and in
// tests.
type MemClientBatchStore struct {
	mu      sync.RWMutex
	batches map[ClientBatchID]ClientBatch
}

// NewMemClientBatchStore returns an empty in-memory store.
func NewMemClientBatchStore() *MemClientBatchStore {
	return &MemClientBatchStore{batches: map[ClientBatchID]ClientBatch{}}
}

func (s *MemClientBatchStore) Put(_ context.Context, batch ClientBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = batch
	return nil
}

func (s *MemClientBatchStore) Get(_ context.Context, id ClientBatchID) (ClientBatch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	return b, ok, nil
}

func (s *MemClientBatchStore) Delete(_ context.Context, id ClientBatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batches, id)
	return nil
}

// RedisClientBatchStore backs the ClientBatchStore with Redis, for crash
// models (ViewSS, EpochSS) where the batch store is expected to survive an
// individual replica's crash independent of that replica's own disk.
// Keyed by "cb:{proposerID}:{seq}".
type RedisClientBatchStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClientBatchStore wraps an existing go-redis client. prefix
// namespaces keys per-cluster so multiple replica sets can share one Redis
// instance without colliding.
func NewRedisClientBatchStore(client *redis.Client, prefix string) *RedisClientBatchStore {
	return &RedisClientBatchStore{client: client, prefix: prefix}
}

func (s *RedisClientBatchStore) key(id ClientBatchID) string {
	return fmt.Sprintf("%s:cb:%d:%d", s.prefix, id.ProposerID, id.Seq)
}

func (s *RedisClientBatchStore) Put(ctx context.Context, batch ClientBatch) error {
	return s.client.Set(ctx, s.key(batch.ID), encodeBatch(batch), 0).Err()
}

func (s *RedisClientBatchStore) Get(ctx context.Context, id ClientBatchID) (ClientBatch, bool, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return ClientBatch{}, false, nil
	}
	if err != nil {
		return ClientBatch{}, false, err
	}
	batch, err := decodeBatch(raw)
	if err != nil {
		return ClientBatch{}, false, err
	}
	return batch, true, nil
}

func (s *RedisClientBatchStore) Delete(ctx context.Context, id ClientBatchID) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func encodeBatch(b ClientBatch) []byte {
	var buf bytes.Buffer
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(b.ID.ProposerID))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(b.ID.Seq))
	buf.Write(hdr[:])

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b.Requests)))
	buf.Write(n[:])
	for _, r := range b.Requests {
		var rhdr [16]byte
		binary.BigEndian.PutUint64(rhdr[0:8], uint64(r.ClientID))
		binary.BigEndian.PutUint32(rhdr[8:12], uint32(r.Seq))
		binary.BigEndian.PutUint32(rhdr[12:16], uint32(len(r.Payload)))
		buf.Write(rhdr[:])
		buf.Write(r.Payload)
	}
	return buf.Bytes()
}

func decodeBatch(raw []byte) (ClientBatch, error) {
	if len(raw) < 16 {
		return ClientBatch{}, fmt.Errorf("batcher: encoded batch too short")
	}
	id := ClientBatchID{
		ProposerID: ReplicaID(binary.BigEndian.Uint32(raw[0:4])),
		Seq:        int64(binary.BigEndian.Uint64(raw[4:12])),
	}
	count := binary.BigEndian.Uint32(raw[12:16])
	off := 16
	reqs := make([]ClientRequest, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+16 > len(raw) {
			return ClientBatch{}, fmt.Errorf("batcher: truncated encoded batch")
		}
		clientID := int64(binary.BigEndian.Uint64(raw[off : off+8]))
		seq := int32(binary.BigEndian.Uint32(raw[off+8 : off+12]))
		plen := binary.BigEndian.Uint32(raw[off+12 : off+16])
		off += 16
		if off+int(plen) > len(raw) {
			return ClientBatch{}, fmt.Errorf("batcher: truncated encoded batch payload")
		}
		payload := append([]byte(nil), raw[off:off+int(plen)]...)
		off += int(plen)
		reqs = append(reqs, ClientRequest{ClientID: clientID, Seq: seq, Payload: payload})
	}
	return ClientBatch{ID: id, Requests: reqs}, nil
}
