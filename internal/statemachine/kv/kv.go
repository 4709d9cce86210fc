// Package kv is an in-memory reference state machine: a plain key-value
// store, suitable for the FullSS crash model where losing all state on
// crash (and relying on a Paxos-level restart to rebuild it from peers) is
// expected behavior rather than a data loss bug.
package kv

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/ruvnet/paxosrep/internal/statemachine"
)

// Store is a sync.RWMutex-guarded map[string][]byte applying
// statemachine.Command values.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: map[string][]byte{}}
}

// Apply executes cmd against the map, ignoring throughInstance (the
// in-memory store has no use for it beyond what the caller's log already
// tracks).
func (s *Store) Apply(_ int64, cmd statemachine.Command) ([]byte, error) {
	op, key, value, err := statemachine.DecodeCommand(cmd.Payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case statemachine.OpSet:
		s.data[string(key)] = value
		return nil, nil
	case statemachine.OpGet:
		v, ok := s.data[string(key)]
		if !ok {
			return nil, nil
		}
		return v, nil
	case statemachine.OpDelete:
		delete(s.data, string(key))
		return nil, nil
	default:
		return nil, statemachine.ErrUnknownOp
	}
}

// Snapshot gob-encodes the entire map. gob is the teacher corpus's usual
// reach for "serialize this Go map", not a wire-format the rest of the
// system needs to agree on — only this type's own Snapshot/Restore pair
// needs to read it.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces the map wholesale from a blob previously produced by
// Snapshot.
func (s *Store) Restore(state []byte) error {
	data := map[string][]byte{}
	if len(state) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(state)).Decode(&data); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}
