// Package storage implements the durable, file-backed ViewStore consumed
// by the consensus package's Acceptor/Proposer/SnapshotMaintainer: the
// small amount of state (current view, snapshot boundary) that must
// survive a process crash under the ViewSS and EpochSS crash models.
//
// Durability uses the standard write-to-temp-file-then-rename pattern —
// POSIX rename is atomic within a filesystem, so a crash between writing
// the temp file and the rename leaves the previous durable value intact,
// never a half-written one. This is the same atomic-replace technique the
// example pack's directory-backed state store builds its compare-and-set
// guarantee on top of; this store only needs plain atomic durability
// since the consensus Dispatcher's single-goroutine ownership already
// rules out concurrent writers, so no version/CAS layer is needed here.
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruvnet/paxosrep/internal/consensus"
)

// FileViewStore persists the current view and snapshot boundary as two
// small files under dir, one replica's directory per instance.
type FileViewStore struct {
	dir string
	mu  sync.Mutex
}

const (
	viewFile         = "view"
	snapshotMetaFile = "snapshot_meta"
)

// NewFileViewStore ensures dir exists and returns a ViewStore backed by it.
func NewFileViewStore(dir string) (*FileViewStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	return &FileViewStore{dir: dir}, nil
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readUint64File(path string) (uint64, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("storage: corrupt file %s: want 8 bytes, got %d", path, len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func writeUint64File(path string, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return atomicWriteFile(path, buf[:])
}

// SaveView durably writes view, replacing whatever was previously stored.
func (s *FileViewStore) SaveView(view consensus.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeUint64File(filepath.Join(s.dir, viewFile), uint64(view))
}

// LoadView reads the last durably written view, 0 if none exists yet.
func (s *FileViewStore) LoadView() (consensus.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _, err := readUint64File(filepath.Join(s.dir, viewFile))
	return consensus.View(v), err
}

// SaveSnapshotMeta durably records the instance id the most recently
// installed snapshot covers through.
func (s *FileViewStore) SaveSnapshotMeta(id consensus.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeUint64File(filepath.Join(s.dir, snapshotMetaFile), uint64(id))
}

// LoadSnapshotMeta reads the last durably recorded snapshot boundary, 0 if
// none exists yet.
func (s *FileViewStore) LoadSnapshotMeta() (consensus.InstanceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _, err := readUint64File(filepath.Join(s.dir, snapshotMetaFile))
	return consensus.InstanceID(v), err
}

var _ consensus.ViewStore = (*FileViewStore)(nil)
