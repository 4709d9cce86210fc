package consensus

import (
	"fmt"
	"sync"

	"github.com/ruvnet/paxosrep/internal/perrors"
)

// LogSizeListener is invoked synchronously, on the dispatcher goroutine,
// after every mutation that can change the log's in-memory byte size.
type LogSizeListener func(newSize int64)

// Log is the sparse, in-memory mapping instanceId -> ConsensusInstance,
// dispatcher-exclusive by construction: every method here must only be
// called from the single consensus dispatcher goroutine. It is not
// internally synchronized on purpose — concurrent access is a programming
// error that neither this type nor Dispatcher detects at run time.
type Log struct {
	entries              map[InstanceID]*ConsensusInstance
	nextID               InstanceID
	firstUncommitted     InstanceID
	firstSnapshotInstance InstanceID

	listeners []LogSizeListener
	byteSize  int64
}

// NewLog creates an empty log starting at instance 0.
func NewLog() *Log {
	return &Log{entries: map[InstanceID]*ConsensusInstance{}}
}

// Subscribe registers a listener fired after every log mutation.
func (l *Log) Subscribe(fn LogSizeListener) { l.listeners = append(l.listeners, fn) }

func (l *Log) notify() {
	for _, fn := range l.listeners {
		fn(l.byteSize)
	}
}

// GetInstance returns the instance at id, or nil if it does not exist
// (either never allocated or truncated below the snapshot point).
func (l *Log) GetInstance(id InstanceID) *ConsensusInstance {
	return l.entries[id]
}

// GetOrCreate returns the instance at id, allocating an UNKNOWN one (and
// advancing nextId past it) if it doesn't exist yet.
func (l *Log) GetOrCreate(id InstanceID) *ConsensusInstance {
	inst, ok := l.entries[id]
	if ok {
		return inst
	}
	inst = newInstance(id)
	l.entries[id] = inst
	if id >= l.nextID {
		l.nextID = id + 1
	}
	l.recomputeSize()
	l.notify()
	return inst
}

// Append allocates the next free instance id, stores (view, value, Known)
// into it, and returns the new id.
func (l *Log) Append(view View, value []byte) InstanceID {
	id := l.nextID
	inst := newInstance(id)
	inst.View = view
	inst.Value = value
	inst.State = Known
	l.entries[id] = inst
	l.nextID = id + 1
	l.recomputeSize()
	l.notify()
	return id
}

// SetDecided marks the instance at id as DECIDED with the given view and
// value. Per the protocol's safety invariant, a DECIDED instance's view
// and value may never change again; calling SetDecided with a different
// value on an already-DECIDED instance is a protocol violation and must
// abort the process rather than silently diverge.
func (l *Log) SetDecided(id InstanceID, view View, value []byte) error {
	inst, ok := l.entries[id]
	if !ok {
		inst = newInstance(id)
		l.entries[id] = inst
		if id >= l.nextID {
			l.nextID = id + 1
		}
	}
	if inst.State == Decided {
		if string(inst.Value) != string(value) {
			return perrors.New(perrors.ProtocolViolation, "log.setDecided",
				fmt.Errorf("instance %d already decided with a different value", id))
		}
		return nil
	}
	inst.View = view
	inst.Value = value
	inst.State = Decided
	l.advanceFirstUncommitted()
	l.recomputeSize()
	l.notify()
	return nil
}

// advanceFirstUncommitted slides firstUncommitted forward over any run of
// contiguously DECIDED instances starting at its current position. This is
// the mechanism that gives the replica's delivery-to-state-machine loop a
// gap-free prefix to work with.
func (l *Log) advanceFirstUncommitted() {
	for {
		inst, ok := l.entries[l.firstUncommitted]
		if !ok || inst.State != Decided {
			return
		}
		l.firstUncommitted++
	}
}

// TruncateBelow drops every entry with id < id, typically called after a
// snapshot installs at nextInstanceId == id.
func (l *Log) TruncateBelow(id InstanceID) {
	for k := range l.entries {
		if k < id {
			delete(l.entries, k)
		}
	}
	if id > l.firstSnapshotInstance {
		l.firstSnapshotInstance = id
	}
	if l.firstUncommitted < id {
		l.firstUncommitted = id
	}
	l.recomputeSize()
	l.notify()
}

// ByteSizeBetween estimates the serialized size of [lo, hi) for the
// snapshot maintainer's ratio calculations.
func (l *Log) ByteSizeBetween(lo, hi InstanceID) int64 {
	var total int64
	for id := lo; id < hi; id++ {
		if inst, ok := l.entries[id]; ok {
			total += int64(len(inst.Value)) + 24
		}
	}
	return total
}

func (l *Log) recomputeSize() {
	var total int64
	for _, inst := range l.entries {
		total += int64(len(inst.Value)) + 24
	}
	l.byteSize = total
}

// GetNextID returns the first instance id never allocated.
func (l *Log) GetNextID() InstanceID { return l.nextID }

// GetFirstUncommitted returns the lowest instance id not yet DECIDED.
func (l *Log) GetFirstUncommitted() InstanceID { return l.firstUncommitted }

// FirstSnapshotInstance returns the id below which the log has been
// truncated by the most recent snapshot installation.
func (l *Log) FirstSnapshotInstance() InstanceID { return l.firstSnapshotInstance }

// ViewStore persists the current view and the most recently installed
// snapshot's metadata. The view write is synchronous: it must complete
// before the new view becomes visible to any other component, matching
// the crash-safety rule that a view increase be durable before any message
// tagged with that view is sent.
type ViewStore interface {
	// SaveView durably writes view, replacing whatever was there.
	SaveView(view View) error
	// LoadView reads the last durably written view, 0 if none yet.
	LoadView() (View, error)
	// SaveSnapshotMeta durably records the instance id below which the log
	// has been truncated by the installed snapshot.
	SaveSnapshotMeta(nextInstanceID InstanceID) error
	// LoadSnapshotMeta reads the last durably recorded snapshot boundary.
	LoadSnapshotMeta() (InstanceID, error)
}

// memViewStore is an in-memory ViewStore, used by tests and by cmd/replica
// under the crash models that keep no durable view (CrashStop, FullSS);
// internal/storage's FileViewStore is the durable, file-backed
// implementation.
type memViewStore struct {
	mu           sync.Mutex
	view         View
	snapshotMeta InstanceID
}

// NewMemViewStore returns a non-durable ViewStore suitable for tests.
func NewMemViewStore() ViewStore { return &memViewStore{} }

func (s *memViewStore) SaveView(view View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
	return nil
}

func (s *memViewStore) LoadView() (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view, nil
}

func (s *memViewStore) SaveSnapshotMeta(id InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotMeta = id
	return nil
}

func (s *memViewStore) LoadSnapshotMeta() (InstanceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotMeta, nil
}
