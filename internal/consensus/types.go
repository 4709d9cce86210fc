// Package consensus implements the replicated, crash-recoverable log at
// the heart of the replication service: a leader-based Paxos variant over
// a fixed set of replicas. The package owns the consensus instance log,
// the Acceptor and Proposer roles, catch-up, snapshot maintenance, and
// restart recovery. Everything in this package runs on the single
// dispatcher goroutine described in the package's Dispatcher type; nothing
// here is safe to call from more than one goroutine at a time except where
// explicitly documented (Log.Subscribe callbacks, Dispatcher.Post).
package consensus

import "fmt"

// ReplicaID identifies one member of the fixed replica set, 0..N-1.
type ReplicaID int

// View is a monotonically non-decreasing integer naming the current leader
// epoch. The process never operates in a view strictly lower than the
// highest view it ever durably wrote.
type View int64

// InstanceID identifies a slot in the replicated log.
type InstanceID int64

// InstanceState is the lifecycle stage of one ConsensusInstance.
type InstanceState int

const (
	Unknown InstanceState = iota
	Known
	Decided
)

func (s InstanceState) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Known:
		return "KNOWN"
	case Decided:
		return "DECIDED"
	default:
		return "INVALID"
	}
}

// ConsensusInstance is one slot of the replicated log: id, the view at
// which its current value was accepted, the opaque value itself (a packed
// list of ClientBatchIDs), its lifecycle state, and the set of replicas
// that have Accepted it at the current view.
type ConsensusInstance struct {
	ID      InstanceID
	View    View
	Value   []byte
	State   InstanceState
	Accepts map[ReplicaID]bool
}

func newInstance(id InstanceID) *ConsensusInstance {
	return &ConsensusInstance{ID: id, State: Unknown, Accepts: map[ReplicaID]bool{}}
}

// Process describes the fixed, ordered replica set this process belongs
// to — the generalized replacement for the teacher's process-wide
// ProcessDescriptor singleton, threaded explicitly through construction
// instead of read from a global.
type Process struct {
	Local ReplicaID
	N     int
}

// Majority is floor((N+1)/2).
func (p Process) Majority() int { return (p.N + 1) / 2 }

// LeaderOf returns the replica that leads a given view.
func (p Process) LeaderOf(v View) ReplicaID { return ReplicaID(int64(v) % int64(p.N)) }

// IsLeaderOf reports whether the local replica leads view v.
func (p Process) IsLeaderOf(v View) bool { return p.LeaderOf(v) == p.Local }

func (p Process) String() string { return fmt.Sprintf("replica(%d/%d)", p.Local, p.N) }
