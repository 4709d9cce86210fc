package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/paxosrep/internal/wire"
)

// cluster wires N full replica roles (Log/Acceptor/Proposer per node)
// together behind an in-memory router that mimics the real process's
// frame-dispatch switch, letting a whole prepare/propose/decide round
// run synchronously and deterministically inside a single goroutine —
// no sockets, no real timers, no background pumps to race against.
type cluster struct {
	t       *testing.T
	nodes   []*clusterNode
	cutoff  map[ReplicaID]bool // replicas that never receive or send anything once true
	dropTo  map[[2]ReplicaID]bool
}

type clusterNode struct {
	id       ReplicaID
	proc     Process
	log      *Log
	views    ViewStore
	accept   *Acceptor
	proposer *Proposer
}

func newCluster(t *testing.T, n int) *cluster {
	c := &cluster{t: t, cutoff: map[ReplicaID]bool{}, dropTo: map[[2]ReplicaID]bool{}}
	for i := 0; i < n; i++ {
		id := ReplicaID(i)
		proc := Process{Local: id, N: n}
		log := NewLog()
		views := NewMemViewStore()
		accept := NewAcceptor(proc, log, views, zaptest.NewLogger(t))
		node := &clusterNode{id: id, proc: proc, log: log, views: views, accept: accept}
		node.proposer = NewProposer(proc, log, views, accept, clusterSender{c, id}, &fakeScheduler{}, fixedClock(1), 16, time.Millisecond, zaptest.NewLogger(t))
		c.nodes = append(c.nodes, node)
	}
	return c
}

// isolate marks id as unreachable in either direction, modelling a crashed
// or partitioned replica: every send to or from it is silently dropped.
func (c *cluster) isolate(id ReplicaID) { c.cutoff[id] = true }

// drop discards the next frame that would travel from -> to, used to
// simulate a leader whose broadcast only reaches part of the quorum
// before it fails.
func (c *cluster) drop(from, to ReplicaID) { c.dropTo[[2]ReplicaID{from, to}] = true }

// clusterSender is the per-node Sender passed to its Proposer/
// ActiveRetransmitter; it forwards every outbound frame into the shared
// router instead of a real socket.
type clusterSender struct {
	c   *cluster
	src ReplicaID
}

func (s clusterSender) SendTo(dest ReplicaID, frame []byte) bool {
	return s.c.deliver(s.src, dest, frame)
}

func (c *cluster) deliver(src, dest ReplicaID, frame []byte) bool {
	if c.cutoff[src] || c.cutoff[dest] {
		return false
	}
	if c.dropTo[[2]ReplicaID{src, dest}] {
		delete(c.dropTo, [2]ReplicaID{src, dest})
		return false
	}
	decoded, err := wire.Decode(frame)
	require.NoError(c.t, err)
	n := c.nodes[dest]

	switch decoded.Type {
	case wire.TypePrepare:
		ok, nackView, entries := n.accept.HandlePrepare(View(decoded.View))
		if !ok {
			c.sendNack(dest, src, nackView)
			return true
		}
		c.sendPrepareOK(dest, src, View(decoded.View), entries)

	case wire.TypePrepareOK:
		body := decoded.Body.(wire.PrepareOK)
		n.proposer.OnPrepareOK(src, View(body.View), decodeClusterEntries(body.Instances))

	case wire.TypeNack:
		body := decoded.Body.(wire.Nack)
		n.proposer.OnNack(View(body.PromisedView))

	case wire.TypePropose:
		body := decoded.Body.(wire.Propose)
		if accept := n.accept.HandlePropose(View(body.View), InstanceID(body.ID), body.Value); accept {
			c.sendAccept(dest, src, View(body.View), InstanceID(body.ID))
		}

	case wire.TypeAccept:
		body := decoded.Body.(wire.Accept)
		require.NoError(c.t, n.proposer.OnAccept(src, View(body.View), InstanceID(body.ID)))

	default:
		c.t.Fatalf("cluster router has no case for wire type %d", decoded.Type)
	}
	return true
}

func (c *cluster) sendNack(from, to ReplicaID, promisedView View) {
	frame, err := wire.Encode(wire.TypeNack, int64(promisedView), 1, wire.Nack{PromisedView: int64(promisedView)})
	require.NoError(c.t, err)
	c.deliver(from, to, frame)
}

func (c *cluster) sendPrepareOK(from, to ReplicaID, view View, entries []UndecidedEntry) {
	frame, err := wire.Encode(wire.TypePrepareOK, int64(view), 1, wire.PrepareOK{View: int64(view), Instances: encodeClusterEntries(entries)})
	require.NoError(c.t, err)
	c.deliver(from, to, frame)
}

func (c *cluster) sendAccept(from, to ReplicaID, view View, id InstanceID) {
	frame, err := wire.Encode(wire.TypeAccept, int64(view), 1, wire.Accept{View: int64(view), ID: int64(id)})
	require.NoError(c.t, err)
	c.deliver(from, to, frame)
}

func decodeClusterEntries(recs []wire.InstanceRecord) []UndecidedEntry {
	out := make([]UndecidedEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, UndecidedEntry{ID: InstanceID(rec.ID), View: View(rec.View), Value: rec.Value, State: InstanceState(rec.State)})
	}
	return out
}

func encodeClusterEntries(entries []UndecidedEntry) []wire.InstanceRecord {
	out := make([]wire.InstanceRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.InstanceRecord{ID: int64(e.ID), View: int64(e.View), State: uint8(e.State), Value: e.Value})
	}
	return out
}

// elect runs leader's prepare round to completion (synchronously, since
// every send in this harness recurses straight into the destination's
// handler) and requires it end up PREPARED.
func elect(t *testing.T, leader *clusterNode) {
	leader.proposer.ExecuteOnPrepared(Continuation{OnPrepared: func() {}})
	require.Equal(t, ProposerPrepared, leader.proposer.State(), "replica %d failed to prepare", leader.id)
}

// Accept replies only ever travel back to whichever replica sent the
// Propose, so only the acting leader ever accumulates a full majority and
// calls SetDecided; the followers that accepted it stay at KNOWN until a
// later prepare round or catch-up tells them otherwise. That asymmetry is
// itself worth pinning down, not just the happy-path value propagation.
func TestCluster_LeaderProposalDecidesOnLeaderAndIsKnownToFollowers(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.nodes[1] // LeaderOf(1) == 1 is replica 1's own first candidate view

	elect(t, leader)
	id, ok := leader.proposer.Propose([]byte("hello"))
	require.True(t, ok)

	leaderInst := leader.log.GetInstance(id)
	require.NotNil(t, leaderInst)
	assert.Equal(t, Decided, leaderInst.State)
	assert.Equal(t, []byte("hello"), leaderInst.Value)

	for _, n := range c.nodes {
		if n.id == leader.id {
			continue
		}
		inst := n.log.GetInstance(id)
		require.NotNil(t, inst, "replica %d never learned instance %d", n.id, id)
		assert.Equal(t, Known, inst.State, "a follower never hears the Accept replies that would let it decide on its own")
		assert.Equal(t, []byte("hello"), inst.Value)
	}
}

func TestCluster_NonLeaderCannotProposeBeforePreparing(t *testing.T) {
	c := newCluster(t, 3)
	_, ok := c.nodes[0].proposer.Propose([]byte("nope"))
	assert.False(t, ok, "a replica that never prepared a view must not be able to propose")
}

func TestCluster_MajorityDecidesWhileMinorityIsPartitioned(t *testing.T) {
	c := newCluster(t, 5)
	c.isolate(3)
	c.isolate(4)

	leader := c.nodes[0]
	elect(t, leader)
	id, ok := leader.proposer.Propose([]byte("quorum"))
	require.True(t, ok)

	require.Equal(t, Decided, leader.log.GetInstance(id).State)
	for _, n := range c.nodes {
		if n.id == leader.id {
			continue
		}
		if n.id == 3 || n.id == 4 {
			assert.Nil(t, n.log.GetInstance(id), "a partitioned replica must not observe the proposal at all")
			continue
		}
		inst := n.log.GetInstance(id)
		require.NotNil(t, inst)
		assert.Equal(t, Known, inst.State)
		assert.Equal(t, []byte("quorum"), inst.Value)
	}
}

// TestCluster_NewLeaderRediscoversAndDecidesKnownFollowerState is the
// failover scenario: the old leader decides a run of instances (itself
// DECIDED, every follower only ever reaching KNOWN per the asymmetry
// above) and then goes silent. A new leader's prepare round must collect
// those KNOWN entries back from the surviving followers, re-propose them
// exactly as reported, and carry them all the way to DECIDED on itself —
// nothing already handed to a client may be silently dropped or replaced
// by a no-op just because leadership moved.
func TestCluster_NewLeaderRediscoversAndDecidesKnownFollowerState(t *testing.T) {
	c := newCluster(t, 5)

	oldLeader := c.nodes[1] // first candidate view for replica 1 is view 1
	elect(t, oldLeader)

	firstID, ok := oldLeader.proposer.Propose([]byte("already-safe"))
	require.True(t, ok)
	secondID, ok := oldLeader.proposer.Propose([]byte("carried-over"))
	require.True(t, ok)
	require.Equal(t, Decided, oldLeader.log.GetInstance(firstID).State)
	require.Equal(t, Decided, oldLeader.log.GetInstance(secondID).State)

	c.isolate(1) // the old leader is gone for good

	newLeader := c.nodes[2] // replica 2's first candidate view is view 2, above view 1
	elect(t, newLeader)

	assert.Equal(t, Decided, newLeader.log.GetInstance(firstID).State)
	assert.Equal(t, []byte("already-safe"), newLeader.log.GetInstance(firstID).Value)
	assert.Equal(t, Decided, newLeader.log.GetInstance(secondID).State)
	assert.Equal(t, []byte("carried-over"), newLeader.log.GetInstance(secondID).Value,
		"a value every surviving follower already held as KNOWN must survive the leadership change unchanged")
}

// TestCluster_NewLeaderNeverLearnsAnInstanceNobodySurvivingReported covers the
// opposite case: an instance only the crashed leader itself ever knew
// about never shows up in any surviving follower's PrepareOK, so the new
// leader's gap-fill window never even extends far enough to touch it —
// there is nothing to preserve and nothing to no-op.
func TestCluster_NewLeaderNeverLearnsAnInstanceNobodySurvivingReported(t *testing.T) {
	c := newCluster(t, 5)

	oldLeader := c.nodes[1]
	elect(t, oldLeader)

	baseID, ok := oldLeader.proposer.Propose([]byte("base"))
	require.True(t, ok)
	require.Equal(t, Decided, oldLeader.log.GetInstance(baseID).State)

	// Nobody else ever hears about the next instance at all.
	c.drop(1, 0)
	c.drop(1, 2)
	c.drop(1, 3)
	c.drop(1, 4)
	orphanID, ok := oldLeader.proposer.Propose([]byte("never-left-the-leader"))
	require.True(t, ok)
	c.isolate(1)

	newLeader := c.nodes[2]
	elect(t, newLeader)

	assert.Nil(t, newLeader.log.GetInstance(orphanID),
		"an instance no surviving replica ever reported must fall outside the new leader's gap-fill window entirely")
}
