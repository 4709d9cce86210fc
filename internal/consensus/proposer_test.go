package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeSender records every frame sent to every destination without any
// actual network I/O, letting tests assert on broadcast fan-out.
type fakeSender struct {
	sent []struct {
		dest  ReplicaID
		frame []byte
	}
}

func (s *fakeSender) SendTo(dest ReplicaID, frame []byte) bool {
	s.sent = append(s.sent, struct {
		dest  ReplicaID
		frame []byte
	}{dest, frame})
	return true
}

// fakeScheduler satisfies Scheduler without ever firing on a real timer;
// ActiveRetransmitter always performs its first attempt synchronously in
// its constructor, so tests never need the recurring tick to actually fire.
type fakeScheduler struct {
	cancelled int
}

func (s *fakeScheduler) Every(interval time.Duration, fn func()) (cancel func()) {
	return func() { s.cancelled++ }
}

func fixedClock(t int64) func() int64 { return func() int64 { return t } }

func newTestProposer(t *testing.T, n int, windowSize int) (*Proposer, *Log, *Acceptor, *fakeSender) {
	log := NewLog()
	views := NewMemViewStore()
	proc := Process{Local: 0, N: n}
	logger := zaptest.NewLogger(t)
	accept := NewAcceptor(proc, log, views, logger)
	sender := &fakeSender{}
	sched := &fakeScheduler{}
	p := NewProposer(proc, log, views, accept, sender, sched, fixedClock(1), windowSize, time.Millisecond, logger)
	return p, log, accept, sender
}

func TestProposer_PrepareNextViewPicksSmallestLedView(t *testing.T) {
	p, _, _, sender := newTestProposer(t, 3, 10)
	p.prepareNextView()

	assert.Equal(t, View(3), p.CurrentView(), "replica 0 leads view 3 first (3 mod 3 == 0)")
	assert.Equal(t, ProposerPreparing, p.State(), "two of three votes needed, only self-vote counted so far")
	assert.NotEmpty(t, sender.sent, "Prepare must be broadcast to peers")
}

func TestProposer_SingleReplicaBecomesPreparedImmediately(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 1, 10)
	p.prepareNextView()
	assert.Equal(t, ProposerPrepared, p.State(), "a lone replica is always its own majority")
}

func TestProposer_OnPrepareOKReachesMajorityAndPrepares(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 3, 10)
	p.prepareNextView()
	require.Equal(t, ProposerPreparing, p.State())

	p.OnPrepareOK(1, p.CurrentView(), nil)
	assert.Equal(t, ProposerPrepared, p.State())
}

func TestProposer_OnPrepareOKIgnoresStaleViewAndDuplicateSource(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 5, 10)
	p.prepareNextView()
	view := p.CurrentView()

	p.OnPrepareOK(1, view-1, nil)
	assert.Equal(t, ProposerPreparing, p.State(), "stale-view PrepareOK must be ignored")

	p.OnPrepareOK(1, view, nil)
	p.OnPrepareOK(1, view, nil)
	assert.Equal(t, ProposerPreparing, p.State(), "duplicate source must not be double counted (need 3 of 5)")

	p.OnPrepareOK(2, view, nil)
	assert.Equal(t, ProposerPrepared, p.State())
}

func TestProposer_BecomePreparedAdoptsHighestReportedValueAndFillsGapsWithNoOp(t *testing.T) {
	p, log, _, _ := newTestProposer(t, 3, 10)
	p.prepareNextView()
	view := p.CurrentView()

	// Replica 1 reports an undecided value at instance 1; replica 2 reports
	// nothing, leaving instance 0 a pure gap below the highest reported id
	// that must get a no-op.
	p.OnPrepareOK(1, view, []UndecidedEntry{{ID: 1, View: view - 1, Value: []byte("v1"), State: Known}})
	p.OnPrepareOK(2, view, nil)

	require.Equal(t, ProposerPrepared, p.State())
	inst0 := log.GetInstance(0)
	require.NotNil(t, inst0)
	assert.Equal(t, noOpValue, inst0.Value, "an unreported gap in the recovered range gets a no-op")

	inst1 := log.GetInstance(1)
	require.NotNil(t, inst1)
	assert.Equal(t, []byte("v1"), inst1.Value, "classic-Paxos adoption must repropose the reported value")
}

func TestProposer_BecomePreparedSkipsAlreadyDecidedInstances(t *testing.T) {
	p, log, _, _ := newTestProposer(t, 3, 10)
	require.NoError(t, log.SetDecided(0, 1, []byte("already-decided")))

	p.prepareNextView()
	p.OnPrepareOK(1, p.CurrentView(), nil)

	inst0 := log.GetInstance(0)
	require.NotNil(t, inst0)
	assert.Equal(t, Decided, inst0.State, "a locally DECIDED instance must never be reproposed or reopened")
	assert.Equal(t, []byte("already-decided"), inst0.Value)
}

func TestProposer_ExecuteOnPreparedRunsImmediatelyWhenAlreadyPrepared(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 1, 10)
	p.prepareNextView()
	require.Equal(t, ProposerPrepared, p.State())

	ran := false
	p.ExecuteOnPrepared(Continuation{OnPrepared: func() { ran = true }})
	assert.True(t, ran)
}

func TestProposer_ExecuteOnPreparedQueuesAndKicksOffPrepareWhenInactive(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 3, 10)
	require.Equal(t, ProposerInactive, p.State())

	ran := false
	p.ExecuteOnPrepared(Continuation{OnPrepared: func() { ran = true }})
	assert.Equal(t, ProposerPreparing, p.State(), "ExecuteOnPrepared must start a prepare round from INACTIVE")
	assert.False(t, ran, "continuation must wait for a majority of PrepareOK")

	p.OnPrepareOK(1, p.CurrentView(), nil)
	assert.True(t, ran, "continuation runs once PREPARED is reached")
}

func TestProposer_ProposeFailsWhenNotPrepared(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 3, 10)
	_, ok := p.Propose([]byte("v"))
	assert.False(t, ok, "Propose must fail outside PREPARED")
}

func TestProposer_ProposeAllocatesAndBroadcasts(t *testing.T) {
	p, log, _, sender := newTestProposer(t, 3, 10)
	p.prepareNextView()
	p.OnPrepareOK(1, p.CurrentView(), nil)
	require.Equal(t, ProposerPrepared, p.State())

	before := len(sender.sent)
	id, ok := p.Propose([]byte("hello"))
	require.True(t, ok)
	assert.Equal(t, InstanceID(0), id)
	assert.Greater(t, len(sender.sent), before, "Propose must broadcast to peers")

	inst := log.GetInstance(id)
	require.NotNil(t, inst)
	assert.Equal(t, []byte("hello"), inst.Value)
	assert.Equal(t, Known, inst.State, "one self-accept of three is not yet a majority")
}

func TestProposer_ProposeRespectsWindowBound(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 3, 2)
	p.prepareNextView()
	p.OnPrepareOK(1, p.CurrentView(), nil)

	_, ok := p.Propose([]byte("a"))
	require.True(t, ok)
	_, ok = p.Propose([]byte("b"))
	require.True(t, ok)
	_, ok = p.Propose([]byte("c"))
	assert.False(t, ok, "a third in-flight instance exceeds a window of 2")
}

func TestProposer_OnAcceptReachesMajorityAndDecides(t *testing.T) {
	p, log, _, _ := newTestProposer(t, 3, 10)
	p.prepareNextView()
	p.OnPrepareOK(1, p.CurrentView(), nil)

	id, ok := p.Propose([]byte("v"))
	require.True(t, ok)

	err := p.OnAccept(1, p.CurrentView(), id)
	require.NoError(t, err)
	assert.Equal(t, Decided, log.GetInstance(id).State)
}

func TestProposer_OnNackAbandonsAndStartsHigherView(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 3, 10)
	p.prepareNextView()
	original := p.CurrentView()

	p.OnNack(original + 5)
	assert.Equal(t, ProposerPreparing, p.State())
	assert.Greater(t, p.CurrentView(), original+5, "the new view must exceed the nacked view and still be one this replica leads")
}

func TestProposer_OnNackIgnoresLowerOrEqualView(t *testing.T) {
	p, _, _, _ := newTestProposer(t, 3, 10)
	p.prepareNextView()
	view := p.CurrentView()

	p.OnNack(view)
	assert.Equal(t, view, p.CurrentView(), "a Nack at or below the current view changes nothing")
}
