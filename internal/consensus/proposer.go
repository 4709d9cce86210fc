package consensus

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/wire"
)

// ProposerState is the leader-role state machine: a replica is a passive
// Acceptor regardless of state, but only acts as a Proposer once it has
// prepared a view and collected a majority of PrepareOK replies.
type ProposerState int

const (
	ProposerInactive ProposerState = iota
	ProposerPreparing
	ProposerPrepared
)

func (s ProposerState) String() string {
	switch s {
	case ProposerInactive:
		return "INACTIVE"
	case ProposerPreparing:
		return "PREPARING"
	case ProposerPrepared:
		return "PREPARED"
	default:
		return "INVALID"
	}
}

// Continuation is a one-shot callback queued against a future Prepare
// outcome, e.g. "propose this client batch once we have a view". Exactly
// one of OnPrepared or OnFailedToPrepare runs, never both.
type Continuation struct {
	OnPrepared        func()
	OnFailedToPrepare func()
}

var noOpValue = []byte{}

// Proposer implements the leader role described by the protocol's
// INACTIVE/PREPARING/PREPARED state machine. It always owns a local
// Acceptor (itself voting in its own Prepare/Propose rounds) and drives
// retransmission to the rest of the replica set via ActiveRetransmitter.
type Proposer struct {
	proc   Process
	log    *Log
	views  ViewStore
	accept *Acceptor
	sender Sender
	sched  Scheduler
	clock  func() int64
	logger *zap.Logger

	windowSize        int
	retransmitTimeout time.Duration

	state       ProposerState
	currentView View

	prepareRT       *ActiveRetransmitter
	prepareAcks     map[ReplicaID]bool
	reported        map[InstanceID]UndecidedEntry
	maxReportedID   InstanceID

	proposeRTs map[InstanceID]*ActiveRetransmitter

	continuations []Continuation
}

// NewProposer constructs a Proposer sharing log, views and accept with the
// replica's Acceptor role. clock supplies the wall-clock sentTime stamped
// into outgoing frames; tests can inject a fixed or stepped clock.
func NewProposer(proc Process, log *Log, views ViewStore, accept *Acceptor, sender Sender, sched Scheduler, clock func() int64, windowSize int, retransmitTimeout time.Duration, logger *zap.Logger) *Proposer {
	return &Proposer{
		proc:              proc,
		log:               log,
		views:             views,
		accept:            accept,
		sender:            sender,
		sched:             sched,
		clock:             clock,
		logger:            logger,
		windowSize:        windowSize,
		retransmitTimeout: retransmitTimeout,
		proposeRTs:        map[InstanceID]*ActiveRetransmitter{},
	}
}

// State returns the current proposer state.
func (p *Proposer) State() ProposerState { return p.state }

// CurrentView returns the view the proposer is preparing or has prepared.
func (p *Proposer) CurrentView() View { return p.currentView }

func (p *Proposer) peers() []ReplicaID {
	peers := make([]ReplicaID, 0, p.proc.N-1)
	for r := 0; r < p.proc.N; r++ {
		if ReplicaID(r) != p.proc.Local {
			peers = append(peers, ReplicaID(r))
		}
	}
	return peers
}

// prepareNextView computes the smallest view greater than currentView this
// replica leads, durably raises the promise, and broadcasts Prepare. Called
// whenever the proposer must (re)establish leadership: at startup, after a
// Nack, or after a failure-detector suspicion of the current leader.
func (p *Proposer) prepareNextView() {
	candidate := p.currentView + 1
	for !p.proc.IsLeaderOf(candidate) {
		candidate++
	}
	p.currentView = candidate

	if err := p.views.SaveView(p.currentView); err != nil {
		p.logger.Fatal("failed to durably persist proposer view", zap.Error(err))
	}

	p.state = ProposerPreparing
	p.prepareAcks = map[ReplicaID]bool{p.proc.Local: true}
	p.reported = map[InstanceID]UndecidedEntry{}
	p.maxReportedID = p.log.GetFirstUncommitted()

	_, _, selfEntries := p.accept.HandlePrepare(p.currentView)
	p.adoptEntries(selfEntries)

	if len(p.prepareAcks) >= p.proc.Majority() {
		p.becomePrepared()
		return
	}

	frame, err := wire.Encode(wire.TypePrepare, int64(p.currentView), p.clock(), wire.Prepare{View: int64(p.currentView)})
	if err != nil {
		p.logger.Fatal("failed to encode Prepare", zap.Error(err))
	}
	p.prepareRT = NewActiveRetransmitter(frame, p.peers(), p.sender, p.sched, p.retransmitTimeout)
}

func (p *Proposer) adoptEntries(entries []UndecidedEntry) {
	for _, e := range entries {
		if e.State == Decided {
			continue
		}
		if existing, ok := p.reported[e.ID]; !ok || e.View > existing.View {
			p.reported[e.ID] = e
		}
		if e.ID+1 > p.maxReportedID {
			p.maxReportedID = e.ID + 1
		}
	}
}

// OnPrepareOK handles a PrepareOK reply for view from src, reporting its
// undecided entries. Stale replies (wrong view, wrong state, duplicate
// source) are silently ignored.
func (p *Proposer) OnPrepareOK(src ReplicaID, view View, entries []UndecidedEntry) {
	if p.state != ProposerPreparing || view != p.currentView || p.prepareAcks[src] {
		return
	}
	p.prepareAcks[src] = true
	if p.prepareRT != nil {
		p.prepareRT.Stop(src)
	}
	p.adoptEntries(entries)
	if len(p.prepareAcks) >= p.proc.Majority() {
		p.becomePrepared()
	}
}

// OnNack handles a Nack reporting a peer's higher promised view: the
// current prepare round is abandoned and a new one is started at a view
// above the reported one.
func (p *Proposer) OnNack(nackView View) {
	if p.state != ProposerPreparing {
		return
	}
	if nackView <= p.currentView {
		return
	}
	p.currentView = nackView
	p.stopProposer()
	p.prepareNextView()
}

// becomePrepared finalizes a successful prepare round: classic-Paxos
// adoption re-proposes the highest-view value reported for every instance
// in [firstUncommitted, maxReportedID); any instance in that range nobody
// reported and that isn't already locally DECIDED gets a no-op value. This
// is what lets a new leader safely close every gap left by its
// predecessor before accepting new client work.
func (p *Proposer) becomePrepared() {
	if p.prepareRT != nil {
		p.prepareRT.StopAll()
		p.prepareRT = nil
	}
	p.state = ProposerPrepared

	for id := p.log.GetFirstUncommitted(); id < p.maxReportedID; id++ {
		if entry, ok := p.reported[id]; ok {
			p.reproposeAt(id, entry.Value)
			continue
		}
		if inst := p.log.GetInstance(id); inst != nil && inst.State == Decided {
			continue
		}
		p.reproposeAt(id, noOpValue)
	}

	pending := p.continuations
	p.continuations = nil
	for _, c := range pending {
		if c.OnPrepared != nil {
			c.OnPrepared()
		}
	}
}

func (p *Proposer) reproposeAt(id InstanceID, value []byte) {
	p.accept.HandlePropose(p.currentView, id, value)
	p.broadcastPropose(id, value)
}

// windowFull reports whether the proposer has reached its bound on
// concurrently-undecided instances and must stall new proposals until
// firstUncommitted advances.
func (p *Proposer) windowFull() bool {
	return int64(p.log.GetNextID()-p.log.GetFirstUncommitted()) >= int64(p.windowSize)
}

// Propose allocates the next log instance for value and broadcasts it,
// returning the assigned id. It only succeeds while PREPARED and below the
// window bound; callers (the client batcher) are expected to queue via
// ExecuteOnPrepared / retry when it returns ok=false.
func (p *Proposer) Propose(value []byte) (id InstanceID, ok bool) {
	if p.state != ProposerPrepared || p.windowFull() {
		return 0, false
	}
	id = p.log.Append(p.currentView, value)
	p.accept.HandlePropose(p.currentView, id, value)
	p.broadcastPropose(id, value)
	return id, true
}

func (p *Proposer) broadcastPropose(id InstanceID, value []byte) {
	frame, err := wire.Encode(wire.TypePropose, int64(p.currentView), p.clock(), wire.Propose{View: int64(p.currentView), ID: int64(id), Value: value})
	if err != nil {
		p.logger.Fatal("failed to encode Propose", zap.Error(err))
	}
	rt := NewActiveRetransmitter(frame, p.peers(), p.sender, p.sched, p.retransmitTimeout)
	becameDecided, err := p.accept.HandleAccept(p.currentView, id, p.proc.Local)
	if err != nil {
		p.logger.Fatal("protocol violation self-accepting proposed value", zap.Error(err))
	}
	if becameDecided {
		rt.StopAll()
	} else {
		p.proposeRTs[id] = rt
	}
}

// OnAccept credits src's acceptance of (view, id); once the instance
// crosses into DECIDED its retransmitter is stopped.
func (p *Proposer) OnAccept(src ReplicaID, view View, id InstanceID) error {
	if view != p.currentView {
		return nil
	}
	rt, tracked := p.proposeRTs[id]
	if tracked {
		rt.Stop(src)
	}
	becameDecided, err := p.accept.HandleAccept(view, id, src)
	if err != nil {
		return err
	}
	if becameDecided && tracked {
		rt.StopAll()
		delete(p.proposeRTs, id)
	}
	return nil
}

// stopProposer abandons leadership: every outstanding retransmitter is
// cancelled and every queued continuation is failed. Called from OnNack,
// when a higher view is observed from another proposer.
func (p *Proposer) stopProposer() {
	if p.prepareRT != nil {
		p.prepareRT.StopAll()
		p.prepareRT = nil
	}
	for id, rt := range p.proposeRTs {
		rt.StopAll()
		delete(p.proposeRTs, id)
	}
	p.state = ProposerInactive

	pending := p.continuations
	p.continuations = nil
	for _, c := range pending {
		if c.OnFailedToPrepare != nil {
			c.OnFailedToPrepare()
		}
	}
}

// ExecuteOnPrepared runs task.OnPrepared immediately if already PREPARED;
// otherwise it is queued and kicks off a prepare round if the proposer was
// INACTIVE. Exactly one of the two callbacks eventually fires.
func (p *Proposer) ExecuteOnPrepared(task Continuation) {
	if p.state == ProposerPrepared {
		if task.OnPrepared != nil {
			task.OnPrepared()
		}
		return
	}
	p.continuations = append(p.continuations, task)
	if p.state == ProposerInactive {
		p.prepareNextView()
	}
}
