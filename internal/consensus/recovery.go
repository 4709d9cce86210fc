package consensus

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/wire"
)

// Recovery implements the startup view-recovery protocol used under the
// ViewSS crash model: a restarting replica does not trust its own last
// durably written view (it may have crashed mid-write, or another replica
// may have moved the view further while this one was down), so it
// broadcasts a Recovery request carrying the view it remembers and adopts
// the highest view any peer reports back. Protocol messages keep reaching
// the Acceptor/Proposer while the round is in progress.
type Recovery struct {
	proc   Process
	sender Sender
	sched  Scheduler
	clock  func() int64
	logger *zap.Logger

	timeout time.Duration

	viewOnCrash View
	replies     map[ReplicaID]View
	highest     View
	rt          *ActiveRetransmitter
	done        chan struct{}
	onDone      func(recoveredView View)
}

// NewRecovery constructs a Recovery round. viewOnCrash is the view last
// durably read from stable storage at startup (0 if none was ever
// written).
func NewRecovery(proc Process, sender Sender, sched Scheduler, clock func() int64, timeout time.Duration, viewOnCrash View, logger *zap.Logger) *Recovery {
	return &Recovery{
		proc:        proc,
		sender:      sender,
		sched:       sched,
		clock:       clock,
		logger:      logger,
		timeout:     timeout,
		viewOnCrash: viewOnCrash,
		highest:     viewOnCrash,
		replies:     map[ReplicaID]View{},
		done:        make(chan struct{}),
	}
}

// Start broadcasts the Recovery request to every peer and retransmits it
// every timeout to each peer that has not answered yet. onDone is called
// exactly once, when a majority of replicas (including the local replica,
// which always "replies" with its own viewOnCrash) have answered; until
// then the round keeps retransmitting and onDone is not called.
func (r *Recovery) Start(onDone func(recoveredView View)) {
	r.onDone = onDone
	r.replies[r.proc.Local] = r.viewOnCrash

	peers := make([]ReplicaID, 0, r.proc.N-1)
	for i := 0; i < r.proc.N; i++ {
		if ReplicaID(i) != r.proc.Local {
			peers = append(peers, ReplicaID(i))
		}
	}

	frame, err := wire.Encode(wire.TypeRecovery, 0, r.clock(), wire.Recovery{ViewOnCrash: int64(r.viewOnCrash)})
	if err != nil {
		r.logger.Fatal("failed to encode Recovery request", zap.Error(err))
	}
	r.rt = NewActiveRetransmitter(frame, peers, r.sender, r.sched, r.timeout)

	if len(peers) == 0 {
		r.finish()
	}
}

// OnRecoveryAnswer records a peer's reported view and finishes the round
// once a majority has replied.
func (r *Recovery) OnRecoveryAnswer(src ReplicaID, v View) {
	if _, already := r.replies[src]; already {
		return
	}
	r.replies[src] = v
	if v > r.highest {
		r.highest = v
	}
	if r.rt != nil {
		r.rt.Stop(src)
	}
	if len(r.replies) >= r.proc.Majority() {
		r.finish()
	}
}

func (r *Recovery) finish() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	if r.rt != nil {
		r.rt.StopAll()
	}
	if r.onDone != nil {
		r.onDone(r.highest)
	}
}

// HandleRecoveryRequest answers a peer's Recovery request with this
// replica's own last durably written view and log position. It never
// needs majority agreement itself; every replica just reports what it has.
func HandleRecoveryRequest(localView View, localNextID InstanceID) wire.RecoveryAnswer {
	return wire.RecoveryAnswer{View: int64(localView), NextID: int64(localNextID)}
}
