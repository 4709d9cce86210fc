package consensus

import (
	"go.uber.org/zap"
)

// Acceptor implements the follower role of the protocol: Promise/Accept
// over the log. All methods run on the dispatcher goroutine.
type Acceptor struct {
	proc    Process
	log     *Log
	views   ViewStore
	logger  *zap.Logger

	promisedView View
}

// NewAcceptor constructs an Acceptor bound to log and views. promisedView
// starts at 0; the replica seeds it through LoadPromisedView on the
// dispatcher goroutine at startup, and again with the view a Recovery
// round settles on.
func NewAcceptor(proc Process, log *Log, views ViewStore, logger *zap.Logger) *Acceptor {
	return &Acceptor{proc: proc, log: log, views: views, logger: logger}
}

// LoadPromisedView seeds the acceptor's promised view from stable storage
// at startup, before any Prepare/Propose is handled.
func (a *Acceptor) LoadPromisedView(v View) { a.promisedView = v }

// PromisedView returns the highest view this acceptor has promised.
func (a *Acceptor) PromisedView() View { return a.promisedView }

// UndecidedEntry is one entry reported back in a PrepareOK: the highest
// (view, value) a Propose was recorded at for some not-yet-decided
// instance.
type UndecidedEntry struct {
	ID    InstanceID
	View  View
	Value []byte
	State InstanceState
}

// HandlePrepare implements the Prepare(v) rule: raise the promised view if
// v is higher, reply PrepareOK with every undecided entry; reply Nack if v
// is stale; reply idempotently if v equals the current promise.
func (a *Acceptor) HandlePrepare(v View) (ok bool, nackView View, entries []UndecidedEntry) {
	if v < a.promisedView {
		return false, a.promisedView, nil
	}
	if v > a.promisedView {
		a.promisedView = v
		if err := a.views.SaveView(v); err != nil {
			a.logger.Fatal("failed to durably persist promised view", zap.Error(err))
		}
	}
	return true, 0, a.undecidedEntries()
}

func (a *Acceptor) undecidedEntries() []UndecidedEntry {
	var out []UndecidedEntry
	for id := a.log.GetFirstUncommitted(); id < a.log.GetNextID(); id++ {
		inst := a.log.GetInstance(id)
		if inst == nil || inst.State == Decided {
			continue
		}
		out = append(out, UndecidedEntry{ID: id, View: inst.View, Value: inst.Value, State: inst.State})
	}
	return out
}

// HandlePropose implements the Propose(v, id, value) rule: if v >=
// promisedView (raising the promise on '>'), record (id, v, value, Known)
// and report that an Accept should be sent; if v < promisedView, the
// message is stale and must be ignored.
func (a *Acceptor) HandlePropose(v View, id InstanceID, value []byte) (accept bool) {
	if v < a.promisedView {
		return false
	}
	if v > a.promisedView {
		a.promisedView = v
		if err := a.views.SaveView(v); err != nil {
			a.logger.Fatal("failed to durably persist promised view", zap.Error(err))
		}
	}
	inst := a.log.GetOrCreate(id)
	if inst.State == Decided {
		// Already decided locally (e.g. via catch-up racing a Propose);
		// nothing to do, but still worth an Accept so the leader's
		// retransmitter can retire this destination.
		return true
	}
	inst.View = v
	inst.Value = value
	inst.State = Known
	return true
}

// HandleAccept credits replica src's acceptance of instance id at view v
// and reports whether the instance just crossed into DECIDED.
func (a *Acceptor) HandleAccept(v View, id InstanceID, src ReplicaID) (becameDecided bool, err error) {
	inst := a.log.GetInstance(id)
	if inst == nil || inst.View != v {
		// Stale: an Accept for a view/instance we no longer hold a Known
		// record for (superseded by a later Prepare or already truncated).
		return false, nil
	}
	if inst.State == Decided {
		return false, nil
	}
	inst.Accepts[src] = true
	if len(inst.Accepts) < a.proc.Majority() {
		return false, nil
	}
	if err := a.log.SetDecided(id, inst.View, inst.Value); err != nil {
		return false, err
	}
	return true, nil
}
