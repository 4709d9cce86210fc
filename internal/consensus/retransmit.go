package consensus

import (
	"time"
)

// Sender is the narrow send capability ActiveRetransmitter needs; it is
// satisfied by the dispatcher's transport binding. Errors are reported via
// the ok return rather than Go's error type because a send failure here is
// always handled the same way (mark transient, keep retrying), never
// propagated.
type Sender interface {
	SendTo(dest ReplicaID, frame []byte) bool
}

// Scheduler abstracts the dispatcher's logical timer so ActiveRetransmitter
// can be driven by tests without real wall-clock sleeps.
type Scheduler interface {
	// Every invokes fn roughly every interval until the returned
	// cancel func is called. fn runs on the dispatcher goroutine.
	Every(interval time.Duration, fn func()) (cancel func())
}

// ActiveRetransmitter owns retransmission of a single outbound multicast
// message: it resends the frame on the configured interval to every
// destination that has not yet acknowledged. Removing the last destination
// finalizes (and stops) the task.
type ActiveRetransmitter struct {
	frame   []byte
	sender  Sender
	pending map[ReplicaID]bool
	cancel  func()
	done    bool
}

// NewActiveRetransmitter starts retransmitting frame to dests every
// interval via sched, using sender to deliver each attempt.
func NewActiveRetransmitter(frame []byte, dests []ReplicaID, sender Sender, sched Scheduler, interval time.Duration) *ActiveRetransmitter {
	pending := make(map[ReplicaID]bool, len(dests))
	for _, d := range dests {
		pending[d] = true
	}
	r := &ActiveRetransmitter{frame: frame, sender: sender, pending: pending}
	r.cancel = sched.Every(interval, r.tick)
	r.tick()
	return r
}

func (r *ActiveRetransmitter) tick() {
	if r.done {
		return
	}
	for dest := range r.pending {
		r.sender.SendTo(dest, r.frame)
	}
}

// Stop acknowledges dest, removing it from the pending set. When the
// pending set becomes empty the retransmitter finalizes and stops itself.
func (r *ActiveRetransmitter) Stop(dest ReplicaID) {
	if r.done {
		return
	}
	delete(r.pending, dest)
	if len(r.pending) == 0 {
		r.StopAll()
	}
}

// StopAll cancels retransmission unconditionally.
func (r *ActiveRetransmitter) StopAll() {
	if r.done {
		return
	}
	r.done = true
	if r.cancel != nil {
		r.cancel()
	}
}

// Done reports whether every destination has acknowledged (or StopAll was
// called).
func (r *ActiveRetransmitter) Done() bool { return r.done }
