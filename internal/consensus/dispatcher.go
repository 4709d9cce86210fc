package consensus

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/wire"
)

// Transport is the narrow network capability the Dispatcher needs: send a
// pre-encoded frame to one peer, and a channel of inbound (src, frame)
// pairs from every peer and from clients.
type Transport interface {
	Sender
	Inbound() <-chan InboundFrame
}

// InboundFrame pairs a decoded wire frame with the replica (or -1 for a
// client) it arrived from.
type InboundFrame struct {
	Src   ReplicaID
	Frame *wire.Frame
}

// task is a unit of work posted onto the dispatcher's single goroutine,
// either an inbound network frame or an arbitrary closure (used by the
// batcher/client manager to hand the dispatcher a value to propose).
type task func()

// timerItem is one entry in the dispatcher's scheduled-task heap. Catch-up
// and retransmission timers are modeled as heap entries; an entry has no
// key, so scheduling again adds a new entry rather than replacing an
// earlier one.
type timerItem struct {
	at    time.Time
	seq   uint64
	fn    func()
	index int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) { item := x.(*timerItem); item.index = len(*h); *h = append(*h, item) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Dispatcher is the single-threaded task queue every consensus mutation
// runs through. Log, Acceptor and Proposer are only ever touched from
// dispatcherLoop, which is what lets them skip locking entirely. Scheduled
// work (retransmission ticks, catch-up checks) is modeled as a logical
// timer heap driven by a background goroutine that only ever posts wakeups
// back onto the task channel — it never touches consensus state directly.
type Dispatcher struct {
	logger *zap.Logger

	tasks chan task

	mu       sync.Mutex
	timers   timerHeap
	timerSeq uint64
	wake     chan struct{}

	stop chan struct{}
	done chan struct{}
}

// NewDispatcher creates a Dispatcher with a buffered task channel sized for
// bursty inbound traffic without blocking network readers.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		logger: logger,
		tasks:  make(chan task, 4096),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	return d
}

// Post enqueues fn to run on the dispatcher goroutine. Safe to call from
// any goroutine.
func (d *Dispatcher) Post(fn func()) {
	select {
	case d.tasks <- fn:
	case <-d.stop:
	}
}

// Every implements Scheduler: it is the bridge ActiveRetransmitter (and
// CatchUp/SnapshotMaintainer) use to schedule recurring dispatcher-goroutine
// work without knowing about timerHeap.
func (d *Dispatcher) Every(interval time.Duration, fn func()) (cancel func()) {
	var reschedule func(time.Time)
	cancelled := false

	reschedule = func(at time.Time) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if cancelled {
			return
		}
		d.timerSeq++
		heap.Push(&d.timers, &timerItem{
			at:  at,
			seq: d.timerSeq,
			fn: func() {
				fn()
				reschedule(time.Now().Add(interval))
			},
		})
		d.pokeLocked()
	}
	reschedule(time.Now().Add(interval))

	return func() {
		d.mu.Lock()
		cancelled = true
		d.mu.Unlock()
	}
}

// After schedules fn to run once, interval from now, on the dispatcher
// goroutine. Used for one-shot deadlines (failure-detector suspicion,
// recovery timeouts) rather than recurring retransmission.
func (d *Dispatcher) After(interval time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timerSeq++
	heap.Push(&d.timers, &timerItem{at: time.Now().Add(interval), seq: d.timerSeq, fn: fn})
	d.pokeLocked()
}

func (d *Dispatcher) pokeLocked() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatcher loop until Stop is called. It must be started
// exactly once, typically from main after all components are wired.
func (d *Dispatcher) Run() {
	defer close(d.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if len(d.timers) > 0 {
			wait := time.Until(d.timers[0].at)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}
		d.mu.Unlock()

		select {
		case <-d.stop:
			return
		case fn := <-d.tasks:
			fn()
		case <-d.wake:
		case <-timer.C:
			d.fireDueTimers()
		}
	}
}

func (d *Dispatcher) fireDueTimers() {
	now := time.Now()
	var due []func()
	d.mu.Lock()
	for len(d.timers) > 0 && !d.timers[0].at.After(now) {
		item := heap.Pop(&d.timers).(*timerItem)
		due = append(due, item.fn)
	}
	d.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// Stop halts the dispatcher loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}
