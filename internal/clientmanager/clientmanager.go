// Package clientmanager implements the replica-facing half of client
// request handling: admission control ahead of consensus, at-most-once
// reply caching, and the status codes a client uses to find the current
// leader and back off under load.
package clientmanager

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Status is the outcome of Admit, mirroring the four responses the
// protocol defines for a submitted client request.
type Status int

const (
	// Admit's bool return is what callers branch on; a Status travels in
	// the Reply.
	StatusOK Status = iota
	StatusRedirect
	StatusBusy
	StatusNack
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRedirect:
		return "REDIRECT"
	case StatusBusy:
		return "BUSY"
	case StatusNack:
		return "NACK"
	default:
		return "INVALID"
	}
}

// Reply is returned to a client for a submitted request, either
// immediately by Admit (REDIRECT/BUSY/NACK, or a cached OK for a retried
// request) or later via Complete once consensus and the state machine have
// produced a result.
type Reply struct {
	Status     Status
	LeaderHint int32
	Result     []byte
}

type lastReply struct {
	seq   int32
	reply Reply
}

// LeaderHintFunc reports whether the local replica currently leads, and if
// not, which replica it believes does.
type LeaderHintFunc func() (isLeader bool, leaderID int32)

// ClientRequestManager gates client requests before they reach the
// batcher: an optional soft per-client token-bucket limiter that sheds one
// chatty client with BUSY before it ever touches the semaphore, followed
// by the one hard back-pressure point in the system — this replica's
// pending-permit semaphore that the caller blocks on, rather than being
// shed, once exhausted.
type ClientRequestManager struct {
	mu          sync.Mutex
	lastReplies map[int64]lastReply
	limiters    map[int64]*rate.Limiter

	limiterRate  rate.Limit
	limiterBurst int

	permits chan struct{}

	leaderHint LeaderHintFunc
	logger     *zap.Logger
}

// NewClientRequestManager constructs a manager allowing at most maxPending
// requests in flight through this manager, with each client additionally bounded
// to perClientRate requests/sec (burst perClientBurst) before BUSY kicks
// in early.
func NewClientRequestManager(maxPending int, perClientRate float64, perClientBurst int, leaderHint LeaderHintFunc, logger *zap.Logger) *ClientRequestManager {
	return &ClientRequestManager{
		lastReplies:  map[int64]lastReply{},
		limiters:     map[int64]*rate.Limiter{},
		limiterRate:  rate.Limit(perClientRate),
		limiterBurst: perClientBurst,
		permits:      make(chan struct{}, maxPending),
		leaderHint:   leaderHint,
		logger:       logger,
	}
}

// Admit decides whether the request (clientID, seq) should proceed to
// consensus. proceed is true only when the caller has acquired a permit
// that must later be released via Complete. A false return with a nil err
// always carries a terminal Reply the caller should send back to the
// client as-is; a non-nil err means ctx was cancelled while Admit was
// blocked waiting for a permit, and reply is meaningless.
//
// Admit blocks on the pending-permit semaphore once the soft per-client
// limiter has let the request through: this is the system's one
// back-pressure point, and selector threads are expected to wait here
// rather than have the request dropped.
//
// Requests are assumed to arrive with a per-client strictly increasing
// seq; a seq at or below the last one this manager completed is treated
// as a retransmission of an already-answered (or superseded) request
// rather than new work, giving at-most-once semantics without the state
// machine itself needing to track clients.
func (m *ClientRequestManager) Admit(ctx context.Context, clientID int64, seq int32) (proceed bool, reply Reply, err error) {
	m.mu.Lock()
	if last, ok := m.lastReplies[clientID]; ok && seq <= last.seq {
		r := last.reply
		if seq < last.seq {
			r = Reply{Status: StatusNack}
		}
		m.mu.Unlock()
		return false, r, nil
	}
	m.mu.Unlock()

	if isLeader, leaderID := m.leaderHint(); !isLeader {
		return false, Reply{Status: StatusRedirect, LeaderHint: leaderID}, nil
	}

	if !m.clientLimiter(clientID).Allow() {
		return false, Reply{Status: StatusBusy}, nil
	}

	select {
	case m.permits <- struct{}{}:
		return true, Reply{}, nil
	case <-ctx.Done():
		return false, Reply{}, ctx.Err()
	}
}

func (m *ClientRequestManager) clientLimiter(clientID int64) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(m.limiterRate, m.limiterBurst)
		m.limiters[clientID] = l
	}
	return l
}

// Complete records result as the durable at-most-once answer for
// (clientID, seq) and releases the permit Admit handed out for it. Must be
// called exactly once per successful Admit, on success or failure alike —
// a dropped permit here is a slow permit leak, not a crash.
func (m *ClientRequestManager) Complete(clientID int64, seq int32, result []byte) {
	m.mu.Lock()
	m.lastReplies[clientID] = lastReply{seq: seq, reply: Reply{Status: StatusOK, Result: result}}
	m.mu.Unlock()
	<-m.permits
}

// Pending reports the number of requests currently holding a permit.
func (m *ClientRequestManager) Pending() int { return len(m.permits) }
