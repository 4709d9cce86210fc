package replica

import (
	"context"
	"fmt"

	"github.com/ruvnet/paxosrep/internal/batcher"
	"github.com/ruvnet/paxosrep/internal/clientmanager"
	"github.com/ruvnet/paxosrep/pkg/metrics"
)

// SubmitClientRequest is the one entry point a client-facing listener (the
// TCP ClientListener below, or the admin HTTP surface) calls from outside
// the dispatcher goroutine. It blocks until either a terminal Reply is
// available (admission was refused, or the request was decided and
// applied) or ctx is done.
func (r *Replica) SubmitClientRequest(ctx context.Context, clientID int64, seq int32, payload []byte) (clientmanager.Reply, error) {
	proceed, reply, err := r.clientMgr.Admit(ctx, clientID, seq)
	if err != nil {
		return clientmanager.Reply{}, fmt.Errorf("replica: client request %d/%d: %w", clientID, seq, err)
	}
	r.mx.RecordClientRequest(reply.Status.String())
	if !proceed {
		return reply, nil
	}

	key := clientKey{clientID, seq}
	done := make(chan clientmanager.Reply, 1)
	r.pendingMu.Lock()
	r.pending[key] = done
	r.pendingMu.Unlock()

	r.dispatcher.Post(func() {
		r.reqBatcher.Submit(batcher.ClientRequest{ClientID: clientID, Seq: seq, Payload: payload})
	})

	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		r.pendingMu.Lock()
		delete(r.pending, key)
		r.pendingMu.Unlock()
		return clientmanager.Reply{}, fmt.Errorf("replica: client request %d/%d: %w", clientID, seq, ctx.Err())
	}
}

// Pending reports the number of client requests currently admitted and
// awaiting a decision, exposed for the admin surface's status endpoint.
func (r *Replica) Pending() int { return r.clientMgr.Pending() }

// Metrics exposes the replica's prometheus collectors for the admin
// surface's /metrics scrape endpoint.
func (r *Replica) Metrics() *metrics.Metrics { return r.mx }

// CurrentView reports this replica's highest promised view, exposed for
// the admin surface's status endpoint.
func (r *Replica) CurrentView() int64 { return int64(r.accept.PromisedView()) }

// IsLeader reports whether this replica currently believes itself the
// active leader.
func (r *Replica) IsLeader() bool {
	isLeader, _ := r.leaderHint()
	return isLeader
}

// ForceSnapshot triggers an out-of-band snapshot, bypassing the ratio
// check — the operation the admin surface's force-snapshot endpoint
// drives.
func (r *Replica) ForceSnapshot() error {
	errCh := make(chan error, 1)
	r.dispatcher.Post(func() { errCh <- r.snaps.MakeSnapshot() })
	return <-errCh
}
