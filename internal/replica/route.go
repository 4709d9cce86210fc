package replica

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/batcher"
	"github.com/ruvnet/paxosrep/internal/clientmanager"
	"github.com/ruvnet/paxosrep/internal/consensus"
	"github.com/ruvnet/paxosrep/internal/statemachine"
	"github.com/ruvnet/paxosrep/internal/wire"
)

// pump reads inbound peer frames off the fabric and hands each to route on
// the dispatcher goroutine, the one boundary where network I/O crosses
// into dispatcher-exclusive state.
func (r *Replica) pump() {
	for inbound := range r.fabric.Inbound() {
		frame := inbound.Frame
		src := inbound.Src
		r.dispatcher.Post(func() { r.route(src, frame) })
	}
}

func (r *Replica) route(src consensus.ReplicaID, frame *wire.Frame) {
	switch frame.Type {
	case wire.TypePrepare:
		r.mx.IncPrepare()
		ok, nackView, entries := r.accept.HandlePrepare(consensus.View(frame.View))
		if !ok {
			r.sendNack(src, nackView)
			return
		}
		r.sendPrepareOK(src, consensus.View(frame.View), entries)

	case wire.TypePrepareOK:
		body := frame.Body.(wire.PrepareOK)
		r.proposer.OnPrepareOK(src, consensus.View(body.View), decodeEntries(body.Instances))

	case wire.TypeNack:
		body := frame.Body.(wire.Nack)
		r.proposer.OnNack(consensus.View(body.PromisedView))

	case wire.TypePropose:
		body := frame.Body.(wire.Propose)
		if accept := r.accept.HandlePropose(consensus.View(body.View), consensus.InstanceID(body.ID), body.Value); accept {
			r.sendAccept(src, consensus.View(body.View), consensus.InstanceID(body.ID))
		}

	case wire.TypeAccept:
		body := frame.Body.(wire.Accept)
		if err := r.proposer.OnAccept(src, consensus.View(body.View), consensus.InstanceID(body.ID)); err != nil {
			r.logger.Error("protocol violation handling Accept", zap.Error(err))
		}

	case wire.TypeAlive:
		body := frame.Body.(wire.Alive)
		r.catchup.OnAlive(src, consensus.InstanceID(body.LogNextID))
		r.recordAlive(src)

	case wire.TypeCatchUpQuery:
		body := frame.Body.(wire.CatchUpQuery)
		r.catchup.HandleCatchUpQuery(src, body, frame.SentTime)

	case wire.TypeCatchUpResponse:
		body := frame.Body.(wire.CatchUpResponse)
		if err := r.catchup.OnCatchUpResponse(src, body); err != nil {
			r.logger.Error("error applying catch-up response", zap.Error(err))
		}

	case wire.TypeCatchUpSnapshot:
		body := frame.Body.(wire.CatchUpSnapshot)
		if err := r.catchup.OnCatchUpSnapshot(src, body); err != nil {
			r.logger.Error("error installing catch-up snapshot", zap.Error(err))
			return
		}
		r.deliveredThrough = r.log.FirstSnapshotInstance()
		r.checkDelivery()

	case wire.TypeRecovery:
		body := frame.Body.(wire.Recovery)
		answer := consensus.HandleRecoveryRequest(r.accept.PromisedView(), r.log.GetNextID())
		_ = body
		r.sendRecoveryAnswer(src, answer)

	case wire.TypeRecoveryAnswer:
		if r.recovery != nil {
			body := frame.Body.(wire.RecoveryAnswer)
			r.recovery.OnRecoveryAnswer(src, consensus.View(body.View))
		}

	case wire.TypeForwardClientBatch:
		body := frame.Body.(wire.ForwardClientBatch)
		r.handleForwardedBatch(consensus.ReplicaID(body.ProposerID), decodeWireBatch(body))

	default:
		r.logger.Warn("dropping frame of unexpected type on peer fabric", zap.Int("type", int(frame.Type)))
	}
}

func decodeEntries(recs []wire.InstanceRecord) []consensus.UndecidedEntry {
	out := make([]consensus.UndecidedEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, consensus.UndecidedEntry{
			ID:    consensus.InstanceID(rec.ID),
			View:  consensus.View(rec.View),
			Value: rec.Value,
			State: consensus.InstanceState(rec.State),
		})
	}
	return out
}

func encodeEntries(entries []consensus.UndecidedEntry) []wire.InstanceRecord {
	out := make([]wire.InstanceRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.InstanceRecord{ID: int64(e.ID), View: int64(e.View), State: uint8(e.State), Value: e.Value})
	}
	return out
}

func decodeWireBatch(body wire.ForwardClientBatch) batcher.ClientBatch {
	reqs := make([]batcher.ClientRequest, 0, len(body.Requests))
	for _, rec := range body.Requests {
		reqs = append(reqs, batcher.ClientRequest{ClientID: rec.ClientID, Seq: rec.Seq, Payload: rec.Payload})
	}
	return batcher.ClientBatch{
		ID:       batcher.ClientBatchID{ProposerID: batcher.ReplicaID(body.ProposerID), Seq: int64(body.Sequence)},
		Requests: reqs,
	}
}

func encodeWireBatch(batch batcher.ClientBatch) wire.ForwardClientBatch {
	recs := make([]wire.ClientRequestRecord, 0, len(batch.Requests))
	for _, req := range batch.Requests {
		recs = append(recs, wire.ClientRequestRecord{ClientID: req.ClientID, Seq: req.Seq, Payload: req.Payload})
	}
	return wire.ForwardClientBatch{
		ProposerID: int32(batch.ID.ProposerID),
		Sequence:   int32(batch.ID.Seq),
		Requests:   recs,
	}
}

func (r *Replica) sendNack(dest consensus.ReplicaID, promisedView consensus.View) {
	frame, err := wire.Encode(wire.TypeNack, int64(promisedView), clock(), wire.Nack{PromisedView: int64(promisedView)})
	if err != nil {
		r.logger.Error("failed to encode Nack", zap.Error(err))
		return
	}
	r.fabric.SendTo(dest, frame)
}

func (r *Replica) sendPrepareOK(dest consensus.ReplicaID, view consensus.View, entries []consensus.UndecidedEntry) {
	frame, err := wire.Encode(wire.TypePrepareOK, int64(view), clock(), wire.PrepareOK{View: int64(view), Instances: encodeEntries(entries)})
	if err != nil {
		r.logger.Error("failed to encode PrepareOK", zap.Error(err))
		return
	}
	r.fabric.SendTo(dest, frame)
}

func (r *Replica) sendAccept(dest consensus.ReplicaID, view consensus.View, id consensus.InstanceID) {
	frame, err := wire.Encode(wire.TypeAccept, int64(view), clock(), wire.Accept{View: int64(view), ID: int64(id)})
	if err != nil {
		r.logger.Error("failed to encode Accept", zap.Error(err))
		return
	}
	r.fabric.SendTo(dest, frame)
}

func (r *Replica) sendRecoveryAnswer(dest consensus.ReplicaID, answer wire.RecoveryAnswer) {
	frame, err := wire.Encode(wire.TypeRecoveryAnswer, answer.View, clock(), answer)
	if err != nil {
		r.logger.Error("failed to encode RecoveryAnswer", zap.Error(err))
		return
	}
	r.fabric.SendTo(dest, frame)
}

func (r *Replica) sendAliveBeacon() {
	frame, err := wire.Encode(wire.TypeAlive, int64(r.accept.PromisedView()), clock(),
		wire.Alive{View: int64(r.accept.PromisedView()), LogNextID: int64(r.log.GetNextID())})
	if err != nil {
		r.logger.Error("failed to encode Alive", zap.Error(err))
		return
	}
	for i := 0; i < r.proc.N; i++ {
		dest := consensus.ReplicaID(i)
		if dest == r.proc.Local {
			continue
		}
		r.fabric.SendTo(dest, frame)
	}
}

func (r *Replica) recordAlive(src consensus.ReplicaID) {
	r.lastSeenMu.Lock()
	r.lastSeen[src] = time.Now()
	r.lastSeenMu.Unlock()
}

// checkLeaderSuspicion runs every FDSuspectTimeout. A replica that is
// INACTIVE as proposer and either believes itself the leader of the
// current promised view, or hasn't heard an Alive beacon from that leader
// recently, attempts to take over leadership.
func (r *Replica) checkLeaderSuspicion() {
	if r.proposer.State() != consensus.ProposerInactive {
		return
	}
	leader := r.proc.LeaderOf(r.accept.PromisedView())
	if leader == r.proc.Local {
		r.proposer.ExecuteOnPrepared(consensus.Continuation{})
		return
	}
	r.lastSeenMu.Lock()
	last, ok := r.lastSeen[leader]
	r.lastSeenMu.Unlock()
	if !ok || time.Since(last) > r.cfg.FDSuspectTimeout {
		r.proposer.ExecuteOnPrepared(consensus.Continuation{})
	}
}

// onClientBatchReady runs on the dispatcher goroutine (Submit is only ever
// called there, and the timer path bounces back through Post): it durably
// stores the freshly closed batch, treats it as if received locally for
// the purpose of leader inclusion, and broadcasts it so every replica has
// the payload by the time the instance referencing it decides.
func (r *Replica) onClientBatchReady(batch batcher.ClientBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.batchStore.Put(ctx, batch); err != nil {
		r.logger.Error("failed to persist client batch", zap.Error(err))
		return
	}
	r.handleForwardedBatch(r.proc.Local, batch)

	frame, err := wire.Encode(wire.TypeForwardClientBatch, int64(r.accept.PromisedView()), clock(), encodeWireBatch(batch))
	if err != nil {
		r.logger.Error("failed to encode ForwardClientBatch", zap.Error(err))
		return
	}
	for i := 0; i < r.proc.N; i++ {
		dest := consensus.ReplicaID(i)
		if dest == r.proc.Local {
			continue
		}
		r.fabric.SendTo(dest, frame)
	}
}

func (r *Replica) handleForwardedBatch(src consensus.ReplicaID, batch batcher.ClientBatch) {
	if src != r.proc.Local {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.batchStore.Put(ctx, batch); err != nil {
			r.logger.Error("failed to persist forwarded client batch", zap.Error(err))
			return
		}
	}
	if r.proposer.State() == consensus.ProposerPrepared && r.proc.IsLeaderOf(r.proposer.CurrentView()) {
		r.valueBuild.Submit(batch.ID)
	}
}

func (r *Replica) onInstanceValueReady(value []byte) {
	r.tryPropose(value)
}

func (r *Replica) tryPropose(value []byte) {
	if _, ok := r.proposer.Propose(value); !ok {
		r.afterFunc(5*time.Millisecond, func() { r.tryPropose(value) })
	}
}

// checkDelivery applies every newly DECIDED instance, in order, to the
// attached state machine. Called after any log mutation that can advance
// firstUncommitted (Log.Subscribe) and after a snapshot install jumps the
// delivery cursor forward past instances the snapshot already accounts
// for.
func (r *Replica) checkDelivery() {
	for r.deliveredThrough < r.log.GetFirstUncommitted() {
		id := r.deliveredThrough
		inst := r.log.GetInstance(id)
		if inst == nil || inst.State != consensus.Decided {
			break
		}
		r.applyInstance(id, inst.Value)
		r.deliveredThrough++
	}
	if fs := r.log.FirstSnapshotInstance(); r.deliveredThrough < fs {
		r.deliveredThrough = fs
	}
}

func (r *Replica) applyInstance(id consensus.InstanceID, value []byte) {
	ids, err := batcher.DecodeInstanceValue(value)
	if err != nil {
		r.logger.Error("failed to decode instance value", zap.Int64("instance", int64(id)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, bid := range ids {
		batch, ok, err := r.batchStore.Get(ctx, bid)
		if err != nil {
			r.logger.Error("failed to fetch client batch", zap.Error(err))
			continue
		}
		if !ok {
			// The batch payload hasn't arrived yet (ForwardClientBatch lost
			// in flight); catch-up will eventually resolve the gap once a
			// peer that has it responds to a later request.
			r.logger.Warn("decided instance references unknown client batch", zap.Int64("instance", int64(id)))
			continue
		}
		for _, req := range batch.Requests {
			cmd := statemachine.Command{ClientID: req.ClientID, Seq: req.Seq, Payload: req.Payload}
			result, err := r.sm.Apply(int64(id), cmd)
			if err != nil {
				r.logger.Error("state machine apply failed", zap.Error(err))
			}
			r.clientMgr.Complete(req.ClientID, req.Seq, result)
			r.mx.RecordClientRequest(clientmanager.StatusOK.String())
			r.completePending(req.ClientID, req.Seq, clientmanager.Reply{Status: clientmanager.StatusOK, Result: result})
			r.publishDecided(DecidedEvent{InstanceID: int64(id), View: int64(r.accept.PromisedView()), ClientID: req.ClientID, Seq: req.Seq})
		}
		if err := r.batchStore.Delete(ctx, bid); err != nil {
			r.logger.Warn("failed to evict applied client batch", zap.Error(err))
		}
	}
	r.mx.IncDecided()
}

func (r *Replica) completePending(clientID int64, seq int32, reply clientmanager.Reply) {
	key := clientKey{clientID, seq}
	r.pendingMu.Lock()
	ch, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.pendingMu.Unlock()
	if ok {
		ch <- reply
	}
}
