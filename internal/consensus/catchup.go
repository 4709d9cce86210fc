package consensus

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/wire"
)

// CatchUpMode distinguishes a targeted request for a range of decided
// instances from a request for a full state snapshot, used when the
// requested range has already been truncated away by the peer's own
// snapshot maintenance.
type CatchUpMode int

const (
	CatchUpNormal CatchUpMode = iota
	CatchUpSnapshot
)

// peerProgress is what CatchUp knows about one peer's log position, kept
// current by Alive beacons (OnAlive).
type peerProgress struct {
	nextID   InstanceID
	lastSeen time.Time
}

// SnapshotSource is implemented by SnapshotMaintainer: CatchUp calls it to
// serve a CatchUpSnapshot request and to install one received from a peer.
type SnapshotSource interface {
	// CurrentSnapshot returns the most recently installed snapshot blob and
	// the instance id it covers through, or ok=false if none exists yet.
	CurrentSnapshot() (snapshot []byte, throughID InstanceID, ok bool)
	// InstallSnapshotAndReturnBoundary adopts a snapshot received from a
	// peer, truncating the log below whatever boundary the blob itself
	// encodes, and reports that boundary back to the caller.
	InstallSnapshotAndReturnBoundary(snapshot []byte) (InstanceID, error)
}

const (
	catchUpGapForSnapshot  = 500
	ewmaAlpha              = 0.2
	emptyResponsePenalty   = 5
	snapshotRatingBonus    = 5
	minCatchUpResendTimeout = 50 * time.Millisecond
)

// CatchUp implements the protocol's catch-up mechanism: detecting that a
// peer (or the local replica) has fallen behind via Alive beacons, fetching
// missing decided instances (or a full snapshot if the gap is too large),
// and serving the same requests from peers. Exactly one catch-up request is
// kept outstanding per peer; a freshly scheduled request against the same
// peer replaces rather than queues behind the old one.
//
// Peer selection is driven by a per-peer rating vector, all zero at start:
// a response carrying fresh instances raises the responder's rating, an
// empty non-periodic response (the peer has nothing to offer) lowers it and
// flags the leader as the next target, and a rating that goes negative
// resets every non-leader rating and falls back to the leader outright.
type CatchUp struct {
	proc        Process
	log         *Log
	snaps       SnapshotSource
	sender      Sender
	sched       Scheduler
	clock       func() int64
	currentView func() View
	logger      *zap.Logger

	maxFragmentInstances int
	baseResendTimeout    time.Duration
	windowSize           int

	progress      map[ReplicaID]*peerProgress
	rating        map[ReplicaID]int
	resendTimeout map[ReplicaID]time.Duration
	active        map[ReplicaID]*ActiveRetransmitter
	inflightRequestTime map[ReplicaID]int64

	mode                     CatchUpMode
	askLeader                bool
	havePreferredSnapshot    bool
	preferredSnapshotReplica ReplicaID
	lastTargetNextID         InstanceID
}

// NewCatchUp constructs a CatchUp bound to log and snaps (the local
// SnapshotMaintainer). currentView reports the locally promised view, used
// to identify the leader for peer selection. windowSize is the consensus
// window (WindowSize config); once firstUncommitted is back within
// windowSize of nextId, a Snapshot-mode catch-up reverts to Normal.
// maxFragmentInstances bounds how many InstanceRecords go into one
// CatchUpResponse fragment, keeping each fragment well under a UDP-safe
// packet size.
func NewCatchUp(proc Process, log *Log, snaps SnapshotSource, sender Sender, sched Scheduler, clock func() int64, currentView func() View, windowSize int, maxFragmentInstances int, baseResendTimeout time.Duration, logger *zap.Logger) *CatchUp {
	return &CatchUp{
		proc:                 proc,
		log:                  log,
		snaps:                snaps,
		sender:               sender,
		sched:                sched,
		clock:                clock,
		currentView:          currentView,
		logger:               logger,
		maxFragmentInstances: maxFragmentInstances,
		baseResendTimeout:    baseResendTimeout,
		windowSize:           windowSize,
		progress:             map[ReplicaID]*peerProgress{},
		rating:               map[ReplicaID]int{},
		resendTimeout:        map[ReplicaID]time.Duration{},
		active:               map[ReplicaID]*ActiveRetransmitter{},
		inflightRequestTime:  map[ReplicaID]int64{},
	}
}

// OnAlive records a liveness beacon from src, noting its reported log
// position for later gap detection.
func (c *CatchUp) OnAlive(src ReplicaID, peerNextID InstanceID) {
	c.progress[src] = &peerProgress{nextID: peerNextID, lastSeen: time.Now()}
}

// CheckCatchUpTask is the periodic tick (scheduled by the dispatcher) that
// looks for the furthest-ahead peer and, if the local log's next id is
// behind that peer's at all, starts or refreshes a catch-up request. The target
// peer itself is chosen by rating, not necessarily the peer whose beacon
// revealed the gap.
func (c *CatchUp) CheckCatchUpTask() {
	var bestNextID InstanceID = -1
	for _, p := range c.progress {
		if p.nextID > bestNextID {
			bestNextID = p.nextID
		}
	}
	if bestNextID <= c.log.GetNextID() {
		return
	}

	if c.mode == CatchUpSnapshot {
		peer := c.proc.LeaderOf(c.currentView())
		if c.havePreferredSnapshot {
			peer = c.preferredSnapshotReplica
		}
		c.requestSnapshotFrom(peer)
		return
	}

	c.DoCatchUpTask(c.selectPeer(), bestNextID)
}

// selectPeer applies the rating-driven peer-selection rule: if a prior
// response indicated a peer had nothing to offer, target the leader once
// and clear that flag; otherwise pick the highest-rated peer excluding the
// local replica and the leader. A winning rating that is still negative
// means every candidate looks bad, so fall back to the leader and reset
// every non-leader rating to zero.
func (c *CatchUp) selectPeer() ReplicaID {
	leader := c.proc.LeaderOf(c.currentView())
	if c.askLeader {
		c.askLeader = false
		return leader
	}

	var best ReplicaID
	bestRating := 0
	have := false
	for i := 0; i < c.proc.N; i++ {
		id := ReplicaID(i)
		if id == c.proc.Local || id == leader {
			continue
		}
		r := c.rating[id]
		if !have || r > bestRating {
			best, bestRating, have = id, r, true
		}
	}
	if !have {
		return leader
	}
	if bestRating < 0 {
		for k := range c.rating {
			if k != leader {
				c.rating[k] = 0
			}
		}
		return leader
	}
	return best
}

// DoCatchUpTask issues (or replaces) a catch-up request against peer,
// choosing Snapshot mode when the gap between the local log and the peer's
// reported position is too large for a targeted range fetch to be
// economical.
func (c *CatchUp) DoCatchUpTask(peer ReplicaID, peerNextID InstanceID) {
	if rt, ok := c.active[peer]; ok {
		rt.StopAll()
	}

	localNext := c.log.GetNextID()
	if int64(peerNextID-localNext) > catchUpGapForSnapshot {
		c.mode = CatchUpSnapshot
		c.requestSnapshotFrom(peer)
		return
	}

	c.lastTargetNextID = peerNextID
	now := c.clock()
	c.inflightRequestTime[peer] = now

	query := wire.CatchUpQuery{RangeStarts: []int64{int64(localNext)}, RangeEnds: []int64{int64(peerNextID)}}
	frame, err := wire.Encode(wire.TypeCatchUpQuery, 0, now, query)
	if err != nil {
		c.logger.Error("failed to encode CatchUpQuery", zap.Error(err))
		return
	}

	c.rating[peer] -= int(peerNextID - localNext)

	timeout := c.resendTimeoutFor(peer)
	c.active[peer] = NewActiveRetransmitter(frame, []ReplicaID{peer}, c.sender, c.sched, timeout)
}

func (c *CatchUp) requestSnapshotFrom(peer ReplicaID) {
	if rt, ok := c.active[peer]; ok {
		rt.StopAll()
	}
	now := c.clock()
	c.inflightRequestTime[peer] = now
	frame, err := wire.Encode(wire.TypeCatchUpQuery, 0, now, wire.CatchUpQuery{SnapshotReq: true})
	if err != nil {
		c.logger.Error("failed to encode CatchUpQuery", zap.Error(err))
		return
	}
	timeout := c.resendTimeoutFor(peer)
	c.active[peer] = NewActiveRetransmitter(frame, []ReplicaID{peer}, c.sender, c.sched, timeout)
}

// retryAgainstBestPeer re-arms a fresh request at the last known target
// after a responder reported it had nothing to offer, against a newly
// selected peer.
func (c *CatchUp) retryAgainstBestPeer() {
	if c.lastTargetNextID <= c.log.GetNextID() {
		return
	}
	c.DoCatchUpTask(c.selectPeer(), c.lastTargetNextID)
}

func (c *CatchUp) resendTimeoutFor(peer ReplicaID) time.Duration {
	if d, ok := c.resendTimeout[peer]; ok {
		return d
	}
	return c.baseResendTimeout
}

// updateResendTimeout folds a fresh latency observation into peer's resend
// timeout as an EWMA of 3x the observed processing time, floored so a
// freak fast response can't collapse the timeout to near zero.
func (c *CatchUp) updateResendTimeout(peer ReplicaID, processingTime time.Duration) {
	target := 3 * processingTime
	old := c.resendTimeoutFor(peer)
	next := time.Duration(ewmaAlpha*float64(target) + (1-ewmaAlpha)*float64(old))
	if next < minCatchUpResendTimeout {
		next = minCatchUpResendTimeout
	}
	c.resendTimeout[peer] = next
}

// maybeRevertToNormal reverts a Snapshot-mode catch-up back to Normal once
// the local log is back within one window of the cluster, per the
// termination rule: firstUncommitted > nextId - 1 - windowSize.
func (c *CatchUp) maybeRevertToNormal() {
	if int64(c.log.GetFirstUncommitted()) > int64(c.log.GetNextID())-1-int64(c.windowSize) {
		c.mode = CatchUpNormal
		c.havePreferredSnapshot = false
	}
}

// OnCatchUpResponse applies a (possibly partial) CatchUpResponse, folding
// any DECIDED instances straight into the log (a replica never serves an
// undecided entry through catch-up) and adjusting src's rating and resend
// timeout according to what the response carried:
//   - SnapshotOnly: src has nothing but a snapshot to offer because the
//     requested range was truncated; every non-negative rating is clamped
//     to zero, src becomes the preferred snapshot source, and a
//     Snapshot-mode request is issued immediately.
//   - empty and non-periodic: src has nothing new; its rating is docked
//     and the next request targets the leader instead.
//   - non-empty: src's rating is credited, the resend timeout is retuned
//     from the observed round-trip, and LastPart retires the outstanding
//     retransmitter and checks whether the log is back in the window.
func (c *CatchUp) OnCatchUpResponse(src ReplicaID, resp wire.CatchUpResponse) error {
	if resp.SnapshotOnly {
		for k, r := range c.rating {
			if r > 0 {
				c.rating[k] = 0
			}
		}
		c.mode = CatchUpSnapshot
		c.havePreferredSnapshot = true
		c.preferredSnapshotReplica = src
		c.requestSnapshotFrom(src)
		return nil
	}

	if len(resp.Instances) == 0 {
		if rt, ok := c.active[src]; ok {
			rt.StopAll()
			delete(c.active, src)
		}
		if !resp.Periodic {
			if c.rating[src] < emptyResponsePenalty {
				c.rating[src] = 0
			} else {
				c.rating[src] -= emptyResponsePenalty
			}
			c.askLeader = true
			c.retryAgainstBestPeer()
		}
		return nil
	}

	for _, inst := range resp.Instances {
		if err := c.log.SetDecided(InstanceID(inst.ID), View(inst.View), inst.Value); err != nil {
			return err
		}
	}

	c.rating[src] += 2 * len(resp.Instances)

	if start, ok := c.inflightRequestTime[src]; ok {
		c.updateResendTimeout(src, time.Duration(c.clock()-start))
	}

	if resp.LastPart {
		if rt, ok := c.active[src]; ok {
			rt.StopAll()
			delete(c.active, src)
		}
		delete(c.inflightRequestTime, src)
		c.maybeRevertToNormal()
	}
	return nil
}

// OnCatchUpSnapshot installs a snapshot received in response to a
// Snapshot-mode request, credits src's rating, and retires the outstanding
// request against src.
func (c *CatchUp) OnCatchUpSnapshot(src ReplicaID, snap wire.CatchUpSnapshot) error {
	// Snapshot throughID travels inside the opaque blob; SnapshotMaintainer
	// owns its layout and reports the boundary back after installing it.
	if _, err := c.snaps.InstallSnapshotAndReturnBoundary(snap.Snapshot); err != nil {
		return err
	}
	c.rating[src] += snapshotRatingBonus
	if rt, ok := c.active[src]; ok {
		rt.StopAll()
		delete(c.active, src)
	}
	delete(c.inflightRequestTime, src)
	c.mode = CatchUpNormal
	c.havePreferredSnapshot = false
	return nil
}

// HandleCatchUpQuery serves a peer's request: either the current snapshot,
// a snapshotOnly refusal when the requested range has already been
// truncated below the local snapshot boundary, or the decided instances in
// the requested ranges fragmented into responses of at most
// maxFragmentInstances entries each, with LastPart set on the final
// fragment.
func (c *CatchUp) HandleCatchUpQuery(src ReplicaID, req wire.CatchUpQuery, requestTime int64) {
	if req.SnapshotReq {
		snap, throughID, ok := c.snaps.CurrentSnapshot()
		if !ok {
			return
		}
		frame, err := wire.Encode(wire.TypeCatchUpSnapshot, 0, c.clock(),
			wire.CatchUpSnapshot{RequestTime: requestTime, Snapshot: snap})
		if err != nil {
			c.logger.Error("failed to encode CatchUpSnapshot", zap.Error(err))
			return
		}
		_ = throughID
		c.sender.SendTo(src, frame)
		return
	}

	if _, throughID, ok := c.snaps.CurrentSnapshot(); ok {
		for i := range req.RangeStarts {
			if InstanceID(req.RangeStarts[i]) < throughID {
				frame, err := wire.Encode(wire.TypeCatchUpResponse, 0, c.clock(),
					wire.CatchUpResponse{RequestTime: requestTime, SnapshotOnly: true, LastPart: true})
				if err == nil {
					c.sender.SendTo(src, frame)
				}
				return
			}
		}
	}

	var instances []wire.InstanceRecord
	for i := range req.RangeStarts {
		for id := InstanceID(req.RangeStarts[i]); id < InstanceID(req.RangeEnds[i]); id++ {
			inst := c.log.GetInstance(id)
			if inst == nil || inst.State != Decided {
				continue
			}
			instances = append(instances, wire.InstanceRecord{ID: int64(id), View: int64(inst.View), State: uint8(inst.State), Value: inst.Value})
		}
	}

	if len(instances) == 0 {
		frame, err := wire.Encode(wire.TypeCatchUpResponse, 0, c.clock(),
			wire.CatchUpResponse{RequestTime: requestTime, LastPart: true})
		if err == nil {
			c.sender.SendTo(src, frame)
		}
		return
	}

	for off := 0; off < len(instances); off += c.maxFragmentInstances {
		end := off + c.maxFragmentInstances
		if end > len(instances) {
			end = len(instances)
		}
		resp := wire.CatchUpResponse{
			RequestTime: requestTime,
			LastPart:    end == len(instances),
			Instances:   instances[off:end],
		}
		frame, err := wire.Encode(wire.TypeCatchUpResponse, 0, c.clock(), resp)
		if err != nil {
			c.logger.Error("failed to encode CatchUpResponse fragment", zap.Error(err))
			return
		}
		c.sender.SendTo(src, frame)
	}
}
