// Package replica wires together every package under internal/ into one
// running replica process: the consensus core, its transport fabric, the
// client batching pipeline, the attached state machine, and the
// durability/metrics collaborators the protocol's external-interfaces
// contract describes. Nothing in internal/consensus knows any of this
// exists; replica is the composition root a cmd/ entrypoint constructs
// once at startup.
package replica

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/batcher"
	"github.com/ruvnet/paxosrep/internal/clientmanager"
	"github.com/ruvnet/paxosrep/internal/config"
	"github.com/ruvnet/paxosrep/internal/consensus"
	"github.com/ruvnet/paxosrep/internal/statemachine"
	"github.com/ruvnet/paxosrep/internal/transport"
	"github.com/ruvnet/paxosrep/pkg/metrics"
)

type clientKey struct {
	clientID int64
	seq      int32
}

// Replica owns every moving part of one running process: the consensus
// core (Log/Acceptor/Proposer/CatchUp/SnapshotMaintainer), its Dispatcher
// goroutine, the network fabric, the two-layer client batching pipeline,
// and the attached state machine. Everything that isn't explicitly safe
// for concurrent use is only ever touched from the dispatcher goroutine;
// SubmitClientRequest is the one method meant to be called from other
// goroutines (a client-facing listener, the admin HTTP surface).
type Replica struct {
	cfg    *config.Config
	logger *zap.Logger
	mx     *metrics.Metrics

	proc       consensus.Process
	log        *consensus.Log
	views      consensus.ViewStore
	accept     *consensus.Acceptor
	proposer   *consensus.Proposer
	dispatcher *consensus.Dispatcher
	fabric     transport.Fabric
	catchup    *consensus.CatchUp
	snaps      *consensus.SnapshotMaintainer
	recovery   *consensus.Recovery

	sm         statemachine.StateMachine
	batchStore batcher.ClientBatchStore
	reqBatcher *batcher.ClientRequestBatcher
	valueBuild *batcher.InstanceValueBuilder
	clientMgr  *clientmanager.ClientRequestManager

	deliveredThrough consensus.InstanceID

	pendingMu sync.Mutex
	pending   map[clientKey]chan clientmanager.Reply

	lastSeenMu sync.Mutex
	lastSeen   map[consensus.ReplicaID]time.Time

	decidedSubsMu sync.Mutex
	decidedSubs   []func(DecidedEvent)

	closeOnce sync.Once
}

// DecidedEvent describes one consensus instance as it is applied to the
// state machine, the payload the admin surface's /ws/decided stream
// relays to connected operators.
type DecidedEvent struct {
	InstanceID int64
	View       int64
	ClientID   int64
	Seq        int32
}

// SubscribeDecided registers fn to be called, from the dispatcher
// goroutine, for every client request applied as part of a decided
// instance. Intended for the admin HTTP surface's websocket stream; fn
// must not block.
func (r *Replica) SubscribeDecided(fn func(DecidedEvent)) {
	r.decidedSubsMu.Lock()
	defer r.decidedSubsMu.Unlock()
	r.decidedSubs = append(r.decidedSubs, fn)
}

func (r *Replica) publishDecided(ev DecidedEvent) {
	r.decidedSubsMu.Lock()
	subs := append([]func(DecidedEvent){}, r.decidedSubs...)
	r.decidedSubsMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// clock is the wall-clock sentTime source stamped into outgoing frames;
// the consensus core itself only ever reasons in logical (view, instance)
// terms.
func clock() int64 { return time.Now().UnixNano() }

// New constructs a fully wired Replica from cfg but does not yet start its
// dispatcher goroutine or network listeners; call Start for that. sm is
// the attached state machine (kv.New() or pgkv.Open(cfg.PostgresDSN)
// depending on the deployment), views the durable ViewStore (storage.
// NewFileViewStore under ViewSS/EpochSS, consensus.NewMemViewStore under
// CrashStop/FullSS), and batchStore the ClientBatchStore (nil under FullSS
// per Config.ClientBatchStoreAvailable; otherwise
// batcher.NewMemClientBatchStore, or batcher.NewRedisClientBatchStore when
// RedisAddr is set).
func New(cfg *config.Config, sm statemachine.StateMachine, views consensus.ViewStore, batchStore batcher.ClientBatchStore, logger *zap.Logger) (*Replica, error) {
	proc := consensus.Process{Local: consensus.ReplicaID(cfg.ReplicaID), N: len(cfg.Peers)}
	if proc.N == 0 {
		return nil, fmt.Errorf("replica: Peers must list every replica's address, including this one")
	}

	mx := metrics.New()
	log := consensus.NewLog()
	accept := consensus.NewAcceptor(proc, log, views, logger)

	r := &Replica{
		cfg:      cfg,
		logger:   logger,
		mx:       mx,
		proc:     proc,
		log:      log,
		views:    views,
		accept:   accept,
		sm:       sm,
		batchStore: batchStore,
		pending:  map[clientKey]chan clientmanager.Reply{},
		lastSeen: map[consensus.ReplicaID]time.Time{},
	}

	r.dispatcher = consensus.NewDispatcher(logger)

	fabric, err := buildFabric(cfg, proc, logger)
	if err != nil {
		return nil, err
	}
	r.fabric = fabric

	r.proposer = consensus.NewProposer(proc, log, views, accept, fabric, r.dispatcher, clock,
		cfg.WindowSize, cfg.RetransmitTimeout, logger)

	r.snaps = consensus.NewSnapshotMaintainer(log, views,
		cfg.FirstSnapshotEstimateBytes, cfg.MinLogSizeForRatioCheckBytes,
		cfg.SnapshotAskRatio, cfg.SnapshotForceRatio, int(cfg.MinimumInstancesForSnapshotRatioSample),
		r.makeSnapshot, r.restoreSnapshot, r.onSnapshotAsked, logger)
	log.Subscribe(r.snaps.OnLogSizeChanged)
	log.Subscribe(r.onLogSizeChanged)

	r.catchup = consensus.NewCatchUp(proc, log, r.snaps, fabric, r.dispatcher, clock,
		accept.PromisedView, cfg.WindowSize, maxFragmentInstances, cfg.RetransmitTimeout, logger)

	r.clientMgr = clientmanager.NewClientRequestManager(cfg.ClientRequestBufferSize,
		defaultPerClientRate, defaultPerClientBurst, r.leaderHint, logger)

	r.reqBatcher = batcher.NewClientRequestBatcher(batcher.ReplicaID(proc.Local),
		cfg.BatchSize, cfg.MaxBatchDelay, r.afterFunc, r.onClientBatchReady)
	r.valueBuild = batcher.NewInstanceValueBuilder(maxBatchesPerInstance, cfg.ForwardMaxBatchDelay,
		r.afterFunc, r.onInstanceValueReady)

	return r, nil
}

const (
	maxFragmentInstances  = 64
	maxBatchesPerInstance = 32
	defaultPerClientRate  = 50.0
	defaultPerClientBurst = 10
)

func buildFabric(cfg *config.Config, proc consensus.Process, logger *zap.Logger) (transport.Fabric, error) {
	peers := transport.PeerTable{}
	for i, addr := range cfg.Peers {
		peers[consensus.ReplicaID(i)] = addr
	}
	authKey := []byte(cfg.WireAuthKey)
	self := peers[proc.Local]

	switch cfg.Network {
	case config.NetworkUDP:
		return transport.NewUDPFabric(proc.Local, peers, self, cfg.MaxUDPPacketSize, authKey, logger)
	case config.NetworkGeneric:
		udp, err := transport.NewUDPFabric(proc.Local, peers, self, cfg.MaxUDPPacketSize, authKey, logger)
		if err != nil {
			return nil, err
		}
		tcp, err := transport.NewTCPFabric(proc.Local, peers, self, authKey, logger)
		if err != nil {
			return nil, err
		}
		return transport.NewGenericFabric(udp, tcp, cfg.NetworkMTUSize), nil
	case config.NetworkNATS:
		return transport.NewNATSFabric(cfg.NATSURL, "paxosrep", proc.Local, authKey, logger)
	default:
		return transport.NewTCPFabric(proc.Local, peers, self, authKey, logger)
	}
}

// Start begins the dispatcher goroutine, kicks off startup recovery (under
// crash models that need it) and the periodic liveness/catch-up ticks, and
// starts delivering newly decided instances to the state machine.
func (r *Replica) Start() {
	go r.dispatcher.Run()
	go r.pump()

	r.dispatcher.Post(func() {
		r.accept.LoadPromisedView(mustLoadView(r.views, r.logger))
		r.dispatcher.Every(r.cfg.FDSendTimeout, r.sendAliveBeacon)
		r.dispatcher.Every(r.cfg.FDSuspectTimeout, r.checkLeaderSuspicion)
		r.dispatcher.Every(r.cfg.RetransmitTimeout, r.catchup.CheckCatchUpTask)

		if r.cfg.CrashModel == config.CrashModelViewSS || r.cfg.CrashModel == config.CrashModelEpochSS {
			r.runRecovery()
		}
	})
}

func mustLoadView(views consensus.ViewStore, logger *zap.Logger) consensus.View {
	v, err := views.LoadView()
	if err != nil {
		logger.Fatal("failed to load durable view at startup", zap.Error(err))
	}
	return v
}

func (r *Replica) runRecovery() {
	viewOnCrash := r.accept.PromisedView()
	rec := consensus.NewRecovery(r.proc, r.fabric, r.dispatcher, clock, r.cfg.FDSuspectTimeout, viewOnCrash, r.logger)
	rec.Start(func(recovered consensus.View) {
		if recovered > r.accept.PromisedView() {
			r.accept.LoadPromisedView(recovered)
			if err := r.views.SaveView(recovered); err != nil {
				r.logger.Fatal("failed to persist recovered view", zap.Error(err))
			}
		}
	})
	r.recovery = rec
}

// Stop halts the dispatcher goroutine and closes the network fabric.
func (r *Replica) Stop() {
	r.closeOnce.Do(func() {
		r.dispatcher.Stop()
		if err := r.fabric.Close(); err != nil {
			r.logger.Warn("error closing transport fabric", zap.Error(err))
		}
	})
}

// leaderHint implements clientmanager.LeaderHintFunc.
func (r *Replica) leaderHint() (isLeader bool, leaderID int32) {
	leader := r.proc.LeaderOf(r.accept.PromisedView())
	return leader == r.proc.Local && r.proposer.State() == consensus.ProposerPrepared, int32(leader)
}

// afterFunc adapts a plain wall-clock timer into the batcher.AfterFunc
// contract, always bouncing the fired callback back onto the dispatcher
// goroutine via Post so batcher state is only ever touched from there.
func (r *Replica) afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { r.dispatcher.Post(fn) })
	return func() { t.Stop() }
}

func (r *Replica) onLogSizeChanged(int64) {
	r.mx.SetLogSizeBytes(r.log.ByteSizeBetween(r.log.FirstSnapshotInstance(), r.log.GetNextID()))
	r.mx.SetFirstUncommitted(int64(r.log.GetFirstUncommitted()))
	r.mx.SetNextInstanceID(int64(r.log.GetNextID()))
	r.checkDelivery()
}

func (r *Replica) onSnapshotAsked() {
	r.dispatcher.Post(func() {
		if err := r.snaps.MakeSnapshot(); err != nil {
			r.logger.Error("snapshot-on-ask failed", zap.Error(err))
		}
	})
}

func (r *Replica) makeSnapshot(throughID consensus.InstanceID) ([]byte, error) {
	return r.sm.Snapshot()
}

func (r *Replica) restoreSnapshot(state []byte) error {
	return r.sm.Restore(state)
}
