package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
)

// SnapshotMaker asks the attached state machine to serialize its state as
// of throughID (exclusive of everything at or above it). SnapshotRestorer
// is the inverse, replacing the state machine's state wholesale.
type SnapshotMaker func(throughID InstanceID) ([]byte, error)
type SnapshotRestorer func(state []byte) error

// SnapshotMaintainer decides when the log has grown large enough, relative
// to the size of the last installed snapshot, to warrant taking (or
// forcing) a new one, and owns the on-disk/on-wire encoding of snapshots
// (a throughID header plus brotli-compressed state machine bytes).
//
// Sizing uses a ratio of bytes-decided-since-last-snapshot against the
// last snapshot's own size rather than an absolute instance count: a large
// snapshot naturally tolerates a larger log before the next one is worth
// the cost of taking. Below MinimumInstancesForSnapshotRatioSample
// instances since the last snapshot, the ratio is not yet a meaningful
// signal and is ignored outright.
type SnapshotMaintainer struct {
	log    *Log
	views  ViewStore
	logger *zap.Logger

	firstSnapshotEstimateBytes int64
	minLogSizeForRatioCheck    int64
	askRatio                   float64
	forceRatio                 float64
	minInstancesForRatio       int

	haveSnapshot         bool
	lastSnapshotBytes    int64
	lastSnapshotInstance InstanceID
	lastSnapshotBlob     []byte

	makeFn    SnapshotMaker
	restoreFn SnapshotRestorer
	onAsked   func()
}

// NewSnapshotMaintainer constructs a SnapshotMaintainer. onAsked is invoked
// when the ratio crosses askRatio but not forceRatio — a soft hint the
// caller may use to schedule a snapshot during an idle moment rather than
// taking one immediately.
func NewSnapshotMaintainer(log *Log, views ViewStore, firstSnapshotEstimateBytes, minLogSizeForRatioCheck int64, askRatio, forceRatio float64, minInstancesForRatio int, makeFn SnapshotMaker, restoreFn SnapshotRestorer, onAsked func(), logger *zap.Logger) *SnapshotMaintainer {
	return &SnapshotMaintainer{
		log:                        log,
		views:                      views,
		logger:                     logger,
		firstSnapshotEstimateBytes: firstSnapshotEstimateBytes,
		minLogSizeForRatioCheck:    minLogSizeForRatioCheck,
		askRatio:                   askRatio,
		forceRatio:                 forceRatio,
		minInstancesForRatio:       minInstancesForRatio,
		makeFn:                     makeFn,
		restoreFn:                  restoreFn,
		onAsked:                    onAsked,
	}
}

// OnLogSizeChanged is a Log.LogSizeListener: wire it via Log.Subscribe so
// the maintainer re-evaluates the ratio after every mutation.
func (m *SnapshotMaintainer) OnLogSizeChanged(int64) { m.checkRatio() }

func (m *SnapshotMaintainer) checkRatio() {
	instancesSince := int64(m.log.GetFirstUncommitted() - m.lastSnapshotInstance)
	if instancesSince < int64(m.minInstancesForRatio) {
		return
	}
	bytesSince := m.log.ByteSizeBetween(m.lastSnapshotInstance, m.log.GetFirstUncommitted())
	if bytesSince < m.minLogSizeForRatioCheck {
		return
	}

	estimate := m.lastSnapshotBytes
	if estimate == 0 {
		estimate = m.firstSnapshotEstimateBytes
	}
	if estimate <= 0 {
		return
	}
	ratio := float64(bytesSince) / float64(estimate)

	switch {
	case ratio >= m.forceRatio:
		if err := m.MakeSnapshot(); err != nil {
			m.logger.Error("forced snapshot failed", zap.Error(err))
		}
	case ratio >= m.askRatio:
		if m.onAsked != nil {
			m.onAsked()
		}
	}
}

// MakeSnapshot takes a snapshot through the log's current firstUncommitted
// instance, installs it locally (truncating the log), and durably records
// its boundary.
func (m *SnapshotMaintainer) MakeSnapshot() error {
	throughID := m.log.GetFirstUncommitted()
	if m.haveSnapshot && throughID <= m.lastSnapshotInstance {
		return nil
	}
	state, err := m.makeFn(throughID)
	if err != nil {
		return fmt.Errorf("snapshot: make state: %w", err)
	}

	blob, err := encodeSnapshotBlob(throughID, state)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	m.installLocal(blob, throughID)
	return nil
}

// installLocal adopts blob as the current snapshot, truncating the log
// below throughID, but only if throughID strictly advances the boundary
// already installed — a snapshot that would move it backwards (or leave it
// unchanged) is dropped rather than applied, since the local state machine
// has already advanced past it. Reports whether the snapshot was adopted.
func (m *SnapshotMaintainer) installLocal(blob []byte, throughID InstanceID) bool {
	if m.haveSnapshot && throughID <= m.lastSnapshotInstance {
		return false
	}

	// Moving average of snapshot size, so a single unusually small or large
	// snapshot doesn't swing the next ratio check too far.
	if m.lastSnapshotBytes == 0 {
		m.lastSnapshotBytes = int64(len(blob))
	} else {
		m.lastSnapshotBytes = (m.lastSnapshotBytes + int64(len(blob))) / 2
	}
	m.haveSnapshot = true
	m.lastSnapshotInstance = throughID
	m.lastSnapshotBlob = blob

	m.log.TruncateBelow(throughID)
	if err := m.views.SaveSnapshotMeta(throughID); err != nil {
		m.logger.Fatal("failed to durably record snapshot boundary", zap.Error(err))
	}
	return true
}

// CurrentSnapshot implements SnapshotSource, serving the most recently
// installed snapshot blob to a peer's catch-up request.
func (m *SnapshotMaintainer) CurrentSnapshot() (snapshot []byte, throughID InstanceID, ok bool) {
	if m.lastSnapshotBlob == nil {
		return nil, 0, false
	}
	return m.lastSnapshotBlob, m.lastSnapshotInstance, true
}

// InstallSnapshotAndReturnBoundary implements SnapshotSource, adopting a
// snapshot blob received from a peer via catch-up. A snapshot that does not
// strictly advance the local boundary is dropped without touching the
// state machine, and the existing boundary is reported back instead.
func (m *SnapshotMaintainer) InstallSnapshotAndReturnBoundary(blob []byte) (InstanceID, error) {
	throughID, state, err := decodeSnapshotBlob(blob)
	if err != nil {
		return 0, fmt.Errorf("snapshot: decode: %w", err)
	}
	if m.haveSnapshot && throughID <= m.lastSnapshotInstance {
		return m.lastSnapshotInstance, nil
	}
	if err := m.restoreFn(state); err != nil {
		return 0, fmt.Errorf("snapshot: restore: %w", err)
	}
	m.installLocal(blob, throughID)
	return throughID, nil
}

func encodeSnapshotBlob(throughID InstanceID, state []byte) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(throughID))
	buf.Write(hdr[:])

	w := brotli.NewWriter(&buf)
	if _, err := w.Write(state); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshotBlob(blob []byte) (InstanceID, []byte, error) {
	if len(blob) < 8 {
		return 0, nil, fmt.Errorf("snapshot blob too short")
	}
	throughID := InstanceID(binary.BigEndian.Uint64(blob[:8]))
	r := brotli.NewReader(bytes.NewReader(blob[8:]))
	state, err := io.ReadAll(r)
	if err != nil {
		return 0, nil, err
	}
	return throughID, state, nil
}
