package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSnapshotMaintainer_MakeSnapshotTruncatesLogAndRecordsBoundary(t *testing.T) {
	log := NewLog()
	views := NewMemViewStore()
	log.Append(1, []byte("a"))
	log.Append(1, []byte("b"))
	require.NoError(t, log.SetDecided(0, 1, []byte("a")))
	require.NoError(t, log.SetDecided(1, 1, []byte("b")))

	makeFn := func(throughID InstanceID) ([]byte, error) { return []byte("snapshot-state"), nil }
	restoreFn := func(state []byte) error { return nil }

	m := NewSnapshotMaintainer(log, views, 100, 10, 0.5, 1.0, 1, makeFn, restoreFn, nil, zaptest.NewLogger(t))

	require.NoError(t, m.MakeSnapshot())

	assert.Nil(t, log.GetInstance(0))
	assert.Nil(t, log.GetInstance(1))

	boundary, err := views.LoadSnapshotMeta()
	require.NoError(t, err)
	assert.Equal(t, InstanceID(2), boundary)

	blob, throughID, ok := m.CurrentSnapshot()
	require.True(t, ok)
	assert.Equal(t, InstanceID(2), throughID)
	assert.NotEmpty(t, blob)
}

func TestSnapshotMaintainer_EncodeDecodeRoundTripViaInstall(t *testing.T) {
	log := NewLog()
	views := NewMemViewStore()

	makeFn := func(throughID InstanceID) ([]byte, error) { return []byte("hello snapshot"), nil }
	var restored []byte
	restoreFn := func(state []byte) error { restored = state; return nil }

	m := NewSnapshotMaintainer(log, views, 100, 10, 0.5, 1.0, 1, makeFn, restoreFn, nil, zaptest.NewLogger(t))
	require.NoError(t, m.MakeSnapshot())
	blob, _, ok := m.CurrentSnapshot()
	require.True(t, ok)

	// A second maintainer, simulating a peer, installs the blob produced
	// by the first.
	peerLog := NewLog()
	peerViews := NewMemViewStore()
	peerMaker := NewSnapshotMaintainer(peerLog, peerViews, 100, 10, 0.5, 1.0, 1, makeFn, restoreFn, nil, zaptest.NewLogger(t))

	throughID, err := peerMaker.InstallSnapshotAndReturnBoundary(blob)
	require.NoError(t, err)
	assert.Equal(t, InstanceID(0), throughID)
	assert.Equal(t, []byte("hello snapshot"), restored)
}

func TestSnapshotMaintainer_RatioBelowMinInstancesDoesNothing(t *testing.T) {
	log := NewLog()
	views := NewMemViewStore()
	log.Append(1, []byte("a"))
	require.NoError(t, log.SetDecided(0, 1, []byte("a")))

	asked := false
	made := false
	makeFn := func(throughID InstanceID) ([]byte, error) { made = true; return []byte("s"), nil }
	m := NewSnapshotMaintainer(log, views, 1, 0, 0.1, 0.2, 5, makeFn, func([]byte) error { return nil }, func() { asked = true }, zaptest.NewLogger(t))

	m.OnLogSizeChanged(0)
	assert.False(t, asked)
	assert.False(t, made)
}

func TestSnapshotMaintainer_AskRatioInvokesCallbackWithoutSnapshotting(t *testing.T) {
	log := NewLog()
	views := NewMemViewStore()
	log.Append(1, []byte("aaaaaaaaaa"))
	require.NoError(t, log.SetDecided(0, 1, []byte("aaaaaaaaaa")))

	askedCount := 0
	madeCount := 0
	makeFn := func(throughID InstanceID) ([]byte, error) { madeCount++; return []byte("s"), nil }
	m := NewSnapshotMaintainer(log, views, 10, 0, 0.5, 1000.0, 1, makeFn, func([]byte) error { return nil }, func() { askedCount++ }, zaptest.NewLogger(t))

	m.OnLogSizeChanged(0)
	assert.Equal(t, 1, askedCount)
	assert.Equal(t, 0, madeCount, "ask-only ratio must not itself trigger MakeSnapshot")
}

func TestSnapshotMaintainer_ForceRatioTriggersSnapshot(t *testing.T) {
	log := NewLog()
	views := NewMemViewStore()
	log.Append(1, []byte("aaaaaaaaaa"))
	require.NoError(t, log.SetDecided(0, 1, []byte("aaaaaaaaaa")))

	madeCount := 0
	makeFn := func(throughID InstanceID) ([]byte, error) { madeCount++; return []byte("s"), nil }
	m := NewSnapshotMaintainer(log, views, 10, 0, 0.1, 0.5, 1, makeFn, func([]byte) error { return nil }, nil, zaptest.NewLogger(t))

	m.OnLogSizeChanged(0)
	assert.Equal(t, 1, madeCount, "crossing forceRatio must take a snapshot immediately")
}

func TestSnapshotMaintainer_MovingAverageSmoothsSnapshotSizeEstimate(t *testing.T) {
	log := NewLog()
	views := NewMemViewStore()

	// Non-repetitive payloads so brotli can't compress both down to the
	// same near-constant size, which would mask the moving average.
	small := []byte{0x01, 0x02}
	large := make([]byte, 2000)
	for i := range large {
		large[i] = byte(i*37 + 11)
	}
	sizes := [][]byte{small, large}
	call := 0
	makeFn := func(throughID InstanceID) ([]byte, error) {
		s := sizes[call]
		call++
		return s, nil
	}
	m := NewSnapshotMaintainer(log, views, 100, 0, 0.5, 1.0, 1, makeFn, func([]byte) error { return nil }, nil, zaptest.NewLogger(t))

	require.NoError(t, m.MakeSnapshot())
	firstSize := m.lastSnapshotBytes

	// The boundary must strictly advance or the monotonicity guard drops
	// the second snapshot outright.
	log.Append(1, []byte("c"))
	require.NoError(t, log.SetDecided(0, 1, []byte("c")))

	require.NoError(t, m.MakeSnapshot())
	secondSize := m.lastSnapshotBytes
	assert.NotEqual(t, firstSize, secondSize, "a differently sized second snapshot must shift the moving average")
}

func TestSnapshotMaintainer_MakeSnapshotDropsRedundantBoundary(t *testing.T) {
	log := NewLog()
	views := NewMemViewStore()
	log.Append(1, []byte("a"))
	require.NoError(t, log.SetDecided(0, 1, []byte("a")))

	madeCount := 0
	makeFn := func(throughID InstanceID) ([]byte, error) { madeCount++; return []byte("s"), nil }
	m := NewSnapshotMaintainer(log, views, 100, 10, 0.5, 1.0, 1, makeFn, func([]byte) error { return nil }, nil, zaptest.NewLogger(t))

	require.NoError(t, m.MakeSnapshot())
	assert.Equal(t, 1, madeCount)

	// The log hasn't advanced since, so a repeat call must not re-snapshot
	// at the same boundary.
	require.NoError(t, m.MakeSnapshot())
	assert.Equal(t, 1, madeCount, "a non-advancing boundary must not trigger another snapshot")
}

func TestSnapshotMaintainer_InstallSnapshotAndReturnBoundaryDropsNonAdvancingSnapshot(t *testing.T) {
	log := NewLog()
	views := NewMemViewStore()
	log.Append(1, []byte("a"))
	require.NoError(t, log.SetDecided(0, 1, []byte("a")))

	makeFn := func(throughID InstanceID) ([]byte, error) { return []byte("local-state"), nil }
	restoreCount := 0
	restoreFn := func(state []byte) error { restoreCount++; return nil }
	m := NewSnapshotMaintainer(log, views, 100, 10, 0.5, 1.0, 1, makeFn, restoreFn, nil, zaptest.NewLogger(t))
	require.NoError(t, m.MakeSnapshot())
	_, _, ok := m.CurrentSnapshot()
	require.True(t, ok)

	staleBlob, err := encodeSnapshotBlob(InstanceID(0), []byte("stale-peer-state"))
	require.NoError(t, err)

	throughID, err := m.InstallSnapshotAndReturnBoundary(staleBlob)
	require.NoError(t, err)
	assert.Equal(t, InstanceID(1), throughID, "a snapshot at or below the current boundary must be reported back unchanged")
	assert.Equal(t, 0, restoreCount, "a dropped snapshot must never touch the state machine")
}
