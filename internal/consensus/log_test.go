package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAdvancesNextID(t *testing.T) {
	l := NewLog()
	id1 := l.Append(1, []byte("a"))
	id2 := l.Append(1, []byte("b"))
	assert.Equal(t, InstanceID(0), id1)
	assert.Equal(t, InstanceID(1), id2)
	assert.Equal(t, InstanceID(2), l.GetNextID())
}

func TestLog_GetOrCreateAllocatesUnknown(t *testing.T) {
	l := NewLog()
	inst := l.GetOrCreate(5)
	require.NotNil(t, inst)
	assert.Equal(t, Unknown, inst.State)
	assert.Equal(t, InstanceID(6), l.GetNextID())

	same := l.GetOrCreate(5)
	assert.Same(t, inst, same)
}

func TestLog_SetDecidedAdvancesFirstUncommittedOverContiguousRun(t *testing.T) {
	l := NewLog()
	l.Append(1, []byte("a"))
	l.Append(1, []byte("b"))
	l.Append(1, []byte("c"))

	require.NoError(t, l.SetDecided(1, 1, []byte("b")))
	assert.Equal(t, InstanceID(0), l.GetFirstUncommitted(), "gap at 0 still undecided")

	require.NoError(t, l.SetDecided(0, 1, []byte("a")))
	assert.Equal(t, InstanceID(2), l.GetFirstUncommitted(), "0 and 1 decided, 2 still open")

	require.NoError(t, l.SetDecided(2, 1, []byte("c")))
	assert.Equal(t, InstanceID(3), l.GetFirstUncommitted())
}

func TestLog_SetDecidedIsIdempotentForSameValue(t *testing.T) {
	l := NewLog()
	require.NoError(t, l.SetDecided(0, 1, []byte("x")))
	require.NoError(t, l.SetDecided(0, 1, []byte("x")))
	assert.Equal(t, InstanceID(1), l.GetFirstUncommitted())
}

func TestLog_SetDecidedConflictingValueIsProtocolViolation(t *testing.T) {
	l := NewLog()
	require.NoError(t, l.SetDecided(0, 1, []byte("x")))
	err := l.SetDecided(0, 1, []byte("y"))
	require.Error(t, err)
}

func TestLog_TruncateBelowDropsOlderEntriesAndAdvancesFirstUncommitted(t *testing.T) {
	l := NewLog()
	l.Append(1, []byte("a"))
	l.Append(1, []byte("b"))
	l.Append(1, []byte("c"))

	l.TruncateBelow(2)
	assert.Nil(t, l.GetInstance(0))
	assert.Nil(t, l.GetInstance(1))
	assert.NotNil(t, l.GetInstance(2))
	assert.Equal(t, InstanceID(2), l.FirstSnapshotInstance())
	assert.Equal(t, InstanceID(2), l.GetFirstUncommitted())
}

func TestLog_SubscribeFiresOnMutation(t *testing.T) {
	l := NewLog()
	var sizes []int64
	l.Subscribe(func(newSize int64) { sizes = append(sizes, newSize) })

	l.Append(1, []byte("abcd"))
	require.Len(t, sizes, 1)
	assert.Equal(t, int64(4+24), sizes[0])
}

func TestMemViewStore_RoundTrip(t *testing.T) {
	s := NewMemViewStore()
	v, err := s.LoadView()
	require.NoError(t, err)
	assert.Equal(t, View(0), v)

	require.NoError(t, s.SaveView(7))
	v, err = s.LoadView()
	require.NoError(t, err)
	assert.Equal(t, View(7), v)

	require.NoError(t, s.SaveSnapshotMeta(42))
	id, err := s.LoadSnapshotMeta()
	require.NoError(t, err)
	assert.Equal(t, InstanceID(42), id)
}
