package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/paxosrep/internal/consensus"
)

func TestFileViewStore_LoadViewDefaultsToZero(t *testing.T) {
	store, err := NewFileViewStore(t.TempDir())
	require.NoError(t, err)

	v, err := store.LoadView()
	require.NoError(t, err)
	assert.Equal(t, consensus.View(0), v)
}

func TestFileViewStore_SaveLoadViewRoundTrip(t *testing.T) {
	store, err := NewFileViewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveView(42))
	v, err := store.LoadView()
	require.NoError(t, err)
	assert.Equal(t, consensus.View(42), v)

	require.NoError(t, store.SaveView(7))
	v, err = store.LoadView()
	require.NoError(t, err)
	assert.Equal(t, consensus.View(7), v, "a later SaveView must replace, not merge with, the previous value")
}

func TestFileViewStore_SnapshotMetaRoundTrip(t *testing.T) {
	store, err := NewFileViewStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.LoadSnapshotMeta()
	require.NoError(t, err)
	assert.Equal(t, consensus.InstanceID(0), id)

	require.NoError(t, store.SaveSnapshotMeta(100))
	id, err = store.LoadSnapshotMeta()
	require.NoError(t, err)
	assert.Equal(t, consensus.InstanceID(100), id)
}

func TestFileViewStore_SurvivesFreshHandleToSameDirectory(t *testing.T) {
	dir := t.TempDir()
	store1, err := NewFileViewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store1.SaveView(9))

	store2, err := NewFileViewStore(dir)
	require.NoError(t, err)
	v, err := store2.LoadView()
	require.NoError(t, err)
	assert.Equal(t, consensus.View(9), v, "durability must survive across store instances over the same directory")
}

func TestFileViewStore_CreatesNestedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "replica-0")
	store, err := NewFileViewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveView(1))

	v, err := store.LoadView()
	require.NoError(t, err)
	assert.Equal(t, consensus.View(1), v)
}
