package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/paxosrep/internal/statemachine"
)

func setCmd(key, value string) statemachine.Command {
	return statemachine.Command{Payload: statemachine.EncodeCommand(statemachine.OpSet, []byte(key), []byte(value))}
}

func getCmd(key string) statemachine.Command {
	return statemachine.Command{Payload: statemachine.EncodeCommand(statemachine.OpGet, []byte(key), nil)}
}

func deleteCmd(key string) statemachine.Command {
	return statemachine.Command{Payload: statemachine.EncodeCommand(statemachine.OpDelete, []byte(key), nil)}
}

func TestStore_SetThenGet(t *testing.T) {
	s := New()
	_, err := s.Apply(1, setCmd("k", "v"))
	require.NoError(t, err)

	result, err := s.Apply(2, getCmd("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), result)
}

func TestStore_GetMissingKeyReturnsNil(t *testing.T) {
	s := New()
	result, err := s.Apply(1, getCmd("missing"))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestStore_Delete(t *testing.T) {
	s := New()
	_, err := s.Apply(1, setCmd("k", "v"))
	require.NoError(t, err)

	_, err = s.Apply(2, deleteCmd("k"))
	require.NoError(t, err)

	result, err := s.Apply(3, getCmd("k"))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestStore_UnknownOpIsError(t *testing.T) {
	s := New()
	cmd := statemachine.Command{Payload: statemachine.EncodeCommand(statemachine.Op(99), []byte("k"), nil)}
	_, err := s.Apply(1, cmd)
	assert.ErrorIs(t, err, statemachine.ErrUnknownOp)
}

func TestStore_SnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	_, err := s.Apply(1, setCmd("a", "1"))
	require.NoError(t, err)
	_, err = s.Apply(2, setCmd("b", "2"))
	require.NoError(t, err)

	snap, err := s.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(snap))

	result, err := restored.Apply(0, getCmd("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), result)

	result, err = restored.Apply(0, getCmd("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), result)
}

func TestStore_RestoreEmptyBlob(t *testing.T) {
	s := New()
	require.NoError(t, s.Restore(nil))
	result, err := s.Apply(0, getCmd("anything"))
	require.NoError(t, err)
	assert.Nil(t, result)
}
