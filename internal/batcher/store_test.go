package batcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemClientBatchStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemClientBatchStore()
	batch := ClientBatch{
		ID:       ClientBatchID{ProposerID: 1, Seq: 2},
		Requests: []ClientRequest{{ClientID: 5, Seq: 1, Payload: []byte("x")}},
	}

	require.NoError(t, s.Put(ctx, batch))

	got, ok, err := s.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, batch, got)

	require.NoError(t, s.Delete(ctx, batch.ID))
	_, ok, err = s.Get(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemClientBatchStore_GetMissingReturnsNotFound(t *testing.T) {
	s := NewMemClientBatchStore()
	_, ok, err := s.Get(context.Background(), ClientBatchID{ProposerID: 9, Seq: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncodeDecodeBatch_RoundTrip(t *testing.T) {
	batch := ClientBatch{
		ID: ClientBatchID{ProposerID: 3, Seq: 42},
		Requests: []ClientRequest{
			{ClientID: 1, Seq: 1, Payload: []byte("first")},
			{ClientID: 2, Seq: 1, Payload: []byte("second-payload")},
		},
	}
	encoded := encodeBatch(batch)
	decoded, err := decodeBatch(encoded)
	require.NoError(t, err)
	assert.Equal(t, batch, decoded)
}

func TestDecodeBatch_TooShortIsError(t *testing.T) {
	_, err := decodeBatch([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeBatch_TruncatedPayloadIsError(t *testing.T) {
	batch := ClientBatch{
		ID:       ClientBatchID{ProposerID: 1, Seq: 1},
		Requests: []ClientRequest{{ClientID: 1, Seq: 1, Payload: []byte("hello")}},
	}
	encoded := encodeBatch(batch)
	_, err := decodeBatch(encoded[:len(encoded)-3])
	assert.Error(t, err)
}
