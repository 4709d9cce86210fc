package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Prepare(t *testing.T) {
	frame, err := Encode(TypePrepare, 7, 123, Prepare{View: 7})
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypePrepare, decoded.Type)
	assert.Equal(t, int64(7), decoded.View)
	assert.Equal(t, int64(123), decoded.SentTime)
	assert.Equal(t, Prepare{View: 7}, decoded.Body)
}

func TestEncodeDecode_PrepareOKWithInstances(t *testing.T) {
	body := PrepareOK{
		View: 3,
		Instances: []InstanceRecord{
			{ID: 0, View: 2, State: 1, Value: []byte("a")},
			{ID: 1, View: 2, State: 2, Value: []byte("bb")},
		},
	}
	frame, err := Encode(TypePrepareOK, 3, 0, body)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, body, decoded.Body)
}

func TestEncodeDecode_Nack(t *testing.T) {
	frame, err := Encode(TypeNack, 5, 0, Nack{PromisedView: 9})
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Nack{PromisedView: 9}, decoded.Body)
}

func TestEncodeDecode_ProposeAndAccept(t *testing.T) {
	pf, err := Encode(TypePropose, 4, 0, Propose{View: 4, ID: 12, Value: []byte("payload")})
	require.NoError(t, err)
	pd, err := Decode(pf)
	require.NoError(t, err)
	assert.Equal(t, Propose{View: 4, ID: 12, Value: []byte("payload")}, pd.Body)

	af, err := Encode(TypeAccept, 4, 0, Accept{View: 4, ID: 12})
	require.NoError(t, err)
	ad, err := Decode(af)
	require.NoError(t, err)
	assert.Equal(t, Accept{View: 4, ID: 12}, ad.Body)
}

func TestEncodeDecode_ClientRequestAndReply(t *testing.T) {
	reqFrame, err := Encode(TypeClientRequest, 0, 55, ClientRequest{
		ClientID: 42, Seq: 3, Payload: []byte("set x=1"),
	})
	require.NoError(t, err)
	reqDecoded, err := Decode(reqFrame)
	require.NoError(t, err)
	body, ok := reqDecoded.Body.(ClientRequest)
	require.True(t, ok)
	assert.Equal(t, int64(42), body.ClientID)
	assert.Equal(t, int32(3), body.Seq)
	assert.Equal(t, []byte("set x=1"), body.Payload)

	replyFrame, err := Encode(TypeClientReply, 0, 0, ClientReply{
		ClientID: 42, Seq: 3, Status: 0, LeaderHint: -1, Result: []byte("ok"),
	})
	require.NoError(t, err)
	replyDecoded, err := Decode(replyFrame)
	require.NoError(t, err)
	replyBody, ok := replyDecoded.Body.(ClientReply)
	require.True(t, ok)
	assert.Equal(t, uint8(0), replyBody.Status)
	assert.Equal(t, int32(-1), replyBody.LeaderHint)
	assert.Equal(t, []byte("ok"), replyBody.Result)
}

func TestEncodeDecode_CatchUpQueryWithRanges(t *testing.T) {
	body := CatchUpQuery{
		View: 1, Periodic: true, SnapshotReq: false,
		IDs:         []int64{1, 2, 3},
		RangeStarts: []int64{10, 20},
		RangeEnds:   []int64{15, 25},
	}
	frame, err := Encode(TypeCatchUpQuery, 1, 0, body)
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, body, decoded.Body)
}

func TestEncodeDecode_CatchUpSnapshot(t *testing.T) {
	body := CatchUpSnapshot{View: 2, RequestTime: 99, Snapshot: []byte{1, 2, 3, 4}}
	frame, err := Encode(TypeCatchUpSnapshot, 2, 0, body)
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, body, decoded.Body)
}

func TestEncodeDecode_ForwardClientBatch(t *testing.T) {
	body := ForwardClientBatch{
		View: 2, ProposerID: 1, Sequence: 7,
		Requests: []ClientRequestRecord{
			{ClientID: 1, Seq: 1, Payload: []byte("a")},
			{ClientID: 2, Seq: 1, Payload: []byte("b")},
		},
	}
	frame, err := Encode(TypeForwardClientBatch, 2, 0, body)
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, body, decoded.Body)
}

func TestEncodeDecode_RecoveryAndAnswer(t *testing.T) {
	rf, err := Encode(TypeRecovery, 1, 0, Recovery{View: 1, ViewOnCrash: 4})
	require.NoError(t, err)
	rd, err := Decode(rf)
	require.NoError(t, err)
	assert.Equal(t, Recovery{View: 1, ViewOnCrash: 4}, rd.Body)

	af, err := Encode(TypeRecoveryAnswer, 1, 0, RecoveryAnswer{View: 1, NextID: 8})
	require.NoError(t, err)
	ad, err := Decode(af)
	require.NoError(t, err)
	assert.Equal(t, RecoveryAnswer{View: 1, NextID: 8}, ad.Body)
}

func TestDecode_TooShortFrame(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncode_UnknownType(t *testing.T) {
	_, err := Encode(Type(250), 0, 0, nil)
	assert.Error(t, err)
}

func TestSignAndVerify_RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	frame, err := Encode(TypeAlive, 1, 0, Alive{View: 1, LogNextID: 10})
	require.NoError(t, err)

	signed, err := Sign(frame, key)
	require.NoError(t, err)

	recovered, ok := Verify(signed, key)
	require.True(t, ok)
	assert.Equal(t, frame, recovered)
}

func TestVerify_RejectsTamperedFrame(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	frame, err := Encode(TypeAlive, 1, 0, Alive{View: 1, LogNextID: 10})
	require.NoError(t, err)
	signed, err := Sign(frame, key)
	require.NoError(t, err)

	signed[0] ^= 0xFF

	_, ok := Verify(signed, key)
	assert.False(t, ok)
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	frame, err := Encode(TypeAlive, 1, 0, Alive{View: 1, LogNextID: 10})
	require.NoError(t, err)
	signed, err := Sign(frame, []byte("key-a-0123456789012345678901234"))
	require.NoError(t, err)

	_, ok := Verify(signed, []byte("key-b-0123456789012345678901234"))
	assert.False(t, ok)
}
