// Package wire implements the binary frame format exchanged between
// replicas and between a client and a replica. Every message is framed as
// [type:u8][view:i64][sentTime:i64][body], with a per-type body layout.
// This is a hand-rolled binary codec in the teacher's style (encoding/
// binary over a byte buffer) rather than a reflection-based one, since the
// wire-level codec is explicitly an external collaborator the consensus
// core only depends on through typed Encode/Decode calls.
package wire

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Type is the one-byte message type tag.
type Type uint8

const (
	TypePrepare Type = iota
	TypePrepareOK
	TypeNack
	TypePropose
	TypeAccept
	TypeAlive
	TypeCatchUpQuery
	TypeCatchUpResponse
	TypeCatchUpSnapshot
	TypeRecovery
	TypeRecoveryAnswer
	TypeForwardClientBatch
	TypeClientRequest
	TypeClientReply
)

// InstanceRecord is the wire shape of one ConsensusInstance reported in a
// PrepareOK or a CatchUpResponse.
type InstanceRecord struct {
	ID    int64
	View  int64
	State uint8
	Value []byte
}

// Prepare carries no body beyond the common header (view is the proposed
// view).
type Prepare struct{ View int64 }

// PrepareOK reports every undecided instance the acceptor knows about.
type PrepareOK struct {
	View      int64
	Instances []InstanceRecord
}

// Nack reports the acceptor's current promised view back to a stale
// Prepare.
type Nack struct{ PromisedView int64 }

// Propose carries one consensus instance's id and candidate value.
type Propose struct {
	View  int64
	ID    int64
	Value []byte
}

// Accept acknowledges a Propose for (View, ID).
type Accept struct {
	View int64
	ID   int64
}

// Alive is a liveness/progress beacon carrying the sender's next unused
// instance id.
type Alive struct {
	View       int64
	LogNextID  int64
}

// CatchUpQuery asks a peer for decided instances.
type CatchUpQuery struct {
	View          int64
	Periodic      bool
	SnapshotReq   bool
	IDs           []int64
	RangeStarts   []int64
	RangeEnds     []int64
}

// CatchUpResponse answers a CatchUpQuery, possibly split into fragments.
type CatchUpResponse struct {
	View         int64
	Periodic     bool
	SnapshotOnly bool
	LastPart     bool
	RequestTime  int64
	Instances    []InstanceRecord
}

// CatchUpSnapshot carries an opaque, possibly compressed snapshot blob.
type CatchUpSnapshot struct {
	View        int64
	RequestTime int64
	Snapshot    []byte
}

// Recovery is broadcast at startup to discover the cluster's current view
// and next instance id.
type Recovery struct {
	View       int64
	ViewOnCrash int64
}

// RecoveryAnswer answers a Recovery request.
type RecoveryAnswer struct {
	View   int64
	NextID int64
}

// ForwardClientBatch propagates a just-built client batch to peers.
type ForwardClientBatch struct {
	View        int64
	ProposerID  int32
	Sequence    int32
	Requests    []ClientRequestRecord
}

// ClientRequestRecord is the wire shape of one ClientRequest inside a
// ForwardClientBatch.
type ClientRequestRecord struct {
	ClientID int64
	Seq      int32
	Payload  []byte
}

// ClientRequest is a command submitted directly by a client.
type ClientRequest struct {
	View     int64
	ClientID int64
	Seq      int32
	Payload  []byte
}

// ClientReply answers a ClientRequest: Status mirrors
// clientmanager.Status (0=OK, 1=REDIRECT, 2=BUSY, 3=NACK), LeaderHint is
// only meaningful for REDIRECT, and Result carries the state machine's
// output bytes for OK.
type ClientReply struct {
	ClientID   int64
	Seq        int32
	Status     uint8
	LeaderHint int32
	Result     []byte
}

// Frame is a decoded message with its tag, common header, and typed body.
type Frame struct {
	Type     Type
	View     int64
	SentTime int64
	Body     interface{}
}

func putBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func writeHeader(buf *bytes.Buffer, typ Type, view, sentTime int64) {
	buf.WriteByte(byte(typ))
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(view))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(sentTime))
	buf.Write(hdr[:])
}

func writeInstances(buf *bytes.Buffer, instances []InstanceRecord) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(instances)))
	buf.Write(n[:])
	for _, inst := range instances {
		var idview [17]byte
		binary.BigEndian.PutUint64(idview[0:8], uint64(inst.ID))
		binary.BigEndian.PutUint64(idview[8:16], uint64(inst.View))
		idview[16] = inst.State
		buf.Write(idview[:])
		putBytes(buf, inst.Value)
	}
}

func readInstances(r *bytes.Reader) ([]InstanceRecord, error) {
	var n [4]byte
	if _, err := r.Read(n[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(n[:])
	out := make([]InstanceRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var idview [17]byte
		if _, err := r.Read(idview[:]); err != nil {
			return nil, err
		}
		val, err := getBytes(r)
		if err != nil {
			return nil, err
		}
		out = append(out, InstanceRecord{
			ID:    int64(binary.BigEndian.Uint64(idview[0:8])),
			View:  int64(binary.BigEndian.Uint64(idview[8:16])),
			State: idview[16],
			Value: val,
		})
	}
	return out, nil
}

// Encode serializes frame into a self-contained byte slice. sentTime is
// supplied by the caller (the wall-clock of the encoding component) rather
// than computed here, since the consensus core works in logical time only.
func Encode(typ Type, view, sentTime int64, body interface{}) ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, typ, view, sentTime)

	switch typ {
	case TypePrepare:
		// header only

	case TypePrepareOK:
		b := body.(PrepareOK)
		writeInstances(&buf, b.Instances)

	case TypeNack:
		b := body.(Nack)
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(b.PromisedView))
		buf.Write(v[:])

	case TypePropose:
		b := body.(Propose)
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], uint64(b.ID))
		buf.Write(id[:])
		putBytes(&buf, b.Value)

	case TypeAccept:
		b := body.(Accept)
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], uint64(b.ID))
		buf.Write(id[:])

	case TypeAlive:
		b := body.(Alive)
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], uint64(b.LogNextID))
		buf.Write(id[:])

	case TypeCatchUpQuery:
		b := body.(CatchUpQuery)
		var flags byte
		if b.Periodic {
			flags |= 1
		}
		if b.SnapshotReq {
			flags |= 2
		}
		buf.WriteByte(flags)
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(b.IDs)))
		buf.Write(n[:])
		for _, id := range b.IDs {
			var idb [8]byte
			binary.BigEndian.PutUint64(idb[:], uint64(id))
			buf.Write(idb[:])
		}
		binary.BigEndian.PutUint32(n[:], uint32(len(b.RangeStarts)))
		buf.Write(n[:])
		for i := range b.RangeStarts {
			var rb [16]byte
			binary.BigEndian.PutUint64(rb[0:8], uint64(b.RangeStarts[i]))
			binary.BigEndian.PutUint64(rb[8:16], uint64(b.RangeEnds[i]))
			buf.Write(rb[:])
		}

	case TypeCatchUpResponse:
		b := body.(CatchUpResponse)
		var flags byte
		if b.Periodic {
			flags |= 1
		}
		if b.SnapshotOnly {
			flags |= 2
		}
		if b.LastPart {
			flags |= 4
		}
		buf.WriteByte(flags)
		var t [8]byte
		binary.BigEndian.PutUint64(t[:], uint64(b.RequestTime))
		buf.Write(t[:])
		writeInstances(&buf, b.Instances)

	case TypeCatchUpSnapshot:
		b := body.(CatchUpSnapshot)
		var t [8]byte
		binary.BigEndian.PutUint64(t[:], uint64(b.RequestTime))
		buf.Write(t[:])
		putBytes(&buf, b.Snapshot)

	case TypeRecovery:
		b := body.(Recovery)
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(b.ViewOnCrash))
		buf.Write(v[:])

	case TypeRecoveryAnswer:
		b := body.(RecoveryAnswer)
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(b.NextID))
		buf.Write(v[:])

	case TypeForwardClientBatch:
		b := body.(ForwardClientBatch)
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(b.ProposerID))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(b.Sequence))
		buf.Write(hdr[:])
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(b.Requests)))
		buf.Write(n[:])
		for _, req := range b.Requests {
			var rhdr [12]byte
			binary.BigEndian.PutUint64(rhdr[0:8], uint64(req.ClientID))
			binary.BigEndian.PutUint32(rhdr[8:12], uint32(req.Seq))
			buf.Write(rhdr[:])
			putBytes(&buf, req.Payload)
		}

	case TypeClientRequest:
		b := body.(ClientRequest)
		var hdr [12]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(b.ClientID))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(b.Seq))
		buf.Write(hdr[:])
		putBytes(&buf, b.Payload)

	case TypeClientReply:
		b := body.(ClientReply)
		var hdr [17]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(b.ClientID))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(b.Seq))
		hdr[12] = b.Status
		binary.BigEndian.PutUint32(hdr[13:17], uint32(b.LeaderHint))
		buf.Write(hdr[:])
		putBytes(&buf, b.Result)

	default:
		return nil, fmt.Errorf("wire: unknown message type %d", typ)
	}

	return buf.Bytes(), nil
}

// Decode parses a frame previously produced by Encode.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 17 {
		return nil, fmt.Errorf("wire: frame too short")
	}
	typ := Type(data[0])
	view := int64(binary.BigEndian.Uint64(data[1:9]))
	sentTime := int64(binary.BigEndian.Uint64(data[9:17]))
	r := bytes.NewReader(data[17:])

	var body interface{}
	switch typ {
	case TypePrepare:
		body = Prepare{View: view}

	case TypePrepareOK:
		instances, err := readInstances(r)
		if err != nil {
			return nil, err
		}
		body = PrepareOK{View: view, Instances: instances}

	case TypeNack:
		var v [8]byte
		if _, err := r.Read(v[:]); err != nil {
			return nil, err
		}
		body = Nack{PromisedView: int64(binary.BigEndian.Uint64(v[:]))}

	case TypePropose:
		var id [8]byte
		if _, err := r.Read(id[:]); err != nil {
			return nil, err
		}
		val, err := getBytes(r)
		if err != nil {
			return nil, err
		}
		body = Propose{View: view, ID: int64(binary.BigEndian.Uint64(id[:])), Value: val}

	case TypeAccept:
		var id [8]byte
		if _, err := r.Read(id[:]); err != nil {
			return nil, err
		}
		body = Accept{View: view, ID: int64(binary.BigEndian.Uint64(id[:]))}

	case TypeAlive:
		var id [8]byte
		if _, err := r.Read(id[:]); err != nil {
			return nil, err
		}
		body = Alive{View: view, LogNextID: int64(binary.BigEndian.Uint64(id[:]))}

	case TypeCatchUpQuery:
		flagsB, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var n [4]byte
		if _, err := r.Read(n[:]); err != nil {
			return nil, err
		}
		idsLen := binary.BigEndian.Uint32(n[:])
		ids := make([]int64, idsLen)
		for i := range ids {
			var idb [8]byte
			if _, err := r.Read(idb[:]); err != nil {
				return nil, err
			}
			ids[i] = int64(binary.BigEndian.Uint64(idb[:]))
		}
		if _, err := r.Read(n[:]); err != nil {
			return nil, err
		}
		rangesLen := binary.BigEndian.Uint32(n[:])
		starts := make([]int64, rangesLen)
		ends := make([]int64, rangesLen)
		for i := range starts {
			var rb [16]byte
			if _, err := r.Read(rb[:]); err != nil {
				return nil, err
			}
			starts[i] = int64(binary.BigEndian.Uint64(rb[0:8]))
			ends[i] = int64(binary.BigEndian.Uint64(rb[8:16]))
		}
		body = CatchUpQuery{
			View: view, Periodic: flagsB&1 != 0, SnapshotReq: flagsB&2 != 0,
			IDs: ids, RangeStarts: starts, RangeEnds: ends,
		}

	case TypeCatchUpResponse:
		flagsB, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var t [8]byte
		if _, err := r.Read(t[:]); err != nil {
			return nil, err
		}
		instances, err := readInstances(r)
		if err != nil {
			return nil, err
		}
		body = CatchUpResponse{
			View: view, Periodic: flagsB&1 != 0, SnapshotOnly: flagsB&2 != 0, LastPart: flagsB&4 != 0,
			RequestTime: int64(binary.BigEndian.Uint64(t[:])), Instances: instances,
		}

	case TypeCatchUpSnapshot:
		var t [8]byte
		if _, err := r.Read(t[:]); err != nil {
			return nil, err
		}
		snap, err := getBytes(r)
		if err != nil {
			return nil, err
		}
		body = CatchUpSnapshot{View: view, RequestTime: int64(binary.BigEndian.Uint64(t[:])), Snapshot: snap}

	case TypeRecovery:
		var v [8]byte
		if _, err := r.Read(v[:]); err != nil {
			return nil, err
		}
		body = Recovery{View: view, ViewOnCrash: int64(binary.BigEndian.Uint64(v[:]))}

	case TypeRecoveryAnswer:
		var v [8]byte
		if _, err := r.Read(v[:]); err != nil {
			return nil, err
		}
		body = RecoveryAnswer{View: view, NextID: int64(binary.BigEndian.Uint64(v[:]))}

	case TypeForwardClientBatch:
		var hdr [8]byte
		if _, err := r.Read(hdr[:]); err != nil {
			return nil, err
		}
		var n [4]byte
		if _, err := r.Read(n[:]); err != nil {
			return nil, err
		}
		count := binary.BigEndian.Uint32(n[:])
		reqs := make([]ClientRequestRecord, 0, count)
		for i := uint32(0); i < count; i++ {
			var rhdr [12]byte
			if _, err := r.Read(rhdr[:]); err != nil {
				return nil, err
			}
			payload, err := getBytes(r)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, ClientRequestRecord{
				ClientID: int64(binary.BigEndian.Uint64(rhdr[0:8])),
				Seq:      int32(binary.BigEndian.Uint32(rhdr[8:12])),
				Payload:  payload,
			})
		}
		body = ForwardClientBatch{
			View: view, ProposerID: int32(binary.BigEndian.Uint32(hdr[0:4])),
			Sequence: int32(binary.BigEndian.Uint32(hdr[4:8])), Requests: reqs,
		}

	case TypeClientRequest:
		var hdr [12]byte
		if _, err := r.Read(hdr[:]); err != nil {
			return nil, err
		}
		payload, err := getBytes(r)
		if err != nil {
			return nil, err
		}
		body = ClientRequest{
			View: view, ClientID: int64(binary.BigEndian.Uint64(hdr[0:8])),
			Seq: int32(binary.BigEndian.Uint32(hdr[8:12])), Payload: payload,
		}

	case TypeClientReply:
		var hdr [17]byte
		if _, err := r.Read(hdr[:]); err != nil {
			return nil, err
		}
		result, err := getBytes(r)
		if err != nil {
			return nil, err
		}
		body = ClientReply{
			ClientID:   int64(binary.BigEndian.Uint64(hdr[0:8])),
			Seq:        int32(binary.BigEndian.Uint32(hdr[8:12])),
			Status:     hdr[12],
			LeaderHint: int32(binary.BigEndian.Uint32(hdr[13:17])),
			Result:     result,
		}

	default:
		return nil, fmt.Errorf("wire: unknown message type %d", typ)
	}

	return &Frame{Type: typ, View: view, SentTime: sentTime, Body: body}, nil
}

// Sign appends a keyed blake2b MAC over frame, for use on an untrusted LAN
// where the TCP/UDP fabrics offer no authentication of their own. This
// substitutes for mutual TLS between replicas when WireAuthKey is set.
func Sign(frame, key []byte) ([]byte, error) {
	mac, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	mac.Write(frame)
	return append(frame, mac.Sum(nil)...), nil
}

// Verify checks and strips the trailing MAC appended by Sign. A mismatch
// is reported as ok=false, never an error: an authentication failure here
// means "don't trust this frame", not "the wire codec is broken".
func Verify(signed, key []byte) (frame []byte, ok bool) {
	mac, err := blake2b.New256(key)
	if err != nil || len(signed) < mac.Size() {
		return nil, false
	}
	split := len(signed) - mac.Size()
	frame, tag := signed[:split], signed[split:]
	mac.Write(frame)
	return frame, hmac.Equal(mac.Sum(nil), tag)
}
