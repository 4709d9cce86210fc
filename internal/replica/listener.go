package replica

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/wire"
)

// ClientListener accepts plain TCP connections from clients (as opposed to
// the fixed-membership peer Transport fabrics) and speaks the same
// length-prefixed wire framing over each one: a client writes a
// wire-encoded ClientRequest and reads back a wire-encoded ClientReply.
// Unlike the peer fabrics this never authenticates frames — a deployment
// wanting client-facing auth terminates TLS or an API gateway in front of
// it, the same separation of concerns the admin HTTP surface draws between
// JWT-gated operator endpoints and the unauthenticated /health check.
type ClientListener struct {
	replica  *Replica
	listener net.Listener
	logger   *zap.Logger
}

// NewClientListener binds addr and begins accepting client connections.
func NewClientListener(r *Replica, addr string, logger *zap.Logger) (*ClientListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	cl := &ClientListener{replica: r, listener: ln, logger: logger}
	go cl.acceptLoop()
	return cl, nil
}

func (cl *ClientListener) acceptLoop() {
	for {
		conn, err := cl.listener.Accept()
		if err != nil {
			return
		}
		go cl.serve(conn)
	}
}

func (cl *ClientListener) serve(conn net.Conn) {
	defer conn.Close()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		frame, err := wire.Decode(payload)
		if err != nil || frame.Type != wire.TypeClientRequest {
			cl.logger.Warn("client sent an undecodable or unexpected frame")
			return
		}
		body := frame.Body.(wire.ClientRequest)

		ctx, cancel := context.WithTimeout(context.Background(), cl.replica.cfg.TimeoutFetchBatchValue*4)
		reply, err := cl.replica.SubmitClientRequest(ctx, body.ClientID, body.Seq, body.Payload)
		cancel()
		if err != nil {
			reply.Status = 3 // NACK: the caller gave up waiting for a decision
		}

		out, err := wire.Encode(wire.TypeClientReply, 0, time.Now().UnixNano(), wire.ClientReply{
			ClientID: body.ClientID, Seq: body.Seq,
			Status: uint8(reply.Status), LeaderHint: reply.LeaderHint, Result: reply.Result,
		})
		if err != nil {
			cl.logger.Error("failed to encode ClientReply", zap.Error(err))
			return
		}
		var outLen [4]byte
		binary.BigEndian.PutUint32(outLen[:], uint32(len(out)))
		if _, err := conn.Write(outLen[:]); err != nil {
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// Close stops accepting new client connections.
func (cl *ClientListener) Close() error { return cl.listener.Close() }
