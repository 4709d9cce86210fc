package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/consensus"
)

// TCPFabric keeps one long-lived TCP connection per peer, each framed with
// a 4-byte big-endian length prefix (wire.Encode's own length-prefixed
// fields make a frame self-describing once you have its bounds, but a
// stream still needs an outer delimiter). Connections auto-redial with a
// backoff that starts at 200ms and doubles after each failed dial until it
// passes 5s; a peer that is briefly unreachable just accumulates
// retransmissions from the consensus layer's own ActiveRetransmitters
// rather than anything TCPFabric buffers itself.
type TCPFabric struct {
	self    consensus.ReplicaID
	peers   PeerTable
	authKey []byte
	logger  *zap.Logger
	inbound chan consensus.InboundFrame

	mu    sync.Mutex
	conns map[consensus.ReplicaID]net.Conn

	listener net.Listener
	stop     chan struct{}
}

// NewTCPFabric starts listening on listenAddr and begins dialing every
// peer in peers (skipping self). authKey enables per-frame MAC
// authentication when non-empty.
func NewTCPFabric(self consensus.ReplicaID, peers PeerTable, listenAddr string, authKey []byte, logger *zap.Logger) (*TCPFabric, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("tcpfabric: listen %s: %w", listenAddr, err)
	}
	f := &TCPFabric{
		self:     self,
		peers:    peers,
		authKey:  authKey,
		logger:   logger,
		inbound:  make(chan consensus.InboundFrame, 4096),
		conns:    map[consensus.ReplicaID]net.Conn{},
		listener: ln,
		stop:     make(chan struct{}),
	}
	go f.acceptLoop()
	for id, addr := range peers {
		if id == self {
			continue
		}
		go f.dialLoop(id, addr)
	}
	return f, nil
}

func (f *TCPFabric) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.stop:
				return
			default:
				f.logger.Warn("tcpfabric accept failed", zap.Error(err))
				continue
			}
		}
		go f.handshakeAndServe(conn, false)
	}
}

func (f *TCPFabric) dialLoop(id consensus.ReplicaID, addr string) {
	backoff := 200 * time.Millisecond
	for {
		select {
		case <-f.stop:
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 200 * time.Millisecond
		if err := f.writeHandshake(conn); err != nil {
			conn.Close()
			continue
		}
		f.registerConn(id, conn)
		f.serve(id, conn)
	}
}

func (f *TCPFabric) writeHandshake(conn net.Conn) error {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(f.self))
	_, err := conn.Write(id[:])
	return err
}

func (f *TCPFabric) handshakeAndServe(conn net.Conn, _ bool) {
	var id [4]byte
	if _, err := io.ReadFull(conn, id[:]); err != nil {
		conn.Close()
		return
	}
	src := consensus.ReplicaID(binary.BigEndian.Uint32(id[:]))
	f.registerConn(src, conn)
	f.serve(src, conn)
}

func (f *TCPFabric) registerConn(id consensus.ReplicaID, conn net.Conn) {
	f.mu.Lock()
	if old, ok := f.conns[id]; ok {
		old.Close()
	}
	f.conns[id] = conn
	f.mu.Unlock()
}

func (f *TCPFabric) serve(src consensus.ReplicaID, conn net.Conn) {
	defer conn.Close()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			break
		}
		if frame := verifyAndDecode(f.logger, f.authKey, payload); frame != nil {
			f.inbound <- consensus.InboundFrame{Src: src, Frame: frame}
		}
	}
	f.mu.Lock()
	if f.conns[src] == conn {
		delete(f.conns, src)
	}
	f.mu.Unlock()
}

// SendTo writes frame to dest's connection if one is currently
// established, returning false (never blocking, never erroring visibly)
// if not — the caller's retransmitter will simply try again on its next
// tick, by which time a redial may have succeeded.
func (f *TCPFabric) SendTo(dest consensus.ReplicaID, frame []byte) bool {
	f.mu.Lock()
	conn, ok := f.conns[dest]
	f.mu.Unlock()
	if !ok {
		return false
	}
	signed, err := signIfNeeded(f.authKey, frame)
	if err != nil {
		f.logger.Error("failed to sign outgoing frame", zap.Error(err))
		return false
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(signed)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return false
	}
	if _, err := conn.Write(signed); err != nil {
		return false
	}
	return true
}

// Inbound returns the channel of frames received from any peer.
func (f *TCPFabric) Inbound() <-chan consensus.InboundFrame { return f.inbound }

// Close stops accepting/dialing and closes every open connection.
func (f *TCPFabric) Close() error {
	close(f.stop)
	err := f.listener.Close()
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()
	return err
}
