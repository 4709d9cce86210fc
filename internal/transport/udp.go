package transport

import (
	"encoding/binary"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/consensus"
)

// UDPFabric sends each frame as a single datagram prefixed with the
// sender's ReplicaID (4 bytes), since a UDP socket has no per-peer
// identity the way a TCP connection does. Frames larger than the configured
// MTU are the caller's problem to avoid — UDPFabric does not fragment; see
// GenericFabric for automatic TCP fallback on oversized frames.
type UDPFabric struct {
	self    consensus.ReplicaID
	peers   PeerTable
	authKey []byte
	addrs   map[consensus.ReplicaID]*net.UDPAddr
	conn    *net.UDPConn
	logger  *zap.Logger
	inbound chan consensus.InboundFrame
	maxSize int
}

// NewUDPFabric binds listenAddr and resolves every peer address up front.
func NewUDPFabric(self consensus.ReplicaID, peers PeerTable, listenAddr string, maxPacketSize int, authKey []byte, logger *zap.Logger) (*UDPFabric, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("udpfabric: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udpfabric: listen %s: %w", listenAddr, err)
	}
	f := &UDPFabric{
		self:    self,
		peers:   peers,
		authKey: authKey,
		addrs:   map[consensus.ReplicaID]*net.UDPAddr{},
		conn:    conn,
		logger:  logger,
		inbound: make(chan consensus.InboundFrame, 4096),
		maxSize: maxPacketSize,
	}
	for id, addr := range peers {
		if id == self {
			continue
		}
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("udpfabric: resolve peer %d addr %s: %w", id, addr, err)
		}
		f.addrs[id] = raddr
	}
	go f.readLoop()
	return f, nil
}

func (f *UDPFabric) readLoop() {
	buf := make([]byte, f.maxSize+4)
	for {
		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 4 {
			continue
		}
		src := consensus.ReplicaID(binary.BigEndian.Uint32(buf[:4]))
		payload := append([]byte(nil), buf[4:n]...)
		if frame := verifyAndDecode(f.logger, f.authKey, payload); frame != nil {
			f.inbound <- consensus.InboundFrame{Src: src, Frame: frame}
		}
	}
}

// SendTo writes frame as one UDP datagram to dest. A frame exceeding
// maxSize is rejected (returns false) rather than silently truncated by the
// kernel.
func (f *UDPFabric) SendTo(dest consensus.ReplicaID, frame []byte) bool {
	signed, err := signIfNeeded(f.authKey, frame)
	if err != nil {
		f.logger.Error("failed to sign outgoing frame", zap.Error(err))
		return false
	}
	if len(signed) > f.maxSize {
		return false
	}
	raddr, ok := f.addrs[dest]
	if !ok {
		return false
	}
	packet := make([]byte, 4+len(signed))
	binary.BigEndian.PutUint32(packet[:4], uint32(f.self))
	copy(packet[4:], signed)
	_, werr := f.conn.WriteToUDP(packet, raddr)
	return werr == nil
}

// Inbound returns the channel of frames received from any peer.
func (f *UDPFabric) Inbound() <-chan consensus.InboundFrame { return f.inbound }

// Close releases the underlying socket.
func (f *UDPFabric) Close() error { return f.conn.Close() }
