package transport

import (
	"github.com/ruvnet/paxosrep/internal/consensus"
)

// GenericFabric implements the protocol's "Generic" network mode: small
// frames travel over UDP (cheap, connectionless, fine to lose and
// retransmit), frames too large for a safe UDP datagram fall back to TCP.
// Inbound frames from both fabrics are merged onto one channel.
type GenericFabric struct {
	udp     *UDPFabric
	tcp     *TCPFabric
	udpMax  int
	inbound chan consensus.InboundFrame
	stop    chan struct{}
}

// NewGenericFabric combines an already-constructed UDPFabric and TCPFabric
// bound to the same peer table.
func NewGenericFabric(udp *UDPFabric, tcp *TCPFabric, udpMax int) *GenericFabric {
	g := &GenericFabric{
		udp:     udp,
		tcp:     tcp,
		udpMax:  udpMax,
		inbound: make(chan consensus.InboundFrame, 4096),
		stop:    make(chan struct{}),
	}
	go g.merge(udp.Inbound())
	go g.merge(tcp.Inbound())
	return g
}

func (g *GenericFabric) merge(ch <-chan consensus.InboundFrame) {
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			g.inbound <- f
		case <-g.stop:
			return
		}
	}
}

// SendTo routes frame to UDP when it fits within udpMax, otherwise TCP.
func (g *GenericFabric) SendTo(dest consensus.ReplicaID, frame []byte) bool {
	if len(frame) <= g.udpMax {
		if g.udp.SendTo(dest, frame) {
			return true
		}
	}
	return g.tcp.SendTo(dest, frame)
}

// Inbound returns the merged channel of frames from both fabrics.
func (g *GenericFabric) Inbound() <-chan consensus.InboundFrame { return g.inbound }

// Close shuts down both underlying fabrics.
func (g *GenericFabric) Close() error {
	close(g.stop)
	udpErr := g.udp.Close()
	tcpErr := g.tcp.Close()
	if udpErr != nil {
		return udpErr
	}
	return tcpErr
}
