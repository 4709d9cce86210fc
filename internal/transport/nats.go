package transport

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/consensus"
)

// NATSFabric replaces manual per-peer dialing with subject-based pub/sub:
// every replica subscribes to its own directed subject
// "<prefix>.replica.<id>", and SendTo is just a Publish to the destination
// replica's subject. This is the natural fit for a deployment where
// replicas run behind a shared message bus rather than routable
// point-to-point addresses (e.g. replicas in different subnets fronted by
// one NATS cluster).
type NATSFabric struct {
	self    consensus.ReplicaID
	prefix  string
	authKey []byte
	conn    *nats.Conn
	sub     *nats.Subscription
	logger  *zap.Logger
	inbound chan consensus.InboundFrame
}

// NewNATSFabric connects to url and subscribes to this replica's directed
// subject under prefix (typically the cluster name, so multiple
// independent replica sets can share one NATS deployment). authKey enables
// per-frame MAC authentication when non-empty.
func NewNATSFabric(url, prefix string, self consensus.ReplicaID, authKey []byte, logger *zap.Logger) (*NATSFabric, error) {
	nc, err := nats.Connect(url, nats.Name(fmt.Sprintf("%s-replica-%d", prefix, self)))
	if err != nil {
		return nil, fmt.Errorf("natsfabric: connect: %w", err)
	}

	f := &NATSFabric{
		self:    self,
		prefix:  prefix,
		authKey: authKey,
		conn:    nc,
		logger:  logger,
		inbound: make(chan consensus.InboundFrame, 4096),
	}

	sub, err := nc.Subscribe(f.subject(self), f.onMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsfabric: subscribe: %w", err)
	}
	f.sub = sub
	return f, nil
}

func (f *NATSFabric) subject(dest consensus.ReplicaID) string {
	return fmt.Sprintf("%s.replica.%d", f.prefix, dest)
}

// replicaHeader is the NATS header key carrying the sending replica's id,
// since a NATS message has no built-in notion of "who published this".
const replicaHeader = "Paxos-Src"

func (f *NATSFabric) onMessage(msg *nats.Msg) {
	srcStr := msg.Header.Get(replicaHeader)
	var src consensus.ReplicaID
	if _, err := fmt.Sscanf(srcStr, "%d", &src); err != nil {
		f.logger.Warn("natsfabric: message missing src header", zap.String("subject", msg.Subject))
		return
	}
	if frame := verifyAndDecode(f.logger, f.authKey, msg.Data); frame != nil {
		f.inbound <- consensus.InboundFrame{Src: src, Frame: frame}
	}
}

// SendTo publishes frame to dest's directed subject, stamping this
// replica's id in a header so the receiver knows who sent it.
func (f *NATSFabric) SendTo(dest consensus.ReplicaID, frame []byte) bool {
	signed, err := signIfNeeded(f.authKey, frame)
	if err != nil {
		f.logger.Error("failed to sign outgoing frame", zap.Error(err))
		return false
	}
	msg := &nats.Msg{
		Subject: f.subject(dest),
		Data:    signed,
		Header:  nats.Header{replicaHeader: []string{fmt.Sprintf("%d", f.self)}},
	}
	return f.conn.PublishMsg(msg) == nil
}

// Inbound returns the channel of frames addressed to this replica.
func (f *NATSFabric) Inbound() <-chan consensus.InboundFrame { return f.inbound }

// Close unsubscribes and drains the underlying connection.
func (f *NATSFabric) Close() error {
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
	f.conn.Close()
	return nil
}
