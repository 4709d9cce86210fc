// Package transport implements the network fabrics a replica can use to
// exchange wire frames with its peers: a persistent-connection TCP fabric,
// a connectionless UDP fabric, a size-routed combination of the two (the
// protocol's own "Generic" network mode), and a NATS-backed fabric that
// substitutes subject-based pub/sub for manual per-destination addressing.
package transport

import (
	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/consensus"
	"github.com/ruvnet/paxosrep/internal/wire"
)

// Fabric is what the consensus Dispatcher needs from the network: send one
// already-encoded frame to one peer, and a channel of frames arriving from
// any peer. It is exactly consensus.Transport, named locally so fabric
// implementations don't need to import the consensus package's doc
// comments to make sense on their own.
type Fabric = consensus.Transport

// PeerTable maps a replica id to its network address. Its exact shape
// (host:port string) is interpreted differently by each fabric.
type PeerTable map[consensus.ReplicaID]string

// verifyAndDecode strips and checks the trailing MAC when key is non-empty
// (WireAuthKey configured), then decodes the frame. Authentication failures
// and decode failures are both handled by dropping the packet — neither is
// distinguishable from network noise from the consensus layer's point of
// view.
func verifyAndDecode(logger *zap.Logger, key, raw []byte) *wire.Frame {
	if len(key) > 0 {
		stripped, ok := wire.Verify(raw, key)
		if !ok {
			logger.Warn("dropping frame with invalid signature", zap.Int("bytes", len(raw)))
			return nil
		}
		raw = stripped
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		logger.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(raw)))
		return nil
	}
	return frame
}

// signIfNeeded appends a MAC to frame when key is non-empty.
func signIfNeeded(key, frame []byte) ([]byte, error) {
	if len(key) == 0 {
		return frame, nil
	}
	return wire.Sign(frame, key)
}
