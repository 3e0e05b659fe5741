package connmgr

import (
	"context"

	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/nmxmxh/morphis-overlay/internal/channel"
)

// hostConn adapts one live libp2p connection into the channel.ConnOpener the lookup engine and
// relay server use to open fresh tunnel/session streams, grounded on the teacher's
// network.SendPacket (host.NewStream over a fixed protocol ID).
type hostConn struct {
	host libp2phost.Host
	id   peer.ID
}

func (h *hostConn) NewOverlayStream(ctx context.Context) (network.Stream, error) {
	return h.host.NewStream(ctx, h.id, protocol.ID(channel.ProtocolID))
}
