package connmgr

import (
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/morphis-overlay/internal/channel"
	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
	"github.com/nmxmxh/morphis-overlay/internal/routing"
)

// notifiee wires libp2p's connection lifecycle into the overlay's connection_made/
// connection_lost reactive hooks (spec §4.1).
func (m *Manager) notifiee() network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF:    func(_ network.Network, c network.Conn) { go m.onConnected(c) },
		DisconnectedF: func(_ network.Network, c network.Conn) { m.onDisconnected(c) },
	}
}

// onConnected implements connection_made -> peer_authenticated: libp2p has already completed its
// own secure handshake by the time this fires, so the remote's public key is normally already
// populated; a short retry covers the rare race where it lands a beat later.
func (m *Manager) onConnected(c network.Conn) {
	remote := c.RemotePeer()
	nodeID, ok := m.nodeIDFor(remote)
	if !ok {
		time.Sleep(50 * time.Millisecond)
		nodeID, ok = m.nodeIDFor(remote)
	}
	if !ok {
		c.Close()
		return
	}
	m.peerAuthenticated(c, nodeID, remote)
}

// peerAuthenticated implements §4.1's admission gate exactly: refuse self, refuse an
// already-connected duplicate, then defer to IsConnectionDesirable for everything else.
func (m *Manager) peerAuthenticated(c network.Conn, nodeID overlayid.ID, remote peer.ID) {
	if nodeID == m.localID {
		c.Close()
		return
	}
	if _, already := m.table.ByNodeID(nodeID); already {
		return
	}

	inbound := c.Stat().Direction == network.DirInbound
	atHardCap := m.table.Count() >= 2*m.cfg.MaxConnections
	if !m.table.IsConnectionDesirable(nodeID, inbound, atHardCap) {
		c.Close()
		return
	}

	addr := addrString(c)
	row, err := m.peers.ByNodeID(nodeID)
	if err != nil || row == nil {
		row = &peerstore.Peer{}
	}
	row.NodeID = nodeID
	row.HasNodeID = true
	row.Address = addr
	row.Distance = overlayid.LogDistance(m.localID, nodeID)
	row.Connected = true
	if inbound {
		row.Direction = peerstore.DirectionInbound
	} else {
		row.Direction = peerstore.DirectionOutbound
	}
	if pub := m.host.Peerstore().PubKey(remote); pub != nil {
		if raw, err := libp2pcrypto.MarshalPublicKey(pub); err == nil {
			row.PubKey = raw
		}
	}
	if err := m.peers.Upsert(row); err != nil {
		m.log.Warn("connmgr: failed to persist authenticated peer", log.Err(err))
		c.Close()
		return
	}

	live := &routing.LivePeer{
		Peer:     row,
		NodeID:   nodeID,
		Channels: channel.NewRegistry(),
		Conn:     &hostConn{host: m.host, id: remote},
	}
	m.table.Add(live)
	m.log.Info("connmgr: peer authenticated",
		log.String("node_id", nodeID.String()), log.Bool("inbound", inbound), log.String("address", addr))
}

// onDisconnected implements connection_lost: tear down every open tunnel to the peer and remove
// it from the routing fabric.
func (m *Manager) onDisconnected(c network.Conn) {
	addr := addrString(c)
	live, ok := m.table.ByAddress(addr)
	if !ok {
		return
	}
	live.Channels.CloseAll()
	m.table.Remove(live)
	live.Peer.Connected = false
	if err := m.peers.Upsert(live.Peer); err != nil {
		m.log.Warn("connmgr: failed to persist disconnect", log.Err(err))
	}
	m.log.Info("connmgr: peer disconnected", log.String("node_id", live.NodeID.String()))
}

func addrString(c network.Conn) string {
	return c.RemoteMultiaddr().String() + "/p2p/" + c.RemotePeer().String()
}
