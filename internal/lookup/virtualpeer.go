// Package lookup implements the iterative FIND_NODE / GET_DATA / STORE_DATA engine with
// tunneled relay (spec §4.2): SendFindNode multiplexes queries through already-open peer
// connections so the initiator never needs a direct connection to the deep nodes it queries.
package lookup

import (
	"github.com/nmxmxh/morphis-overlay/internal/channel"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
)

// VirtualPeer is the lookup engine's bookkeeping record for one candidate (spec glossary):
// either a direct peer (Path == nil) or a peer reachable through a sequence of tunnel indexes.
type VirtualPeer struct {
	ID      overlayid.ID
	Peer    *peerstore.Peer // nil for results not yet backed by a persisted row
	Address string
	PubKey  []byte
	Path    []uint32    // nil => immediate (directly connected)
	Tunnel  *TunnelMeta // the root tunnel this result is reachable through

	DataPresent bool // GET mode: does this peer claim to hold the block
	WillStore   bool // STORE mode: did this peer volunteer to store the block
	Used        bool // already queried this wave/depth
}

// IsImmediate reports whether v denotes a directly-connected peer.
func (v *VirtualPeer) IsImmediate() bool { return v.Path == nil }

// TunnelMeta identifies one root-level open channel used to relay queries to farther peers, and
// tracks the in-flight query count on that specific tunnel (spec §4.2 concurrency bookkeeping).
type TunnelMeta struct {
	Index   int
	Channel *channel.Channel

	jobs           int
	handlerRunning bool
	closed         bool
}
