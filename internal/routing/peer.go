// Package routing implements the in-memory XOR-distance routing fabric (spec §3, §4.1): the
// peers-by-address index, the per-log-distance buckets, and the XOR-ordered prefix trie used to
// answer "closest to key K" queries.
package routing

import (
	"github.com/nmxmxh/morphis-overlay/internal/channel"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
)

// BucketSize is the capacity hint for each log-distance bucket (spec §3 glossary).
const BucketSize = 2

// MaxLogDistance is the number of log-distance buckets (1..512, indexed 0..511 in slices).
const MaxLogDistance = overlayid.Size * 8

// LivePeer is the in-memory record of a currently-connected peer (spec §3). It is created by
// the connection manager on successful authentication and destroyed on disconnect; the routing
// structures hold non-owning references to it.
type LivePeer struct {
	Peer     *peerstore.Peer
	NodeID   overlayid.ID
	Channels *channel.Registry
	Conn     channel.ConnOpener // opens fresh tunnel/session streams on this peer's live connection
}

// Table holds the three routing-fabric structures for the local node and keeps them in sync:
// for every connected LivePeer there is exactly one entry in each, added/removed atomically
// (invariant P1).
type Table struct {
	LocalID overlayid.ID

	byAddress map[string]*LivePeer
	buckets   [MaxLogDistance]map[string]*LivePeer // index d holds log-distance d+1
	trie      *Trie
}

// NewTable constructs an empty routing table for the given local node id.
func NewTable(localID overlayid.ID) *Table {
	t := &Table{
		LocalID:   localID,
		byAddress: make(map[string]*LivePeer),
		trie:      NewTrie(),
	}
	for i := range t.buckets {
		t.buckets[i] = make(map[string]*LivePeer)
	}
	return t
}

// Add inserts p into all three structures atomically. Callers must have already rejected
// distance == 0 (self) peers (spec P2); Add panics on that case to make the invariant loud.
func (t *Table) Add(p *LivePeer) {
	if p.NodeID == t.LocalID {
		panic("routing: refusing to add self as a peer")
	}
	d := overlayid.LogDistance(t.LocalID, p.NodeID)
	t.byAddress[p.Peer.Address] = p
	t.buckets[d-1][p.Peer.Address] = p
	t.trie.Insert(p.NodeID, p)
}

// Remove deletes p from all three structures atomically.
func (t *Table) Remove(p *LivePeer) {
	d := overlayid.LogDistance(t.LocalID, p.NodeID)
	delete(t.byAddress, p.Peer.Address)
	delete(t.buckets[d-1], p.Peer.Address)
	t.trie.Remove(p.NodeID)
}

// ByAddress looks up a connected peer by its network address.
func (t *Table) ByAddress(addr string) (*LivePeer, bool) {
	p, ok := t.byAddress[addr]
	return p, ok
}

// ByNodeID looks up a connected peer by its overlay NodeID.
func (t *Table) ByNodeID(id overlayid.ID) (*LivePeer, bool) {
	v, ok := t.trie.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*LivePeer), true
}

// Bucket returns the live peers at log-distance d (1..512).
func (t *Table) Bucket(d int) map[string]*LivePeer {
	return t.buckets[d-1]
}

// BucketRoom reports how many more peers bucket d can admit before reaching BucketSize.
func (t *Table) BucketRoom(d int) int {
	room := BucketSize - len(t.buckets[d-1])
	if room < 0 {
		return 0
	}
	return room
}

// Count returns the total number of connected peers.
func (t *Table) Count() int {
	return len(t.byAddress)
}

// ClosestConnected returns up to n connected peers closest to target, closest first, using the
// local routing trie (not a re-keyed copy) — used for root-level lookup queries.
func (t *Table) ClosestConnected(target overlayid.ID, n int, exclude map[overlayid.ID]bool) []*LivePeer {
	out := make([]*LivePeer, 0, n)
	t.trie.WalkClosest(target, func(id overlayid.ID, v interface{}) bool {
		if exclude[id] {
			return true
		}
		out = append(out, v.(*LivePeer))
		return len(out) < n
	})
	return out
}

// IsConnectionDesirable implements §4.1's is_peer_connection_desirable gate for a candidate
// peer not yet admitted, given whether the attempt is inbound (server-mode) and the hard
// connection-count ceiling already observed by the caller (2 x maximum_connections).
func (t *Table) IsConnectionDesirable(candidateID overlayid.ID, inbound bool, atHardCap bool) bool {
	if atHardCap {
		return false
	}
	if inbound {
		return true
	}
	d := overlayid.LogDistance(t.LocalID, candidateID)
	if t.BucketRoom(d) > 0 {
		return true
	}
	// Walk the trie outward from XOR(local, candidate) and count already-connected peers at
	// the same log-distance that are closer in XOR than the candidate.
	closerAtSameDistance := 0
	t.trie.WalkClosest(candidateID, func(id overlayid.ID, _ interface{}) bool {
		if id == candidateID {
			return true
		}
		if overlayid.LogDistance(t.LocalID, id) != d {
			return true
		}
		if overlayid.Less(t.LocalID, id, candidateID) {
			closerAtSameDistance++
		}
		return closerAtSameDistance < BucketSize
	})
	return closerAtSameDistance < BucketSize
}
