// Package stabilize implements the periodic routing-table refresh described in spec §4.4:
// looking the local node up in the overlay, looking up its logical complement, then probing
// outward bit by bit from the farthest bucket down to the depth of the nearest peer found.
package stabilize

import (
	"context"

	"github.com/nmxmxh/morphis-overlay/internal/connmgr"
	"github.com/nmxmxh/morphis-overlay/internal/lookup"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

// Stabilizer runs one DoStabilize pass on demand; callers (the node's periodic scheduler) decide
// the cadence.
type Stabilizer struct {
	engine  *lookup.Engine
	conns   *connmgr.Manager
	localID overlayid.ID
}

// New builds a Stabilizer over the given lookup engine and connection manager.
func New(engine *lookup.Engine, conns *connmgr.Manager, localID overlayid.ID) *Stabilizer {
	return &Stabilizer{engine: engine, conns: conns, localID: localID}
}

// DoStabilize runs one refresh pass: find_node(local) to surface peers close to the local node,
// find_node(~local) to surface peers on the opposite side of the keyspace, then bit-flip probes
// from the most significant bit down to the depth of the closest peer discovered in the first
// step — the spec's way of keeping every bucket, not just the nearby ones, populated.
func (s *Stabilizer) DoStabilize(ctx context.Context) error {
	near, err := s.engine.SendFindNode(ctx, s.localID)
	if err != nil {
		return err
	}
	s.addDiscovered(near)

	complement := overlayid.XOR(s.localID, allOnes())
	far, err := s.engine.SendFindNode(ctx, complement)
	if err != nil {
		return err
	}
	s.addDiscovered(far)

	closest := closestLogDistance(s.localID, near)
	for depth := overlayid.Size * 8; depth >= closest; depth-- {
		probe := flipBit(s.localID, depth)
		peers, err := s.engine.SendFindNode(ctx, probe)
		if err != nil {
			continue
		}
		s.addDiscovered(peers)
	}
	return nil
}

// closestLogDistance returns the smallest LogDistance from local to any discovered peer, or 1
// (probe the full range) if nothing was found.
func closestLogDistance(local overlayid.ID, peers []lookup.PeerInfo) int {
	best := overlayid.Size*8 + 1
	for _, p := range peers {
		if d := overlayid.LogDistance(local, p.ID); d < best {
			best = d
		}
	}
	if best > overlayid.Size*8 {
		return 1
	}
	return best
}

func (s *Stabilizer) addDiscovered(peers []lookup.PeerInfo) {
	candidates := make([]connmgr.PeerCandidate, 0, len(peers))
	for _, p := range peers {
		candidates = append(candidates, connmgr.PeerCandidate{ID: p.ID, Address: p.Address, PubKey: p.PubKey})
	}
	s.conns.AddPeers(candidates)
}

// allOnes returns the all-1-bits ID, used to compute the local node's logical complement.
func allOnes() overlayid.ID {
	var id overlayid.ID
	for i := range id {
		id[i] = 0xff
	}
	return id
}

// flipBit returns a copy of id with the bit at the given LogDistance position (1..512, the same
// numbering overlayid.LogDistance produces) flipped.
func flipBit(id overlayid.ID, depth int) overlayid.ID {
	out := id
	byteIdx := overlayid.Size - 1 - (depth-1)/8
	bitIdx := uint((depth - 1) % 8)
	out[byteIdx] ^= 1 << bitIdx
	return out
}
