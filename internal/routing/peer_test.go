package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
)

func newLivePeer(addr string, id overlayid.ID) *LivePeer {
	return &LivePeer{
		Peer: &peerstore.Peer{Address: addr, NodeID: id, HasNodeID: true},
		NodeID: id,
	}
}

func TestTable_AddRemove_P1(t *testing.T) {
	local := overlayid.Hash([]byte("local"))
	table := NewTable(local)

	peerID := overlayid.Hash([]byte("peer-a"))
	lp := newLivePeer("1.2.3.4:1000", peerID)
	table.Add(lp)

	// P1: simultaneous membership in all three structures.
	_, inAddr := table.ByAddress("1.2.3.4:1000")
	_, inNode := table.ByNodeID(peerID)
	assert.True(t, inAddr)
	assert.True(t, inNode)
	d := overlayid.LogDistance(local, peerID)
	_, inBucket := table.Bucket(d)[lp.Peer.Address]
	assert.True(t, inBucket)
	assert.Equal(t, 1, table.Count())

	table.Remove(lp)
	_, inAddr = table.ByAddress("1.2.3.4:1000")
	_, inNode = table.ByNodeID(peerID)
	_, inBucket = table.Bucket(d)[lp.Peer.Address]
	assert.False(t, inAddr)
	assert.False(t, inNode)
	assert.False(t, inBucket)
	assert.Equal(t, 0, table.Count())
}

func TestTable_Add_PanicsOnSelf_P2(t *testing.T) {
	local := overlayid.Hash([]byte("local"))
	table := NewTable(local)
	self := newLivePeer("self:0", local)

	assert.Panics(t, func() { table.Add(self) })
}

func TestTable_BucketRoom(t *testing.T) {
	local := overlayid.Hash([]byte("local"))
	table := NewTable(local)
	assert.Equal(t, BucketSize, table.BucketRoom(510))

	// Fill bucket d=510 by constructing peers whose log-distance to local is exactly 510.
	filled := 0
	for i := 0; filled < BucketSize; i++ {
		id := candidateAtDistance(t, local, 510, i)
		table.Add(newLivePeer(id.String(), id))
		filled++
	}
	assert.Equal(t, 0, table.BucketRoom(510))
}

// candidateAtDistance searches small byte-string seeds for one hashing to exactly log-distance d
// from local. A random hash lies at log-distance d with probability 2^(d-513), so only distances
// near 512 are found within the search budget (510: one hash in eight).
func candidateAtDistance(t *testing.T, local overlayid.ID, d int, salt int) overlayid.ID {
	t.Helper()
	for i := 0; i < 100000; i++ {
		cand := overlayid.Hash([]byte{byte(salt), byte(i), byte(i >> 8)})
		if overlayid.LogDistance(local, cand) == d {
			return cand
		}
	}
	t.Fatalf("could not find a candidate at log-distance %d", d)
	return overlayid.ID{}
}

// TestTable_IsConnectionDesirable_BucketAdmission exercises scenario 6 / law L3: with BucketSize=2
// and two connected peers already at log-distance 510, a third peer at the same distance is accepted
// only if it is closer in XOR than at least one already-connected peer.
func TestTable_IsConnectionDesirable_BucketAdmission(t *testing.T) {
	local := overlayid.Hash([]byte("local-l3"))
	table := NewTable(local)

	const d = 510
	a := candidateAtDistance(t, local, d, 1)
	b := candidateAtDistance(t, local, d, 2)
	table.Add(newLivePeer("a:1", a))
	table.Add(newLivePeer("b:1", b))
	require.Equal(t, 0, table.BucketRoom(d))

	// Find two more same-distance candidates, one farther than both a and b, one closer than
	// at least one of them.
	var farther, closer *overlayid.ID
	for i := 100; i < 1000000 && (farther == nil || closer == nil); i++ {
		cand := overlayid.Hash([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
		if overlayid.LogDistance(local, cand) != d {
			continue
		}
		fartherThanBoth := overlayid.Less(local, a, cand) && overlayid.Less(local, b, cand)
		closerThanOne := overlayid.Less(local, cand, a) || overlayid.Less(local, cand, b)
		if fartherThanBoth && farther == nil {
			c := cand
			farther = &c
		}
		if closerThanOne && closer == nil {
			c := cand
			closer = &c
		}
	}
	require.NotNil(t, farther, "could not find a farther same-distance candidate")
	require.NotNil(t, closer, "could not find a closer same-distance candidate")

	assert.False(t, table.IsConnectionDesirable(*farther, false, false))
	assert.True(t, table.IsConnectionDesirable(*closer, false, false))
}

func TestTable_IsConnectionDesirable_HardCap(t *testing.T) {
	local := overlayid.Hash([]byte("local"))
	table := NewTable(local)
	candidate := overlayid.Hash([]byte("candidate"))
	assert.False(t, table.IsConnectionDesirable(candidate, false, true))
	assert.False(t, table.IsConnectionDesirable(candidate, true, true))
}

func TestTable_IsConnectionDesirable_InboundAlwaysAllowedUnderCap(t *testing.T) {
	local := overlayid.Hash([]byte("local"))
	table := NewTable(local)
	candidate := overlayid.Hash([]byte("candidate"))
	assert.True(t, table.IsConnectionDesirable(candidate, true, false))
}

func TestTable_IsConnectionDesirable_RoomInBucket(t *testing.T) {
	local := overlayid.Hash([]byte("local"))
	table := NewTable(local)
	candidate := candidateAtDistance(t, local, 509, 42)
	assert.True(t, table.IsConnectionDesirable(candidate, false, false))
}

func TestTable_ClosestConnected(t *testing.T) {
	local := overlayid.Hash([]byte("local"))
	table := NewTable(local)
	target := overlayid.Hash([]byte("target"))

	var ids []overlayid.ID
	for i := 0; i < 5; i++ {
		id := overlayid.Hash([]byte{byte('A' + i)})
		ids = append(ids, id)
		table.Add(newLivePeer(id.String(), id))
	}

	closest := table.ClosestConnected(target, 3, nil)
	require.Len(t, closest, 3)
	for i := 1; i < len(closest); i++ {
		assert.False(t, overlayid.Less(target, closest[i].NodeID, closest[i-1].NodeID))
	}
}

func TestTable_ClosestConnected_Exclude(t *testing.T) {
	local := overlayid.Hash([]byte("local"))
	table := NewTable(local)
	target := overlayid.Hash([]byte("target"))

	id := overlayid.Hash([]byte("only-peer"))
	table.Add(newLivePeer("only:1", id))

	excluded := table.ClosestConnected(target, 3, map[overlayid.ID]bool{id: true})
	assert.Empty(t, excluded)
}
