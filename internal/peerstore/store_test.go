package peerstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_UpsertByAddressByNodeID(t *testing.T) {
	s := openTestStore(t)
	id := overlayid.Hash([]byte("peer-a"))

	p := &Peer{Address: "10.0.0.1:9000", NodeID: id, HasNodeID: true, Distance: 3}
	require.NoError(t, s.Upsert(p))
	assert.NotEmpty(t, p.ID)

	byAddr, err := s.ByAddress("10.0.0.1:9000")
	require.NoError(t, err)
	require.NotNil(t, byAddr)
	assert.Equal(t, p.ID, byAddr.ID)

	byNode, err := s.ByNodeID(id)
	require.NoError(t, err)
	require.NotNil(t, byNode)
	assert.Equal(t, p.ID, byNode.ID)
}

func TestStore_ByAddress_Missing(t *testing.T) {
	s := openTestStore(t)
	p, err := s.ByAddress("nowhere:0")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestStore_Delete_RemovesIndexes(t *testing.T) {
	s := openTestStore(t)
	id := overlayid.Hash([]byte("peer-b"))
	p := &Peer{Address: "10.0.0.2:9000", NodeID: id, HasNodeID: true}
	require.NoError(t, s.Upsert(p))

	require.NoError(t, s.Delete(p.ID))

	byAddr, err := s.ByAddress("10.0.0.2:9000")
	require.NoError(t, err)
	assert.Nil(t, byAddr)

	byNode, err := s.ByNodeID(id)
	require.NoError(t, err)
	assert.Nil(t, byNode)
}

func TestStore_Upsert_Replace(t *testing.T) {
	s := openTestStore(t)
	p := &Peer{Address: "10.0.0.3:9000"}
	require.NoError(t, s.Upsert(p))

	p.Connected = true
	require.NoError(t, s.Upsert(p))

	got, err := s.ByAddress("10.0.0.3:9000")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Connected)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_MinDistanceDisconnected(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.MinDistanceDisconnected()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Upsert(&Peer{Address: "a:1", HasNodeID: true, Distance: 9, Connected: false}))
	require.NoError(t, s.Upsert(&Peer{Address: "b:1", HasNodeID: true, Distance: 3, Connected: false}))
	require.NoError(t, s.Upsert(&Peer{Address: "c:1", HasNodeID: true, Distance: 1, Connected: true}))
	// no node id, should be ignored
	require.NoError(t, s.Upsert(&Peer{Address: "d:1", HasNodeID: false, Distance: 0, Connected: false}))

	d, ok, err := s.MinDistanceDisconnected()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, d)
}

func TestStore_CandidatesAtDistance_OrderAndBackoff(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	idA := overlayid.Hash([]byte("candidate-a"))
	idB := overlayid.Hash([]byte("candidate-b"))

	a := &Peer{Address: "a:1", HasNodeID: true, NodeID: idA, Distance: 5, Direction: DirectionInbound}
	b := &Peer{Address: "b:1", HasNodeID: true, NodeID: idB, Distance: 5, Direction: DirectionOutbound}
	recentlyTried := &Peer{
		Address: "c:1", HasNodeID: true, Distance: 5, Direction: DirectionOutbound,
		LastConnectAttempt: now,
	}
	wrongDistance := &Peer{Address: "d:1", HasNodeID: true, Distance: 6}

	require.NoError(t, s.Upsert(a))
	require.NoError(t, s.Upsert(b))
	require.NoError(t, s.Upsert(recentlyTried))
	require.NoError(t, s.Upsert(wrongDistance))

	cands, err := s.CandidatesAtDistance(5, 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	// DirectionOutbound sorts before DirectionInbound under DESC lexicographic ordering.
	assert.Equal(t, DirectionOutbound, cands[0].Direction)
	assert.Equal(t, DirectionInbound, cands[1].Direction)
}

func TestStore_CandidatesAtDistance_Limit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Upsert(&Peer{Address: string(rune('a' + i)), HasNodeID: true, Distance: 7}))
	}
	cands, err := s.CandidatesAtDistance(7, 2, time.Minute, time.Now())
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

func TestStore_NodeState_GetSet(t *testing.T) {
	s := openTestStore(t)

	var out int64
	found, err := s.NodeStateGet(DatastoreSizeKey, &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.NodeStateSet(DatastoreSizeKey, int64(42)))

	found, err = s.NodeStateGet(DatastoreSizeKey, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), out)
}

func TestStore_Update_SharesTableLock(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(func(tx *bolt.Tx) error {
		return s.NodeStateSetTx(tx, "inside-tx", "value")
	})
	require.NoError(t, err)

	var out string
	found, err := s.NodeStateGet("inside-tx", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", out)
}
