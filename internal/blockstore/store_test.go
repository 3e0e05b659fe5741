package blockstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
)

func openTestStore(t *testing.T, maxBytes int64) *Store {
	return openTestStoreWithBlockCap(t, maxBytes, 16)
}

func openTestStoreWithBlockCap(t *testing.T, maxBytes, maxBlockBytes int64) *Store {
	t.Helper()
	dir := t.TempDir()
	peers, err := peerstore.Open(filepath.Join(dir, "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = peers.Close() })

	s, err := Open(peers, Config{
		DataDir:          dir,
		Instance:         "node",
		LocalID:          overlayid.Hash([]byte("local")),
		MaxDataBytes:     maxBytes,
		MaxDataBlockSize: maxBlockBytes,
	})
	require.NoError(t, err)
	return s
}

func TestStore_StoreAndRetrieve_RoundTrip(t *testing.T) {
	s := openTestStore(t, 1<<20)
	plaintext := []byte("hello content-addressed world")

	dataID, dataKey, result, err := s.Store(plaintext)
	require.NoError(t, err)
	require.NotNil(t, result.Stored)
	assert.True(t, *result.Stored)

	// Anti-entrapment double hash (spec P6): data_key = H(plaintext), data_id = H(data_key).
	assert.Equal(t, overlayid.Hash(plaintext), dataKey)
	assert.Equal(t, overlayid.Hash(dataKey[:]), dataID)

	has, err := s.Has(dataID)
	require.NoError(t, err)
	assert.True(t, has)

	got, ok, err := s.RetrievePlaintext(dataID, dataKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, plaintext, got)
}

func TestStore_Store_DuplicateRefused(t *testing.T) {
	s := openTestStore(t, 1<<20)
	plaintext := []byte("duplicate me")

	_, _, first, err := s.Store(plaintext)
	require.NoError(t, err)
	require.NotNil(t, first.Stored)
	assert.True(t, *first.Stored)

	_, _, second, err := s.Store(plaintext)
	require.NoError(t, err)
	assert.Nil(t, second.Stored, "a duplicate store must report Stored=nil, not true/false")
}

func TestStore_RetrievePlaintext_Missing(t *testing.T) {
	s := openTestStore(t, 1<<20)
	missing := overlayid.Hash([]byte("never stored"))
	_, ok, err := s.RetrievePlaintext(missing, overlayid.Hash([]byte("never stored")))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestStore_CheckDoWantData_RefusesFartherThanEverything exercises §4.3: once full, a candidate
// farther than every block already held must never be accepted even with pruning.
func TestStore_CheckDoWantData_RefusesFartherThanEverything(t *testing.T) {
	// Tiny capacity, fill it with one close block, then check a very far candidate is refused.
	s := openTestStore(t, 10)
	local := s.localID

	near := findPlaintextAtDistance(t, local, 505)
	_, _, result, err := s.Store(near)
	require.NoError(t, err)
	require.NotNil(t, result.Stored)
	require.True(t, *result.Stored)

	far := findPlaintextAtDistance(t, local, 512)
	farDataID := overlayid.Hash(overlayid.Hash(far)[:])
	accept, needsPrune, err := s.CheckDoWantData(farDataID, len(far))
	require.NoError(t, err)
	assert.False(t, accept)
	assert.False(t, needsPrune)
}

// TestStore_Store_PrunesFartherBlocks exercises Scenario 4 (eviction): once the datastore is
// over capacity, a closer candidate evicts farther-held blocks to make room.
func TestStore_Store_PrunesFartherBlocks(t *testing.T) {
	s := openTestStore(t, 30)
	local := s.localID

	far := findPlaintextAtDistanceOfLen(t, local, 500, 20)
	_, _, farResult, err := s.Store(far)
	require.NoError(t, err)
	require.NotNil(t, farResult.Stored)
	require.True(t, *farResult.Stored)

	closer := findPlaintextAtDistanceOfLen(t, local, 499, 20)
	closerDataID, _, closerResult, err := s.Store(closer)
	require.NoError(t, err)
	require.NotNil(t, closerResult.Stored)
	assert.True(t, *closerResult.Stored)

	has, err := s.Has(closerDataID)
	require.NoError(t, err)
	assert.True(t, has)

	farDataID := overlayid.Hash(overlayid.Hash(far)[:])
	stillHas, err := s.Has(farDataID)
	require.NoError(t, err)
	assert.False(t, stillHas, "farther block should have been evicted to make room")
}

func findPlaintextAtDistance(t *testing.T, local overlayid.ID, d int) []byte {
	return findPlaintextAtDistanceOfLen(t, local, d, 8)
}

// findPlaintextAtDistanceOfLen searches size-byte plaintexts for one whose data_id lies at
// log-distance d from local. A data_id lands at log-distance d with probability 2^(d-513), so
// only distances near 512 are found within the search budget.
func findPlaintextAtDistanceOfLen(t *testing.T, local overlayid.ID, d int, size int) []byte {
	t.Helper()
	for i := 0; i < 200000; i++ {
		candidate := make([]byte, size)
		candidate[0] = byte(i)
		candidate[1] = byte(i >> 8)
		candidate[2] = byte(i >> 16)
		dataKey := overlayid.Hash(candidate)
		dataID := overlayid.Hash(dataKey[:])
		if overlayid.LogDistance(local, dataID) == d {
			return candidate
		}
	}
	t.Fatalf("could not find plaintext hashing to log-distance %d", d)
	return nil
}
