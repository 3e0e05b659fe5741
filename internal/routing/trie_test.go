package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

func TestTrie_InsertGetRemove(t *testing.T) {
	tr := NewTrie()
	id := overlayid.Hash([]byte("peer-1"))

	_, ok := tr.Get(id)
	assert.False(t, ok)

	tr.Insert(id, "value-1")
	v, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, "value-1", v)

	tr.Remove(id)
	_, ok = tr.Get(id)
	assert.False(t, ok)
}

func TestTrie_Sentinel(t *testing.T) {
	tr := NewTrie()
	self := overlayid.Hash([]byte("self"))
	tr.InsertSentinel(self, nil)
	assert.True(t, tr.IsSentinel(self))

	other := overlayid.Hash([]byte("other"))
	tr.Insert(other, "v")
	assert.False(t, tr.IsSentinel(other))
}

func TestTrie_WalkClosestOrder(t *testing.T) {
	tr := NewTrie()
	target := overlayid.Hash([]byte("target"))

	ids := []overlayid.ID{
		overlayid.Hash([]byte("p1")),
		overlayid.Hash([]byte("p2")),
		overlayid.Hash([]byte("p3")),
		overlayid.Hash([]byte("p4")),
	}
	for _, id := range ids {
		tr.Insert(id, id.String())
	}

	var visited []overlayid.ID
	tr.WalkClosest(target, func(id overlayid.ID, _ interface{}) bool {
		visited = append(visited, id)
		return true
	})
	require.Len(t, visited, len(ids))

	// Every successive pair must be non-decreasing in XOR distance to target.
	for i := 1; i < len(visited); i++ {
		assert.False(t, overlayid.Less(target, visited[i], visited[i-1]),
			"entry %d is closer than entry %d, violating closest-first order", i, i-1)
	}
}

func TestTrie_WalkClosestStopsEarly(t *testing.T) {
	tr := NewTrie()
	target := overlayid.Hash([]byte("target"))
	for i := 0; i < 5; i++ {
		id := overlayid.Hash([]byte{byte(i)})
		tr.Insert(id, i)
	}

	count := 0
	tr.WalkClosest(target, func(_ overlayid.ID, _ interface{}) bool {
		count++
		return count < 2
	})
	assert.Equal(t, 2, count)
}

func TestTrie_Len(t *testing.T) {
	tr := NewTrie()
	assert.Equal(t, 0, tr.Len())
	tr.Insert(overlayid.Hash([]byte("a")), 1)
	tr.InsertSentinel(overlayid.Hash([]byte("b")), nil)
	assert.Equal(t, 2, tr.Len())
}
