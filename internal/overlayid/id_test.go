package overlayid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDistance_SelfIsZero(t *testing.T) {
	a := Hash([]byte("node-a"))
	assert.Equal(t, 0, LogDistance(a, a))
}

func TestLogDistance_MSBBit(t *testing.T) {
	var a, b ID
	// differ only in the top bit of byte 0 (the most significant byte) -> log-distance 512
	b[0] = 0x80
	assert.Equal(t, 512, LogDistance(a, b))

	// differ only in the bottom bit of the last byte (the least significant bit overall) ->
	// log-distance 1
	var c, d ID
	d[Size-1] = 0x01
	assert.Equal(t, 1, LogDistance(c, d))
}

func TestLogDistance_Range(t *testing.T) {
	a := Hash([]byte("x"))
	b := Hash([]byte("y"))
	d := LogDistance(a, b)
	assert.GreaterOrEqual(t, d, 0)
	assert.LessOrEqual(t, d, 512)
}

func TestXOR_SelfInverse(t *testing.T) {
	a := Hash([]byte("peer"))
	b := Hash([]byte("other"))
	x := XOR(a, b)
	assert.Equal(t, a, XOR(x, b))
	assert.Equal(t, b, XOR(x, a))
}

func TestLess_Ordering(t *testing.T) {
	ref := Hash([]byte("ref"))
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))

	// Less must be a strict, antisymmetric order: exactly one of Less(ref,a,b) / Less(ref,b,a)
	// holds unless a == b.
	if a != b {
		assert.NotEqual(t, Less(ref, a, b), Less(ref, b, a))
	}
	assert.False(t, Less(ref, a, a))
}

func TestHexRoundTrip(t *testing.T) {
	id := Hash([]byte("round trip me"))
	parsed, err := FromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFromHex_WrongLength(t *testing.T) {
	_, err := FromHex("deadbeef")
	assert.Error(t, err)
}

func TestFromPubKey(t *testing.T) {
	pub := []byte("a fake ed25519 public key")
	id := FromPubKey(pub)
	assert.Equal(t, Hash(pub), id)
	assert.False(t, id.IsZero())
}

func TestIsZero(t *testing.T) {
	var z ID
	assert.True(t, z.IsZero())
	assert.False(t, Hash([]byte("not zero")).IsZero())
}
