package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	data, err := Encode(msg)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, byte(msg.Type()), data[0])

	decoded, err := Decode(data)
	require.NoError(t, err)
	return decoded
}

func TestGetPeers_RoundTrip(t *testing.T) {
	decoded := roundTrip(t, GetPeers{SenderPort: 4242})
	assert.Equal(t, GetPeers{SenderPort: 4242}, decoded)
}

func TestPeerList_RoundTrip(t *testing.T) {
	msg := PeerList{Peers: []PeerListEntry{
		{Address: "10.0.0.1:9000", PubKey: []byte{1, 2, 3}},
		{Address: "10.0.0.2:9000", PubKey: []byte{}},
	}}
	decoded := roundTrip(t, msg).(PeerList)
	require.Len(t, decoded.Peers, 2)
	assert.Equal(t, msg.Peers[0].Address, decoded.Peers[0].Address)
	assert.Equal(t, msg.Peers[0].PubKey, decoded.Peers[0].PubKey)
	assert.Equal(t, msg.Peers[1].Address, decoded.Peers[1].Address)
}

func TestPeerList_Empty(t *testing.T) {
	decoded := roundTrip(t, PeerList{}).(PeerList)
	assert.Empty(t, decoded.Peers)
}

func TestFindNode_RoundTrip(t *testing.T) {
	target := overlayid.Hash([]byte("target-node"))
	decoded := roundTrip(t, FindNode{Target: target, Mode: ModeStore}).(FindNode)
	assert.Equal(t, target, decoded.Target)
	assert.Equal(t, ModeStore, decoded.Mode)
}

func TestRelay_RoundTrip_Nested(t *testing.T) {
	inner, err := Encode(FindNode{Target: overlayid.Hash([]byte("deep")), Mode: ModeGet})
	require.NoError(t, err)

	outer := Relay{Index: 7, Packets: [][]byte{inner}}
	decoded := roundTrip(t, outer).(Relay)
	assert.Equal(t, uint32(7), decoded.Index)
	require.Len(t, decoded.Packets, 1)

	unwrapped, err := Decode(decoded.Packets[0])
	require.NoError(t, err)
	fn, ok := unwrapped.(FindNode)
	require.True(t, ok)
	assert.Equal(t, overlayid.Hash([]byte("deep")), fn.Target)
}

func TestRelay_DoubleNesting(t *testing.T) {
	leaf, err := Encode(GetData{})
	require.NoError(t, err)
	inner, err := Encode(Relay{Index: 2, Packets: [][]byte{leaf}})
	require.NoError(t, err)
	outer := Relay{Index: 1, Packets: [][]byte{inner}}

	decodedOuter := roundTrip(t, outer).(Relay)
	require.Len(t, decodedOuter.Packets, 1)

	decodedInnerMsg, err := Decode(decodedOuter.Packets[0])
	require.NoError(t, err)
	decodedInner, ok := decodedInnerMsg.(Relay)
	require.True(t, ok)
	assert.Equal(t, uint32(2), decodedInner.Index)
	require.Len(t, decodedInner.Packets, 1)

	leafMsg, err := Decode(decodedInner.Packets[0])
	require.NoError(t, err)
	assert.Equal(t, GetData{}, leafMsg)
}

func TestDataPresence_RoundTrip(t *testing.T) {
	assert.Equal(t, DataPresence{Present: true}, roundTrip(t, DataPresence{Present: true}))
	assert.Equal(t, DataPresence{Present: false}, roundTrip(t, DataPresence{Present: false}))
}

func TestStorageInterest_RoundTrip(t *testing.T) {
	assert.Equal(t, StorageInterest{WillStore: true}, roundTrip(t, StorageInterest{WillStore: true}))
}

func TestGetData_RoundTrip(t *testing.T) {
	assert.Equal(t, GetData{}, roundTrip(t, GetData{}))
}

func TestStoreData_RoundTrip(t *testing.T) {
	id := overlayid.Hash([]byte("stored-data"))
	msg := StoreData{DataID: id, Data: []byte("ciphertext bytes")}
	decoded := roundTrip(t, msg).(StoreData)
	assert.Equal(t, id, decoded.DataID)
	assert.Equal(t, msg.Data, decoded.Data)
}

func TestDataStored_RoundTrip(t *testing.T) {
	assert.Equal(t, DataStored{Stored: true}, roundTrip(t, DataStored{Stored: true}))
}

func TestDataResponse_RoundTrip(t *testing.T) {
	msg := DataResponse{OriginalSize: 1024, Data: []byte("cipher")}
	decoded := roundTrip(t, msg).(DataResponse)
	assert.Equal(t, msg.OriginalSize, decoded.OriginalSize)
	assert.Equal(t, msg.Data, decoded.Data)
}

func TestNodeInfo_RoundTrip(t *testing.T) {
	decoded := roundTrip(t, NodeInfo{SenderAddress: "203.0.113.1:5000"}).(NodeInfo)
	assert.Equal(t, "203.0.113.1:5000", decoded.SenderAddress)
}

func TestDecode_EmptyPacket(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte{0xFF})
	assert.Error(t, err)
}

func TestDecode_TruncatedBody(t *testing.T) {
	data, err := Encode(FindNode{Target: overlayid.Hash([]byte("x")), Mode: ModeNone})
	require.NoError(t, err)
	_, err = Decode(data[:len(data)-2])
	assert.Error(t, err)
}
