// Package wire implements the overlay's on-channel message family (spec §6.1): a 1-byte packet
// type prefix followed by a big-endian binary body. Relay envelopes let a directly-connected
// peer multiplex traffic to farther peers it tunnels for.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

// PacketType is the 1-byte wire discriminator.
type PacketType byte

const (
	PacketGetPeers         PacketType = 110
	PacketPeerList         PacketType = 111
	PacketFindNode         PacketType = 150
	PacketRelay            PacketType = 151
	PacketDataPresence     PacketType = 152
	PacketStorageInterest  PacketType = 153
	PacketGetData          PacketType = 154
	PacketStoreData        PacketType = 155
	PacketDataStored       PacketType = 156
	PacketDataResponse     PacketType = 157
	PacketNodeInfo         PacketType = 158
)

// Mode is the FindNode query mode (§4.2).
type Mode byte

const (
	ModeNone  Mode = 0
	ModeGet   Mode = 1
	ModeStore Mode = 2
)

// Message is any decoded wire packet.
type Message interface {
	Type() PacketType
	encodeBody(w io.Writer) error
}

// Encode serializes msg as packet-type byte + body.
func Encode(msg Message) ([]byte, error) {
	var buf writeBuf
	buf.writeByte(byte(msg.Type()))
	if err := msg.encodeBody(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses one wire packet from data.
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("wire: empty packet")
	}
	r := &readBuf{data: data[1:]}
	switch PacketType(data[0]) {
	case PacketGetPeers:
		return decodeGetPeers(r)
	case PacketPeerList:
		return decodePeerList(r)
	case PacketFindNode:
		return decodeFindNode(r)
	case PacketRelay:
		return decodeRelay(r)
	case PacketDataPresence:
		return decodeDataPresence(r)
	case PacketStorageInterest:
		return decodeStorageInterest(r)
	case PacketGetData:
		return GetData{}, nil
	case PacketStoreData:
		return decodeStoreData(r)
	case PacketDataStored:
		return decodeDataStored(r)
	case PacketDataResponse:
		return decodeDataResponse(r)
	case PacketNodeInfo:
		return decodeNodeInfo(r)
	default:
		return nil, fmt.Errorf("wire: unknown packet type %d", data[0])
	}
}

// GetPeers (code 110): u32 sender_port.
type GetPeers struct {
	SenderPort uint32
}

func (GetPeers) Type() PacketType { return PacketGetPeers }
func (m GetPeers) encodeBody(w io.Writer) error {
	return writeUint32(w, m.SenderPort)
}
func decodeGetPeers(r *readBuf) (Message, error) {
	port, err := r.readUint32()
	return GetPeers{SenderPort: port}, err
}

// PeerListEntry is one (address, pubkey) record inside a PeerList.
type PeerListEntry struct {
	Address string
	PubKey  []byte
}

// PeerList (code 111): u32 count, then count * (string address, binary pubkey).
type PeerList struct {
	Peers []PeerListEntry
}

func (PeerList) Type() PacketType { return PacketPeerList }
func (m PeerList) encodeBody(w io.Writer) error {
	if err := writeUint32(w, uint32(len(m.Peers))); err != nil {
		return err
	}
	for _, p := range m.Peers {
		if err := writeString(w, p.Address); err != nil {
			return err
		}
		if err := writeBytes(w, p.PubKey); err != nil {
			return err
		}
	}
	return nil
}
func decodePeerList(r *readBuf) (Message, error) {
	count, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	out := make([]PeerListEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		addr, err := r.readString()
		if err != nil {
			return nil, err
		}
		pk, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		out = append(out, PeerListEntry{Address: addr, PubKey: pk})
	}
	return PeerList{Peers: out}, nil
}

// FindNode (code 150): 64-byte node_id, then u8 mode.
type FindNode struct {
	Target overlayid.ID
	Mode   Mode
}

func (FindNode) Type() PacketType { return PacketFindNode }
func (m FindNode) encodeBody(w io.Writer) error {
	if _, err := w.Write(m.Target[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte{byte(m.Mode)})
	return err
}
func decodeFindNode(r *readBuf) (Message, error) {
	id, err := r.readID()
	if err != nil {
		return nil, err
	}
	mode, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return FindNode{Target: id, Mode: Mode(mode)}, nil
}

// Relay wraps one or more nested packets addressed to tunnel index Index.
type Relay struct {
	Index   uint32
	Packets [][]byte
}

func (Relay) Type() PacketType { return PacketRelay }
func (m Relay) encodeBody(w io.Writer) error {
	if err := writeUint32(w, m.Index); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.Packets))); err != nil {
		return err
	}
	for _, p := range m.Packets {
		if err := writeBytes(w, p); err != nil {
			return err
		}
	}
	return nil
}
func decodeRelay(r *readBuf) (Message, error) {
	idx, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	packets := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		p, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return Relay{Index: idx, Packets: packets}, nil
}

// DataPresence: u8 present.
type DataPresence struct{ Present bool }

func (DataPresence) Type() PacketType { return PacketDataPresence }
func (m DataPresence) encodeBody(w io.Writer) error { return writeBool(w, m.Present) }
func decodeDataPresence(r *readBuf) (Message, error) {
	v, err := r.readBool()
	return DataPresence{Present: v}, err
}

// StorageInterest: u8 will_store.
type StorageInterest struct{ WillStore bool }

func (StorageInterest) Type() PacketType { return PacketStorageInterest }
func (m StorageInterest) encodeBody(w io.Writer) error { return writeBool(w, m.WillStore) }
func decodeStorageInterest(r *readBuf) (Message, error) {
	v, err := r.readBool()
	return StorageInterest{WillStore: v}, err
}

// GetData: empty body.
type GetData struct{}

func (GetData) Type() PacketType               { return PacketGetData }
func (GetData) encodeBody(w io.Writer) error    { return nil }

// StoreData: 64-byte data_id, then u32 len + data.
type StoreData struct {
	DataID overlayid.ID
	Data   []byte
}

func (StoreData) Type() PacketType { return PacketStoreData }
func (m StoreData) encodeBody(w io.Writer) error {
	if _, err := w.Write(m.DataID[:]); err != nil {
		return err
	}
	return writeBytes(w, m.Data)
}
func decodeStoreData(r *readBuf) (Message, error) {
	id, err := r.readID()
	if err != nil {
		return nil, err
	}
	data, err := r.readBytes()
	if err != nil {
		return nil, err
	}
	return StoreData{DataID: id, Data: data}, nil
}

// DataStored: u8 stored.
type DataStored struct{ Stored bool }

func (DataStored) Type() PacketType { return PacketDataStored }
func (m DataStored) encodeBody(w io.Writer) error { return writeBool(w, m.Stored) }
func decodeDataStored(r *readBuf) (Message, error) {
	v, err := r.readBool()
	return DataStored{Stored: v}, err
}

// DataResponse: u32 original_size, then u32 len + ciphertext data.
type DataResponse struct {
	OriginalSize uint32
	Data         []byte
}

func (DataResponse) Type() PacketType { return PacketDataResponse }
func (m DataResponse) encodeBody(w io.Writer) error {
	if err := writeUint32(w, m.OriginalSize); err != nil {
		return err
	}
	return writeBytes(w, m.Data)
}
func decodeDataResponse(r *readBuf) (Message, error) {
	sz, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	data, err := r.readBytes()
	if err != nil {
		return nil, err
	}
	return DataResponse{OriginalSize: sz, Data: data}, nil
}

// NodeInfo: string sender_address.
type NodeInfo struct{ SenderAddress string }

func (NodeInfo) Type() PacketType { return PacketNodeInfo }
func (m NodeInfo) encodeBody(w io.Writer) error { return writeString(w, m.SenderAddress) }
func decodeNodeInfo(r *readBuf) (Message, error) {
	addr, err := r.readString()
	return NodeInfo{SenderAddress: addr}, err
}

// --- low-level helpers ---

type writeBuf struct {
	data []byte
}

func (b *writeBuf) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
func (b *writeBuf) writeByte(c byte) { b.data = append(b.data, c) }
func (b *writeBuf) Bytes() []byte    { return b.data }

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeBytes(w io.Writer, data []byte) error {
	if err := writeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func writeBool(w io.Writer, v bool) error {
	var b byte
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

type readBuf struct {
	data []byte
	pos  int
}

func (r *readBuf) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *readBuf) readBool() (bool, error) {
	b, err := r.readByte()
	return b != 0, err
}

func (r *readBuf) readUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *readBuf) readBytes() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.data) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *readBuf) readString() (string, error) {
	b, err := r.readBytes()
	return string(b), err
}

func (r *readBuf) readID() (overlayid.ID, error) {
	var id overlayid.ID
	if r.pos+overlayid.Size > len(r.data) {
		return id, io.ErrUnexpectedEOF
	}
	copy(id[:], r.data[r.pos:r.pos+overlayid.Size])
	r.pos += overlayid.Size
	return id, nil
}
