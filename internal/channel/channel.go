// Package channel implements the channel abstraction the lookup engine and tunnel relay are
// built against (spec §6.2): ordered, authenticated, reliable byte streams multiplexed within a
// single connection to a peer. The transport itself (who dials whom, how bytes get there) is out
// of scope for the overlay core; here it is realized over libp2p streams, grounded on the
// teacher's internal/network.StartNodeWithStreams / SendPacket (host.NewStream / SetStreamHandler).
package channel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/network"
)

// ProtocolID is the libp2p stream protocol used for all overlay channels (FindNode tunnels,
// data transfers). The "mpeer"/"session" distinction from §6.2 is carried as a type tag inside
// the opening handshake byte rather than as distinct libp2p protocols.
const ProtocolID = "/morphis/relay/1.0.0"

// Kind distinguishes the two channel flavors named in §6.2.
type Kind byte

const (
	KindMultiplexedPeer Kind = iota // "mpeer": a tunnel used to relay FindNode traffic
	KindSession                     // "session": a direct request/response exchange
)

// Channel is one open, ordered byte stream to a peer.
type Channel struct {
	ID     uint64
	Kind   Kind
	stream network.Stream

	inbox    chan []byte
	closeMu  sync.Mutex
	closed   bool
	closedCh chan struct{}
}

var nextID uint64

// wrap builds a Channel around a live libp2p stream and starts its read pump.
func wrap(kind Kind, s network.Stream) *Channel {
	c := &Channel{
		ID:       atomic.AddUint64(&nextID, 1),
		Kind:     kind,
		stream:   s,
		inbox:    make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	defer close(c.inbox)
	for {
		frame, err := readFrame(c.stream)
		if err != nil {
			return
		}
		select {
		case c.inbox <- frame:
		case <-c.closedCh:
			return
		}
	}
}

// Inbox yields inbound frames in FIFO order; it is closed (yielding a zero value forever,
// i.e. "null") when the channel closes.
func (c *Channel) Inbox() <-chan []byte {
	return c.inbox
}

// Write sends data down the channel. Per §6.2 this does not suspend the caller logically (it is
// a buffered, non-blocking handoff to the stream); errors surface on the next read or Close.
func (c *Channel) Write(data []byte) error {
	return writeFrame(c.stream, data)
}

// Close closes the channel; it may block briefly draining the underlying stream.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)
	return c.stream.Close()
}

// Open opens a fresh channel of the given kind to host over conn, performing the one-byte kind
// handshake the server side reads in Accept.
func Open(ctx context.Context, conn ConnOpener, kind Kind) (*Channel, error) {
	s, err := conn.NewOverlayStream(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.Write([]byte{byte(kind)}); err != nil {
		s.Close()
		return nil, err
	}
	return wrap(kind, s), nil
}

// Accept wraps an inbound libp2p stream as a Channel, reading the one-byte kind handshake first.
func Accept(s network.Stream) (*Channel, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(s, kindByte[:]); err != nil {
		return nil, fmt.Errorf("channel: read kind handshake: %w", err)
	}
	return wrap(Kind(kindByte[0]), s), nil
}

// ConnOpener abstracts "open a new overlay stream on this connection," satisfied by the
// connection manager's per-peer connection handle.
type ConnOpener interface {
	NewOverlayStream(ctx context.Context) (network.Stream, error)
}

// Registry tracks the open channels (tunnels) on one connection, keyed by channel id.
type Registry struct {
	mu       sync.Mutex
	channels map[uint64]*Channel
}

// NewRegistry constructs an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[uint64]*Channel)}
}

// Add registers a channel.
func (r *Registry) Add(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID] = c
}

// Remove unregisters and does not close c (the caller owns closing).
func (r *Registry) Remove(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, c.ID)
}

// CloseAll closes every registered channel, used when a connection is lost.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	cs := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		cs = append(cs, c)
	}
	r.channels = make(map[uint64]*Channel)
	r.mu.Unlock()
	for _, c := range cs {
		c.Close()
	}
}
