// Package relay implements the tunnel server side of spec §4.2: handling a peer's inbound
// FindNode request, answering with this node's own data interest (GET/STORE modes) and the
// closest peers it knows of that are closer to the target than itself, then transparently relaying any further Relay-wrapped traffic to
// farther peers through fresh subtunnels opened on this node's own connections.
//
// Every hop in a multi-hop lookup runs the same code: from a relaying node's point of view, the
// peer asking it to open a subtunnel looks exactly like any other directly-connecting requester.
package relay

import (
	"context"
	"sync"

	"github.com/nmxmxh/morphis-overlay/internal/blockstore"
	"github.com/nmxmxh/morphis-overlay/internal/channel"
	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/routing"
	"github.com/nmxmxh/morphis-overlay/internal/wire"
)

// maxRelayPeers bounds how many closer peers a FindNode reply offers (Open Question decision:
// an independent policy constant, not tied to routing.BucketSize).
const maxRelayPeers = 3

// Server answers inbound tunnel requests against the local routing table and content store.
type Server struct {
	table  *routing.Table
	blocks *blockstore.Store
	log    *log.Logger
}

// NewServer builds a relay Server over the given routing table and content store.
func NewServer(table *routing.Table, blocks *blockstore.Store) *Server {
	return &Server{table: table, blocks: blocks, log: log.Default("relay")}
}

// Serve runs the lifetime of one inbound channel from peerNodeID, processing every request it
// sends (a root-level FindNode, or any depth of Relay-wrapped traffic) until the channel closes.
func (s *Server) Serve(ctx context.Context, ch *channel.Channel, peerNodeID overlayid.ID) {
	sess := &session{
		srv:        s,
		ch:         ch,
		peerNodeID: peerNodeID,
		subtunnels: make(map[uint32]*forwardTunnel),
	}
	sess.run(ctx)
}

// session tracks the per-hop state needed to answer a FindNode (what it was asked, and in what
// order it offered closer peers, so later Relay.Index values resolve correctly) and the forward
// tunnels it has opened on behalf of the peer at the other end of ch.
type session struct {
	srv        *Server
	ch         *channel.Channel
	peerNodeID overlayid.ID

	mu         sync.Mutex
	lastPeerList []*routing.LivePeer
	lastTarget   overlayid.ID
	lastMode     wire.Mode
	subtunnels   map[uint32]*forwardTunnel
}

// forwardTunnel is a subtunnel this node opened to relay traffic one hop deeper, plus the
// goroutine pumping its responses back up wrapped as Relay{index, [response]}.
type forwardTunnel struct {
	ch *channel.Channel
}

func (s *session) run(ctx context.Context) {
	defer s.closeAll()
	for frame := range s.ch.Inbox() {
		msg, err := wire.Decode(frame)
		if err != nil {
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ft := range s.subtunnels {
		ft.ch.Close()
	}
}

func (s *session) handle(ctx context.Context, msg wire.Message) {
	switch m := msg.(type) {
	case wire.FindNode:
		s.handleFindNode(m)
	case wire.GetData:
		s.handleGetData()
	case wire.StoreData:
		s.handleStoreData(m)
	case wire.Relay:
		s.handleRelay(ctx, m)
	default:
		s.srv.log.Warn("relay: unexpected top-level packet", log.Any("type", msg.Type()))
	}
}

func (s *session) writeMsg(m wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		return
	}
	if err := s.ch.Write(data); err != nil {
		s.srv.log.Warn("relay: write response failed", log.Err(err))
	}
}

// handleFindNode implements the self-query half of spec §4.2's relay server: answer this node's
// own data interest first (GET/STORE modes), then the closest connected peers it knows of that
// are closer to the target than this node, excluding the requester itself.
func (s *session) handleFindNode(m wire.FindNode) {
	s.mu.Lock()
	s.lastTarget = m.Target
	s.lastMode = m.Mode
	s.mu.Unlock()

	switch m.Mode {
	case wire.ModeGet:
		present, err := s.srv.blocks.Has(m.Target)
		if err != nil {
			present = false
		}
		s.writeMsg(wire.DataPresence{Present: present})
	case wire.ModeStore:
		// The FindNode stage carries no size; this is an optimistic capacity signal, re-checked
		// for real against the actual payload size when StoreData arrives.
		accept, _, err := s.srv.blocks.CheckDoWantData(m.Target, 0)
		if err != nil {
			accept = false
		}
		s.writeMsg(wire.StorageInterest{WillStore: accept})
	}

	exclude := map[overlayid.ID]bool{s.peerNodeID: true}
	closest := s.srv.table.ClosestConnected(m.Target, maxRelayPeers, exclude)
	// Offer only peers closer to the target than this node; when none is, the list is empty.
	peers := make([]*routing.LivePeer, 0, len(closest))
	for _, p := range closest {
		if overlayid.Less(m.Target, p.NodeID, s.srv.table.LocalID) {
			peers = append(peers, p)
		}
	}

	s.mu.Lock()
	s.lastPeerList = peers
	s.mu.Unlock()

	entries := make([]wire.PeerListEntry, len(peers))
	for i, p := range peers {
		entries[i] = wire.PeerListEntry{Address: p.Peer.Address, PubKey: p.Peer.PubKey}
	}
	s.writeMsg(wire.PeerList{Peers: entries})
}

// handleGetData answers a GetData request about whatever target the preceding FindNode at this
// hop named (GetData itself carries no target; the FindNode/GetData pair share a hop session).
func (s *session) handleGetData() {
	s.mu.Lock()
	target := s.lastTarget
	s.mu.Unlock()

	ciphertext, size, found, err := s.srv.blocks.Retrieve(target)
	if err != nil || !found {
		s.writeMsg(wire.DataResponse{OriginalSize: 0, Data: nil})
		return
	}
	s.writeMsg(wire.DataResponse{OriginalSize: uint32(size), Data: ciphertext})
}

// handleStoreData persists the pushed plaintext locally and reports whether it was kept.
func (s *session) handleStoreData(m wire.StoreData) {
	_, _, result, err := s.srv.blocks.Store(m.Data)
	stored := err == nil && result.Stored != nil && *result.Stored
	s.writeMsg(wire.DataStored{Stored: stored})
}

// handleRelay opens (lazily, on first sight of Index) a subtunnel to the peer named at that
// position in the most recent PeerList this session offered, then forwards every packet in m
// down it raw — the peer at the far end decodes and continues the recursion on its own.
func (s *session) handleRelay(ctx context.Context, m wire.Relay) {
	s.mu.Lock()
	ft, ok := s.subtunnels[m.Index]
	peers := s.lastPeerList
	s.mu.Unlock()

	if !ok {
		if int(m.Index) >= len(peers) {
			s.srv.log.Warn("relay: index out of range", log.Any("index", m.Index))
			return
		}
		target := peers[m.Index]
		if target.Conn == nil {
			return
		}
		newCh, err := channel.Open(ctx, target.Conn, channel.KindMultiplexedPeer)
		if err != nil {
			s.srv.log.Warn("relay: failed to open subtunnel", log.Err(err))
			return
		}
		ft = &forwardTunnel{ch: newCh}
		s.mu.Lock()
		s.subtunnels[m.Index] = ft
		s.mu.Unlock()
		go s.pumpResponses(ft, m.Index)
	}

	for _, packet := range m.Packets {
		if err := ft.ch.Write(packet); err != nil {
			s.srv.log.Warn("relay: forward failed", log.Err(err))
			return
		}
	}
}

// pumpResponses wraps every frame coming back from a subtunnel as Relay{index, [frame]} and
// writes it upstream, reconstructing the nested envelope one layer at a time as responses climb
// back toward the original requester.
func (s *session) pumpResponses(ft *forwardTunnel, index uint32) {
	for frame := range ft.ch.Inbox() {
		wrapped := wire.Relay{Index: index, Packets: [][]byte{frame}}
		data, err := wire.Encode(wrapped)
		if err != nil {
			continue
		}
		if err := s.ch.Write(data); err != nil {
			return
		}
	}
}
