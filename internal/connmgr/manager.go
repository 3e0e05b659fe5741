// Package connmgr implements the peer connection manager (spec §4.1): a dial control loop that
// keeps the routing table populated toward minimum_connections, admission/eviction decisions on
// every newly authenticated connection, and the reactive hooks the rest of the node depends on.
package connmgr

import (
	"context"
	"sync"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/morphis-overlay/internal/blockstore"
	"github.com/nmxmxh/morphis-overlay/internal/channel"
	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
	"github.com/nmxmxh/morphis-overlay/internal/relay"
	"github.com/nmxmxh/morphis-overlay/internal/routing"
)

// Config tunes the dial control loop (spec §4.1 glossary: minimum_connections, maximum_connections).
type Config struct {
	MinConnections  int
	MaxConnections  int
	MaxInFlightDial int           // producer/consumer pipeline cap (spec: 5)
	AttemptBackoff  time.Duration // per-candidate retry backoff (spec: not more often than every 5 minutes)
	IdleReschedule  time.Duration // sleep when the candidate queue is empty (spec: 60s)
	SteadyInterval  time.Duration // sleep once minimum_connections is reached (spec: not more often than every 15s)
}

// DefaultConfig matches the constants named in spec §4.1.
func DefaultConfig() Config {
	return Config{
		MinConnections:  10,
		MaxConnections:  64,
		MaxInFlightDial: 5,
		AttemptBackoff:  5 * time.Minute,
		IdleReschedule:  60 * time.Second,
		SteadyInterval:  15 * time.Second,
	}
}

// Manager owns the dial control loop and the routing table admission path.
type Manager struct {
	cfg     Config
	host    libp2phost.Host
	table   *routing.Table
	peers   *peerstore.Store
	relay   *relay.Server
	localID overlayid.ID
	log     *log.Logger

	breakersMu sync.Mutex
	breakers   map[int]*gobreaker.CircuitBreaker

	inFlight chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Manager. blocks backs the relay server this manager installs as the stream
// handler for inbound tunnel requests.
func New(h libp2phost.Host, table *routing.Table, peers *peerstore.Store, blocks *blockstore.Store, localID overlayid.ID, cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		host:     h,
		table:    table,
		peers:    peers,
		relay:    relay.NewServer(table, blocks),
		localID:  localID,
		log:      log.Default("connmgr"),
		breakers: make(map[int]*gobreaker.CircuitBreaker),
		inFlight: make(chan struct{}, cfg.MaxInFlightDial),
		stopCh:   make(chan struct{}),
	}
}

// Start installs the inbound stream handler, the connection notifiee, and launches the dial
// control loop.
func (m *Manager) Start(ctx context.Context) {
	m.host.SetStreamHandler(channel.ProtocolID, m.handleInboundStream)
	m.host.Network().Notify(m.notifiee())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dialLoop(ctx)
	}()
}

// Stop halts the dial control loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// AddPeers upserts newly discovered peers as disconnected candidate rows (spec's AddPeers),
// skipping any that are already known by node id or address.
func (m *Manager) AddPeers(infos []PeerCandidate) {
	for _, info := range infos {
		if info.ID == m.localID {
			continue
		}
		if existing, _ := m.peers.ByNodeID(info.ID); existing != nil {
			continue
		}
		if info.Address != "" {
			if existing, _ := m.peers.ByAddress(info.Address); existing != nil {
				continue
			}
		}
		row := &peerstore.Peer{
			Address:   info.Address,
			PubKey:    info.PubKey,
			NodeID:    info.ID,
			HasNodeID: true,
			Distance:  overlayid.LogDistance(m.localID, info.ID),
			Direction: peerstore.DirectionOutbound,
		}
		if err := m.peers.Upsert(row); err != nil {
			m.log.Warn("connmgr: failed to persist candidate", log.Err(err))
		}
	}
}

// PeerCandidate is the minimal information AddPeers needs; the lookup engine's PeerInfo and the
// gateway's bootstrap list both satisfy it by value.
type PeerCandidate struct {
	ID      overlayid.ID
	Address string
	PubKey  []byte
}

// handleInboundStream is the libp2p stream handler for every overlay channel, whether a tunnel
// (relayed FindNode traffic) or a session stream.
func (m *Manager) handleInboundStream(s network.Stream) {
	ch, err := channel.Accept(s)
	if err != nil {
		s.Close()
		return
	}
	remote := s.Conn().RemotePeer()
	nodeID, ok := m.nodeIDFor(remote)
	if !ok {
		ch.Close()
		return
	}
	switch ch.Kind {
	case channel.KindMultiplexedPeer:
		go m.relay.Serve(context.Background(), ch, nodeID)
	default:
		ch.Close()
	}
}

// nodeIDFor derives an overlay NodeID from a libp2p peer's authenticated public key (spec:
// NodeID is H(pubkey), the same derivation the wire PeerList entries use).
func (m *Manager) nodeIDFor(id peer.ID) (overlayid.ID, bool) {
	pub := m.host.Peerstore().PubKey(id)
	if pub == nil {
		return overlayid.ID{}, false
	}
	raw, err := libp2pcrypto.MarshalPublicKey(pub)
	if err != nil {
		return overlayid.ID{}, false
	}
	return overlayid.FromPubKey(raw), true
}

func (m *Manager) breakerFor(distance int) *gobreaker.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	if b, ok := m.breakers[distance]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connmgr-dial",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	m.breakers[distance] = b
	return b
}

func parseMultiaddr(addr string) (peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return *info, nil
}
