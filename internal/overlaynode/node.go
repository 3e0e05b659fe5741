// Package overlaynode wires the routing fabric, connection manager, lookup engine, relay server,
// content store, and HTTP gateway into one running node (spec §OVERVIEW), grounded on the
// teacher's kernel.Kernel lifecycle (Start/Stop backed by a GracefulShutdown registry).
package overlaynode

import (
	"context"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/morphis-overlay/internal/blockstore"
	"github.com/nmxmxh/morphis-overlay/internal/connmgr"
	"github.com/nmxmxh/morphis-overlay/internal/gatewayhttp"
	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/lookup"
	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
	"github.com/nmxmxh/morphis-overlay/internal/routing"
	"github.com/nmxmxh/morphis-overlay/internal/stabilize"
)

// Config describes everything needed to bring up one node instance.
type Config struct {
	DataDir          string
	Instance         string
	ListenAddrs      []string
	Bootstrap        []string // multiaddrs seeded as forced-connect rows on every Start
	MaxDataBytes     int64
	MaxDataBlockSize int64
	HTTPAddr         string
	StabilizePeriod  time.Duration
	ShutdownTimeout  time.Duration
	ConnMgr          connmgr.Config
}

// DefaultConfig fills in the constants SPEC_FULL.md names where Config leaves a field zero.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:      []string{"/ip4/0.0.0.0/tcp/0"},
		MaxDataBytes:     1 << 30,
		MaxDataBlockSize: 1 << 20,
		HTTPAddr:         "127.0.0.1:8080",
		StabilizePeriod:  10 * time.Minute,
		ShutdownTimeout:  15 * time.Second,
		ConnMgr:          connmgr.DefaultConfig(),
	}
}

// Node is one running overlay participant.
type Node struct {
	cfg Config
	log *log.Logger

	peers   *peerstore.Store
	blocks  *blockstore.Store
	table   *routing.Table
	conns   *connmgr.Manager
	engine  *lookup.Engine
	stable  *stabilize.Stabilizer
	gateway *gatewayhttp.Server

	shutdown *gracefulShutdown
	cancel   context.CancelFunc
}

// New constructs every subsystem but does not yet start networking.
func New(cfg Config) (*Node, error) {
	priv, err := loadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	// Marshal (not Raw) to match nodeIDFor in connmgr and the PubKey bytes placed on the wire
	// in PeerList entries — otherwise this node's self-perceived id never equals the id the
	// rest of the network computes for it.
	rawPub, err := libp2pcrypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, overlayerr.Wrap(err, "overlaynode: marshal public key")
	}
	localID := overlayid.FromPubKey(rawPub)

	h, err := libp2p.New(libp2p.Identity(priv), libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, overlayerr.Wrap(err, "overlaynode: start libp2p host")
	}

	peerDB, err := peerstore.Open(cfg.DataDir + "/" + cfg.Instance + ".db")
	if err != nil {
		return nil, err
	}
	blocks, err := blockstore.Open(peerDB, blockstore.Config{
		DataDir: cfg.DataDir, Instance: cfg.Instance, LocalID: localID,
		MaxDataBytes: cfg.MaxDataBytes, MaxDataBlockSize: cfg.MaxDataBlockSize,
	})
	if err != nil {
		return nil, err
	}

	table := routing.NewTable(localID)
	conns := connmgr.New(h, table, peerDB, blocks, localID, cfg.ConnMgr)
	engine := lookup.NewEngine(table, peerDB, blocks, localID)
	stable := stabilize.New(engine, conns, localID)
	gateway := gatewayhttp.NewServer(cfg.HTTPAddr, engine, blocks)

	n := &Node{
		cfg:      cfg,
		log:      log.Default("overlaynode"),
		peers:    peerDB,
		blocks:   blocks,
		table:    table,
		conns:    conns,
		engine:   engine,
		stable:   stable,
		gateway:  gateway,
		shutdown: newGracefulShutdown(cfg.ShutdownTimeout, log.Default("overlaynode")),
	}
	return n, nil
}

// Start brings the node online: the libp2p stream handler, the dial control loop, the
// stabilization ticker, and the HTTP gateway.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.conns.Start(ctx)
	n.shutdown.register(func() error { n.conns.Stop(); return nil })

	n.seedBootstrap()

	go n.stabilizeLoop(ctx)

	if err := n.gateway.Start(); err != nil {
		return err
	}
	n.shutdown.register(n.gateway.Stop)
	n.shutdown.register(n.peers.Close)

	n.log.Info("overlaynode: started", log.String("http_addr", n.cfg.HTTPAddr))
	return nil
}

// seedBootstrap upserts the configured bootstrap addresses as forced-connect candidates so the
// dial loop reaches them even before any FindNode traversal has discovered peers on its own.
// The content store shares peers' bbolt handle and has no separate shutdown hook of its own.
func (n *Node) seedBootstrap() {
	for _, addr := range n.cfg.Bootstrap {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			n.log.Warn("overlaynode: invalid bootstrap address", log.String("address", addr), log.Err(err))
			continue
		}
		if err := n.peers.Upsert(&peerstore.Peer{Address: addr, ForcedConnect: true}); err != nil {
			n.log.Warn("overlaynode: failed to seed bootstrap peer", log.Err(err))
		}
	}
}

func (n *Node) stabilizeLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.StabilizePeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.stable.DoStabilize(ctx); err != nil {
				n.log.Warn("overlaynode: stabilize pass failed", log.Err(err))
			}
		}
	}
}

// Stop gracefully tears every subsystem down in reverse dependency order.
func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	return n.shutdown.run(ctx)
}
