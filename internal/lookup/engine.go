package lookup

import (
	"context"
	"math/bits"
	"sort"
	"sync"

	"github.com/nmxmxh/morphis-overlay/internal/blockstore"
	"github.com/nmxmxh/morphis-overlay/internal/channel"
	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
	"github.com/nmxmxh/morphis-overlay/internal/routing"
	"github.com/nmxmxh/morphis-overlay/internal/wire"
)

// maxConcurrentQueries bounds the number of outstanding FindNode messages at any instant across
// the whole traversal (spec P7's fan-out invariant), irrespective of how many tunnels are open.
const maxConcurrentQueries = 3

// PeerInfo is a peer discovered during a traversal, ready for the caller to persist and dial.
type PeerInfo struct {
	ID      overlayid.ID
	Address string
	PubKey  []byte
}

// Engine runs the iterative FIND_NODE/GET_DATA/STORE_DATA lookup described in spec §4.2.
type Engine struct {
	table   *routing.Table
	peers   *peerstore.Store
	blocks  *blockstore.Store
	localID overlayid.ID
	log     *log.Logger
}

// NewEngine builds a lookup Engine over the given routing table, peer store, and content store.
func NewEngine(table *routing.Table, peers *peerstore.Store, blocks *blockstore.Store, localID overlayid.ID) *Engine {
	return &Engine{table: table, peers: peers, blocks: blocks, localID: localID, log: log.Default("lookup")}
}

// traversal holds the shared state of one SendFindNode run: every VirtualPeer discovered so far,
// the roots opened to reach them, and the result trie used to pick the next-closest unused
// candidate at each iteration (spec's result_trie with the self sentinel).
type traversal struct {
	mu      sync.Mutex
	target  overlayid.ID
	mode    wire.Mode
	vpeers  map[overlayid.ID]*VirtualPeer
	trie    *routing.Trie
	roots   []*rootTunnel
}

func (e *Engine) maxDepth() int {
	n, err := e.peers.Count()
	if err != nil || n < 2 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}

// openRoots opens up to maxConcurrentQueries tunnels to the connected peers closest to target,
// skipping any that fail to dial; it returns as many as succeeded (possibly zero).
func (e *Engine) openRoots(ctx context.Context, target overlayid.ID) []*rootTunnel {
	seeds := e.table.ClosestConnected(target, maxConcurrentQueries, nil)
	roots := make([]*rootTunnel, 0, len(seeds))
	for i, seed := range seeds {
		if seed.Conn == nil {
			continue
		}
		ch, err := channel.Open(ctx, seed.Conn, channel.KindMultiplexedPeer)
		if err != nil {
			e.log.Warn("lookup: failed to open root tunnel", log.String("peer", seed.Peer.Address), log.Err(err))
			continue
		}
		rt := newRootTunnel(i, ch)
		rt.seed = seed
		roots = append(roots, rt)
	}
	return roots
}

// run drives one full traversal toward target under mode, returning every VirtualPeer touched.
func (e *Engine) run(ctx context.Context, target overlayid.ID, mode wire.Mode) (*traversal, error) {
	roots := e.openRoots(ctx, target)
	if len(roots) == 0 {
		return nil, overlayerr.New("lookup: no connected peers available to seed traversal")
	}

	tr := &traversal{
		target: target,
		mode:   mode,
		vpeers: make(map[overlayid.ID]*VirtualPeer),
		trie:   routing.NewTrie(),
		roots:  roots,
	}
	tr.trie.InsertSentinel(e.localID, nil)

	var wg sync.WaitGroup
	for _, rt := range roots {
		seed := rt.seed
		vp := &VirtualPeer{ID: seed.NodeID, Peer: seed.Peer, Address: seed.Peer.Address, Path: nil, Tunnel: rt.meta, Used: true}
		tr.mu.Lock()
		tr.vpeers[vp.ID] = vp
		tr.trie.Insert(vp.ID, vp)
		tr.mu.Unlock()

		wg.Add(1)
		go func(rt *rootTunnel, vp *VirtualPeer) {
			defer wg.Done()
			e.queryOne(ctx, tr, rt, vp)
		}(rt, vp)
	}
	wg.Wait()

	depth := 1
	for depth <= e.maxDepth() {
		frontier := tr.nextFrontier(maxConcurrentQueries)
		if len(frontier) == 0 {
			break
		}
		var dwg sync.WaitGroup
		for _, item := range frontier {
			rt := tr.rootFor(item.vp)
			if rt == nil {
				continue
			}
			dwg.Add(1)
			go func(rt *rootTunnel, vp *VirtualPeer) {
				defer dwg.Done()
				e.queryOne(ctx, tr, rt, vp)
			}(rt, item.vp)
		}
		dwg.Wait()
		depth++
	}

	return tr, nil
}

type frontierItem struct{ vp *VirtualPeer }

// nextFrontier picks up to n unused, non-sentinel candidates closest to the traversal target.
func (t *traversal) nextFrontier(n int) []frontierItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []frontierItem
	t.trie.WalkClosest(t.target, func(id overlayid.ID, v interface{}) bool {
		if t.trie.IsSentinel(id) {
			return true
		}
		vp := v.(*VirtualPeer)
		if vp.Used {
			return true
		}
		vp.Used = true
		out = append(out, frontierItem{vp: vp})
		return len(out) < n
	})
	return out
}

func (t *traversal) rootFor(vp *VirtualPeer) *rootTunnel {
	for _, rt := range t.roots {
		if rt.meta.Index == vp.Tunnel.Index {
			return rt
		}
	}
	return nil
}

// queryOne sends a FindNode toward vp and folds its response into the traversal: data-mode
// peers report DataPresence/StorageInterest about themselves first, then every peer reports a
// PeerList of farther candidates it knows about.
func (e *Engine) queryOne(ctx context.Context, tr *traversal, rt *rootTunnel, vp *VirtualPeer) {
	respCh, err := rt.send(vp.Path, wire.FindNode{Target: tr.target, Mode: tr.mode})
	if err != nil {
		e.log.Warn("lookup: send FindNode failed", log.Err(err))
		return
	}
	defer rt.release(vp.Path)

	if tr.mode != wire.ModeNone {
		msg, err := recvOne(ctx, respCh)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case wire.DataPresence:
			vp.DataPresent = m.Present
		case wire.StorageInterest:
			vp.WillStore = m.WillStore
		}
	}

	msg, err := recvOne(ctx, respCh)
	if err != nil {
		return
	}
	list, ok := msg.(wire.PeerList)
	if !ok {
		return
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for idx, entry := range list.Peers {
		nodeID := overlayid.FromPubKey(entry.PubKey)
		if nodeID == e.localID {
			continue
		}
		if _, exists := tr.vpeers[nodeID]; exists {
			continue
		}
		child := &VirtualPeer{
			ID:      nodeID,
			Address: entry.Address,
			PubKey:  entry.PubKey,
			Path:    childPath(vp.Path, uint32(idx)),
			Tunnel:  vp.Tunnel,
		}
		tr.vpeers[nodeID] = child
		tr.trie.Insert(nodeID, child)
	}
}

// discovered returns every VirtualPeer touched by the traversal, closest to target first.
func (t *traversal) discovered() []*VirtualPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*VirtualPeer, 0, len(t.vpeers))
	t.trie.WalkClosest(t.target, func(id overlayid.ID, v interface{}) bool {
		if t.trie.IsSentinel(id) {
			return true
		}
		out = append(out, v.(*VirtualPeer))
		return true
	})
	return out
}

// SendFindNode runs a plain FIND_NODE traversal (mode None) and returns every peer discovered,
// closest to target first — the primitive stabilize.Stabilizer.DoStabilize uses.
func (e *Engine) SendFindNode(ctx context.Context, target overlayid.ID) ([]PeerInfo, error) {
	tr, err := e.run(ctx, target, wire.ModeNone)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, rt := range tr.roots {
			rt.close()
		}
	}()
	vps := tr.discovered()
	out := make([]PeerInfo, 0, len(vps))
	for _, vp := range vps {
		out = append(out, PeerInfo{ID: vp.ID, Address: vp.Address, PubKey: vp.PubKey})
	}
	return out, nil
}

// GetData retrieves the plaintext addressed by dataID, decrypting with dataKey and validating
// the anti-entrapment double hash (spec §4.3 P6) against every candidate that claims to hold it,
// trying the next-closest candidate on a hash mismatch or fetch failure.
func (e *Engine) GetData(ctx context.Context, dataID, dataKey overlayid.ID) ([]byte, bool, error) {
	if plaintext, found, err := e.blocks.RetrievePlaintext(dataID, dataKey); err == nil && found {
		return plaintext, true, nil
	}

	tr, err := e.run(ctx, dataID, wire.ModeGet)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		for _, rt := range tr.roots {
			rt.close()
		}
	}()

	for _, vp := range tr.discovered() {
		if !vp.DataPresent {
			continue
		}
		rt := tr.rootFor(vp)
		if rt == nil {
			continue
		}
		plaintext, ok := e.fetchFrom(ctx, rt, vp, dataID, dataKey)
		if ok {
			return plaintext, true, nil
		}
	}
	return nil, false, nil
}

func (e *Engine) fetchFrom(ctx context.Context, rt *rootTunnel, vp *VirtualPeer, dataID, dataKey overlayid.ID) ([]byte, bool) {
	respCh, err := rt.send(vp.Path, wire.GetData{})
	if err != nil {
		return nil, false
	}
	defer rt.release(vp.Path)

	msg, err := recvOne(ctx, respCh)
	if err != nil {
		return nil, false
	}
	resp, ok := msg.(wire.DataResponse)
	if !ok {
		return nil, false
	}
	plaintext, ok, err := blockstore.DecryptAndVerify(resp.Data, dataKey, dataID, int(resp.OriginalSize))
	if err != nil || !ok {
		return nil, false
	}
	return plaintext, true
}

// StoreResult reports how many peers (including the local node, if it chose to keep a copy)
// ended up holding the data.
type StoreResult struct {
	DataID      overlayid.ID
	DataKey     overlayid.ID
	StoredCount int
}

// StoreData pushes plaintext out to every willing peer discovered while traversing toward
// data_id = H(H(plaintext)), plus the local node itself (spec §4.3's "_check_do_want_data" self
// case), returning how many copies ended up persisted.
func (e *Engine) StoreData(ctx context.Context, plaintext []byte) (StoreResult, error) {
	dataKey := overlayid.Hash(plaintext)
	dataID := overlayid.Hash(dataKey[:])
	result := StoreResult{DataID: dataID, DataKey: dataKey}

	if _, _, storeResult, err := e.blocks.Store(plaintext); err == nil && storeResult.Stored != nil && *storeResult.Stored {
		result.StoredCount++
	}

	tr, err := e.run(ctx, dataID, wire.ModeStore)
	if err != nil {
		return result, err
	}
	defer func() {
		for _, rt := range tr.roots {
			rt.close()
		}
	}()

	candidates := tr.discovered()
	sort.SliceStable(candidates, func(i, j int) bool {
		return overlayid.Less(dataID, candidates[i].ID, candidates[j].ID)
	})
	for _, vp := range candidates {
		if !vp.WillStore {
			continue
		}
		rt := tr.rootFor(vp)
		if rt == nil {
			continue
		}
		if e.storeAt(ctx, rt, vp, dataID, plaintext) {
			result.StoredCount++
		}
	}
	return result, nil
}

func (e *Engine) storeAt(ctx context.Context, rt *rootTunnel, vp *VirtualPeer, dataID overlayid.ID, plaintext []byte) bool {
	respCh, err := rt.send(vp.Path, wire.StoreData{DataID: dataID, Data: plaintext})
	if err != nil {
		return false
	}
	defer rt.release(vp.Path)

	msg, err := recvOne(ctx, respCh)
	if err != nil {
		return false
	}
	resp, ok := msg.(wire.DataStored)
	return ok && resp.Stored
}
