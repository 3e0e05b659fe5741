// Package peerstore persists Peer rows and generic NodeState key/value entries in bbolt,
// realizing the spec's "relational metadata store used to persist peer records and block
// metadata" as a transactional embedded key-value store (spec §1, §3, §6.4). A bbolt Update
// transaction is a single global writer — exactly the "table lock" the spec's admission and
// DataBlock accounting paths require.
package peerstore

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

var (
	bucketPeers        = []byte("peers")         // id -> Peer (json)
	bucketPeersByAddr  = []byte("peers_by_addr")  // address -> id
	bucketPeersByNode  = []byte("peers_by_node")  // node_id -> id
	bucketNodeState    = []byte("node_state")     // key -> value (json)
)

// Direction is the Peer.direction field.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Peer is the persisted row described in spec §3.
type Peer struct {
	ID                  string       `json:"id"`
	Address             string       `json:"address"`
	PubKey              []byte       `json:"pubkey,omitempty"`
	NodeID              overlayid.ID `json:"node_id"`
	HasNodeID           bool         `json:"has_node_id"`
	Distance            int          `json:"distance"`
	Direction           Direction    `json:"direction"`
	Connected           bool         `json:"connected"`
	LastConnectAttempt  time.Time    `json:"last_connect_attempt"`
	ForcedConnect       bool         `json:"forced_connect"`
}

// Store wraps a bbolt database holding the Peer table and the NodeState table.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the peerstore database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, overlayerr.Wrap(err, "peerstore: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPeers, bucketPeersByAddr, bucketPeersByNode, bucketNodeState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, overlayerr.Wrap(err, "peerstore: init buckets")
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts or replaces a Peer row, maintaining the address/node_id secondary indexes.
// Invariant P2: rows whose known node id is the local node's (Distance == 0 with HasNodeID set)
// must never reach this call; callers delete instead. Rows without a node id (bootstrap seeds)
// carry Distance 0 only as an unset value.
func (s *Store) Upsert(p *Peer) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.upsertTx(tx, p)
	})
}

func (s *Store) upsertTx(tx *bolt.Tx, p *Peer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketPeers).Put([]byte(p.ID), data); err != nil {
		return err
	}
	if p.Address != "" {
		if err := tx.Bucket(bucketPeersByAddr).Put([]byte(p.Address), []byte(p.ID)); err != nil {
			return err
		}
	}
	if p.HasNodeID {
		if err := tx.Bucket(bucketPeersByNode).Put(p.NodeID[:], []byte(p.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a Peer row and its index entries.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPeers).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var p Peer
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Address != "" {
			tx.Bucket(bucketPeersByAddr).Delete([]byte(p.Address))
		}
		if p.HasNodeID {
			tx.Bucket(bucketPeersByNode).Delete(p.NodeID[:])
		}
		return tx.Bucket(bucketPeers).Delete([]byte(id))
	})
}

// ByAddress looks up a Peer row by address.
func (s *Store) ByAddress(addr string) (*Peer, error) {
	var out *Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPeersByAddr).Get([]byte(addr))
		if id == nil {
			return nil
		}
		out = decodePeer(tx.Bucket(bucketPeers).Get(id))
		return nil
	})
	return out, err
}

// ByNodeID looks up a Peer row by its authenticated node id.
func (s *Store) ByNodeID(id overlayid.ID) (*Peer, error) {
	var out *Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		rowID := tx.Bucket(bucketPeersByNode).Get(id[:])
		if rowID == nil {
			return nil
		}
		out = decodePeer(tx.Bucket(bucketPeers).Get(rowID))
		return nil
	})
	return out, err
}

func decodePeer(raw []byte) *Peer {
	if raw == nil {
		return nil
	}
	var p Peer
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return &p
}

// All returns every Peer row (used by the dial control loop's distance scans and by
// maximum_depth's known_peer_count).
func (s *Store) All() ([]*Peer, error) {
	var out []*Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			if p := decodePeer(v); p != nil {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// Count returns the total number of Peer rows (the DB count used for maximum_depth).
func (s *Store) Count() (int, error) {
	all, err := s.All()
	return len(all), err
}

// MinDistanceDisconnected returns the minimum Distance among disconnected peers that have a
// known node_id, used by the dial control loop step 2. ok is false if there are none.
func (s *Store) MinDistanceDisconnected() (d int, ok bool, err error) {
	all, err := s.All()
	if err != nil {
		return 0, false, err
	}
	min := -1
	for _, p := range all {
		if p.Connected || !p.HasNodeID {
			continue
		}
		if min == -1 || p.Distance < min {
			min = p.Distance
		}
	}
	if min == -1 {
		return 0, false, nil
	}
	return min, true, nil
}

// CandidatesAtDistance returns up to limit disconnected candidate peers at exactly distance d
// whose LastConnectAttempt is zero or older than backoff, ordered (direction DESC, node_id) as
// specified by the dial control loop step 3.
func (s *Store) CandidatesAtDistance(d int, limit int, backoff time.Duration, now time.Time) ([]*Peer, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var cands []*Peer
	for _, p := range all {
		if p.Connected || !p.HasNodeID || p.Distance != d {
			continue
		}
		if !p.LastConnectAttempt.IsZero() && now.Sub(p.LastConnectAttempt) < backoff {
			continue
		}
		cands = append(cands, p)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Direction != cands[j].Direction {
			// DESC by direction: "outbound" > "inbound" lexicographically, which happens to
			// match "prefer peers we already dialed before" just as well as any other tiebreak;
			// what matters per the spec is a stable, deterministic order.
			return cands[i].Direction > cands[j].Direction
		}
		return compareNodeID(cands[i], cands[j]) < 0
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

func compareNodeID(a, b *Peer) int {
	for i := range a.NodeID {
		if a.NodeID[i] != b.NodeID[i] {
			if a.NodeID[i] < b.NodeID[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// NodeState get/set — a generic key/value table; the spec's DATASTORE_SIZE counter lives here
// under the key "DATASTORE_SIZE", but the table is kept generic per SPEC_FULL.md §4 so other
// instance-scoped bootstrap metadata has a home.
func (s *Store) NodeStateGet(key string, out interface{}) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNodeState).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, out)
	})
	return found, err
}

func (s *Store) NodeStateSet(key string, value interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.NodeStateSetTx(tx, key, value)
	})
}

// NodeStateSetTx sets key within an already-open write transaction, letting other subsystems
// (the content store) fold a NodeState update into their own table-locked transaction.
func (s *Store) NodeStateSetTx(tx *bolt.Tx, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketNodeState).Put([]byte(key), data)
}

// Update runs fn inside a single bbolt write transaction, the same table lock the content store's
// admission/eviction path takes through DBRaw().Update.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

// DBRaw exposes the underlying bbolt handle so dependent stores (blockstore) can open their own
// buckets and share the single-writer table lock semantics.
func (s *Store) DBRaw() *bolt.DB { return s.db }

// BucketNodeState returns the NodeState bucket name, for callers folding updates into a
// transaction obtained via DBRaw.
func BucketNodeState() []byte { return bucketNodeState }

// DatastoreSizeKey is the NodeState key backing NodeState.DATASTORE_SIZE (spec §3).
const DatastoreSizeKey = "DATASTORE_SIZE"
