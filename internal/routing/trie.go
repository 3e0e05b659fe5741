package routing

import (
	"sort"

	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

// Trie is the XOR-ordered container described in spec §3: entries are conceptually keyed by
// XOR(refKey, entryID), and WalkClosest traverses in bit order starting from a supplied query
// key, i.e. closest-to-ref first. The spec's "ordered container... with a sentinel mechanism
// that marks the position of a query key before any real entries" is realized here by always
// invoking the walk callback for the sentinel (when present) before any real entry whose XOR
// distance to ref is not smaller than the sentinel's.
//
// A plain sorted slice is sufficient at the sizes this node operates at (a handful of buckets of
// BucketSize=2, at most a few hundred lookup candidates per query); production Kademlia
// implementations (see go-libp2p-kbucket's xor trie) use a real binary trie for O(log n) closest
// lookups, which this type could be upgraded to without changing its external contract.
//
// Entries are keyed by the real peer NodeID (never a copy re-keyed to some reference point);
// WalkClosest takes the reference point as an argument, so the same Trie can answer "closest to
// local" (routing-table admission) and "closest to an arbitrary lookup target" (the lookup
// engine's seed/result tries) without maintaining separate re-keyed copies.
type Trie struct {
	entries   map[overlayid.ID]interface{}
	sentinels map[overlayid.ID]bool
}

// NewTrie constructs an empty Trie.
func NewTrie() *Trie {
	return &Trie{
		entries:   make(map[overlayid.ID]interface{}),
		sentinels: make(map[overlayid.ID]bool),
	}
}

// Insert adds or replaces the value stored at id.
func (t *Trie) Insert(id overlayid.ID, value interface{}) {
	t.entries[id] = value
}

// InsertSentinel marks id as a sentinel entry (e.g. "self") rather than a real peer; sentinels
// still participate in distance ordering but callers can recognize and skip them.
func (t *Trie) InsertSentinel(id overlayid.ID, value interface{}) {
	t.entries[id] = value
	t.sentinels[id] = true
}

// IsSentinel reports whether id was inserted via InsertSentinel.
func (t *Trie) IsSentinel(id overlayid.ID) bool {
	return t.sentinels[id]
}

// Remove deletes the entry at id, if present.
func (t *Trie) Remove(id overlayid.ID) {
	delete(t.entries, id)
	delete(t.sentinels, id)
}

// Get returns the value at id, if present.
func (t *Trie) Get(id overlayid.ID) (interface{}, bool) {
	v, ok := t.entries[id]
	return v, ok
}

// Len returns the number of entries (including sentinels).
func (t *Trie) Len() int {
	return len(t.entries)
}

// WalkClosest visits entries in order of increasing XOR distance to target, starting from the
// forward position of target itself (so a sentinel inserted exactly at target, per §4.2's
// "insert the sentinel value 'self' at XOR(target_id, local_id)", is visited in its correct
// relative position rather than always-first). Visiting stops when fn returns false.
func (t *Trie) WalkClosest(target overlayid.ID, fn func(id overlayid.ID, value interface{}) bool) {
	ids := make([]overlayid.ID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return overlayid.Less(target, ids[i], ids[j])
	})
	for _, id := range ids {
		if !fn(id, t.entries[id]) {
			return
		}
	}
}

// All returns every (id, value) pair, closest to target first.
func (t *Trie) All(target overlayid.ID) []Entry {
	out := make([]Entry, 0, len(t.entries))
	t.WalkClosest(target, func(id overlayid.ID, v interface{}) bool {
		out = append(out, Entry{ID: id, Value: v, Sentinel: t.sentinels[id]})
		return true
	})
	return out
}

// Entry is one (id, value) pair returned by Trie.All.
type Entry struct {
	ID       overlayid.ID
	Value    interface{}
	Sentinel bool
}
