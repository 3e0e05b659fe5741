package lookup

import (
	"strconv"
	"strings"

	"github.com/nmxmxh/morphis-overlay/internal/wire"
)

// buildEnvelope wraps inner in a chain of Relay{index, packets} messages nested from the
// deepest hop outward (spec §4.2): to reach a peer at path (idx1, idx2, ..., idxN) the root
// tunnel sees Relay{idx1, [Relay{idx2, [... Relay{idxN, [inner]} ...]}]}. A nil/empty path means
// inner travels unwrapped — the peer at the far end of the root tunnel itself.
func buildEnvelope(path []uint32, inner wire.Message) ([]byte, error) {
	payload, err := wire.Encode(inner)
	if err != nil {
		return nil, err
	}
	for i := len(path) - 1; i >= 0; i-- {
		relay := wire.Relay{Index: path[i], Packets: [][]byte{payload}}
		payload, err = wire.Encode(relay)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// unwrapRelay peels nested Relay layers off msg, returning the accumulated path indexes (root
// to leaf order) and the innermost non-Relay message.
func unwrapRelay(msg wire.Message) (path []uint32, leaf wire.Message, err error) {
	for {
		relay, ok := msg.(wire.Relay)
		if !ok {
			return path, msg, nil
		}
		path = append(path, relay.Index)
		if len(relay.Packets) == 0 {
			return path, relay, nil
		}
		leaf, err = wire.Decode(relay.Packets[0])
		if err != nil {
			return nil, nil, err
		}
		msg = leaf
	}
}

// pathKey renders a path as a map key; nil/empty paths (the peer directly at the far end of a
// root tunnel) key to "".
func pathKey(path []uint32) string {
	if len(path) == 0 {
		return ""
	}
	parts := make([]string, len(path))
	for i, idx := range path {
		parts[i] = strconv.FormatUint(uint64(idx), 10)
	}
	return strings.Join(parts, ",")
}

// childPath appends idx to a copy of parent, never mutating parent's backing array.
func childPath(parent []uint32, idx uint32) []uint32 {
	out := make([]uint32, len(parent)+1)
	copy(out, parent)
	out[len(parent)] = idx
	return out
}
