package lookup

import (
	"context"
	"sync"

	"github.com/nmxmxh/morphis-overlay/internal/channel"
	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
	"github.com/nmxmxh/morphis-overlay/internal/routing"
	"github.com/nmxmxh/morphis-overlay/internal/wire"
)

// rootTunnel owns one root-level channel opened to a directly-connected peer and demultiplexes
// every response (its own, and every relayed response for peers reached through it) by the path
// that produced it. Multiple in-flight queries share the tunnel exactly as spec §4.2 describes:
// "a single per-tunnel goroutine reads frames and fans them out to whichever path is waiting."
type rootTunnel struct {
	meta *TunnelMeta
	seed *routing.LivePeer // the directly-connected peer this root tunnel reaches

	mu      sync.Mutex
	pending map[string]chan wire.Message
}

func newRootTunnel(index int, ch *channel.Channel) *rootTunnel {
	rt := &rootTunnel{
		meta:    &TunnelMeta{Index: index, Channel: ch},
		pending: make(map[string]chan wire.Message),
	}
	go rt.demux()
	return rt
}

func (rt *rootTunnel) demux() {
	for frame := range rt.meta.Channel.Inbox() {
		msg, err := wire.Decode(frame)
		if err != nil {
			continue
		}
		path, leaf, err := unwrapRelay(msg)
		if err != nil {
			continue
		}
		key := pathKey(path)
		rt.mu.Lock()
		ch, ok := rt.pending[key]
		rt.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- leaf:
		default:
		}
	}
	rt.mu.Lock()
	for _, ch := range rt.pending {
		close(ch)
	}
	rt.pending = make(map[string]chan wire.Message)
	rt.mu.Unlock()
}

// send writes inner (wrapped per path) down the tunnel and returns a channel yielding the
// responses routed back to path, in arrival order. The caller must call release when done.
func (rt *rootTunnel) send(path []uint32, inner wire.Message) (<-chan wire.Message, error) {
	key := pathKey(path)
	respCh := make(chan wire.Message, 4)

	rt.mu.Lock()
	rt.pending[key] = respCh
	rt.meta.jobs++
	rt.mu.Unlock()

	payload, err := buildEnvelope(path, inner)
	if err != nil {
		rt.release(path)
		return nil, err
	}
	if err := rt.meta.Channel.Write(payload); err != nil {
		rt.release(path)
		return nil, overlayerr.Wrap(err, "lookup: write to tunnel")
	}
	return respCh, nil
}

func (rt *rootTunnel) release(path []uint32) {
	key := pathKey(path)
	rt.mu.Lock()
	if ch, ok := rt.pending[key]; ok {
		delete(rt.pending, key)
		close(ch)
	}
	if rt.meta.jobs > 0 {
		rt.meta.jobs--
	}
	rt.mu.Unlock()
}

// recvOne waits for exactly one response on respCh or ctx cancellation.
func recvOne(ctx context.Context, respCh <-chan wire.Message) (wire.Message, error) {
	select {
	case msg, ok := <-respCh:
		if !ok {
			return nil, overlayerr.New("lookup: tunnel closed before response")
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rt *rootTunnel) close() {
	rt.meta.Channel.Close()
}
