package connmgr

import (
	"context"
	"time"

	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
)

// dialLoop is the producer/consumer dial control loop (spec §4.1): forced connects first, then
// the minimum-distance disconnected candidate batch, capped at MaxInFlightDial outstanding
// dials, backing off to IdleReschedule when the candidate queue is empty and to SteadyInterval
// once MinConnections is already satisfied.
func (m *Manager) dialLoop(ctx context.Context) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		for _, c := range m.forcedCandidates() {
			m.spawnDial(ctx, c)
		}

		if m.table.Count() >= m.cfg.MaxConnections {
			m.sleep(ctx, m.cfg.SteadyInterval)
			continue
		}

		minDist, ok, err := m.peers.MinDistanceDisconnected()
		if err != nil || !ok {
			m.sleep(ctx, m.cfg.IdleReschedule)
			continue
		}

		avail := m.cfg.MaxInFlightDial - len(m.inFlight)
		if avail <= 0 {
			m.sleep(ctx, time.Second)
			continue
		}

		candidates, err := m.peers.CandidatesAtDistance(minDist, avail, m.cfg.AttemptBackoff, time.Now())
		if err != nil || len(candidates) == 0 {
			m.sleep(ctx, m.cfg.IdleReschedule)
			continue
		}
		for _, c := range candidates {
			m.spawnDial(ctx, c)
		}

		if m.table.Count() >= m.cfg.MinConnections {
			m.sleep(ctx, m.cfg.SteadyInterval)
		}
	}
}

func (m *Manager) forcedCandidates() []*peerstore.Peer {
	all, err := m.peers.All()
	if err != nil {
		return nil
	}
	var out []*peerstore.Peer
	for _, p := range all {
		if p.ForcedConnect && !p.Connected {
			out = append(out, p)
		}
	}
	return out
}

// spawnDial acquires an in-flight slot (blocking only on shutdown), stamps the attempt, and
// dials in its own goroutine so the loop keeps moving.
func (m *Manager) spawnDial(ctx context.Context, c *peerstore.Peer) {
	select {
	case m.inFlight <- struct{}{}:
	case <-m.stopCh:
		return
	}

	c.LastConnectAttempt = time.Now()
	if err := m.peers.Upsert(c); err != nil {
		m.log.Warn("connmgr: failed to stamp dial attempt", log.Err(err))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.inFlight }()
		m.dialOne(ctx, c)
	}()
}

// dialOne dials a candidate through its distance bucket's circuit breaker. Success or failure of
// the overlay handshake itself is handled asynchronously by the connection notifiee once libp2p
// reports the connection established.
func (m *Manager) dialOne(ctx context.Context, c *peerstore.Peer) {
	breaker := m.breakerFor(c.Distance)
	_, err := breaker.Execute(func() (interface{}, error) {
		info, err := parseMultiaddr(c.Address)
		if err != nil {
			return nil, err
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return nil, m.host.Connect(dialCtx, info)
	})
	if err != nil {
		m.log.Debug("connmgr: dial failed", log.String("address", c.Address), log.Err(err))
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.stopCh:
	case <-ctx.Done():
	}
}
