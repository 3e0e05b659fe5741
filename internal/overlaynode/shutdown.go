package overlaynode

import (
	"context"
	"sync"
	"time"

	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
)

// gracefulShutdown runs every registered teardown function in reverse registration order (LIFO),
// bounded by a timeout, so dependents shut down before the things they depend on.
type gracefulShutdown struct {
	mu      sync.Mutex
	fns     []func() error
	timeout time.Duration
	log     *log.Logger
}

func newGracefulShutdown(timeout time.Duration, logger *log.Logger) *gracefulShutdown {
	if logger == nil {
		logger = log.Default("shutdown")
	}
	return &gracefulShutdown{timeout: timeout, log: logger}
}

func (g *gracefulShutdown) register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fns = append(g.fns, fn)
}

func (g *gracefulShutdown) run(ctx context.Context) error {
	g.mu.Lock()
	fns := append([]func() error(nil), g.fns...)
	g.mu.Unlock()

	g.log.Info("overlaynode: starting graceful shutdown", log.Int("components", len(fns)))
	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				g.log.Error("overlaynode: shutdown step failed", log.Int("index", i), log.Err(err))
			}
		}
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("overlaynode: graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.log.Warn("overlaynode: graceful shutdown timed out")
		return overlayerr.New("overlaynode: shutdown timeout")
	}
}
