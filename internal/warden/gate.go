package warden

import (
	"context"
	"sync"
)

// Gate is a one-shot latch. It starts closed, opens exactly once, and never
// reverts; waiters registered before or after opening are all released.
type Gate struct {
	mu     sync.Mutex
	opened bool
	ch     chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open marks the gate permanently open. Idempotent.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.opened {
		return
	}
	g.opened = true
	close(g.ch)
}

func (g *Gate) Opened() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened
}

// Wait blocks until the gate opens or ctx is done. Returns immediately when
// already open.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	default:
	}
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
