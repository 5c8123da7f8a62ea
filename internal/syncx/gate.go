package syncx

import (
	"context"
	"sync"
)

// Gate is a binary stop/go barrier. While stopped, Wait blocks; Go releases
// every waiter at once. A new Gate is open.
type Gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{open: true, ch: ch}
}

func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return
	}
	g.open = false
	g.ch = make(chan struct{})
}

func (g *Gate) Go() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return
	}
	g.open = true
	close(g.ch)
}

func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
