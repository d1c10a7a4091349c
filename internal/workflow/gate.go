package workflow

import (
	"context"
	"sync"
)

// Gate pauses workflow input steps while a human has the control channel.
// Pause and Resume are reference-counted so overlapping control
// connections keep the gate closed until the last one detaches.
type Gate struct {
	mu      sync.Mutex
	holders int
	reopen  chan struct{}
}

func NewGate() *Gate {
	return &Gate{reopen: make(chan struct{})}
}

// Pause closes the gate. Safe to call from any goroutine.
func (g *Gate) Pause() {
	g.mu.Lock()
	g.holders++
	g.mu.Unlock()
}

// Resume releases one hold. The gate reopens when all holds are released.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holders == 0 {
		return
	}
	g.holders--
	if g.holders == 0 {
		close(g.reopen)
		g.reopen = make(chan struct{})
	}
}

// Paused reports whether any hold is outstanding.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders > 0
}

// Wait blocks until the gate is open or ctx ends. Holds can be taken and
// released repeatedly while a caller waits; it returns only when it
// observes zero holds.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.holders == 0 {
			g.mu.Unlock()
			return nil
		}
		reopen := g.reopen
		g.mu.Unlock()

		select {
		case <-reopen:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
