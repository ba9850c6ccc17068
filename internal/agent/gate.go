package agent

import (
	"context"
	"sync"
)

type gateState int

const (
	gateDown gateState = iota
	gateWaiting
	gateOpen
)

// gate is a resettable readiness signal. While waiting, callers block until
// the gate opens; while down, they fail with ErrNotRunning.
type gate struct {
	mu    sync.Mutex
	ch    chan struct{}
	state gateState
}

// newGate returns a gate that is down.
func newGate() *gate {
	ch := make(chan struct{})
	close(ch)
	return &gate{ch: ch, state: gateDown}
}

// Open sets the gate and releases every waiter.
func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateWaiting {
		close(g.ch)
	}
	g.state = gateOpen
}

// Reset unsets the gate. Waiters that arrive afterwards block until Open or
// Down.
func (g *gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != gateWaiting {
		g.ch = make(chan struct{})
		g.state = gateWaiting
	}
}

// Down marks that no process is coming. Blocked waiters are released with
// ErrNotRunning.
func (g *gate) Down() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateWaiting {
		close(g.ch)
	}
	g.state = gateDown
}

// IsOpen reports whether the gate is currently set.
func (g *gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateOpen
}

// Wait blocks until the gate is set or ctx is done.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateDown {
		return ErrNotRunning
	}
	return nil
}
