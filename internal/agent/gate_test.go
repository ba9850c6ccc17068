package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGate(t *testing.T) {
	g := newGate()
	if g.IsOpen() {
		t.Fatal("Expected new gate to be closed")
	}
	if err := g.Wait(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning from a down gate, got %v", err)
	}

	g.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected wait on reset gate to time out, got %v", err)
	}

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()
	g.Open()
	select {
	case err := <-released:
		if err != nil {
			t.Errorf("Expected Open to release waiter cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Open to release waiter")
	}

	g.Open()
	if err := g.Wait(context.Background()); err != nil {
		t.Errorf("Expected open gate to pass, got %v", err)
	}

	g.Reset()
	g.Reset()
	if g.IsOpen() {
		t.Error("Expected gate closed after reset")
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := g.Wait(ctx2); err == nil {
		t.Error("Expected wait after reset to block")
	}
}

func TestGate_DownReleasesWaiters(t *testing.T) {
	g := newGate()
	g.Reset()

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()

	g.Down()
	select {
	case err := <-released:
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("Expected ErrNotRunning, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Down to release waiter")
	}

	g.Reset()
	g.Open()
	if err := g.Wait(context.Background()); err != nil {
		t.Errorf("Expected gate usable after Down, got %v", err)
	}
}
