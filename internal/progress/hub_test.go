package progress

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRegisterUnregisterAfterShutdown(t *testing.T) {
	h := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub run loop did not stop")
	}

	returned := make(chan struct{})
	go func() {
		h.Register(nil, "r1")
		h.Unregister(nil)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("register/unregister blocked after shutdown")
	}
}

func TestPublishDropsWhenSaturated(t *testing.T) {
	h := NewHub(zerolog.Nop())
	// No run loop draining the channel; fill it past its buffer.
	for i := 0; i < 100; i++ {
		h.Publish("r1", Event{Type: "node_started"})
	}
	if got := h.ObserverCount(); got != 0 {
		t.Fatalf("observers = %d, want 0", got)
	}
}
