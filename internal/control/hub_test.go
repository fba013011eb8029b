package control

import (
	"context"
	"errors"
	"testing"
	"time"

	mediamock "github.com/dialvox/dialvox/pkg/media/mock"
)

func TestHubRegisterThenAwait(t *testing.T) {
	t.Parallel()

	h := NewHub()
	gw := &mediamock.Gateway{}
	if err := h.Register("call-1", gw); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	got, err := h.Await(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Await() error: %v", err)
	}
	if got != gw {
		t.Fatal("Await() returned a different gateway")
	}
	if h.Pending() != 0 {
		t.Errorf("Pending() = %d after handoff, want 0", h.Pending())
	}
}

func TestHubAwaitThenRegister(t *testing.T) {
	t.Parallel()

	h := NewHub()
	gw := &mediamock.Gateway{}

	done := make(chan error, 1)
	go func() {
		got, err := h.Await(context.Background(), "call-1")
		if err == nil && got != gw {
			err = errors.New("wrong gateway")
		}
		done <- err
	}()

	// Give the waiter a moment to park, then deliver.
	time.Sleep(10 * time.Millisecond)
	if err := h.Register("call-1", gw); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Await() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await() never returned")
	}
}

func TestHubDuplicateRegister(t *testing.T) {
	t.Parallel()

	h := NewHub()
	if err := h.Register("call-1", &mediamock.Gateway{}); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}
	if err := h.Register("call-1", &mediamock.Gateway{}); err == nil {
		t.Fatal("second Register() succeeded, want error")
	}
}

func TestHubAwaitTimeout(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Await(ctx, "call-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await() error = %v, want deadline exceeded", err)
	}
	if h.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", h.Pending())
	}
}

func TestHubLateRegisterAfterTimeoutClosesGateway(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := &mediamock.Gateway{}
	// Race the registration into the channel before Await observes the
	// cancelled context; Await must close the orphaned gateway.
	if err := h.Register("call-1", gw); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	got, err := h.Await(ctx, "call-1")
	if err == nil {
		// The handoff won the race; that is also a valid outcome.
		if got != gw {
			t.Fatal("Await() returned a different gateway")
		}
		return
	}
	if gw.CallCountClose != 1 {
		t.Errorf("orphaned gateway Close called %d times, want 1", gw.CallCountClose)
	}
}
