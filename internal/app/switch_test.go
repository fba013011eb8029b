package app

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestSwitchStartStop(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	stopped := make(chan struct{})
	s := newDialerSwitch(slog.Default())
	s.bind(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil
	})

	if s.Running() {
		t.Fatal("Running() = true before Start")
	}
	if !s.Start() {
		t.Fatal("Start() = false, want true")
	}
	if s.Start() {
		t.Fatal("second Start() = true, want false")
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("pool never started")
	}
	if !s.Running() {
		t.Error("Running() = false while started")
	}

	if !s.Stop() {
		t.Fatal("Stop() = false, want true")
	}
	if s.Stop() {
		t.Fatal("second Stop() = true, want false")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pool never observed cancellation")
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestSwitchStartWithoutPool(t *testing.T) {
	t.Parallel()

	s := newDialerSwitch(slog.Default())
	if s.Start() {
		t.Error("Start() = true with no pool bound")
	}
	if s.Running() {
		t.Error("Running() = true with no pool bound")
	}
}

func TestSwitchRestart(t *testing.T) {
	t.Parallel()

	runs := make(chan struct{}, 2)
	s := newDialerSwitch(slog.Default())
	s.bind(func(ctx context.Context) error {
		runs <- struct{}{}
		<-ctx.Done()
		return nil
	})

	s.Start()
	s.Stop()
	if !s.Start() {
		t.Fatal("restart failed")
	}
	s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(2 * time.Second):
			t.Fatalf("pool run %d never happened", i+1)
		}
	}
}

func TestSwitchParentCancellationFlipsSwitch(t *testing.T) {
	t.Parallel()

	s := newDialerSwitch(slog.Default())
	s.bind(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.setBase(ctx)
	s.Start()
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Running() still true after parent cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
