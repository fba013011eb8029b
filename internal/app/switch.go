package app

import (
	"context"
	"log/slog"
	"sync"
)

// dialerSwitch gates the dialer worker pool behind the control surface's
// start/stop endpoints. Stop cancels the pool's context, which halts new
// dequeues; in-flight calls drain on their own.
type dialerSwitch struct {
	log *slog.Logger

	mu     sync.Mutex
	base   context.Context
	run    func(ctx context.Context) error
	cancel context.CancelFunc
}

func newDialerSwitch(log *slog.Logger) *dialerSwitch {
	return &dialerSwitch{log: log}
}

// bind attaches the worker pool's run function. Until bound, Start is a no-op.
func (s *dialerSwitch) bind(run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
}

// setBase sets the parent context new pool runs derive from.
func (s *dialerSwitch) setBase(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
}

// Start launches the worker pool. Returns false when already running or no
// pool is bound.
func (s *dialerSwitch) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.cancel != nil {
		return false
	}

	base := s.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	s.cancel = cancel

	run := s.run
	go func() {
		if err := run(ctx); err != nil {
			s.log.Error("dialer pool exited", "err", err)
		}
		s.mu.Lock()
		if s.cancel != nil {
			// The pool died on its own (parent context cancelled); flip the
			// switch back so Running reports the truth.
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
	}()
	return true
}

// Stop cancels the pool. Returns false when not running.
func (s *dialerSwitch) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// Running reports whether the pool is accepting jobs.
func (s *dialerSwitch) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
