// Package mock provides an in-memory stt.Provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/dialvox/dialvox/pkg/provider/stt"
)

// Provider is a scripted stt.Provider. Each StartStream call returns the next
// pre-built session (or a fresh empty one when none are queued).
type Provider struct {
	mu         sync.Mutex
	sessions   []*Session
	StartCalls []stt.StreamConfig
	StartErr   error
}

var _ stt.Provider = (*Provider)(nil)

// QueueSession appends a session to be returned by the next StartStream call.
func (p *Provider) QueueSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, s)
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if len(p.sessions) > 0 {
		s := p.sessions[0]
		p.sessions = p.sessions[1:]
		return s, nil
	}
	return NewSession(), nil
}

// Session is a scripted stt.SessionHandle. Tests emit events with Emit and
// inspect the audio the pipeline forwarded via Received.
type Session struct {
	mu       sync.Mutex
	events   chan stt.Event
	closed   bool
	Received [][]byte
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan stt.Event, 64)}
}

// Emit pushes an event to the session's consumers. Returns false if the
// session is closed.
func (s *Session) Emit(ev stt.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// SendAudio implements stt.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Received = append(s.Received, cp)
	return nil
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// ReceivedChunks returns a snapshot of the audio chunks sent so far.
func (s *Session) ReceivedChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Received))
	copy(out, s.Received)
	return out
}
