// Package mock provides an in-memory media.Gateway for tests.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/media"
)

// Gateway is a scripted media.Gateway. Inbound frames are queued with
// QueueInbound; everything sent by the pipeline is recorded in Sent.
type Gateway struct {
	mu               sync.Mutex
	inbound          []audio.Frame
	eof              bool
	Sent             []audio.Frame
	CancelCalls      int
	CallCountClose   int
	AttachedRecorder media.Recorder

	// SendDelay slows each Send by this much, simulating real-time playback
	// pacing so tests can interrupt audio mid-stream.
	SendDelay time.Duration
}

var _ media.Gateway = (*Gateway)(nil)

// QueueInbound appends frames the pipeline will receive in order.
func (g *Gateway) QueueInbound(frames ...audio.Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inbound = append(g.inbound, frames...)
}

// SetEOF makes Receive return io.EOF once queued frames are drained,
// simulating a remote hang-up.
func (g *Gateway) SetEOF() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.eof = true
}

// Receive implements media.Gateway.
func (g *Gateway) Receive(_ context.Context) (audio.Frame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.inbound) > 0 {
		frame := g.inbound[0]
		g.inbound = g.inbound[1:]
		if g.AttachedRecorder != nil {
			g.AttachedRecorder.Append(frame.Data)
		}
		return frame, nil
	}
	if g.eof {
		return audio.Frame{}, io.EOF
	}
	// Simulate an idle poll without really sleeping the full timeout.
	time.Sleep(time.Millisecond)
	return audio.Frame{}, media.ErrNoAudio
}

// Send implements media.Gateway.
func (g *Gateway) Send(_ context.Context, frame audio.Frame) error {
	g.mu.Lock()
	delay := g.SendDelay
	g.Sent = append(g.Sent, frame)
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

// CancelPlayback implements media.Gateway.
func (g *Gateway) CancelPlayback() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CancelCalls = g.CancelCalls + 1
}

// Recorder implements media.Gateway.
func (g *Gateway) Recorder() media.Recorder { return g.AttachedRecorder }

// Close implements media.Gateway.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CallCountClose++
	g.eof = true
	return nil
}

// SentFrames returns a snapshot of everything sent so far.
func (g *Gateway) SentFrames() []audio.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]audio.Frame, len(g.Sent))
	copy(out, g.Sent)
	return out
}

// Cancels returns the number of CancelPlayback calls.
func (g *Gateway) Cancels() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CancelCalls
}
