package media

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
)

// FrameBuffer is the bounded inbound audio queue shared by all gateway
// variants. Overflow drops the oldest frame and increments a drop counter so
// a stalled consumer degrades to latest-audio rather than unbounded memory.
//
// One producer (the transport read loop) and one consumer (the pipeline's
// inbound forwarder) are expected, but all methods are safe for concurrent use.
type FrameBuffer struct {
	mu      sync.Mutex
	ch      chan audio.Frame
	closed  bool
	dropped atomic.Int64
}

// NewFrameBuffer creates a FrameBuffer holding at most capacity frames.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = 64
	}
	return &FrameBuffer{ch: make(chan audio.Frame, capacity)}
}

// Push enqueues a frame. When the buffer is full the oldest frame is dropped
// to make room. Push after CloseWrite is a no-op.
func (b *FrameBuffer) Push(frame audio.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- frame:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped.Add(1)
		default:
		}
	}
}

// Pop returns the next frame, waiting up to timeout. It returns [ErrNoAudio]
// when the buffer stays empty, and [io.EOF] once the buffer is closed and
// drained.
func (b *FrameBuffer) Pop(ctx context.Context, timeout time.Duration) (audio.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-b.ch:
		if !ok {
			return audio.Frame{}, io.EOF
		}
		return frame, nil
	case <-timer.C:
		return audio.Frame{}, ErrNoAudio
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// CloseWrite marks the producer side closed. Pending frames remain readable;
// Pop returns io.EOF once they are drained. Safe to call multiple times.
func (b *FrameBuffer) CloseWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Dropped returns the number of frames discarded due to overflow.
func (b *FrameBuffer) Dropped() int64 {
	return b.dropped.Load()
}

// PlayoutQueue is the bounded outbound audio queue. The producer (TTS
// forwarder) blocks when the queue is full, pacing synthesis to real time.
// Purge discards everything not yet taken by the transport write loop.
type PlayoutQueue struct {
	ch        chan audio.Frame
	closeOnce sync.Once
	done      chan struct{}
}

// NewPlayoutQueue creates a PlayoutQueue holding at most capacity frames.
func NewPlayoutQueue(capacity int) *PlayoutQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &PlayoutQueue{
		ch:   make(chan audio.Frame, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues an outbound frame, blocking while the queue is full.
// Returns ctx.Err() on cancellation and io.ErrClosedPipe after Close.
func (q *PlayoutQueue) Push(ctx context.Context, frame audio.Frame) error {
	select {
	case <-q.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case q.ch <- frame:
		return nil
	case <-q.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop returns the next queued frame for the transport write loop, waiting up
// to timeout. Returns [ErrNoAudio] on an empty queue and [io.EOF] after Close.
func (q *PlayoutQueue) Pop(ctx context.Context, timeout time.Duration) (audio.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-q.ch:
		return frame, nil
	case <-q.done:
		// Drain remaining frames before reporting EOF.
		select {
		case frame := <-q.ch:
			return frame, nil
		default:
			return audio.Frame{}, io.EOF
		}
	case <-timer.C:
		return audio.Frame{}, ErrNoAudio
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Purge drops every queued frame. Called on barge-in.
func (q *PlayoutQueue) Purge() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

// Len returns the number of frames currently queued.
func (q *PlayoutQueue) Len() int {
	return len(q.ch)
}

// Close marks the queue closed. Safe to call multiple times.
func (q *PlayoutQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
