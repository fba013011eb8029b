// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// a compatible streaming API) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio chunks and emits a single ordered stream of [Event] values —
// low-latency partials, authoritative finals, and the turn boundary signals
// the voice pipeline's dialogue state machine runs on.
//
// Every implementation must surface an explicit end-of-turn signal: either
// the provider's native endpointing event, or one derived from a VAD silence
// timer when the provider has none.
//
// Implementations must be safe for concurrent use. Audio input and event
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"time"
)

// EventKind classifies the events emitted by a transcription session.
type EventKind int

const (
	// KindPartial is a low-latency interim transcript. Partials drive barge-in
	// detection but must not be written to the session transcript.
	KindPartial EventKind = iota

	// KindFinal is an authoritative transcript segment.
	KindFinal

	// KindStartOfTurn signals that the speaker has begun talking.
	KindStartOfTurn

	// KindEndOfTurn signals that the speaker has finished and the system
	// should respond.
	KindEndOfTurn

	// KindResumed signals that the provider reconnected after a transient
	// failure; buffered audio may have been lost.
	KindResumed

	// KindError reports a session-level failure. The session is unusable
	// afterwards.
	KindError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindStartOfTurn:
		return "start_of_turn"
	case KindEndOfTurn:
		return "end_of_turn"
	case KindResumed:
		return "resumed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single item on a session's event stream.
type Event struct {
	// Kind classifies the event.
	Kind EventKind

	// Text carries the transcript for KindPartial and KindFinal events.
	Text string

	// Confidence is the recognition confidence (0.0–1.0) for KindFinal and
	// KindEndOfTurn events. Zero when the provider does not report it.
	Confidence float64

	// Err is set for KindError events.
	Err error
}

// StreamConfig describes the audio format and endpointing behaviour for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Dialvox gateways always
	// deliver 16000.
	SampleRate int

	// Channels is the number of audio channels; 1 for all call legs.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// EndOfTurnSilence is the silence duration after which an end-of-turn is
	// emitted when the provider lacks native endpointing. Zero selects the
	// adapter default (300 ms).
	EndOfTurnSilence time.Duration
}

// SessionHandle represents an open STT streaming session. It is an interface
// so test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed; failing to do
// so may leak goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the SampleRate and Channels agreed in StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Events returns the read-only ordered event stream for this session.
	// The channel is closed when the session ends.
	Events() <-chan Event

	// Close terminates the session, flushes pending audio, and releases all
	// resources. After Close returns, the Events channel will be closed.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per live call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and endpointing configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported configuration, or ctx already cancelled). The
	// caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
