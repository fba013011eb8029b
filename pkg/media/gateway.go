// Package media defines the gateway interface for bidirectional call audio
// transport within Dialvox.
//
// A [Gateway] represents one leg of a live call: inbound caller audio flows
// out of Receive, outbound synthesised audio flows into Send, and
// CancelPlayback drops any queued outbound audio for barge-in. Transport
// variants (browser WebSocket, telephony media streams, SIP/RTP) are provided
// by sibling adapter packages; each normalises its wire format to 16 kHz mono
// 16-bit PCM at the boundary so the voice pipeline never sees codec detail.
//
// This package lives under pkg/ because external transport adapters are
// expected to implement [Gateway].
package media

import (
	"context"
	"errors"

	"github.com/dialvox/dialvox/pkg/audio"
)

// ErrNoAudio is returned by [Gateway.Receive] when no inbound audio arrived
// within the poll timeout. Callers should treat it as "try again", not as a
// failure.
var ErrNoAudio = errors.New("media: no audio available")

// Recorder is an append-only sink for inbound raw PCM. The gateway appends
// every received chunk before handing the frame to the caller, so the
// recording captures exactly what the transport delivered (post-normalisation).
//
// Implementations must tolerate appends from the gateway's read goroutine.
type Recorder interface {
	Append(pcm []byte)
}

// Gateway is the uniform transport contract consumed by the voice pipeline.
//
// Implementations must be safe for concurrent use: Receive, Send, and
// CancelPlayback are called from different goroutines.
type Gateway interface {
	// Receive returns the next inbound audio frame. It blocks for at most the
	// gateway's poll timeout (≈20 ms); when no audio is pending it returns
	// [ErrNoAudio]. When the remote side hangs up or the transport closes,
	// Receive returns [io.EOF].
	Receive(ctx context.Context) (audio.Frame, error)

	// Send enqueues an outbound PCM frame for playback. The outbound queue is
	// bounded; Send blocks briefly to pace the producer to real time. Sending
	// after Close is a no-op that logs once per call.
	Send(ctx context.Context, frame audio.Frame) error

	// CancelPlayback drops all queued outbound audio. Used for barge-in: any
	// audio not yet on the wire must never reach the caller.
	CancelPlayback()

	// Recorder returns the attached inbound recording sink, or nil when the
	// gateway was created without one.
	Recorder() Recorder

	// Close tears down the transport, flushes buffers, and releases all
	// resources. It is idempotent; subsequent calls return nil.
	Close() error
}
