// Package audio provides the PCM frame type and format conversion helpers
// shared by media gateways and provider adapters.
//
// All audio inside Dialvox is normalised to 16-bit signed little-endian PCM.
// Gateways convert wire formats (G.711 mu-law, Float32) at their boundary so
// the voice pipeline only ever sees the internal format.
package audio

import "time"

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — received from media
// gateways, forwarded to STT, and emitted by TTS for playback.
type Frame struct {
	// Data is 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 internally, 8000 on G.711 telephony legs).
	SampleRate int

	// Channels: 1 for mono (the internal norm), 2 for stereo sources.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Internal is the pipeline-wide normalised format: 16 kHz mono.
var Internal = Format{SampleRate: 16000, Channels: 1}
