// Package recording collects the inbound audio of a call and hands the
// finished recording to a storage sink on call end.
//
// The Buffer is a passive, append-only collector implementing media.Recorder;
// gateways feed it every inbound PCM chunk after decode. Finalize serializes
// the audio as a WAV payload with call metadata for the configured Sink.
package recording

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/media"
)

// Metadata identifies the call a recording belongs to.
type Metadata struct {
	TenantID   string
	CampaignID string
	CallID     string
}

// Recording is a finalized call recording ready for storage.
type Recording struct {
	Metadata Metadata

	// WAV is the complete RIFF/WAVE payload.
	WAV []byte

	// Duration is the audio length.
	Duration time.Duration

	// SizeBytes is len(WAV).
	SizeBytes int
}

// Sink stores finalized recordings. Implementations decide the layout
// (object storage, local disk) and must be safe for concurrent use.
type Sink interface {
	// Store persists rec and returns the storage path it landed at.
	Store(ctx context.Context, rec Recording) (string, error)
}

// Buffer accumulates raw inbound PCM for one call. A single gateway goroutine
// appends; Finalize may be called from the teardown path concurrently with a
// late Append.
type Buffer struct {
	meta   Metadata
	format audio.Format

	mu     sync.Mutex
	chunks [][]byte
	size   int
	closed bool
}

var _ media.Recorder = (*Buffer)(nil)

// NewBuffer creates a Buffer for one call's inbound audio. All gateways
// deliver the internal 16 kHz mono format.
func NewBuffer(meta Metadata) *Buffer {
	return &Buffer{meta: meta, format: audio.Internal}
}

// Append implements media.Recorder. Appends after Finalize are dropped.
func (b *Buffer) Append(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)
}

// Size reports the number of PCM bytes buffered so far.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Finalize seals the buffer and renders the recording. Returns false when no
// audio was captured (nothing to store).
func (b *Buffer) Finalize() (Recording, bool) {
	b.mu.Lock()
	b.closed = true
	chunks := b.chunks
	size := b.size
	b.chunks = nil
	b.mu.Unlock()

	if size == 0 {
		return Recording{Metadata: b.meta}, false
	}

	pcm := make([]byte, 0, size)
	for _, c := range chunks {
		pcm = append(pcm, c...)
	}

	var buf bytes.Buffer
	if err := audio.EncodeWAV(&buf, pcm, b.format.SampleRate, b.format.Channels); err != nil {
		return Recording{Metadata: b.meta}, false
	}
	wav := buf.Bytes()
	return Recording{
		Metadata:  b.meta,
		WAV:       wav,
		Duration:  audio.PCMDuration(len(pcm), b.format.SampleRate, b.format.Channels),
		SizeBytes: len(wav),
	}, true
}

// DirSink stores recordings as WAV files under a base directory, laid out as
// <base>/<tenant>/<campaign>/<call_id>.wav.
type DirSink struct {
	base string
}

var _ Sink = (*DirSink)(nil)

// NewDirSink creates a DirSink rooted at base.
func NewDirSink(base string) (*DirSink, error) {
	if base == "" {
		return nil, fmt.Errorf("recording: base directory must not be empty")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create base directory: %w", err)
	}
	return &DirSink{base: base}, nil
}

// Store implements Sink.
func (s *DirSink) Store(_ context.Context, rec Recording) (string, error) {
	if rec.Metadata.CallID == "" {
		return "", fmt.Errorf("recording: call ID must not be empty")
	}
	dir := filepath.Join(s.base, sanitize(rec.Metadata.TenantID), sanitize(rec.Metadata.CampaignID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("recording: create directory: %w", err)
	}
	path := filepath.Join(dir, sanitize(rec.Metadata.CallID)+".wav")
	if err := os.WriteFile(path, rec.WAV, 0o644); err != nil {
		return "", fmt.Errorf("recording: write %s: %w", path, err)
	}
	return path, nil
}

// sanitize keeps path segments flat so metadata cannot escape the base dir.
func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
