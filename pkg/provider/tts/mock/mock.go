// Package mock provides an in-memory tts.Provider for tests.
//
// The mock echoes each consumed text fragment as a fixed-size PCM chunk, so
// pipeline tests can correlate synthesised audio with the text that produced
// it without a live synthesis backend.
package mock

import (
	"context"
	"sync"

	"github.com/dialvox/dialvox/pkg/provider/tts"
	"github.com/dialvox/dialvox/pkg/types"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// ChunkSize is the size in bytes of each PCM chunk emitted per text
	// fragment. Zero selects 320 (10 ms of 16 kHz mono PCM).
	ChunkSize int

	// ChunksPerFragment is how many chunks each text fragment expands to.
	// Zero selects 1.
	ChunksPerFragment int

	// HoldChunks, when non-nil, gates the next SynthesizeStream only: text
	// fragments are still consumed and recorded, but no chunk comes out until
	// the channel is closed or the stream's context ends. Lets tests
	// interrupt an utterance before any audio has played.
	HoldChunks chan struct{}

	// StreamErr, if non-nil, is returned by SynthesizeStream.
	StreamErr error

	// StreamErrOnce makes StreamErr fire only on the first call; later calls
	// stream normally. Used to test retry paths.
	StreamErrOnce bool

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	synthesized []string
	streamCalls int
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream consumes text fragments and emits one or more PCM chunks
// per fragment. The chunk's first byte encodes the fragment index so tests can
// tell which text produced which audio.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.streamCalls++
	if p.StreamErr != nil {
		err := p.StreamErr
		if p.StreamErrOnce {
			p.StreamErr = nil
		}
		p.mu.Unlock()
		return nil, err
	}
	size := p.ChunkSize
	if size <= 0 {
		size = 320
	}
	per := p.ChunksPerFragment
	if per <= 0 {
		per = 1
	}
	hold := p.HoldChunks
	p.HoldChunks = nil
	p.mu.Unlock()

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		idx := 0
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.synthesized = append(p.synthesized, fragment)
				p.mu.Unlock()
				if hold != nil {
					select {
					case <-hold:
					case <-ctx.Done():
						return
					}
				}
				for i := 0; i < per; i++ {
					chunk := make([]byte, size)
					chunk[0] = byte(idx)
					select {
					case audioCh <- chunk:
					case <-ctx.Done():
						return
					}
				}
				idx++
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// ListVoices returns the configured voice catalogue.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.VoiceProfile, len(p.Voices))
	copy(out, p.Voices)
	return out, nil
}

// Synthesized returns a snapshot of the text fragments consumed so far.
func (p *Provider) Synthesized() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.synthesized))
	copy(out, p.synthesized)
	return out
}

// StreamCalls reports how many times SynthesizeStream was invoked.
func (p *Provider) StreamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCalls
}
