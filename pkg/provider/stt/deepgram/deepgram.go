// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Turn boundaries come from Deepgram's native endpointing: SpeechStarted maps
// to StartOfTurn and UtteranceEnd to EndOfTurn. A local silence timer backs
// the UtteranceEnd event up, so an end-of-turn is emitted even when the
// provider's endpointing misses one.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultEndOfTurnSilence is the fallback silence threshold used when the
	// stream config does not set one.
	defaultEndOfTurnSilence = 300 * time.Millisecond
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	silence := cfg.EndOfTurnSilence
	if silence <= 0 {
		silence = defaultEndOfTurnSilence
	}

	sess := &session{
		conn:    conn,
		events:  make(chan stt.Event, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
		silence: silence,
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	silence := cfg.EndOfTurnSilence
	if silence <= 0 {
		silence = defaultEndOfTurnSilence
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", strconv.Itoa(int(silence.Milliseconds())+700))
	q.Set("endpointing", strconv.Itoa(int(silence.Milliseconds())))
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse covers the Results, SpeechStarted, and UtteranceEnd
// message shapes returned by Deepgram.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	events  chan stt.Event
	audio   chan []byte
	silence time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Send a close message to Deepgram to flush pending audio.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them as
// events. A fallback timer emits EndOfTurn when final text is pending and no
// UtteranceEnd arrives within the silence threshold.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	// fallback fires silence after the last final when Deepgram's own
	// UtteranceEnd is missing. Stopped whenever an end-of-turn goes out.
	fallback := time.NewTimer(time.Hour)
	fallback.Stop()
	defer fallback.Stop()

	var lastConfidence float64
	pendingFinal := false

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := s.conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-s.done:
				return
			}
		}
	}()

	emit := func(ev stt.Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-s.done:
			return false
		}
	}

	for {
		select {
		case <-s.done:
			return
		case err := <-readErr:
			// A session the caller closed is expected to fail its read;
			// anything else is surfaced so the pipeline can classify the
			// failure and attempt its reconnect.
			select {
			case <-s.done:
			default:
				if ctx.Err() == nil {
					emit(stt.Event{Kind: stt.KindError, Err: fmt.Errorf("deepgram: read: %w", err)})
				}
			}
			return
		case <-fallback.C:
			if pendingFinal {
				pendingFinal = false
				if !emit(stt.Event{Kind: stt.KindEndOfTurn, Confidence: lastConfidence}) {
					return
				}
			}
		case msg := <-msgs:
			for _, ev := range parseResponse(msg) {
				switch ev.Kind {
				case stt.KindFinal:
					lastConfidence = ev.Confidence
					pendingFinal = true
					fallback.Reset(s.silence)
				case stt.KindEndOfTurn:
					pendingFinal = false
					fallback.Stop()
					if ev.Confidence == 0 {
						ev.Confidence = lastConfidence
					}
				}
				if !emit(ev) {
					return
				}
			}
		}
	}
}

// parseResponse converts a raw Deepgram WebSocket message into zero or more
// events. A Results message with speech_final set yields both the final
// transcript and an immediate end-of-turn.
func parseResponse(data []byte) []stt.Event {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}

	switch resp.Type {
	case "SpeechStarted":
		return []stt.Event{{Kind: stt.KindStartOfTurn}}

	case "UtteranceEnd":
		return []stt.Event{{Kind: stt.KindEndOfTurn}}

	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return nil
		}
		alt := resp.Channel.Alternatives[0]
		kind := stt.KindPartial
		if resp.IsFinal {
			kind = stt.KindFinal
		}
		events := []stt.Event{{Kind: kind, Text: alt.Transcript, Confidence: alt.Confidence}}
		if resp.IsFinal && resp.SpeechFinal {
			events = append(events, stt.Event{Kind: stt.KindEndOfTurn, Confidence: alt.Confidence})
		}
		return events
	}
	return nil
}
