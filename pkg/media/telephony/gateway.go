// Package telephony provides a media.Gateway over a telephony provider's
// media-stream WebSocket (the Twilio Media Streams wire format). Inbound
// frames arrive as base64 G.711 mu-law at 8 kHz and are upsampled to the
// internal 16 kHz PCM; outbound PCM is downsampled and re-encoded to mu-law.
// A "clear" message tells the provider to flush its playback buffer on
// barge-in.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/media"
)

const (
	defaultPollTimeout = 20 * time.Millisecond
	inboundCapacity    = 128
	outboundCapacity   = 64

	wireSampleRate = 8000
)

// wireMessage covers every media-stream event the gateway reads or writes.
type wireMessage struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Media     *wireMedia `json:"media,omitempty"`
	Start     *wireStart `json:"start,omitempty"`
}

type wireMedia struct {
	Payload string `json:"payload"` // base64 mu-law 8 kHz
}

type wireStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// StartInfo describes the stream handshake received from the provider.
type StartInfo struct {
	StreamSID string
	CallSID   string
	Params    map[string]string
}

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithRecorder attaches an inbound PCM recording sink. The recorder receives
// the upsampled 16 kHz PCM, not the mu-law wire bytes.
func WithRecorder(r media.Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithPollTimeout overrides the Receive poll timeout. Default is 20 ms.
func WithPollTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.pollTimeout = d }
}

// OnStart registers cb to be invoked once when the provider's start event
// arrives. The callback runs on the read goroutine and must not block.
func OnStart(cb func(StartInfo)) Option {
	return func(g *Gateway) { g.onStart = cb }
}

// Gateway implements media.Gateway over a provider media-stream WebSocket.
type Gateway struct {
	conn        *websocket.Conn
	callID      string
	recorder    media.Recorder
	pollTimeout time.Duration
	onStart     func(StartInfo)

	inbound  *media.FrameBuffer
	outbound *media.PlayoutQueue

	mu        sync.Mutex
	streamSID string

	closeOnce     sync.Once
	closed        chan struct{}
	warnSendAfter sync.Once
	wg            sync.WaitGroup
}

var _ media.Gateway = (*Gateway)(nil)

// New wraps an accepted media-stream WebSocket as a Gateway and starts its
// transport goroutines.
func New(conn *websocket.Conn, callID string, opts ...Option) *Gateway {
	g := &Gateway{
		conn:        conn,
		callID:      callID,
		pollTimeout: defaultPollTimeout,
		inbound:     media.NewFrameBuffer(inboundCapacity),
		outbound:    media.NewPlayoutQueue(outboundCapacity),
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}

	g.wg.Add(2)
	go g.readLoop()
	go g.writeLoop()

	return g
}

// Receive implements media.Gateway.
func (g *Gateway) Receive(ctx context.Context) (audio.Frame, error) {
	return g.inbound.Pop(ctx, g.pollTimeout)
}

// Send implements media.Gateway. The wire is frame-oriented, so outbound
// chunks are streamed as individual media events rather than coalesced.
func (g *Gateway) Send(ctx context.Context, frame audio.Frame) error {
	select {
	case <-g.closed:
		g.warnSendAfter.Do(func() {
			slog.Warn("telephony gateway: send after close ignored", "call_id", g.callID)
		})
		return nil
	default:
	}
	return g.outbound.Push(ctx, frame)
}

// CancelPlayback implements media.Gateway. Besides purging the local queue it
// sends the provider a clear message so audio already buffered on the
// provider side stops too.
func (g *Gateway) CancelPlayback() {
	g.outbound.Purge()
	g.mu.Lock()
	sid := g.streamSID
	g.mu.Unlock()
	if sid == "" {
		return
	}
	msg, err := json.Marshal(wireMessage{Event: "clear", StreamSID: sid})
	if err != nil {
		return
	}
	_ = g.conn.Write(context.Background(), websocket.MessageText, msg)
}

// Recorder implements media.Gateway.
func (g *Gateway) Recorder() media.Recorder { return g.recorder }

// Close implements media.Gateway.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.outbound.Close()
		_ = g.conn.Close(websocket.StatusNormalClosure, "call ended")
		g.wg.Wait()
		g.inbound.CloseWrite()
	})
	return nil
}

// Dropped returns the number of inbound frames discarded due to overflow.
func (g *Gateway) Dropped() int64 { return g.inbound.Dropped() }

// readLoop parses media-stream events: start captures the stream SID, media
// carries inbound audio, stop ends the call.
func (g *Gateway) readLoop() {
	defer g.wg.Done()
	start := time.Now()
	conv := audio.Converter{Target: audio.Internal}

	for {
		_, data, err := g.conn.Read(context.Background())
		if err != nil {
			g.inbound.CloseWrite()
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "start":
			if msg.Start == nil {
				continue
			}
			g.mu.Lock()
			g.streamSID = msg.Start.StreamSID
			g.mu.Unlock()
			if g.onStart != nil {
				g.onStart(StartInfo{
					StreamSID: msg.Start.StreamSID,
					CallSID:   msg.Start.CallSID,
					Params:    msg.Start.CustomParameters,
				})
			}

		case "media":
			if msg.Media == nil {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			frame := conv.Convert(audio.Frame{
				Data:       audio.DecodeMuLaw(ulaw),
				SampleRate: wireSampleRate,
				Channels:   1,
				Timestamp:  time.Since(start),
			})
			if len(frame.Data) == 0 {
				continue
			}
			if g.recorder != nil {
				g.recorder.Append(frame.Data)
			}
			g.inbound.Push(frame)

		case "stop":
			g.inbound.CloseWrite()
			return
		}
	}
}

// writeLoop downsamples outbound PCM to 8 kHz mu-law and streams media events.
func (g *Gateway) writeLoop() {
	defer g.wg.Done()
	conv := audio.Converter{Target: audio.Format{SampleRate: wireSampleRate, Channels: 1}}

	for {
		frame, err := g.outbound.Pop(context.Background(), g.pollTimeout)
		if err == media.ErrNoAudio {
			select {
			case <-g.closed:
				return
			default:
				continue
			}
		}
		if err != nil {
			return
		}

		g.mu.Lock()
		sid := g.streamSID
		g.mu.Unlock()
		if sid == "" {
			// No start event yet: the provider cannot route audio.
			continue
		}

		wire := conv.Convert(frame)
		if len(wire.Data) == 0 {
			continue
		}
		payload := base64.StdEncoding.EncodeToString(audio.EncodeMuLaw(wire.Data))
		msg, err := json.Marshal(wireMessage{
			Event:     "media",
			StreamSID: sid,
			Media:     &wireMedia{Payload: payload},
		})
		if err != nil {
			continue
		}
		if err := g.conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
			return
		}
	}
}
