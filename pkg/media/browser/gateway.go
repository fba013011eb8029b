// Package browser provides a media.Gateway over a browser WebSocket
// connection. Binary frames carry raw 16 kHz mono 16-bit PCM in both
// directions; JSON text frames carry session control events.
package browser

import (
	"context"
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
)

// controlEvent is the JSON payload of a text frame on the browser wire.
type controlEvent struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
}

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithRecorder attaches an inbound PCM recording sink.
func WithRecorder(r media.Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithPollTimeout overrides the Receive poll timeout. Default is 20 ms.
func WithPollTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.pollTimeout = d }
}

// Gateway implements media.Gateway over a browser WebSocket.
type Gateway struct {
	conn        *websocket.Conn
	callID      string
	recorder    media.Recorder
	pollTimeout time.Duration

	inbound  *media.FrameBuffer
	outbound *media.PlayoutQueue

	closeOnce     sync.Once
	closed        chan struct{}
	warnSendAfter sync.Once
	wg            sync.WaitGroup
}

// Compile-time assertion that Gateway satisfies the media.Gateway interface.
var _ media.Gateway = (*Gateway)(nil)

// New wraps an accepted WebSocket connection as a media Gateway and starts
// its transport goroutines. The caller owns conn until New returns; afterwards
// the gateway owns it and releases it on Close.
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

	// Tell the client the session is live.
	g.sendControl(controlEvent{Type: "session.started", CallID: callID})

	return g
}

// Receive implements media.Gateway.
func (g *Gateway) Receive(ctx context.Context) (audio.Frame, error) {
	return g.inbound.Pop(ctx, g.pollTimeout)
}

// Send implements media.Gateway. Frames are forwarded chunk-by-chunk as the
// browser tolerates gaps between PCM frames.
func (g *Gateway) Send(ctx context.Context, frame audio.Frame) error {
	select {
	case <-g.closed:
		g.warnSendAfter.Do(func() {
			slog.Warn("browser gateway: send after close ignored", "call_id", g.callID)
		})
		return nil
	default:
	}
	return g.outbound.Push(ctx, frame)
}

// CancelPlayback implements media.Gateway.
func (g *Gateway) CancelPlayback() {
	g.outbound.Purge()
}

// Recorder implements media.Gateway.
func (g *Gateway) Recorder() media.Recorder { return g.recorder }

// Close implements media.Gateway.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.outbound.Close()
		g.sendControl(controlEvent{Type: "session.ended", CallID: g.callID})
		_ = g.conn.Close(websocket.StatusNormalClosure, "call ended")
		g.wg.Wait()
		g.inbound.CloseWrite()
	})
	return nil
}

// Dropped returns the number of inbound frames discarded due to overflow.
func (g *Gateway) Dropped() int64 { return g.inbound.Dropped() }

// readLoop receives WebSocket messages and feeds binary PCM into the inbound
// buffer. Text frames are control events and are currently only logged.
func (g *Gateway) readLoop() {
	defer g.wg.Done()
	start := time.Now()
	for {
		typ, data, err := g.conn.Read(context.Background())
		if err != nil {
			// Remote hang-up or Close: surfaces as EOF to Receive.
			g.inbound.CloseWrite()
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if g.recorder != nil {
				g.recorder.Append(data)
			}
			g.inbound.Push(audio.Frame{
				Data:       data,
				SampleRate: audio.Internal.SampleRate,
				Channels:   audio.Internal.Channels,
				Timestamp:  time.Since(start),
			})
		case websocket.MessageText:
			var ev controlEvent
			if err := json.Unmarshal(data, &ev); err == nil {
				slog.Debug("browser gateway: control event", "call_id", g.callID, "type", ev.Type)
			}
		}
	}
}

// writeLoop drains the playout queue onto the wire.
func (g *Gateway) writeLoop() {
	defer g.wg.Done()
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
		if err := g.conn.Write(context.Background(), websocket.MessageBinary, frame.Data); err != nil {
			return
		}
	}
}

// sendControl writes a JSON control event, best-effort.
func (g *Gateway) sendControl(ev controlEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = g.conn.Write(context.Background(), websocket.MessageText, data)
}
