// Package sip provides a media.Gateway over an RTP/UDP media leg negotiated
// by a SIP bridge. Audio is G.711 mu-law at 8 kHz in 20 ms packets; the
// gateway upsamples inbound payloads to the internal 16 kHz PCM and paces
// outbound audio into fixed 160-byte RTP payloads, coalescing across TTS
// chunk boundaries because RTP playout cannot tolerate gaps.
//
// SIP signaling itself (INVITE/BYE, SDP) is the bridge's concern; the gateway
// only moves media on an already-negotiated port pair.
package sip

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/media"
)

const (
	defaultPollTimeout = 20 * time.Millisecond
	inboundCapacity    = 128
	outboundCapacity   = 64

	wireSampleRate = 8000
	packetInterval = 20 * time.Millisecond
	payloadBytes   = 160 // 20 ms of mu-law at 8 kHz
	rtpHeaderLen   = 12
	payloadTypePCMU = 0
)

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

// Gateway implements media.Gateway over an RTP/UDP socket pair.
type Gateway struct {
	conn        *net.UDPConn
	remote      *net.UDPAddr
	callID      string
	recorder    media.Recorder
	pollTimeout time.Duration

	inbound  *media.FrameBuffer
	outbound *media.PlayoutQueue

	ssrc uint32

	closeOnce     sync.Once
	closed        chan struct{}
	flush         chan struct{}
	warnSendAfter sync.Once
	wg            sync.WaitGroup
}

var _ media.Gateway = (*Gateway)(nil)

// New wraps a bound UDP socket as a Gateway sending to remote. The socket
// must be bound inside the negotiated media port range (10000–20000).
func New(conn *net.UDPConn, remote *net.UDPAddr, callID string, opts ...Option) *Gateway {
	g := &Gateway{
		conn:        conn,
		remote:      remote,
		callID:      callID,
		pollTimeout: defaultPollTimeout,
		inbound:     media.NewFrameBuffer(inboundCapacity),
		outbound:    media.NewPlayoutQueue(outboundCapacity),
		ssrc:        rand.Uint32(),
		closed:      make(chan struct{}),
		flush:       make(chan struct{}, 1),
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

// Send implements media.Gateway.
func (g *Gateway) Send(ctx context.Context, frame audio.Frame) error {
	select {
	case <-g.closed:
		g.warnSendAfter.Do(func() {
			slog.Warn("sip gateway: send after close ignored", "call_id", g.callID)
		})
		return nil
	default:
	}
	return g.outbound.Push(ctx, frame)
}

// CancelPlayback implements media.Gateway. Queued audio is purged and the
// write loop's partial-packet remainder is dropped, so nothing of the
// cancelled utterance follows the packet already on the wire.
func (g *Gateway) CancelPlayback() {
	g.outbound.Purge()
	select {
	case g.flush <- struct{}{}:
	default:
	}
}

// Recorder implements media.Gateway.
func (g *Gateway) Recorder() media.Recorder { return g.recorder }

// Close implements media.Gateway.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.outbound.Close()
		_ = g.conn.Close()
		g.wg.Wait()
		g.inbound.CloseWrite()
	})
	return nil
}

// Dropped returns the number of inbound frames discarded due to overflow.
func (g *Gateway) Dropped() int64 { return g.inbound.Dropped() }

// readLoop receives RTP packets, strips headers, and upsamples mu-law
// payloads into the inbound buffer.
func (g *Gateway) readLoop() {
	defer g.wg.Done()
	start := time.Now()
	conv := audio.Converter{Target: audio.Internal}
	buf := make([]byte, 2048)

	for {
		n, _, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			g.inbound.CloseWrite()
			return
		}
		if n <= rtpHeaderLen {
			continue
		}
		// Version check: top two bits must be 2.
		if buf[0]>>6 != 2 {
			continue
		}
		if buf[1]&0x7F != payloadTypePCMU {
			continue
		}

		payload := make([]byte, n-rtpHeaderLen)
		copy(payload, buf[rtpHeaderLen:n])

		frame := conv.Convert(audio.Frame{
			Data:       audio.DecodeMuLaw(payload),
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
	}
}

// writeLoop coalesces outbound PCM into fixed 20 ms mu-law payloads and sends
// them on a real-time tick. A pending byte buffer carries remainders across
// TTS chunk boundaries so every packet is exactly payloadBytes long.
func (g *Gateway) writeLoop() {
	defer g.wg.Done()
	conv := audio.Converter{Target: audio.Format{SampleRate: wireSampleRate, Channels: 1}}
	ticker := time.NewTicker(packetInterval)
	defer ticker.Stop()

	var (
		pending   []byte
		seq       uint16
		timestamp uint32
	)

	for {
		select {
		case <-g.closed:
			return
		case <-ticker.C:
		}

		select {
		case <-g.flush:
			// A barge-in purged the queue; the remainder carried across
			// chunk boundaries is cancelled audio too.
			pending = pending[:0]
		default:
		}

		// Top up the pending buffer from the playout queue.
		for len(pending) < payloadBytes {
			frame, err := g.outbound.Pop(context.Background(), 0)
			if err != nil {
				break
			}
			wire := conv.Convert(frame)
			if len(wire.Data) == 0 {
				continue
			}
			pending = append(pending, audio.EncodeMuLaw(wire.Data)...)
		}
		if len(pending) < payloadBytes {
			// Not enough audio for a full packet; wait for the next tick.
			continue
		}

		packet := make([]byte, rtpHeaderLen+payloadBytes)
		packet[0] = 0x80 // V=2
		packet[1] = payloadTypePCMU
		binary.BigEndian.PutUint16(packet[2:4], seq)
		binary.BigEndian.PutUint32(packet[4:8], timestamp)
		binary.BigEndian.PutUint32(packet[8:12], g.ssrc)
		copy(packet[rtpHeaderLen:], pending[:payloadBytes])
		pending = pending[payloadBytes:]

		seq++
		timestamp += payloadBytes // one timestamp unit per mu-law sample

		if _, err := g.conn.WriteToUDP(packet, g.remote); err != nil {
			return
		}
	}
}
