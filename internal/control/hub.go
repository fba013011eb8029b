// Package control is the HTTP surface of the Dialvox server: health probes,
// dialer start/stop, status inspection, the telephony status webhook, the
// media-stream websocket endpoint, and the Prometheus scrape endpoint.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/pkg/media"
)

// Hub matches incoming media streams with the dialer workers waiting for
// them. The worker calls Await with the call ID it embedded in the stream
// URL; the media endpoint calls Register once the carrier connects.
//
// Either side may arrive first. Entries are removed when the handoff
// completes or the waiter gives up.
type Hub struct {
	mu      sync.Mutex
	pending map[string]chan media.Gateway
}

var _ dialer.GatewayHub = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{pending: make(map[string]chan media.Gateway)}
}

// Await blocks until the gateway for callID is registered or ctx expires.
func (h *Hub) Await(ctx context.Context, callID string) (media.Gateway, error) {
	ch := h.channel(callID)

	select {
	case gw := <-ch:
		h.forget(callID)
		return gw, nil
	case <-ctx.Done():
		h.forget(callID)
		// A gateway registered in the race window would leak its transport.
		select {
		case gw := <-ch:
			gw.Close()
		default:
		}
		return nil, fmt.Errorf("control: await media for call %s: %w", callID, ctx.Err())
	}
}

// Register hands the freshly-accepted gateway to the waiting worker. Returns
// an error when a stream for callID was already registered; the caller should
// close the duplicate.
func (h *Hub) Register(callID string, gw media.Gateway) error {
	ch := h.channel(callID)
	select {
	case ch <- gw:
		return nil
	default:
		return fmt.Errorf("control: media stream for call %s already registered", callID)
	}
}

// Pending reports how many calls are currently waiting for a media stream.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// channel returns the handoff channel for callID, creating it on first use.
// The channel is buffered so Register never blocks.
func (h *Hub) channel(callID string) chan media.Gateway {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.pending[callID]
	if !ok {
		ch = make(chan media.Gateway, 1)
		h.pending[callID] = ch
	}
	return ch
}

func (h *Hub) forget(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, callID)
}
