// Package mock provides an in-memory telephony.Caller for tests.
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/dialvox/dialvox/pkg/provider/telephony"
)

// Caller is a scripted telephony.Caller. Tests script call progress with
// Deliver and inspect placed calls and hangups afterwards.
type Caller struct {
	mu sync.Mutex

	// PlaceErr, if non-nil, is returned by PlaceCall.
	PlaceErr error

	// Script, when non-empty, is delivered automatically on each placed
	// call's event channel, closing it after a terminal status.
	Script []telephony.CallStatus

	placed  []telephony.CallRequest
	hangups []string
	live    map[string]chan telephony.StatusEvent
	nextSID int
}

var _ telephony.Caller = (*Caller)(nil)

// PlaceCall records the request and returns a CallRef with a scripted or
// manually driven event channel.
func (c *Caller) PlaceCall(_ context.Context, req telephony.CallRequest) (*telephony.CallRef, error) {
	c.mu.Lock()
	if c.PlaceErr != nil {
		err := c.PlaceErr
		c.mu.Unlock()
		return nil, err
	}
	c.placed = append(c.placed, req)
	c.nextSID++
	sid := "MOCK" + strconv.Itoa(c.nextSID)
	events := make(chan telephony.StatusEvent, 16)
	if c.live == nil {
		c.live = map[string]chan telephony.StatusEvent{}
	}
	c.live[sid] = events
	script := append([]telephony.CallStatus(nil), c.Script...)
	c.mu.Unlock()

	if len(script) > 0 {
		go func() {
			for _, s := range script {
				events <- telephony.StatusEvent{CallID: req.CallID, Status: s, At: time.Now()}
				if s.Terminal() {
					break
				}
			}
			close(events)
		}()
	}
	return &telephony.CallRef{ProviderCallID: sid, Events: events}, nil
}

// Hangup records the hangup.
func (c *Caller) Hangup(_ context.Context, providerCallID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups = append(c.hangups, providerCallID)
	return nil
}

// Deliver pushes a status event onto a placed call's channel. The channel is
// closed after a terminal status. Only usable when Script is empty.
func (c *Caller) Deliver(providerCallID, callID string, status telephony.CallStatus) bool {
	c.mu.Lock()
	events, ok := c.live[providerCallID]
	if ok && status.Terminal() {
		delete(c.live, providerCallID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	events <- telephony.StatusEvent{CallID: callID, Status: status, At: time.Now()}
	if status.Terminal() {
		close(events)
	}
	return true
}

// Placed returns a snapshot of the call requests seen so far.
func (c *Caller) Placed() []telephony.CallRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]telephony.CallRequest, len(c.placed))
	copy(out, c.placed)
	return out
}

// Hangups returns a snapshot of the provider call IDs hung up so far.
func (c *Caller) Hangups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.hangups))
	copy(out, c.hangups)
	return out
}
