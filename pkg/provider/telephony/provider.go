// Package telephony defines the Caller interface for outbound call carriers.
//
// A telephony provider wraps a carrier API (e.g., Twilio) and exposes call
// origination and teardown. Call progress arrives asynchronously: every placed
// call gets a CallRef whose Events channel carries ordered status transitions
// from the carrier (ringing, answered, busy, and so on). For webhook-based
// carriers the control server feeds callbacks back into the adapter, which
// routes them onto the right call's channel.
//
// Implementations must be safe for concurrent use.
package telephony

import (
	"context"
	"time"
)

// CallStatus is a normalized carrier call state.
type CallStatus string

const (
	// StatusQueued means the carrier accepted the call but has not dialed yet.
	StatusQueued CallStatus = "queued"

	// StatusRinging means the destination is being alerted.
	StatusRinging CallStatus = "ringing"

	// StatusAnswered means a party (human or machine) picked up and media is
	// flowing.
	StatusAnswered CallStatus = "answered"

	// StatusBusy means the destination rejected the call with a busy signal.
	StatusBusy CallStatus = "busy"

	// StatusNoAnswer means the call rang out without being picked up.
	StatusNoAnswer CallStatus = "no_answer"

	// StatusFailed means the carrier could not route the call.
	StatusFailed CallStatus = "failed"

	// StatusCompleted means an answered call has ended.
	StatusCompleted CallStatus = "completed"
)

// Terminal reports whether no further status transitions can follow.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusBusy, StatusNoAnswer, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// CallRequest describes an outbound call to originate.
type CallRequest struct {
	// CallID is the internal call identifier, threaded through to the media
	// stream so the gateway can associate the leg with its session.
	CallID string

	// To is the destination number in E.164 format.
	To string

	// From is the caller ID number in E.164 format.
	From string

	// StreamURL is the WebSocket endpoint the carrier connects its media
	// stream to once the call is answered.
	StreamURL string

	// RingTimeout is how long to let the call ring before giving up. Zero
	// selects the carrier default.
	RingTimeout time.Duration
}

// StatusEvent is a single call progress notification.
type StatusEvent struct {
	// CallID is the internal call identifier from the originating request.
	CallID string

	// Status is the normalized call state.
	Status CallStatus

	// At is when the transition was observed.
	At time.Time
}

// CallRef identifies a placed call and carries its progress events.
type CallRef struct {
	// ProviderCallID is the carrier-assigned call identifier, used for
	// hangup and webhook correlation.
	ProviderCallID string

	// Events emits status transitions in order. The channel is closed after
	// a terminal status is delivered.
	Events <-chan StatusEvent
}

// Caller is the abstraction over any outbound telephony carrier.
type Caller interface {
	// PlaceCall originates an outbound call. The returned CallRef's Events
	// channel delivers progress until a terminal status arrives. Returns an
	// error if the carrier rejects the origination request.
	PlaceCall(ctx context.Context, req CallRequest) (*CallRef, error)

	// Hangup tears down an in-progress call by its carrier identifier.
	// Hanging up an already-ended call is not an error.
	Hangup(ctx context.Context, providerCallID string) error
}
