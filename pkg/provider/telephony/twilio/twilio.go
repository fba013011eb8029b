// Package twilio provides a Twilio-backed telephony.Caller using the Twilio
// REST API for origination and status callbacks for call progress.
//
// Placing a call POSTs to the Calls resource with TwiML that bridges the
// answered leg onto a Media Streams WebSocket. Twilio reports progress via
// the status callback webhook; the control server hands each callback to
// DeliverStatus, which routes it onto the originating call's event channel.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dialvox/dialvox/pkg/provider/telephony"
)

const (
	defaultBaseURL     = "https://api.twilio.com"
	defaultRingTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Twilio Caller.
type Option func(*Caller)

// WithBaseURL overrides the Twilio API base URL. Used in tests.
func WithBaseURL(base string) Option {
	return func(c *Caller) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient replaces the HTTP client used for API requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Caller) {
		c.httpClient = hc
	}
}

// WithStatusCallbackURL sets the webhook URL Twilio posts call progress to.
func WithStatusCallbackURL(u string) Option {
	return func(c *Caller) {
		c.statusCallback = u
	}
}

// Caller implements telephony.Caller backed by the Twilio REST API.
type Caller struct {
	accountSID     string
	authToken      string
	from           string
	baseURL        string
	statusCallback string
	httpClient     *http.Client

	mu    sync.Mutex
	calls map[string]*liveCall // keyed by provider call SID
}

var _ telephony.Caller = (*Caller)(nil)

// liveCall tracks an in-flight call's event channel.
type liveCall struct {
	callID string
	events chan telephony.StatusEvent
	done   bool
}

// New creates a Twilio Caller. accountSID, authToken, and from must be non-empty.
func New(accountSID, authToken, from string, opts ...Option) (*Caller, error) {
	if accountSID == "" {
		return nil, errors.New("twilio: accountSID must not be empty")
	}
	if authToken == "" {
		return nil, errors.New("twilio: authToken must not be empty")
	}
	if from == "" {
		return nil, errors.New("twilio: from number must not be empty")
	}
	c := &Caller{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		calls:      map[string]*liveCall{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// callResponse is the subset of the Twilio Calls resource we consume.
type callResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PlaceCall implements telephony.Caller.
func (c *Caller) PlaceCall(ctx context.Context, req telephony.CallRequest) (*telephony.CallRef, error) {
	if req.To == "" {
		return nil, errors.New("twilio: destination number must not be empty")
	}
	from := req.From
	if from == "" {
		from = c.from
	}
	timeout := req.RingTimeout
	if timeout <= 0 {
		timeout = defaultRingTimeout
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", from)
	form.Set("Twiml", streamTwiML(req.StreamURL, req.CallID))
	form.Set("Timeout", strconv.Itoa(int(timeout.Seconds())))
	if c.statusCallback != "" {
		form.Set("StatusCallback", c.statusCallback)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio: build request: %w", err)
	}
	httpReq.SetBasicAuth(c.accountSID, c.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("twilio: place call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var cr callResponse
		_ = json.Unmarshal(body, &cr)
		if cr.Message != "" {
			return nil, fmt.Errorf("twilio: place call: status %d: %s", resp.StatusCode, cr.Message)
		}
		return nil, fmt.Errorf("twilio: place call: unexpected status %d", resp.StatusCode)
	}

	var cr callResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("twilio: decode call response: %w", err)
	}
	if cr.SID == "" {
		return nil, errors.New("twilio: call response missing sid")
	}

	lc := &liveCall{
		callID: req.CallID,
		events: make(chan telephony.StatusEvent, 16),
	}
	c.mu.Lock()
	c.calls[cr.SID] = lc
	c.mu.Unlock()

	return &telephony.CallRef{ProviderCallID: cr.SID, Events: lc.events}, nil
}

// Hangup implements telephony.Caller by setting the call status to completed.
func (c *Caller) Hangup(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return errors.New("twilio: providerCallID must not be empty")
	}

	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, providerCallID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: build hangup request: %w", err)
	}
	httpReq.SetBasicAuth(c.accountSID, c.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("twilio: hangup: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	// 404 means the call already ended; treat it as success.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("twilio: hangup: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// DeliverStatus routes a status callback from the Twilio webhook onto the
// originating call's event channel. Unknown call SIDs and repeat terminal
// statuses are ignored. Returns true if the event was delivered.
func (c *Caller) DeliverStatus(providerCallID, rawStatus string) bool {
	status, ok := mapStatus(rawStatus)
	if !ok {
		return false
	}

	c.mu.Lock()
	lc, found := c.calls[providerCallID]
	if !found || lc.done {
		c.mu.Unlock()
		return false
	}
	if status.Terminal() {
		lc.done = true
		delete(c.calls, providerCallID)
	}
	c.mu.Unlock()

	ev := telephony.StatusEvent{CallID: lc.callID, Status: status, At: time.Now()}
	select {
	case lc.events <- ev:
	default:
		// Slow consumer; drop rather than block the webhook handler.
	}
	if status.Terminal() {
		close(lc.events)
	}
	return true
}

// mapStatus normalizes Twilio call status strings.
func mapStatus(raw string) (telephony.CallStatus, bool) {
	switch strings.ToLower(raw) {
	case "queued", "initiated":
		return telephony.StatusQueued, true
	case "ringing":
		return telephony.StatusRinging, true
	case "in-progress", "answered":
		return telephony.StatusAnswered, true
	case "busy":
		return telephony.StatusBusy, true
	case "no-answer":
		return telephony.StatusNoAnswer, true
	case "failed", "canceled":
		return telephony.StatusFailed, true
	case "completed":
		return telephony.StatusCompleted, true
	}
	return "", false
}

// streamTwiML builds the TwiML that bridges an answered call onto the media
// stream WebSocket, carrying the internal call ID as a custom parameter.
func streamTwiML(streamURL, callID string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="`)
	b.WriteString(xmlEscape(streamURL))
	b.WriteString(`">`)
	if callID != "" {
		b.WriteString(`<Parameter name="call_id" value="`)
		b.WriteString(xmlEscape(callID))
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

// xmlEscape escapes the five XML special characters for attribute values.
func xmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
