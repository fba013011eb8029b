// Package dialer implements the outbound dialing engine: the job model, the
// retry policy, and the worker loop that turns queued jobs into live calls.
package dialer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoJob is returned by a Queue's Dequeue when every consulted queue is
// empty.
var ErrNoJob = errors.New("dialer: no job available")

// Status is the lifecycle state of a dialer job. Transitions are monotonic
// except for the pending ↔ retry_scheduled loop.
type Status string

const (
	StatusPending        Status = "pending"
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusNonRetryable   Status = "non_retryable"
)

// CallOutcome classifies how an attempted call ended, as reported by the
// voice pipeline or the telephony provider.
type CallOutcome string

const (
	OutcomeAnswered     CallOutcome = "answered"
	OutcomeGoalAchieved CallOutcome = "goal_achieved"
	OutcomeBusy         CallOutcome = "busy"
	OutcomeNoAnswer     CallOutcome = "no_answer"
	OutcomeTimeout      CallOutcome = "timeout"
	OutcomeFailed       CallOutcome = "failed"
	OutcomeVoicemail    CallOutcome = "voicemail"
	OutcomeSpam         CallOutcome = "spam"
	OutcomeInvalid      CallOutcome = "invalid"
	OutcomeUnavailable  CallOutcome = "unavailable"
	OutcomeDisconnected CallOutcome = "disconnected"
	OutcomeRejected     CallOutcome = "rejected"
)

// PriorityThreshold is the priority at or above which a job routes to the
// shared priority queue instead of its tenant queue.
const PriorityThreshold = 8

// Job is one outbound call to be placed.
type Job struct {
	ID          string `json:"job_id"`
	CampaignID  string `json:"campaign_id"`
	LeadID      string `json:"lead_id"`
	TenantID    string `json:"tenant_id"`
	PhoneNumber string `json:"phone_number"`

	// AgentName selects the configured agent persona for this call. Empty
	// selects the first configured agent.
	AgentName string `json:"agent_name,omitempty"`

	// Priority ranges 1 (lowest) to 10.
	Priority int `json:"priority"`

	Status Status `json:"status"`

	// AttemptNumber starts at 1 and never exceeds the policy's MaxAttempts.
	AttemptNumber int `json:"attempt_number"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastOutcome CallOutcome `json:"last_outcome,omitempty"`
	LastError   string      `json:"last_error,omitempty"`

	// CallID links the job to the call row once an attempt is placed.
	CallID string `json:"call_id,omitempty"`
}

// Validate reports whether the job is well-formed enough to enqueue.
func (j *Job) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("dialer: job missing job_id")
	case j.TenantID == "":
		return fmt.Errorf("dialer: job %s missing tenant_id", j.ID)
	case j.PhoneNumber == "":
		return fmt.Errorf("dialer: job %s missing phone_number", j.ID)
	case j.Priority < 1 || j.Priority > 10:
		return fmt.Errorf("dialer: job %s priority %d out of range 1-10", j.ID, j.Priority)
	case j.AttemptNumber < 1:
		return fmt.Errorf("dialer: job %s attempt_number %d, want >= 1", j.ID, j.AttemptNumber)
	}
	return nil
}

// Encode serializes the job for queue transport.
func (j *Job) Encode() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("dialer: encode job %s: %w", j.ID, err)
	}
	return b, nil
}

// DecodeJob is the inverse of Encode.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("dialer: decode job: %w", err)
	}
	return &j, nil
}
