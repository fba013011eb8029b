// Package actionplan defines post-call action plans and the executor that
// runs them: ordered steps from a closed allowlist, conditional on earlier
// outcomes, chaining results between steps.
package actionplan

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// StepType is an allowlisted action. Any type outside the allowlist is
// rejected at validation time; there is no extension mechanism.
type StepType string

const (
	TypeBookMeeting       StepType = "book_meeting"
	TypeUpdateMeeting     StepType = "update_meeting"
	TypeCancelMeeting     StepType = "cancel_meeting"
	TypeCheckAvailability StepType = "check_availability"
	TypeSendEmail         StepType = "send_email"
	TypeSendSMS           StepType = "send_sms"
	TypeScheduleReminder  StepType = "schedule_reminder"
	TypeInitiateCall      StepType = "initiate_call"
	TypeStartCampaign     StepType = "start_campaign"
)

// allowlist is the closed set of executable step types.
var allowlist = map[StepType]bool{
	TypeBookMeeting:       true,
	TypeUpdateMeeting:     true,
	TypeCancelMeeting:     true,
	TypeCheckAvailability: true,
	TypeSendEmail:         true,
	TypeSendSMS:           true,
	TypeScheduleReminder:  true,
	TypeInitiateCall:      true,
	TypeStartCampaign:     true,
}

// Allowed reports whether t is on the allowlist.
func Allowed(t StepType) bool { return allowlist[t] }

// ErrActionNotAllowed marks a step type outside the allowlist.
var ErrActionNotAllowed = errors.New("actionplan: action not allowed")

// Condition gates a step on the preceding step's outcome.
type Condition string

const (
	ConditionAlways            Condition = "always"
	ConditionIfPreviousSuccess Condition = "if_previous_success"
	ConditionIfPreviousFailed  Condition = "if_previous_failed"
)

// Step is one action within a plan.
type Step struct {
	Type   StepType       `json:"type"`
	Params map[string]any `json:"params,omitempty"`

	// Condition defaults to always when empty.
	Condition Condition `json:"condition,omitempty"`

	// UseResultFrom chains a prior step's result into this step's params.
	// Must reference an earlier index.
	UseResultFrom *int `json:"use_result_from,omitempty"`
}

// StepStatus is the outcome of one attempted (or skipped) step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records what one step did.
type StepResult struct {
	Index  int            `json:"step_index"`
	Status StepStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// PlanStatus is the plan lifecycle state.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Plan is an ordered set of post-call actions for one conversation.
type Plan struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Intent         string         `json:"intent"`
	Context        map[string]any `json:"context,omitempty"`
	Steps          []Step         `json:"actions"`

	Status      PlanStatus   `json:"status"`
	CurrentStep int          `json:"current_step"`
	StepResults []StepResult `json:"step_results,omitempty"`
	Error       string       `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate rejects plans that could not be executed: disallowed step types,
// forward or self result references, and unparseable offset expressions.
func Validate(p *Plan) error {
	if p.TenantID == "" {
		return errors.New("actionplan: plan missing tenant_id")
	}
	if len(p.Steps) == 0 {
		return errors.New("actionplan: plan has no steps")
	}
	for i, step := range p.Steps {
		if !Allowed(step.Type) {
			return fmt.Errorf("actionplan: step %d type %q: %w", i, step.Type, ErrActionNotAllowed)
		}
		switch step.Condition {
		case "", ConditionAlways, ConditionIfPreviousSuccess, ConditionIfPreviousFailed:
		default:
			return fmt.Errorf("actionplan: step %d unknown condition %q", i, step.Condition)
		}
		if ref := step.UseResultFrom; ref != nil && (*ref < 0 || *ref >= i) {
			return fmt.Errorf("actionplan: step %d references result %d, must be an earlier step", i, *ref)
		}
		if raw, ok := step.Params["offset"]; ok {
			s, ok := raw.(string)
			if !ok {
				return fmt.Errorf("actionplan: step %d offset is %T, want string", i, raw)
			}
			if _, err := ParseOffset(s); err != nil {
				return fmt.Errorf("actionplan: step %d: %w", i, err)
			}
		}
	}
	return nil
}

// ParseOffset parses a signed time offset like "-1h", "-30m", or "+2d".
// The sign is mandatory; units are s, m, h, and d.
func ParseOffset(s string) (time.Duration, error) {
	if len(s) < 3 {
		return 0, fmt.Errorf("actionplan: offset %q too short", s)
	}
	sign := time.Duration(1)
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("actionplan: offset %q missing sign", s)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("actionplan: offset %q has unknown unit %q", s, s[len(s)-1])
	}

	n, err := strconv.Atoi(s[1 : len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("actionplan: offset %q has invalid magnitude", s)
	}
	return sign * time.Duration(n) * unit, nil
}
