package dialer

import "time"

// Action is what the retry policy decided for an attempt's outcome.
type Action string

const (
	// ActionSuccess ends the job as completed.
	ActionSuccess Action = "success"

	// ActionRetry schedules another attempt at Decision.RetryAt.
	ActionRetry Action = "retry"

	// ActionGiveUp ends the job as failed after exhausting attempts.
	ActionGiveUp Action = "give_up"

	// ActionNonRetryable ends the job immediately; the outcome class never
	// benefits from another attempt.
	ActionNonRetryable Action = "non_retryable"
)

// Decision is the policy's verdict for one attempt.
type Decision struct {
	Action  Action
	RetryAt time.Time
}

// RetryPolicy decides whether a finished attempt warrants another call.
type RetryPolicy struct {
	// MaxAttempts caps total attempts per job. Zero selects 3.
	MaxAttempts int

	// RetryDelay is the gap before a retryable outcome is attempted again.
	// Zero selects 2 hours.
	RetryDelay time.Duration
}

// DefaultRetryPolicy matches the platform defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, RetryDelay: 2 * time.Hour}
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryDelay() time.Duration {
	if p.RetryDelay <= 0 {
		return 2 * time.Hour
	}
	return p.RetryDelay
}

// Decide classifies the outcome of the given attempt number. now anchors the
// retry timestamp so callers can test the policy deterministically.
func (p RetryPolicy) Decide(outcome CallOutcome, attempt int, now time.Time) Decision {
	switch outcome {
	case OutcomeAnswered, OutcomeGoalAchieved:
		return Decision{Action: ActionSuccess}

	case OutcomeBusy, OutcomeNoAnswer, OutcomeTimeout, OutcomeFailed, OutcomeVoicemail:
		if attempt >= p.maxAttempts() {
			return Decision{Action: ActionGiveUp}
		}
		return Decision{Action: ActionRetry, RetryAt: now.Add(p.retryDelay())}

	default:
		// spam, invalid, unavailable, disconnected, rejected, and anything
		// unrecognised: calling again cannot help.
		return Decision{Action: ActionNonRetryable}
	}
}
