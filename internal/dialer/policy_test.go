package dialer

import (
	"testing"
	"time"
)

func TestDecide(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	p := DefaultRetryPolicy()

	cases := []struct {
		name    string
		outcome CallOutcome
		attempt int
		want    Action
	}{
		{"answered is success", OutcomeAnswered, 1, ActionSuccess},
		{"goal achieved is success", OutcomeGoalAchieved, 3, ActionSuccess},
		{"busy retries", OutcomeBusy, 1, ActionRetry},
		{"no answer retries", OutcomeNoAnswer, 2, ActionRetry},
		{"timeout retries", OutcomeTimeout, 1, ActionRetry},
		{"failed retries", OutcomeFailed, 1, ActionRetry},
		{"voicemail retries", OutcomeVoicemail, 1, ActionRetry},
		{"busy at max attempts gives up", OutcomeBusy, 3, ActionGiveUp},
		{"no answer past max gives up", OutcomeNoAnswer, 4, ActionGiveUp},
		{"spam is non-retryable", OutcomeSpam, 1, ActionNonRetryable},
		{"invalid is non-retryable", OutcomeInvalid, 1, ActionNonRetryable},
		{"unavailable is non-retryable", OutcomeUnavailable, 1, ActionNonRetryable},
		{"disconnected is non-retryable", OutcomeDisconnected, 1, ActionNonRetryable},
		{"rejected is non-retryable", OutcomeRejected, 1, ActionNonRetryable},
		{"unknown outcome is non-retryable", CallOutcome("garbled"), 1, ActionNonRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := p.Decide(tc.outcome, tc.attempt, now)
			if d.Action != tc.want {
				t.Errorf("Decide(%s, attempt %d) = %s, want %s", tc.outcome, tc.attempt, d.Action, tc.want)
			}
			if tc.want == ActionRetry && !d.RetryAt.Equal(now.Add(2*time.Hour)) {
				t.Errorf("RetryAt = %v, want now+2h", d.RetryAt)
			}
		})
	}
}

func TestDecideZeroValueDefaults(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	var p RetryPolicy

	d := p.Decide(OutcomeBusy, 2, now)
	if d.Action != ActionRetry {
		t.Errorf("attempt 2 of 3 = %s, want retry", d.Action)
	}
	if d := p.Decide(OutcomeBusy, 3, now); d.Action != ActionGiveUp {
		t.Errorf("attempt 3 of 3 = %s, want give_up", d.Action)
	}
}

func TestDecideCustomLimits(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	p := RetryPolicy{MaxAttempts: 5, RetryDelay: 10 * time.Minute}

	d := p.Decide(OutcomeBusy, 4, now)
	if d.Action != ActionRetry {
		t.Fatalf("attempt 4 of 5 = %s, want retry", d.Action)
	}
	if !d.RetryAt.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("RetryAt = %v, want now+10m", d.RetryAt)
	}
}
