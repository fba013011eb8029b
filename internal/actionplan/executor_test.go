package actionplan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *memAudit) Record(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

func TestNewExecutorRejectsUnknownTool(t *testing.T) {
	_, err := NewExecutor(map[StepType]Tool{
		"send_fax": func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
	})
	if !errors.Is(err, ErrActionNotAllowed) {
		t.Errorf("error = %v, want ErrActionNotAllowed", err)
	}
}

func TestExecuteChainsResults(t *testing.T) {
	start := time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)

	var emailParams, reminderParams map[string]any
	tools := map[StepType]Tool{
		TypeBookMeeting: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{
				"meeting_id": "mtg-42",
				"start_time": start.Format(time.RFC3339),
				"join_link":  "https://meet.example/mtg-42",
			}, nil
		},
		TypeSendEmail: func(_ context.Context, p map[string]any) (map[string]any, error) {
			emailParams = p
			return map[string]any{"message_id": "em-1"}, nil
		},
		TypeScheduleReminder: func(_ context.Context, p map[string]any) (map[string]any, error) {
			reminderParams = p
			return nil, nil
		},
	}
	audit := &memAudit{}
	e, err := NewExecutor(tools, WithAuditLog(audit))
	if err != nil {
		t.Fatalf("NewExecutor() error: %v", err)
	}

	plan := &Plan{
		ID:       "plan-1",
		TenantID: "acme",
		Intent:   "book demo",
		Steps: []Step{
			{Type: TypeBookMeeting, Params: map[string]any{"duration": "30m"}},
			{Type: TypeSendEmail, Condition: ConditionIfPreviousSuccess, UseResultFrom: intPtr(0),
				Params: map[string]any{"to": "lead@example.com"}},
			{Type: TypeScheduleReminder, Condition: ConditionIfPreviousSuccess, UseResultFrom: intPtr(0),
				Params: map[string]any{"offset": "-1h"}},
		},
	}
	if err := e.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if plan.Status != PlanCompleted {
		t.Errorf("Status = %s, want completed", plan.Status)
	}
	if emailParams["join_link"] != "https://meet.example/mtg-42" || emailParams["meeting_id"] != "mtg-42" {
		t.Errorf("email params missing chained fields: %v", emailParams)
	}
	wantReminder := start.Add(-time.Hour).Format(time.RFC3339)
	if reminderParams["scheduled_at"] != wantReminder {
		t.Errorf("reminder scheduled_at = %v, want %s", reminderParams["scheduled_at"], wantReminder)
	}
	for i, res := range plan.StepResults {
		if res.Status != StepSuccess {
			t.Errorf("step %d status = %s", i, res.Status)
		}
	}

	wantEvents := []string{"plan_started", "step_succeeded", "step_succeeded", "step_succeeded", "plan_completed"}
	got := audit.events()
	if len(got) != len(wantEvents) {
		t.Fatalf("audit events = %v, want %v", got, wantEvents)
	}
	for i := range wantEvents {
		if got[i] != wantEvents[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], wantEvents[i])
		}
	}
}

func TestExecuteFailureSkipsDependents(t *testing.T) {
	tools := map[StepType]Tool{
		TypeBookMeeting: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("calendar unavailable")
		},
		TypeSendEmail: func(context.Context, map[string]any) (map[string]any, error) {
			t.Error("dependent step ran after failure")
			return nil, nil
		},
		TypeScheduleReminder: func(context.Context, map[string]any) (map[string]any, error) {
			t.Error("dependent step ran after failure")
			return nil, nil
		},
		TypeSendSMS: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"sent": true}, nil
		},
	}
	e, _ := NewExecutor(tools)

	plan := &Plan{
		ID:       "plan-2",
		TenantID: "acme",
		Steps: []Step{
			{Type: TypeBookMeeting},
			{Type: TypeSendEmail, Condition: ConditionIfPreviousSuccess},
			{Type: TypeScheduleReminder, Condition: ConditionIfPreviousSuccess},
			{Type: TypeSendSMS, Condition: ConditionIfPreviousFailed},
		},
	}
	if err := e.Execute(context.Background(), plan); err == nil {
		t.Fatal("Execute() succeeded, want failure")
	}

	want := []StepStatus{StepFailed, StepSkipped, StepSkipped, StepSuccess}
	if len(plan.StepResults) != len(want) {
		t.Fatalf("results = %+v", plan.StepResults)
	}
	for i, w := range want {
		if plan.StepResults[i].Status != w {
			t.Errorf("step %d status = %s, want %s", i, plan.StepResults[i].Status, w)
		}
	}
	if plan.Status != PlanFailed || plan.Error == "" {
		t.Errorf("plan status/error = %s/%q", plan.Status, plan.Error)
	}
}

func TestExecuteChainedFromFailedStepFails(t *testing.T) {
	tools := map[StepType]Tool{
		TypeBookMeeting: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("no slots")
		},
		TypeSendEmail: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, nil
		},
	}
	e, _ := NewExecutor(tools)

	plan := &Plan{
		ID:       "plan-3",
		TenantID: "acme",
		Steps: []Step{
			{Type: TypeBookMeeting},
			// always runs, but its referenced result failed.
			{Type: TypeSendEmail, UseResultFrom: intPtr(0)},
		},
	}
	_ = e.Execute(context.Background(), plan)

	if plan.StepResults[1].Status != StepFailed {
		t.Errorf("step 1 status = %s, want failed on unusable reference", plan.StepResults[1].Status)
	}
}

func TestExecuteUnregisteredToolFailsStep(t *testing.T) {
	e, _ := NewExecutor(map[StepType]Tool{
		TypeSendSMS: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
	})
	plan := &Plan{
		ID:       "plan-4",
		TenantID: "acme",
		Steps:    []Step{{Type: TypeBookMeeting}},
	}
	_ = e.Execute(context.Background(), plan)
	if plan.StepResults[0].Status != StepFailed {
		t.Errorf("step status = %s, want failed when no tool is registered", plan.StepResults[0].Status)
	}
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	e, _ := NewExecutor(nil)
	plan := &Plan{TenantID: "acme", Steps: []Step{{Type: "drop_tables"}}}
	if err := e.Execute(context.Background(), plan); !errors.Is(err, ErrActionNotAllowed) {
		t.Errorf("error = %v, want ErrActionNotAllowed", err)
	}
	if plan.Status != PlanFailed {
		t.Errorf("status = %s, want failed", plan.Status)
	}
}
