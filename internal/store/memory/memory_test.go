package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dialvox/dialvox/internal/actionplan"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/transcript"
)

func TestJobRoundTripAndTenantIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	job := &dialer.Job{
		ID:            "j1",
		TenantID:      "acme",
		PhoneNumber:   "+15550100",
		Priority:      5,
		Status:        dialer.StatusPending,
		AttemptNumber: 1,
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob() error: %v", err)
	}

	got, err := s.GetJob(ctx, "acme", "j1")
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if got.PhoneNumber != "+15550100" {
		t.Errorf("job = %+v", got)
	}

	// Another tenant must not see the row.
	if _, err := s.GetJob(ctx, "rival", "j1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-tenant GetJob error = %v, want ErrNotFound", err)
	}
}

func TestSaveJobIsUpsert(t *testing.T) {
	s := New()
	ctx := context.Background()

	job := &dialer.Job{ID: "j1", TenantID: "acme", Status: dialer.StatusPending}
	_ = s.SaveJob(ctx, job)
	job.Status = dialer.StatusCompleted
	_ = s.SaveJob(ctx, job)

	got, _ := s.GetJob(ctx, "acme", "j1")
	if got.Status != dialer.StatusCompleted {
		t.Errorf("status = %s, want completed after upsert", got.Status)
	}
}

func TestCallAndTranscriptAndRecording(t *testing.T) {
	s := New()
	ctx := context.Background()

	call := &store.Call{
		ID:              "c1",
		TenantID:        "acme",
		StartedAt:       time.Unix(1700000000, 0).UTC(),
		EndedAt:         time.Unix(1700000120, 0).UTC(),
		DurationSeconds: 120,
		Outcome:         "answered",
	}
	if err := s.SaveCall(ctx, call); err != nil {
		t.Fatalf("SaveCall() error: %v", err)
	}

	tr := &store.Transcript{
		CallID:   "c1",
		TenantID: "acme",
		Turns: []transcript.Turn{
			{Role: transcript.RoleUser, Content: "hello"},
			{Role: transcript.RoleAssistant, Content: "hi there"},
		},
		FullText:  "user: hello\nassistant: hi there",
		WordCount: 5,
		TurnCount: 2,
	}
	if err := s.SaveTranscript(ctx, tr); err != nil {
		t.Fatalf("SaveTranscript() error: %v", err)
	}

	rec := &store.Recording{
		CallID:        "c1",
		TenantID:      "acme",
		StoragePath:   "acme/q3/c1.wav",
		FileSizeBytes: 38444,
		Status:        "stored",
	}
	if err := s.SaveRecording(ctx, rec); err != nil {
		t.Fatalf("SaveRecording() error: %v", err)
	}

	gotCall, err := s.GetCall(ctx, "acme", "c1")
	if err != nil || gotCall.Outcome != "answered" {
		t.Errorf("GetCall() = %+v, %v", gotCall, err)
	}
	gotTr, err := s.GetTranscript(ctx, "acme", "c1")
	if err != nil || gotTr.TurnCount != 2 {
		t.Errorf("GetTranscript() = %+v, %v", gotTr, err)
	}
	gotRec, err := s.GetRecording(ctx, "acme", "c1")
	if err != nil || gotRec.StoragePath != "acme/q3/c1.wav" {
		t.Errorf("GetRecording() = %+v, %v", gotRec, err)
	}

	if _, err := s.GetTranscript(ctx, "rival", "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-tenant transcript error = %v, want ErrNotFound", err)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	plan := &actionplan.Plan{
		ID:       "p1",
		TenantID: "acme",
		Intent:   "book demo",
		Steps:    []actionplan.Step{{Type: actionplan.TypeBookMeeting}},
		Status:   actionplan.PlanCompleted,
		StepResults: []actionplan.StepResult{
			{Index: 0, Status: actionplan.StepSuccess, Result: map[string]any{"meeting_id": "m1"}},
		},
	}
	if err := s.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan() error: %v", err)
	}

	got, err := s.GetPlan(ctx, "acme", "p1")
	if err != nil {
		t.Fatalf("GetPlan() error: %v", err)
	}
	if got.Status != actionplan.PlanCompleted || len(got.StepResults) != 1 {
		t.Errorf("plan = %+v", got)
	}
}

func TestAuditScopedByTenant(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Record(ctx, actionplan.AuditEntry{TenantID: "acme", PlanID: "p1", Event: "plan_started"})
	_ = s.Record(ctx, actionplan.AuditEntry{TenantID: "rival", PlanID: "p9", Event: "plan_started"})

	got := s.AuditEntries("acme")
	if len(got) != 1 || got[0].PlanID != "p1" {
		t.Errorf("AuditEntries(acme) = %+v", got)
	}
}
