package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/actionplan"
	"github.com/dialvox/dialvox/internal/queue"
)

func testApp(t *testing.T) *App {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return &App{
		log:   slog.Default(),
		queue: queue.New(rdb),
	}
}

func TestBuiltinToolsCoverAllowlist(t *testing.T) {
	t.Parallel()

	tools := testApp(t).builtinTools()
	for _, st := range []actionplan.StepType{
		actionplan.TypeBookMeeting,
		actionplan.TypeUpdateMeeting,
		actionplan.TypeCancelMeeting,
		actionplan.TypeCheckAvailability,
		actionplan.TypeSendEmail,
		actionplan.TypeSendSMS,
		actionplan.TypeScheduleReminder,
		actionplan.TypeInitiateCall,
		actionplan.TypeStartCampaign,
	} {
		if tools[st] == nil {
			t.Errorf("no tool bound for %q", st)
		}
	}
}

func TestBookMeeting(t *testing.T) {
	t.Parallel()

	out, err := bookMeeting(context.Background(), map[string]any{
		"start_time": "2026-09-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("bookMeeting() error: %v", err)
	}
	if out["meeting_id"] == "" || out["start_time"] != "2026-09-01T10:00:00Z" {
		t.Errorf("out = %v", out)
	}
	if out["join_link"] == "" {
		t.Error("no join_link in result")
	}
}

func TestUpdateAndCancelMeetingRequireID(t *testing.T) {
	t.Parallel()

	if _, err := updateMeeting(context.Background(), nil); err == nil {
		t.Error("updateMeeting without meeting_id succeeded")
	}
	if _, err := cancelMeeting(context.Background(), nil); err == nil {
		t.Error("cancelMeeting without meeting_id succeeded")
	}

	out, err := cancelMeeting(context.Background(), map[string]any{"meeting_id": "m-1"})
	if err != nil {
		t.Fatalf("cancelMeeting() error: %v", err)
	}
	if out["status"] != "cancelled" {
		t.Errorf("status = %v", out["status"])
	}
}

func TestSendMessageConnectors(t *testing.T) {
	t.Parallel()

	email := sendMessage("email")
	if _, err := email(context.Background(), map[string]any{}); err == nil {
		t.Error("send_email without recipient succeeded")
	}
	out, err := email(context.Background(), map[string]any{"to": "lead@example.com"})
	if err != nil {
		t.Fatalf("send_email error: %v", err)
	}
	if out["channel"] != "email" || out["status"] != "queued" || out["message_id"] == "" {
		t.Errorf("out = %v", out)
	}
}

func TestInitiateCallEnqueues(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	ctx := context.Background()

	out, err := a.initiateCall(ctx, map[string]any{
		"tenant_id":    "acme",
		"phone_number": "+15550002222",
		"agent_name":   "booking",
	})
	if err != nil {
		t.Fatalf("initiateCall() error: %v", err)
	}
	if out["status"] != "queued" {
		t.Errorf("status = %v", out["status"])
	}

	job, err := a.queue.Dequeue(ctx, []string{"acme"})
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job.PhoneNumber != "+15550002222" || job.AgentName != "booking" {
		t.Errorf("job = %+v", job)
	}
}

func TestInitiateCallScheduled(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	out, err := a.initiateCall(ctx, map[string]any{
		"tenant_id":    "acme",
		"phone_number": "+15550002222",
		"scheduled_at": at,
	})
	if err != nil {
		t.Fatalf("initiateCall() error: %v", err)
	}
	if out["status"] != "scheduled" {
		t.Errorf("status = %v", out["status"])
	}

	st, err := a.queue.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if st.ScheduledCount != 1 {
		t.Errorf("ScheduledCount = %d, want 1", st.ScheduledCount)
	}
}

func TestInitiateCallMissingParams(t *testing.T) {
	t.Parallel()
	a := testApp(t)

	if _, err := a.initiateCall(context.Background(), map[string]any{"tenant_id": "acme"}); err == nil {
		t.Error("initiateCall without phone_number succeeded")
	}
	if _, err := a.initiateCall(context.Background(), map[string]any{"phone_number": "+1555"}); err == nil {
		t.Error("initiateCall without tenant_id succeeded")
	}
}

func TestStartCampaignEnqueuesPerLead(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	ctx := context.Background()

	out, err := a.startCampaign(ctx, map[string]any{
		"tenant_id":   "acme",
		"campaign_id": "q3-renewals",
		"leads":       []any{"+15550000001", "+15550000002", ""},
	})
	if err != nil {
		t.Fatalf("startCampaign() error: %v", err)
	}
	if out["enqueued"] != 2 {
		t.Errorf("enqueued = %v, want 2", out["enqueued"])
	}

	for i := 0; i < 2; i++ {
		job, err := a.queue.Dequeue(ctx, []string{"acme"})
		if err != nil {
			t.Fatalf("Dequeue() %d error: %v", i, err)
		}
		if job.CampaignID != "q3-renewals" {
			t.Errorf("CampaignID = %q", job.CampaignID)
		}
	}
}

func TestStartCampaignRequiresLeads(t *testing.T) {
	t.Parallel()
	a := testApp(t)

	if _, err := a.startCampaign(context.Background(), map[string]any{"tenant_id": "acme"}); err == nil {
		t.Error("startCampaign without leads succeeded")
	}
}

func TestToolDefinitionsSkipsUnknown(t *testing.T) {
	t.Parallel()

	defs := toolDefinitions([]string{"book_meeting", "no_such_tool", "send_sms"})
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
	if defs[0].Name != "book_meeting" || defs[1].Name != "send_sms" {
		t.Errorf("defs = %v", defs)
	}
}
