package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dialvox/dialvox/internal/actionplan"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/pkg/types"
)

// builtinTools binds every allowlisted action to its implementation. The
// scheduling and messaging actions are local connectors; initiate_call and
// start_campaign feed the real dial queue.
func (a *App) builtinTools() map[actionplan.StepType]actionplan.Tool {
	return map[actionplan.StepType]actionplan.Tool{
		actionplan.TypeBookMeeting:       bookMeeting,
		actionplan.TypeUpdateMeeting:     updateMeeting,
		actionplan.TypeCancelMeeting:     cancelMeeting,
		actionplan.TypeCheckAvailability: checkAvailability,
		actionplan.TypeSendEmail:         sendMessage("email"),
		actionplan.TypeSendSMS:           sendMessage("sms"),
		actionplan.TypeScheduleReminder:  scheduleReminder,
		actionplan.TypeInitiateCall:      a.initiateCall,
		actionplan.TypeStartCampaign:     a.startCampaign,
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func bookMeeting(_ context.Context, params map[string]any) (map[string]any, error) {
	start := stringParam(params, "start_time")
	if start == "" {
		start = time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	}
	id := uuid.NewString()
	return map[string]any{
		"meeting_id": id,
		"start_time": start,
		"join_link":  fmt.Sprintf("https://meet.dialvox.io/%s", id),
		"status":     "confirmed",
	}, nil
}

func updateMeeting(_ context.Context, params map[string]any) (map[string]any, error) {
	id := stringParam(params, "meeting_id")
	if id == "" {
		return nil, fmt.Errorf("update_meeting: meeting_id is required")
	}
	out := map[string]any{"meeting_id": id, "status": "updated"}
	if start := stringParam(params, "start_time"); start != "" {
		out["start_time"] = start
	}
	return out, nil
}

func cancelMeeting(_ context.Context, params map[string]any) (map[string]any, error) {
	id := stringParam(params, "meeting_id")
	if id == "" {
		return nil, fmt.Errorf("cancel_meeting: meeting_id is required")
	}
	return map[string]any{"meeting_id": id, "status": "cancelled"}, nil
}

func checkAvailability(_ context.Context, params map[string]any) (map[string]any, error) {
	start := stringParam(params, "start_time")
	if start == "" {
		start = time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	}
	return map[string]any{"available": true, "start_time": start}, nil
}

// sendMessage is the shared connector behind send_email and send_sms.
func sendMessage(channel string) actionplan.Tool {
	return func(_ context.Context, params map[string]any) (map[string]any, error) {
		to := stringParam(params, "to")
		if to == "" {
			return nil, fmt.Errorf("send_%s: to is required", channel)
		}
		return map[string]any{
			"message_id": uuid.NewString(),
			"channel":    channel,
			"to":         to,
			"status":     "queued",
		}, nil
	}
}

func scheduleReminder(_ context.Context, params map[string]any) (map[string]any, error) {
	at := stringParam(params, "start_time")
	if at == "" {
		at = stringParam(params, "at")
	}
	if at == "" {
		at = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	}
	return map[string]any{
		"reminder_id":  uuid.NewString(),
		"scheduled_at": at,
		"status":       "scheduled",
	}, nil
}

// initiateCall enqueues a follow-up outbound call.
func (a *App) initiateCall(ctx context.Context, params map[string]any) (map[string]any, error) {
	phone := stringParam(params, "phone_number")
	if phone == "" {
		return nil, fmt.Errorf("initiate_call: phone_number is required")
	}
	tenant := stringParam(params, "tenant_id")
	if tenant == "" {
		return nil, fmt.Errorf("initiate_call: tenant_id is required")
	}

	job := &dialer.Job{
		ID:            uuid.NewString(),
		TenantID:      tenant,
		CampaignID:    stringParam(params, "campaign_id"),
		LeadID:        stringParam(params, "lead_id"),
		PhoneNumber:   phone,
		AgentName:     stringParam(params, "agent_name"),
		Priority:      5,
		Status:        dialer.StatusPending,
		AttemptNumber: 1,
		CreatedAt:     time.Now().UTC(),
		ScheduledAt:   time.Now().UTC(),
	}

	if at := stringParam(params, "scheduled_at"); at != "" {
		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("initiate_call: scheduled_at: %w", err)
		}
		if err := a.queue.ScheduleRetry(ctx, job, when); err != nil {
			return nil, fmt.Errorf("initiate_call: %w", err)
		}
		return map[string]any{"job_id": job.ID, "status": "scheduled", "scheduled_at": at}, nil
	}

	if err := a.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("initiate_call: %w", err)
	}
	return map[string]any{"job_id": job.ID, "status": "queued"}, nil
}

// startCampaign enqueues one job per lead phone number.
func (a *App) startCampaign(ctx context.Context, params map[string]any) (map[string]any, error) {
	tenant := stringParam(params, "tenant_id")
	if tenant == "" {
		return nil, fmt.Errorf("start_campaign: tenant_id is required")
	}
	leads, _ := params["leads"].([]any)
	if len(leads) == 0 {
		return nil, fmt.Errorf("start_campaign: leads is required")
	}

	campaignID := stringParam(params, "campaign_id")
	if campaignID == "" {
		campaignID = uuid.NewString()
	}

	enqueued := 0
	for _, lead := range leads {
		phone, _ := lead.(string)
		if phone == "" {
			continue
		}
		job := &dialer.Job{
			ID:            uuid.NewString(),
			TenantID:      tenant,
			CampaignID:    campaignID,
			PhoneNumber:   phone,
			AgentName:     stringParam(params, "agent_name"),
			Priority:      5,
			Status:        dialer.StatusPending,
			AttemptNumber: 1,
			CreatedAt:     time.Now().UTC(),
			ScheduledAt:   time.Now().UTC(),
		}
		if err := a.queue.Enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("start_campaign: lead %q: %w", phone, err)
		}
		enqueued++
	}
	if enqueued == 0 {
		return nil, fmt.Errorf("start_campaign: no valid leads")
	}
	return map[string]any{"campaign_id": campaignID, "enqueued": enqueued, "status": "started"}, nil
}

// toolCatalog describes the actions an agent may request during a call, in
// the JSON Schema shape the LLM providers expect.
var toolCatalog = map[string]types.ToolDefinition{
	"book_meeting": {
		Name:        "book_meeting",
		Description: "Book a meeting with the person on the call.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start_time": map[string]any{
					"type":        "string",
					"description": "Meeting start in RFC 3339 format.",
				},
				"title": map[string]any{"type": "string"},
			},
			"required": []string{"start_time"},
		},
	},
	"check_availability": {
		Name:        "check_availability",
		Description: "Check whether a proposed meeting time is free.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start_time": map[string]any{
					"type":        "string",
					"description": "Proposed time in RFC 3339 format.",
				},
			},
			"required": []string{"start_time"},
		},
	},
	"send_email": {
		Name:        "send_email",
		Description: "Send a follow-up email after the call.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":      map[string]any{"type": "string"},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
			},
			"required": []string{"to"},
		},
	},
	"send_sms": {
		Name:        "send_sms",
		Description: "Send a follow-up text message after the call.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":   map[string]any{"type": "string"},
				"body": map[string]any{"type": "string"},
			},
			"required": []string{"to"},
		},
	},
	"schedule_reminder": {
		Name:        "schedule_reminder",
		Description: "Schedule a reminder for the person on the call.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start_time": map[string]any{
					"type":        "string",
					"description": "Reminder time in RFC 3339 format.",
				},
				"note": map[string]any{"type": "string"},
			},
		},
	},
}

// toolDefinitions resolves an agent's configured tool names against the
// catalog, silently skipping unknown names.
func toolDefinitions(names []string) []types.ToolDefinition {
	var defs []types.ToolDefinition
	for _, name := range names {
		if def, ok := toolCatalog[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}
