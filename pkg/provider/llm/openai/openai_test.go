package openai

import (
	"testing"

	"github.com/dialvox/dialvox/pkg/types"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	msg := types.Message{Role: "system", Content: "You are a phone agent."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	msg := types.Message{Role: "user", Content: "Hello!"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_AssistantWithToolCalls checks that structured tool
// arguments are re-encoded as a JSON string for the wire.
func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	msg := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "end_call", Args: map[string]any{"reason": "goal_achieved"}},
		},
	}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("expected ID call_1, got %s", tc.ID)
	}
	if tc.Function.Name != "end_call" {
		t.Errorf("expected function name end_call, got %s", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"reason":"goal_achieved"}` {
		t.Errorf("unexpected arguments: %s", tc.Function.Arguments)
	}
}

// TestConvertMessage_Tool checks tool response message conversion.
func TestConvertMessage_Tool(t *testing.T) {
	msg := types.Message{Role: "tool", Content: "ok", ToolCallID: "call_1"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if param.OfTool.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %s", param.OfTool.ToolCallID)
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	msg := types.Message{Role: "narrator", Content: "meanwhile"}
	if _, err := convertMessage(msg); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

// TestToolCallDraft_Finish checks argument decoding on stream completion.
func TestToolCallDraft_Finish(t *testing.T) {
	d := &toolCallDraft{id: "call_9", name: "schedule_meeting"}
	d.args.WriteString(`{"time":"2026-0`)
	d.args.WriteString(`3-01T10:00:00Z","duration_minutes":30}`)

	tc := d.finish()
	if tc.ID != "call_9" || tc.Name != "schedule_meeting" {
		t.Errorf("identity not carried over: %+v", tc)
	}
	if got := tc.Args["time"]; got != "2026-03-01T10:00:00Z" {
		t.Errorf("Args[time] = %v", got)
	}
	if got := tc.Args["duration_minutes"]; got != float64(30) {
		t.Errorf("Args[duration_minutes] = %v", got)
	}
}

// TestToolCallDraft_FinishMalformed checks that bad argument JSON yields an
// empty map, never a nil one.
func TestToolCallDraft_FinishMalformed(t *testing.T) {
	d := &toolCallDraft{id: "call_2", name: "send_sms"}
	d.args.WriteString(`{"to": truncated`)

	tc := d.finish()
	if tc.Args == nil {
		t.Fatal("Args must never be nil")
	}
	if len(tc.Args) != 0 {
		t.Errorf("Args = %v, want empty", tc.Args)
	}
}

// TestModelCapabilities checks a few known model families.
func TestModelCapabilities(t *testing.T) {
	caps := modelCapabilities("gpt-4o-mini")
	if caps.MaxContextTokens != 128_000 {
		t.Errorf("gpt-4o-mini: expected context 128000, got %d", caps.MaxContextTokens)
	}
	if !caps.SupportsToolCalling || !caps.SupportsStreaming {
		t.Error("gpt-4o-mini: expected tool calling and streaming support")
	}

	caps = modelCapabilities("gpt-4")
	if caps.MaxContextTokens != 8_192 {
		t.Errorf("gpt-4: expected context 8192, got %d", caps.MaxContextTokens)
	}

	caps = modelCapabilities("o1-mini")
	if caps.SupportsToolCalling {
		t.Error("o1-mini: expected SupportsToolCalling=false")
	}

	// Unknown models receive sensible defaults without panicking.
	caps = modelCapabilities("my-custom-model")
	if caps.MaxContextTokens <= 0 || caps.MaxOutputTokens <= 0 {
		t.Errorf("unknown model: expected positive limits, got %+v", caps)
	}
}

// TestCountTokens_Estimation checks that token counting returns a reasonable value.
func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	msgs := []types.Message{
		{Role: "user", Content: "Hello world"}, // 11 chars → ~3 tokens + 4 overhead = 7
	}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

// TestNew_Validation ensures the constructor rejects missing credentials.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	); err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}
