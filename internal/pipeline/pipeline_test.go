package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dialvox/dialvox/internal/transcript"
	"github.com/dialvox/dialvox/pkg/audio"
	gwmock "github.com/dialvox/dialvox/pkg/media/mock"
	"github.com/dialvox/dialvox/pkg/provider"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	llmmock "github.com/dialvox/dialvox/pkg/provider/llm/mock"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	sttmock "github.com/dialvox/dialvox/pkg/provider/stt/mock"
	ttsmock "github.com/dialvox/dialvox/pkg/provider/tts/mock"
	"github.com/dialvox/dialvox/pkg/types"
)

// fixture bundles a pipeline with its mocks and the running call.
type fixture struct {
	gw   *gwmock.Gateway
	stt  *sttmock.Provider
	sess *sttmock.Session
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	p    *Pipeline

	resCh chan Result
}

func newFixture(t *testing.T, cfg Config, mutate func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		gw:    &gwmock.Gateway{},
		stt:   &sttmock.Provider{},
		sess:  sttmock.NewSession(),
		llm:   &llmmock.Provider{},
		tts:   &ttsmock.Provider{},
		resCh: make(chan Result, 1),
	}
	f.stt.QueueSession(f.sess)
	if cfg.CallID == "" {
		cfg.CallID = "call-test"
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	if mutate != nil {
		mutate(f)
	}
	f.p = New(f.gw, f.stt, f.llm, f.tts, cfg)
	return f
}

// start runs the pipeline in the background.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	go func() {
		f.resCh <- f.p.Run(context.Background())
	}()
}

// result waits for the call to finish.
func (f *fixture) result(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-f.resCh:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish in time")
		return Result{}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assistantTurns(turns []transcript.Turn) []transcript.Turn {
	var out []transcript.Turn
	for _, turn := range turns {
		if turn.Role == transcript.RoleAssistant {
			out = append(out, turn)
		}
	}
	return out
}

func TestRunGreetingThenHangup(t *testing.T) {
	f := newFixture(t, Config{Agent: types.AgentConfig{Greeting: "Hi, this is Ava from Acme."}}, nil)
	f.start(t)

	// Let the greeting finish, then hang up.
	waitFor(t, "greeting in transcript", func() bool { return f.p.Transcript().Len() == 1 })
	f.gw.SetEOF()

	res := f.result(t)
	if res.Outcome != OutcomeAnswered {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeAnswered)
	}
	if res.Reason != "hangup" {
		t.Errorf("Reason = %q, want hangup", res.Reason)
	}
	if res.Turns != 0 {
		t.Errorf("Turns = %d, want 0 (greeting does not count)", res.Turns)
	}
	got := f.tts.Synthesized()
	if len(got) != 1 || got[0] != "Hi, this is Ava from Acme." {
		t.Errorf("synthesized = %v, want the greeting", got)
	}
}

func TestRunFullTurn(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.llm.StreamScripts = [][]llm.Chunk{{
			{Text: "Sure. "},
			{Text: "Happy to help.", FinishReason: "stop"},
		}}
	})
	f.start(t)

	f.sess.Emit(stt.Event{Kind: stt.KindFinal, Text: "I need help with my order", Confidence: 0.93})
	f.sess.Emit(stt.Event{Kind: stt.KindEndOfTurn})

	waitFor(t, "assistant reply in transcript", func() bool { return f.p.Transcript().Len() == 2 })
	f.gw.SetEOF()

	res := f.result(t)
	if res.Outcome != OutcomeAnswered || res.Turns != 1 {
		t.Errorf("got outcome %q turns %d, want answered with 1 turn", res.Outcome, res.Turns)
	}

	turns := f.p.Transcript().Turns()
	if turns[0].Role != transcript.RoleUser || turns[0].Content != "I need help with my order" {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Role != transcript.RoleAssistant || turns[1].Content != "Sure. Happy to help." {
		t.Errorf("assistant turn = %+v", turns[1])
	}

	// The reply streams sentence by sentence.
	frags := f.tts.Synthesized()
	if len(frags) != 2 || frags[0] != "Sure." || frags[1] != "Happy to help." {
		t.Errorf("synthesized fragments = %v", frags)
	}

	reqs := f.llm.Requests()
	if len(reqs) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(reqs))
	}
	if len(reqs[0].Tools) == 0 || reqs[0].Tools[0].Name != EndCallTool {
		t.Errorf("end_call tool not offered: %+v", reqs[0].Tools)
	}
}

func TestRunEmptyEndOfTurnSkipsLLM(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)

	f.sess.Emit(stt.Event{Kind: stt.KindStartOfTurn})
	f.sess.Emit(stt.Event{Kind: stt.KindEndOfTurn})

	// Give the loop a moment to process, then hang up.
	time.Sleep(20 * time.Millisecond)
	f.gw.SetEOF()

	res := f.result(t)
	if res.Turns != 0 {
		t.Errorf("Turns = %d, want 0", res.Turns)
	}
	if calls := len(f.llm.Requests()); calls != 0 {
		t.Errorf("llm calls = %d, want 0 for an empty end of turn", calls)
	}
}

func TestRunBargeIn(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.gw.SendDelay = 5 * time.Millisecond
		f.tts.ChunksPerFragment = 8
		f.llm.StreamScripts = [][]llm.Chunk{
			{
				{Text: "Let me read you our full terms. "},
				{Text: "First of all, section one says hello.", FinishReason: "stop"},
			},
			{{Text: "No problem, goodbye.", FinishReason: "stop"}},
		}
	})
	f.start(t)

	f.sess.Emit(stt.Event{Kind: stt.KindFinal, Text: "tell me everything", Confidence: 0.9})
	f.sess.Emit(stt.Event{Kind: stt.KindEndOfTurn})

	// Interrupt while the first reply is still playing out.
	waitFor(t, "barge-in", func() bool {
		f.sess.Emit(stt.Event{Kind: stt.KindPartial, Text: "wait, stop"})
		return f.gw.Cancels() > 0
	})

	f.sess.Emit(stt.Event{Kind: stt.KindFinal, Text: "actually never mind", Confidence: 0.88})
	f.sess.Emit(stt.Event{Kind: stt.KindEndOfTurn})

	waitFor(t, "second reply in transcript", func() bool {
		return len(assistantTurns(f.p.Transcript().Turns())) == 1
	})
	f.gw.SetEOF()

	res := f.result(t)
	if res.BargeIns != 1 {
		t.Errorf("BargeIns = %d, want 1", res.BargeIns)
	}
	if f.gw.Cancels() != 1 {
		t.Errorf("CancelPlayback calls = %d, want 1", f.gw.Cancels())
	}

	// The interrupted reply never lands in the transcript.
	replies := assistantTurns(f.p.Transcript().Turns())
	if len(replies) != 1 || replies[0].Content != "No problem, goodbye." {
		t.Errorf("assistant turns = %+v, want only the post-interrupt reply", replies)
	}
}

func TestRunBargeInBeforeFirstAudioChunk(t *testing.T) {
	// The caller can interrupt in the gap between the LLM's first token and
	// the first synthesized chunk reaching the wire.
	f := newFixture(t, Config{}, func(f *fixture) {
		f.tts.HoldChunks = make(chan struct{})
		f.llm.StreamScripts = [][]llm.Chunk{
			{{Text: "Let me pull up your account details. One moment please.", FinishReason: "stop"}},
			{{Text: "Of course, what do you need?", FinishReason: "stop"}},
		}
	})
	f.start(t)

	f.sess.Emit(stt.Event{Kind: stt.KindFinal, Text: "check my account", Confidence: 0.92})
	f.sess.Emit(stt.Event{Kind: stt.KindEndOfTurn})

	// Synthesis is held, so the interrupt lands while zero audio has played.
	waitFor(t, "barge-in before audio", func() bool {
		f.sess.Emit(stt.Event{Kind: stt.KindPartial, Text: "hold on"})
		return f.gw.Cancels() > 0
	})
	if sent := len(f.gw.SentFrames()); sent != 0 {
		t.Errorf("frames sent before interrupt = %d, want 0", sent)
	}

	// The conversation resumes cleanly from listening.
	f.sess.Emit(stt.Event{Kind: stt.KindFinal, Text: "what are your hours", Confidence: 0.9})
	f.sess.Emit(stt.Event{Kind: stt.KindEndOfTurn})
	waitFor(t, "reply after silent interrupt", func() bool {
		return len(assistantTurns(f.p.Transcript().Turns())) == 1
	})
	f.gw.SetEOF()

	res := f.result(t)
	if res.BargeIns != 1 {
		t.Errorf("BargeIns = %d, want 1", res.BargeIns)
	}
	replies := assistantTurns(f.p.Transcript().Turns())
	if len(replies) != 1 || replies[0].Content != "Of course, what do you need?" {
		t.Errorf("assistant turns = %+v, want only the post-interrupt reply", replies)
	}
	if len(f.gw.SentFrames()) == 0 {
		t.Error("second reply produced no audio")
	}
}

func TestRunIdleTimeout(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 40 * time.Millisecond}, nil)
	f.start(t)

	res := f.result(t)
	if res.Outcome != OutcomeAnswered || res.Reason != "idle_timeout" {
		t.Errorf("got %q/%q, want answered/idle_timeout", res.Outcome, res.Reason)
	}
}

func TestRunEndCallTool(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.llm.StreamScripts = [][]llm.Chunk{{
			{
				Text:         "Great, you're all set. Goodbye!",
				ToolCalls:    []types.ToolCall{{ID: "tc1", Name: EndCallTool, Args: map[string]any{"reason": "goal reached"}}},
				FinishReason: "tool_calls",
			},
		}}
	})
	f.start(t)

	f.sess.Emit(stt.Event{Kind: stt.KindFinal, Text: "yes, book it", Confidence: 0.95})
	f.sess.Emit(stt.Event{Kind: stt.KindEndOfTurn})

	res := f.result(t)
	if res.Outcome != OutcomeGoalAchieved {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeGoalAchieved)
	}
	if res.Reason != "agent_end_call" {
		t.Errorf("Reason = %q, want agent_end_call", res.Reason)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != EndCallTool {
		t.Errorf("ToolCalls = %+v, want the end_call invocation", res.ToolCalls)
	}
	if res.ToolCalls[0].Args["reason"] != "goal reached" {
		t.Errorf("end_call args = %v", res.ToolCalls[0].Args)
	}
}

func TestRunLLMFailureSpeaksApology(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.llm.StreamErr = errors.New("model overloaded")
	})
	f.start(t)

	f.sess.Emit(stt.Event{Kind: stt.KindFinal, Text: "hello?", Confidence: 0.9})
	f.sess.Emit(stt.Event{Kind: stt.KindEndOfTurn})

	waitFor(t, "apology in transcript", func() bool { return f.p.Transcript().Len() == 2 })
	f.gw.SetEOF()

	res := f.result(t)
	if res.Outcome != OutcomeAnswered {
		t.Errorf("Outcome = %q, want answered (call survives an LLM failure)", res.Outcome)
	}
	turns := f.p.Transcript().Turns()
	if turns[1].Content != apologyText {
		t.Errorf("assistant turn = %q, want the apology", turns[1].Content)
	}
}

func TestRunSTTTransientReconnectsOnce(t *testing.T) {
	sess2 := sttmock.NewSession()
	f := newFixture(t, Config{Language: "en-US"}, func(f *fixture) {
		f.stt.QueueSession(sess2)
		f.llm.StreamScripts = [][]llm.Chunk{{{Text: "Still here.", FinishReason: "stop"}}}
	})
	f.start(t)

	f.sess.Emit(stt.Event{Kind: stt.KindError, Err: provider.Transient(errors.New("ws dropped"))})

	// The replacement session keeps the conversation going.
	waitFor(t, "reconnect", func() bool {
		return sess2.Emit(stt.Event{Kind: stt.KindResumed})
	})
	sess2.Emit(stt.Event{Kind: stt.KindFinal, Text: "can you hear me", Confidence: 0.85})
	sess2.Emit(stt.Event{Kind: stt.KindEndOfTurn})
	waitFor(t, "reply after reconnect", func() bool { return f.p.Transcript().Len() == 2 })

	// A second transient failure is fatal.
	sess2.Emit(stt.Event{Kind: stt.KindError, Err: provider.Transient(errors.New("ws dropped again"))})

	res := f.result(t)
	if res.Outcome != OutcomeFailed || res.Reason != "stt" {
		t.Errorf("got %q/%q, want failed/stt", res.Outcome, res.Reason)
	}
	if got := len(f.stt.StartCalls); got != 2 {
		t.Errorf("StartStream calls = %d, want 2", got)
	}
	if f.stt.StartCalls[1].Language != "en-US" {
		t.Errorf("reconnect language = %q, want en-US", f.stt.StartCalls[1].Language)
	}
}

func TestRunSTTFatalErrorFailsCall(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.start(t)

	f.sess.Emit(stt.Event{Kind: stt.KindError, Err: errors.New("invalid api key")})

	res := f.result(t)
	if res.Outcome != OutcomeFailed || res.Reason != "stt" {
		t.Errorf("got %q/%q, want failed/stt", res.Outcome, res.Reason)
	}
	if got := len(f.stt.StartCalls); got != 1 {
		t.Errorf("StartStream calls = %d, want 1 (no reconnect on fatal)", got)
	}
}

func TestRunTTSTransientRetriesOnce(t *testing.T) {
	f := newFixture(t, Config{Agent: types.AgentConfig{Greeting: "Hello!"}}, func(f *fixture) {
		f.tts.StreamErr = provider.Transient(errors.New("synthesis hiccup"))
		f.tts.StreamErrOnce = true
	})
	f.start(t)

	waitFor(t, "greeting after retry", func() bool { return f.p.Transcript().Len() == 1 })
	f.gw.SetEOF()

	res := f.result(t)
	if res.Outcome != OutcomeAnswered {
		t.Errorf("Outcome = %q, want answered", res.Outcome)
	}
	if got := f.tts.StreamCalls(); got != 2 {
		t.Errorf("SynthesizeStream calls = %d, want 2", got)
	}
}

func TestRunTTSFatalErrorFailsCall(t *testing.T) {
	f := newFixture(t, Config{Agent: types.AgentConfig{Greeting: "Hello!"}}, func(f *fixture) {
		f.tts.StreamErr = errors.New("voice not found")
	})
	f.start(t)

	res := f.result(t)
	if res.Outcome != OutcomeFailed || res.Reason != "tts" {
		t.Errorf("got %q/%q, want failed/tts", res.Outcome, res.Reason)
	}
}

func TestRunSTTStartFailure(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.StartErr = errors.New("auth rejected")
	})
	f.start(t)

	res := f.result(t)
	if res.Outcome != OutcomeFailed || res.Reason != "stt_start" {
		t.Errorf("got %q/%q, want failed/stt_start", res.Outcome, res.Reason)
	}
	if res.Err == nil {
		t.Error("Err not set on failed outcome")
	}
}

func TestRunForwardsCallerAudio(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.gw.QueueInbound(
		pcmFrame([]byte{1, 2, 3, 4}),
		pcmFrame([]byte{5, 6, 7, 8}),
	)
	f.start(t)

	waitFor(t, "audio forwarded to stt", func() bool { return len(f.sess.ReceivedChunks()) == 2 })
	f.gw.SetEOF()
	f.result(t)

	chunks := f.sess.ReceivedChunks()
	if string(chunks[0]) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("first chunk = %v", chunks[0])
	}
}

func TestSentenceBoundary(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"Hello there. How are you?", 11},
		{"Wait! What", 4},
		{"No boundary here", -1},
		{"Ends with period.", -1},
		{"", -1},
	}
	for _, tc := range cases {
		if got := sentenceBoundary(tc.in); got != tc.want {
			t.Errorf("sentenceBoundary(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestBuildPromptIncludesHistoryAndTools(t *testing.T) {
	f := newFixture(t, Config{
		Agent: types.AgentConfig{SystemPrompt: "You are a booking agent.", Temperature: 0.4, MaxTokens: 300},
		Tools: []types.ToolDefinition{{Name: "check_availability"}},
	}, nil)
	f.p.trans.AppendUser("hi", 0.9)
	f.p.trans.AppendAssistant("hello")

	req := f.p.buildPrompt()
	if req.SystemPrompt != "You are a booking agent." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.4 || req.MaxTokens != 300 {
		t.Errorf("sampling params = %v/%v", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "user" || req.Messages[1].Role != "assistant" {
		t.Errorf("Messages = %+v", req.Messages)
	}
	names := make([]string, 0, len(req.Tools))
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
	}
	if strings.Join(names, ",") != EndCallTool+",check_availability" {
		t.Errorf("tools = %v", names)
	}
}

func pcmFrame(data []byte) audio.Frame {
	return audio.Frame{Data: data, SampleRate: 16000, Channels: 1}
}
