// Package pipeline orchestrates one live call: media gateway in, STT, LLM,
// TTS, media gateway out, plus barge-in detection.
//
// A Pipeline owns three concurrent activities, run under an errgroup: inbound
// audio forwarding (gateway to STT), the dialogue loop (STT events driving the
// state machine and LLM turns), and outbound audio forwarding (TTS to
// gateway, one forwarder per utterance). The dialogue state machine follows
//
//	greeting → listening → processing → speaking → listening → …
//
// with barge_in entered from speaking when the caller starts talking over the
// agent, and ending/ended on hang-up, idle timeout, or the agent's end_call
// tool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/transcript"
	"github.com/dialvox/dialvox/pkg/media"
	"github.com/dialvox/dialvox/pkg/provider"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/provider/tts"
	"github.com/dialvox/dialvox/pkg/types"
)

// Outcome classifies how a connected call ended.
type Outcome string

const (
	// OutcomeAnswered means the call connected and ended without the agent
	// reaching its scripted goal.
	OutcomeAnswered Outcome = "answered"

	// OutcomeGoalAchieved means the agent completed its goal and ended the
	// call via the end_call tool.
	OutcomeGoalAchieved Outcome = "goal_achieved"

	// OutcomeFailed means a fatal provider or transport error ended the call.
	OutcomeFailed Outcome = "failed"
)

// Result summarises a finished call.
type Result struct {
	Outcome  Outcome
	Reason   string
	Turns    int
	BargeIns int

	// ToolCalls are all tool invocations the LLM issued across the call, in
	// order, including the terminating end_call if any.
	ToolCalls []types.ToolCall

	// Err is set when Outcome is OutcomeFailed.
	Err error
}

// Config carries the per-call parameters.
type Config struct {
	CallID string
	Agent  types.AgentConfig

	// Language is the BCP-47 recognition language passed to STT.
	Language string

	// Tools are offered to the LLM in addition to the built-in end_call.
	Tools []types.ToolDefinition

	// IdleTimeout closes the call gracefully when no STT events arrive for
	// this long. Zero selects 30 seconds.
	IdleTimeout time.Duration

	// EndOfTurnSilence is forwarded to the STT stream config.
	EndOfTurnSilence time.Duration
}

const (
	defaultIdleTimeout = 30 * time.Second

	// apologyText is spoken when the LLM fails mid-turn.
	apologyText = "I'm sorry, I'm having a little trouble right now. Could you say that again?"

	// EndCallTool is the built-in tool the agent uses to hang up once its
	// goal is reached.
	EndCallTool = "end_call"
)

// endCallDefinition is always offered alongside the configured tools.
var endCallDefinition = types.ToolDefinition{
	Name:        EndCallTool,
	Description: "End the call. Use only when the conversation goal is fully achieved or the person asked to stop.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Short reason for ending the call.",
			},
		},
	},
}

// state is the dialogue state machine position.
type state int

const (
	stateGreeting state = iota
	stateListening
	stateProcessing
	stateSpeaking
	stateBargeIn
	stateEnded
)

func (s state) String() string {
	switch s {
	case stateGreeting:
		return "greeting"
	case stateListening:
		return "listening"
	case stateProcessing:
		return "processing"
	case stateSpeaking:
		return "speaking"
	case stateBargeIn:
		return "barge_in"
	default:
		return "ended"
	}
}

// Pipeline drives one call end to end. Create with New, run with Run; a
// Pipeline is single-use.
type Pipeline struct {
	cfg  Config
	gw   media.Gateway
	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider

	log   *slog.Logger
	met   *observe.Metrics
	trans *transcript.Accumulator

	mu          sync.Mutex
	sess        stt.SessionHandle
	reconnected bool
	ttsRetried  bool

	hangup     chan struct{}
	hangupOnce sync.Once

	done chan Result
}

// Option is a functional option for Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.met = m }
}

// New constructs a Pipeline for one call.
func New(gw media.Gateway, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, cfg Config, opts ...Option) *Pipeline {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	p := &Pipeline{
		cfg:    cfg,
		gw:     gw,
		sttP:   sttP,
		llmP:   llmP,
		ttsP:   ttsP,
		trans:  transcript.NewAccumulator(),
		hangup: make(chan struct{}),
		done:   make(chan Result, 1),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.met == nil {
		p.met = observe.DefaultMetrics()
	}
	p.log = p.log.With(slog.String("call_id", cfg.CallID))
	return p
}

// Transcript returns the call's transcript accumulator. Valid at any time;
// finalize only after Run returns.
func (p *Pipeline) Transcript() *transcript.Accumulator { return p.trans }

// Done returns a channel that receives the Result when the call ends, then
// closes.
func (p *Pipeline) Done() <-chan Result { return p.done }

// Run drives the call until it ends and returns the Result. It blocks; cancel
// ctx to force shutdown.
func (p *Pipeline) Run(ctx context.Context) Result {
	start := time.Now()
	p.met.ActiveCalls.Add(ctx, 1)
	defer p.met.ActiveCalls.Add(context.Background(), -1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := p.sttP.StartStream(ctx, p.streamConfig())
	if err != nil {
		return p.finish(ctx, Result{
			Outcome: OutcomeFailed,
			Reason:  "stt_start",
			Err:     fmt.Errorf("pipeline: start stt stream: %w", err),
		}, start)
	}
	p.setSession(sess)

	var res Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.inboundLoop(gctx)
	})
	g.Go(func() error {
		res = p.dialogueLoop(gctx)
		cancel()
		return nil
	})
	_ = g.Wait()

	if s := p.session(); s != nil {
		_ = s.Close()
	}
	_ = p.gw.Close()

	return p.finish(ctx, res, start)
}

// finish records call-level metrics and delivers the result.
func (p *Pipeline) finish(ctx context.Context, res Result, start time.Time) Result {
	p.met.CallDuration.Record(context.Background(), time.Since(start).Seconds())
	p.log.Info("call ended",
		slog.String("outcome", string(res.Outcome)),
		slog.String("reason", res.Reason),
		slog.Int("turns", res.Turns),
		slog.Int("barge_ins", res.BargeIns),
	)
	p.done <- res
	close(p.done)
	return res
}

func (p *Pipeline) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:       16000,
		Channels:         1,
		Language:         p.cfg.Language,
		EndOfTurnSilence: p.cfg.EndOfTurnSilence,
	}
}

func (p *Pipeline) session() stt.SessionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

func (p *Pipeline) setSession(s stt.SessionHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sess = s
}

func (p *Pipeline) signalHangup() {
	p.hangupOnce.Do(func() { close(p.hangup) })
}

// inboundLoop forwards caller audio from the gateway to the STT session. The
// gateway's Receive already polls with a short timeout, so the loop never
// sleeps between frames.
func (p *Pipeline) inboundLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := p.gw.Receive(ctx)
		switch {
		case err == nil:
			if len(frame.Data) == 0 {
				continue
			}
			if serr := p.session().SendAudio(frame.Data); serr != nil {
				// Session is mid-reconnect or closing; this frame is lost.
				continue
			}
		case errors.Is(err, media.ErrNoAudio):
			continue
		case errors.Is(err, io.EOF):
			p.signalHangup()
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			p.log.Warn("gateway receive failed", slog.String("error", err.Error()))
			p.signalHangup()
			return nil
		}
	}
}

// dialogueLoop runs the state machine until the call ends.
func (p *Pipeline) dialogueLoop(ctx context.Context) Result {
	res := Result{Outcome: OutcomeAnswered, Reason: "completed"}
	events := p.session().Events()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	var (
		st          = stateListening
		current     *utterance
		pendingUser strings.Builder
		lastConf    float64
		goalReached bool
	)

	if p.cfg.Agent.Greeting != "" {
		st = stateGreeting
		current = p.speakStatic(ctx, p.cfg.Agent.Greeting)
	}

	cancelCurrent := func() {
		if current != nil {
			current.cancel()
			current = nil
		}
	}

	for {
		var doneCh chan utteranceResult
		var startedCh chan struct{}
		if current != nil {
			doneCh = current.done
			if st == stateProcessing {
				startedCh = current.started
			}
		}

		select {
		case <-ctx.Done():
			cancelCurrent()
			res.Outcome = OutcomeFailed
			res.Reason = "canceled"
			res.Err = ctx.Err()
			return res

		case <-p.hangup:
			cancelCurrent()
			if goalReached {
				res.Outcome = OutcomeGoalAchieved
			}
			res.Reason = "hangup"
			return res

		case <-idle.C:
			cancelCurrent()
			res.Reason = "idle_timeout"
			return res

		case <-startedCh:
			// First token reached TTS.
			st = stateSpeaking

		case ur := <-doneCh:
			current = nil
			if st == stateBargeIn {
				// Completion of the utterance we already cancelled.
				continue
			}
			wasGreeting := st == stateGreeting

			if ur.ttsErr != nil {
				res.Outcome = OutcomeFailed
				res.Reason = "tts"
				res.Err = ur.ttsErr
				return res
			}
			if ur.llmErr != nil {
				p.met.RecordProviderError(ctx, "llm", provider.Classify(ur.llmErr).String())
				p.log.Warn("llm turn failed, apology spoken", slog.String("error", ur.llmErr.Error()))
			}
			if ur.spoken != "" {
				p.trans.AppendAssistant(ur.spoken)
			}
			if !wasGreeting {
				res.Turns++
			}
			res.ToolCalls = append(res.ToolCalls, ur.toolCalls...)
			if hasEndCall(ur.toolCalls) {
				goalReached = true
				res.Outcome = OutcomeGoalAchieved
				res.Reason = "agent_end_call"
				return res
			}
			st = stateListening

		case ev, ok := <-events:
			if !ok {
				cancelCurrent()
				res.Outcome = OutcomeFailed
				res.Reason = "stt_closed"
				res.Err = errors.New("pipeline: stt event stream closed")
				return res
			}
			idle.Reset(p.cfg.IdleTimeout)

			switch ev.Kind {
			case stt.KindPartial, stt.KindFinal:
				if ev.Kind == stt.KindFinal && strings.TrimSpace(ev.Text) != "" {
					if pendingUser.Len() > 0 {
						pendingUser.WriteByte(' ')
					}
					pendingUser.WriteString(strings.TrimSpace(ev.Text))
					lastConf = ev.Confidence
				}
				// Caller speech over agent speech is a barge-in; an empty
				// partial is noise and does not interrupt.
				if (st == stateSpeaking || st == stateGreeting) && strings.TrimSpace(ev.Text) != "" {
					cancelCurrent()
					p.gw.CancelPlayback()
					st = stateBargeIn
					res.BargeIns++
					p.met.RecordBargeIn(ctx)
					p.log.Debug("barge-in", slog.String("partial", ev.Text))
				}

			case stt.KindStartOfTurn:
				// Speech onset alone carries no text; barge-in waits for a
				// non-empty partial.

			case stt.KindEndOfTurn:
				if st != stateListening && st != stateBargeIn {
					continue
				}
				text := strings.TrimSpace(pendingUser.String())
				pendingUser.Reset()
				if text == "" {
					// Silence or noise finalized to nothing; no LLM call.
					st = stateListening
					continue
				}
				p.trans.AppendUser(text, lastConf)
				st = stateProcessing
				current = p.runTurn(ctx)

			case stt.KindResumed:
				p.log.Info("stt session resumed")

			case stt.KindError:
				if err := p.recoverSTT(ctx, ev.Err); err != nil {
					cancelCurrent()
					res.Outcome = OutcomeFailed
					res.Reason = "stt"
					res.Err = err
					return res
				}
				events = p.session().Events()
			}
		}
	}
}

// recoverSTT reconnects the STT session once for a transient failure.
func (p *Pipeline) recoverSTT(ctx context.Context, cause error) error {
	class := provider.Classify(cause)
	p.met.RecordProviderError(ctx, "stt", class.String())
	if class != provider.ClassTransient {
		return fmt.Errorf("pipeline: stt session: %w", cause)
	}

	p.mu.Lock()
	already := p.reconnected
	p.reconnected = true
	p.mu.Unlock()
	if already {
		return fmt.Errorf("pipeline: stt session failed after reconnect: %w", cause)
	}

	sess, err := p.sttP.StartStream(ctx, p.streamConfig())
	if err != nil {
		return fmt.Errorf("pipeline: stt reconnect: %w", err)
	}
	old := p.session()
	p.setSession(sess)
	if old != nil {
		_ = old.Close()
	}
	p.log.Warn("stt session reconnected", slog.String("cause", cause.Error()))
	return nil
}

// hasEndCall reports whether the agent invoked the end_call tool.
func hasEndCall(calls []types.ToolCall) bool {
	for _, tc := range calls {
		if tc.Name == EndCallTool {
			return true
		}
	}
	return false
}
