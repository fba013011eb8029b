package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/provider"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/types"
)

// defaultTextBuf is the buffer depth of the text channel feeding TTS, sized
// to absorb several sentences without blocking the LLM forwarder.
const defaultTextBuf = 16

// utterance is one in-flight agent speech act: the greeting, a full LLM turn,
// or the apology fallback. Cancelling it stops synthesis and playback; the
// result is always delivered on done exactly once.
type utterance struct {
	cancel  context.CancelFunc
	started chan struct{}
	done    chan utteranceResult

	startOnce sync.Once
}

// markStarted signals the first token reaching TTS.
func (u *utterance) markStarted() {
	u.startOnce.Do(func() { close(u.started) })
}

// utteranceResult reports what an utterance actually did.
type utteranceResult struct {
	// spoken is the text fully handed to TTS before completion or cancel.
	spoken string

	// toolCalls are the tool invocations the LLM issued this turn.
	toolCalls []types.ToolCall

	// llmErr is a mid-turn LLM failure; the apology was spoken instead.
	llmErr error

	// ttsErr means synthesis could not start; nothing was spoken.
	ttsErr error
}

// newUtterance wires an utterance to its own cancelable context.
func newUtterance(parent context.Context) (*utterance, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &utterance{
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan utteranceResult, 1),
	}, ctx
}

// speakStatic speaks a fixed text (greeting, apology).
func (p *Pipeline) speakStatic(parent context.Context, text string) *utterance {
	u, ctx := newUtterance(parent)
	go func() {
		defer u.cancel()

		textCh := make(chan string, 1)
		textCh <- text
		close(textCh)

		wait, err := p.startPlayback(ctx, textCh)
		if err != nil {
			u.done <- utteranceResult{ttsErr: err}
			return
		}
		u.markStarted()
		wait()
		if ctx.Err() != nil {
			u.done <- utteranceResult{}
			return
		}
		u.done <- utteranceResult{spoken: text}
	}()
	return u
}

// runTurn runs one full dialogue turn: prompt the LLM with the conversation
// so far, forward streamed tokens to TTS sentence by sentence, and play the
// audio. An LLM failure mid-turn degrades to the apology utterance.
func (p *Pipeline) runTurn(parent context.Context) *utterance {
	u, ctx := newUtterance(parent)
	go func() {
		defer u.cancel()

		var res utteranceResult
		req := p.buildPrompt()

		llmStart := time.Now()
		chunks, err := p.llmP.StreamCompletion(ctx, req)
		if err != nil {
			res.llmErr = err
			res.spoken = p.speakInline(ctx, u, apologyText)
			u.done <- res
			return
		}

		textCh := make(chan string, defaultTextBuf)
		wait, err := p.startPlayback(ctx, textCh)
		if err != nil {
			go drainChunks(chunks)
			res.ttsErr = err
			u.done <- res
			return
		}

		var spoken, buf strings.Builder
		first := true

		emit := func(s string) bool {
			select {
			case textCh <- s:
				spoken.WriteString(s)
				return true
			case <-ctx.Done():
				return false
			}
		}

	stream:
		for {
			select {
			case <-ctx.Done():
				break stream
			case chunk, ok := <-chunks:
				if !ok {
					// Flush the trailing partial sentence.
					if buf.Len() > 0 {
						emit(buf.String())
						buf.Reset()
					}
					break stream
				}
				if chunk.FinishReason == "error" {
					res.llmErr = errors.New(chunk.Text)
					break stream
				}
				if first && (chunk.Text != "" || len(chunk.ToolCalls) > 0) {
					first = false
					p.met.LLMFirstToken.Record(ctx, time.Since(llmStart).Seconds())
					u.markStarted()
				}
				res.toolCalls = append(res.toolCalls, chunk.ToolCalls...)
				buf.WriteString(chunk.Text)

				// Flush complete sentences eagerly for lower TTS latency.
				for {
					idx := sentenceBoundary(buf.String())
					if idx < 0 {
						break
					}
					sentence := buf.String()[:idx+1]
					rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
					buf.Reset()
					buf.WriteString(rest)
					if !emit(sentence) {
						break stream
					}
				}

				if chunk.FinishReason != "" {
					if buf.Len() > 0 {
						emit(buf.String())
						buf.Reset()
					}
					go drainChunks(chunks)
					break stream
				}
			}
		}

		if res.llmErr != nil && ctx.Err() == nil {
			// Replace whatever was in flight with the apology.
			go drainChunks(chunks)
			u.markStarted()
			spoken.Reset()
			if emit(apologyText) {
				spoken.Reset()
				spoken.WriteString(apologyText)
			}
		}

		close(textCh)
		wait()
		if ctx.Err() == nil {
			res.spoken = spoken.String()
		}
		u.done <- res
	}()
	return u
}

// speakInline synthesizes a fixed text inside an already-running utterance
// goroutine. Returns the text when it fully played, "" otherwise.
func (p *Pipeline) speakInline(ctx context.Context, u *utterance, text string) string {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	wait, err := p.startPlayback(ctx, textCh)
	if err != nil {
		return ""
	}
	u.markStarted()
	wait()
	if ctx.Err() != nil {
		return ""
	}
	return text
}

// startPlayback opens a TTS stream on textCh and forwards synthesized audio
// to the gateway. A transient synthesis start failure is retried once per
// call. The returned wait blocks until playback finishes or ctx is cancelled.
func (p *Pipeline) startPlayback(ctx context.Context, textCh <-chan string) (wait func(), err error) {
	ttsStart := time.Now()
	audioCh, err := p.ttsP.SynthesizeStream(ctx, textCh, p.cfg.Agent.Voice)
	if err != nil {
		p.met.RecordProviderError(ctx, "tts", provider.Classify(err).String())

		p.mu.Lock()
		retry := provider.Classify(err) == provider.ClassTransient && !p.ttsRetried
		if retry {
			p.ttsRetried = true
		}
		p.mu.Unlock()

		if !retry {
			return nil, err
		}
		p.log.Warn("tts stream retried", slog.String("cause", err.Error()))
		audioCh, err = p.ttsP.SynthesizeStream(ctx, textCh, p.cfg.Agent.Voice)
		if err != nil {
			return nil, err
		}
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		firstChunk := true
		var elapsed time.Duration
		for {
			select {
			case chunk, ok := <-audioCh:
				if !ok {
					return
				}
				if firstChunk {
					firstChunk = false
					p.met.TTSFirstChunk.Record(ctx, time.Since(ttsStart).Seconds())
				}
				frame := audio.Frame{
					Data:       chunk,
					SampleRate: audio.Internal.SampleRate,
					Channels:   audio.Internal.Channels,
					Timestamp:  elapsed,
				}
				elapsed += frame.Duration()
				if err := p.gw.Send(ctx, frame); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { <-finished }, nil
}

// buildPrompt assembles the LLM request from the agent config and the
// conversation so far. The current user utterance is already the last
// transcript turn when a turn starts.
func (p *Pipeline) buildPrompt() llm.CompletionRequest {
	turns := p.trans.History()
	msgs := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, types.Message{Role: string(t.Role), Content: t.Content})
	}

	tools := make([]types.ToolDefinition, 0, len(p.cfg.Tools)+1)
	tools = append(tools, endCallDefinition)
	tools = append(tools, p.cfg.Tools...)

	return llm.CompletionRequest{
		SystemPrompt: p.cfg.Agent.SystemPrompt,
		Messages:     msgs,
		Tools:        tools,
		Temperature:  p.cfg.Agent.Temperature,
		MaxTokens:    p.cfg.Agent.MaxTokens,
	}
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// immediately followed by whitespace. Returns -1 if no boundary exists in s.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards the remainder of an LLM stream so the provider's
// goroutine does not block.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
