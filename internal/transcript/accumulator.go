// Package transcript accumulates the finalized conversation turns of a call.
//
// The accumulator is a passive collector: the voice pipeline appends a turn
// whenever a caller utterance finalizes or an assistant response finishes
// playing. Partial transcripts never land here. On call end the accumulator
// renders a structured turn array, the concatenated plain text, and word and
// turn counts for persistence.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	// RoleUser is the called party.
	RoleUser Role = "user"

	// RoleAssistant is the voice agent.
	RoleAssistant Role = "assistant"
)

// Turn is a single finalized utterance. Turns are immutable once appended.
type Turn struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Result is the rendered transcript handed to persistence on call end.
type Result struct {
	Turns     []Turn `json:"turns"`
	FullText  string `json:"full_text"`
	WordCount int    `json:"word_count"`
	TurnCount int    `json:"turn_count"`
}

// Accumulator collects turns for one call. Safe for concurrent use; the
// append order defines the transcript order.
type Accumulator struct {
	mu    sync.Mutex
	turns []Turn
	now   func() time.Time
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{now: time.Now}
}

// AppendUser records a finalized caller utterance with its STT confidence.
func (a *Accumulator) AppendUser(content string, confidence float64) {
	a.append(Turn{Role: RoleUser, Content: content, Confidence: confidence})
}

// AppendAssistant records an assistant utterance. content is what was actually
// spoken; a barged-in response is recorded up to the point it was cut off.
func (a *Accumulator) AppendAssistant(content string) {
	a.append(Turn{Role: RoleAssistant, Content: content})
}

func (a *Accumulator) append(t Turn) {
	if strings.TrimSpace(t.Content) == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t.Timestamp = a.now()
	a.turns = append(a.turns, t)
}

// Turns returns a snapshot of the turns appended so far.
func (a *Accumulator) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Len reports the number of turns appended so far.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.turns)
}

// History renders the conversation as (role, content) pairs for LLM context.
func (a *Accumulator) History() []Turn {
	return a.Turns()
}

// Finalize renders the transcript for persistence. The turn slice is always
// non-nil, even for a call with no speech.
func (a *Accumulator) Finalize() Result {
	turns := a.Turns()
	if turns == nil {
		turns = []Turn{}
	}
	return render(turns)
}

// render builds the persisted form from an ordered turn slice.
func render(turns []Turn) Result {
	var b strings.Builder
	words := 0
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		words += len(strings.Fields(t.Content))
	}

	return Result{
		Turns:     turns,
		FullText:  b.String(),
		WordCount: words,
		TurnCount: len(turns),
	}
}
