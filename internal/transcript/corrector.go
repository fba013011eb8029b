package transcript

import (
	"context"
	"strings"

	"github.com/dialvox/dialvox/internal/transcript/llmcorrect"
)

const defaultLLMConfidenceThreshold = 0.85

// PipelineOption is a functional option for configuring a [CorrectionPipeline].
type PipelineOption func(*CorrectionPipeline)

// WithPhoneticMatcher attaches a [PhoneticMatcher] as the first correction
// stage. When nil (the default), the phonetic stage is skipped entirely.
func WithPhoneticMatcher(m PhoneticMatcher) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.phonetic = m
	}
}

// WithLLMCorrector attaches an [llmcorrect.Corrector] as the second
// correction stage. When nil (the default), the LLM stage is skipped
// entirely.
func WithLLMCorrector(c *llmcorrect.Corrector) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.llmCorrector = c
	}
}

// WithLLMOnLowConfidence sets the STT turn-confidence threshold below which
// a caller turn is handed to the LLM corrector (when one is configured).
// Default: 0.85.
//
// Turns without any confidence data (confidence 0) are always submitted
// when the LLM corrector is configured.
func WithLLMOnLowConfidence(threshold float64) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.llmThreshold = threshold
	}
}

// CorrectionPipeline is the two-stage implementation of [Pipeline]. Stages
// are optional and are applied in order:
//
//  1. [PhoneticMatcher] — fast, in-process alignment against the tenant
//     vocabulary.
//  2. [llmcorrect.Corrector] — LLM-assisted correction for turns the STT
//     provider itself was unsure about.
//
// CorrectionPipeline is safe for concurrent use.
type CorrectionPipeline struct {
	phonetic     PhoneticMatcher
	llmCorrector *llmcorrect.Corrector
	llmThreshold float64
}

var _ Pipeline = (*CorrectionPipeline)(nil)

// NewPipeline constructs a [CorrectionPipeline] with the supplied options.
// By default both stages are disabled (nil); use [WithPhoneticMatcher] and
// [WithLLMCorrector] to activate them.
func NewPipeline(opts ...PipelineOption) *CorrectionPipeline {
	p := &CorrectionPipeline{
		llmThreshold: defaultLLMConfidenceThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Correct applies the configured correction stages to every caller turn and
// returns the rebuilt transcript. Assistant turns are never touched: they
// are the TTS input text and already carry the canonical spellings.
//
// Per caller turn:
//  1. When a [PhoneticMatcher] is configured, every n-gram window of the
//     turn text (up to one word beyond the longest vocabulary term) is
//     tested against the vocabulary and replaced on a match.
//  2. When an [llmcorrect.Corrector] is configured and the turn's STT
//     confidence is below the threshold (or absent), the phonetically
//     corrected text is submitted for an LLM review pass.
//
// An LLM transport error aborts the whole pass; the caller decides whether
// to persist the uncorrected transcript instead.
func (p *CorrectionPipeline) Correct(ctx context.Context, res Result, vocabulary []string) (Result, []Correction, error) {
	if len(vocabulary) == 0 || len(res.Turns) == 0 {
		return res, []Correction{}, nil
	}

	turns := make([]Turn, len(res.Turns))
	copy(turns, res.Turns)

	corrections := []Correction{}
	changed := false

	for i, turn := range turns {
		if turn.Role != RoleUser {
			continue
		}

		working := turn.Content

		if p.phonetic != nil {
			corrected, cs := p.applyPhonetic(working, vocabulary)
			working = corrected
			corrections = append(corrections, cs...)
		}

		if p.llmCorrector != nil && (turn.Confidence == 0 || turn.Confidence < p.llmThreshold) {
			corrected, raw, err := p.llmCorrector.Correct(ctx, working, vocabulary)
			if err != nil {
				return res, nil, err
			}
			working = corrected
			for _, rc := range raw {
				corrections = append(corrections, Correction{
					Original:   rc.Original,
					Corrected:  rc.Corrected,
					Confidence: rc.Confidence,
					Method:     "llm",
				})
			}
		}

		if working != turn.Content {
			turns[i].Content = working
			changed = true
		}
	}

	if !changed {
		return res, corrections, nil
	}
	return render(turns), corrections, nil
}

// applyPhonetic runs the phonetic matching stage over one turn's text.
// It returns the corrected text and the list of corrections applied.
//
// At each token position, n-gram windows from the longest vocabulary term's
// word count down to 1 are tried, so multi-word terms take precedence over
// partial single-word matches. The cursor advances by the number of tokens
// the accepted window consumed.
func (p *CorrectionPipeline) applyPhonetic(text string, vocabulary []string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	// A one-word term is often transcribed as two tokens, so windows run
	// one wider than the longest term.
	maxTermWords := maxWordCount(vocabulary) + 1

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := maxTermWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := p.phonetic.Match(window, vocabulary)
			if !ok {
				continue
			}
			if strings.EqualFold(window, term) {
				// Already spelled right; emit the canonical casing but do
				// not report a correction.
				output = append(output, strings.Fields(term)...)
				i += n
				matched = true
				break
			}

			output = append(output, strings.Fields(term)...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  term,
				Confidence: conf,
				Method:     "phonetic",
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any vocabulary term. Returns 1 when vocabulary is empty.
func maxWordCount(vocabulary []string) int {
	max := 1
	for _, v := range vocabulary {
		if n := len(strings.Fields(v)); n > max {
			max = n
		}
	}
	return max
}
