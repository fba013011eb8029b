package transcript

import "context"

// Correction captures a single substitution made while cleaning up a
// transcript.
type Correction struct {
	// Original is the text as produced by the STT provider.
	Original string

	// Corrected is the replacement selected by the corrector.
	Corrected string

	// Confidence is the corrector's confidence in this substitution (0.0-1.0).
	Confidence float64

	// Method describes which correction stage produced this substitution.
	// Well-known values:
	//   "phonetic" — produced by a [PhoneticMatcher].
	//   "llm"      — produced by a language-model correction pass.
	Method string
}

// Pipeline cleans up a finalized transcript before persistence, resolving
// STT mishearings of tenant-specific vocabulary: product names, company
// names, people. Only caller turns are touched; the agent's own utterances
// come from the TTS text and are already canonical.
//
// Implementations must be safe for concurrent use.
type Pipeline interface {
	// Correct processes the finalized transcript using the provided
	// vocabulary and returns the corrected result plus an itemised record
	// of every substitution made. When nothing needs fixing the returned
	// Result equals the input and the correction slice is empty.
	Correct(ctx context.Context, res Result, vocabulary []string) (Result, []Correction, error)
}

// PhoneticMatcher resolves a word or short phrase to a known vocabulary
// term based on pronunciation similarity. It is the first correction stage
// and must be cheap: no network calls, no LLM round-trips.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the term from vocabulary that is most
	// phonetically similar to word.
	//
	// Return values:
	//   corrected  — the best-matching term from vocabulary.
	//   confidence — similarity score in [0.0, 1.0] where 1.0 is a perfect match.
	//   matched    — true when a sufficiently similar term was found.
	//
	// When matched is false, corrected must equal word unchanged and
	// confidence must be 0. Implementations define their own similarity
	// threshold for deciding when a match is "sufficient".
	Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool)
}
