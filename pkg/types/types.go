// Package types defines the shared types used across all Dialvox packages.
//
// These types form the lingua franca between media gateways, provider adapters,
// the voice pipeline, and the dialer. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
// Args is always a decoded structured map — adapters are responsible for
// unmarshalling the provider's raw argument string before surfacing the call.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Args holds the decoded tool arguments.
	Args map[string]any
}

// ToolDefinition describes a tool/function offered to the LLM.
type ToolDefinition struct {
	// Name is the tool identifier the model uses to invoke it.
	Name string

	// Description tells the model what the tool does and when to use it.
	Description string

	// Parameters is a JSON Schema object describing the tool's arguments.
	Parameters map[string]any
}

// VoiceProfile identifies a synthesis voice offered by a TTS provider.
type VoiceProfile struct {
	// ID is the provider-assigned voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the TTS backend this profile belongs to (e.g., "elevenlabs").
	Provider string

	// Metadata carries provider-specific labels (accent, gender, category, …).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM provider's underlying model supports.
// Values are assumed constant for the lifetime of a provider instance.
type ModelCapabilities struct {
	// SupportsToolCalling reports whether the model can invoke tools.
	SupportsToolCalling bool

	// SupportsStreaming reports whether the model can stream tokens.
	SupportsStreaming bool

	// MaxContextTokens is the model's context window size in tokens.
	MaxContextTokens int

	// MaxOutputTokens is the maximum completion length in tokens.
	MaxOutputTokens int
}

// AgentConfig describes the conversational agent bound to a single call:
// the persona prompt, greeting, and voice used by the voice pipeline.
type AgentConfig struct {
	// SystemPrompt is the full agent persona / instruction set.
	SystemPrompt string

	// Greeting is the opening utterance synthesised when the call connects.
	Greeting string

	// Voice selects the TTS voice profile.
	Voice VoiceProfile

	// Temperature is passed through to the LLM (0 uses the provider default).
	Temperature float64

	// MaxTokens caps each LLM completion (0 uses the provider default).
	MaxTokens int
}
