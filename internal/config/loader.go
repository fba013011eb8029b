package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":       {"deepgram"},
	"tts":       {"elevenlabs"},
	"telephony": {"twilio", "sip", "browser"},
}

// Load reads the YAML configuration file at path, applies environment
// credential overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
// It does not consult the environment; call [ApplyEnv] for that.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays credentials from the environment onto cfg. Secrets never
// live in the YAML file in production; a set environment variable always wins
// over the file value.
//
//	DIALVOX_LLM_API_KEY        → providers.llm.api_key
//	DIALVOX_STT_API_KEY        → providers.stt.api_key
//	DIALVOX_TTS_API_KEY        → providers.tts.api_key
//	DIALVOX_TELEPHONY_API_KEY  → providers.telephony.api_key
//	DIALVOX_REDIS_PASSWORD     → redis.password
//	DIALVOX_POSTGRES_DSN       → postgres.dsn
//
// Fallback provider keys follow DIALVOX_<KIND>_FALLBACK_<NAME>_API_KEY, where
// NAME is the fallback's provider name uppercased (e.g.
// DIALVOX_LLM_FALLBACK_ANTHROPIC_API_KEY → providers.llm.fallbacks[anthropic].api_key).
func ApplyEnv(cfg *Config) {
	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&cfg.Providers.LLM.APIKey, "DIALVOX_LLM_API_KEY")
	overlay(&cfg.Providers.STT.APIKey, "DIALVOX_STT_API_KEY")
	overlay(&cfg.Providers.TTS.APIKey, "DIALVOX_TTS_API_KEY")
	overlay(&cfg.Providers.Telephony.APIKey, "DIALVOX_TELEPHONY_API_KEY")
	overlay(&cfg.Redis.Password, "DIALVOX_REDIS_PASSWORD")
	overlay(&cfg.Postgres.DSN, "DIALVOX_POSTGRES_DSN")

	overlayFallbacks := func(kind string, entries []ProviderEntry) {
		for i := range entries {
			name := strings.ToUpper(strings.ReplaceAll(entries[i].Name, "-", "_"))
			overlay(&entries[i].APIKey, "DIALVOX_"+kind+"_FALLBACK_"+name+"_API_KEY")
		}
	}
	overlayFallbacks("LLM", cfg.Providers.LLM.Fallbacks)
	overlayFallbacks("STT", cfg.Providers.STT.Fallbacks)
	overlayFallbacks("TTS", cfg.Providers.TTS.Fallbacks)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("telephony", cfg.Providers.Telephony.Name)

	// Fallback entries
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLM.Fallbacks)...)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STT.Fallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTS.Fallbacks)...)
	if len(cfg.Providers.Telephony.Fallbacks) > 0 {
		slog.Warn("providers.telephony.fallbacks is ignored; failed call attempts follow the dialer retry policy")
	}

	// Production backends
	if cfg.Server.Production {
		if cfg.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when server.production is true"))
		}
		if cfg.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required when server.production is true"))
		}
	}

	// Dialer
	if len(cfg.Dialer.Tenants) > 0 {
		if cfg.Providers.Telephony.Name == "" {
			errs = append(errs, errors.New("dialer.tenants is set but providers.telephony is not configured"))
		}
		if cfg.Dialer.FromNumber == "" {
			errs = append(errs, errors.New("dialer.from_number is required when dialer.tenants is set"))
		}
	}
	if cfg.Dialer.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("dialer.concurrency %d is negative", cfg.Dialer.Concurrency))
	}
	if cfg.Dialer.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("dialer.retry.max_attempts %d is negative", cfg.Dialer.Retry.MaxAttempts))
	}
	seenTenants := make(map[string]int, len(cfg.Dialer.Tenants))
	for i, tenant := range cfg.Dialer.Tenants {
		if tenant == "" {
			errs = append(errs, fmt.Errorf("dialer.tenants[%d] is empty", i))
			continue
		}
		if prev, ok := seenTenants[tenant]; ok {
			errs = append(errs, fmt.Errorf("dialer.tenants[%d] %q is a duplicate of dialer.tenants[%d]", i, tenant, prev))
		}
		seenTenants[tenant] = i
	}

	// Provider availability warnings
	if len(cfg.Agents) > 0 {
		if cfg.Providers.LLM.Name == "" {
			slog.Warn("no LLM provider configured; agents will not be able to generate responses")
		}
		if cfg.Providers.STT.Name == "" || cfg.Providers.TTS.Name == "" {
			slog.Warn("STT or TTS provider missing; the voice pipeline cannot run")
		}
	}

	// Agent duplicate name detection
	agentNamesSeen := make(map[string]int, len(cfg.Agents))

	// Agents
	for i, agent := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if agent.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := agentNamesSeen[agent.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents[%d]", prefix, agent.Name, prev))
			}
			agentNamesSeen[agent.Name] = i
		}
		if agent.SystemPrompt == "" {
			errs = append(errs, fmt.Errorf("%s.system_prompt is required", prefix))
		}
		if agent.Temperature < 0 || agent.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, agent.Temperature))
		}
		if agent.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens %d is negative", prefix, agent.MaxTokens))
		}
		if agent.Voice.SpeedFactor != 0 {
			if agent.Voice.SpeedFactor < 0.5 || agent.Voice.SpeedFactor > 2.0 {
				errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, agent.Voice.SpeedFactor))
			}
		}

		// Voice provider ↔ TTS provider cross-validation
		if agent.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && agent.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("agent voice provider does not match configured TTS provider",
				"agent", agent.Name,
				"voice_provider", agent.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}

	return errors.Join(errs...)
}

// Agent returns the agent definition with the given name, or nil when no
// agent is configured under that name.
func (c *Config) Agent(name string) *AgentDef {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i]
		}
	}
	return nil
}

// validateFallbacks checks a kind's fallback provider entries: every entry
// needs a name, and unknown names get the same typo warning as the primary.
func validateFallbacks(kind string, entries []ProviderEntry) []error {
	var errs []error
	for i, fb := range entries {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
