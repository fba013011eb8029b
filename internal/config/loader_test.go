package config_test

import (
	"strings"
	"testing"

	"github.com/dialvox/dialvox/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
redis:
  addr: "localhost:6379"
postgres:
  dsn: "postgres://dialvox@localhost:5432/dialvox?sslmode=disable"
providers:
  llm:
    name: openai
    model: gpt-4o-mini
  stt:
    name: deepgram
    model: nova-2
  tts:
    name: elevenlabs
  telephony:
    name: twilio
    options:
      account_sid: AC123
dialer:
  tenants: [acme, globex]
  concurrency: 4
  from_number: "+15550100"
  stream_url: "wss://dialvox.example.com/media"
  retry:
    max_attempts: 3
    delay: 2h
agents:
  - name: booking
    system_prompt: "You book demos."
    greeting: "Hi, this is Ava."
    language: en-US
    voice:
      provider: elevenlabs
      voice_id: rachel
    temperature: 0.6
`

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.Telephony.StringOption("account_sid") != "AC123" {
		t.Errorf("account_sid option = %q", cfg.Providers.Telephony.StringOption("account_sid"))
	}
	if got := cfg.Dialer.Retry.Delay.Hours(); got != 2 {
		t.Errorf("retry delay = %v hours, want 2", got)
	}
	if len(cfg.Dialer.Tenants) != 2 || cfg.Dialer.Tenants[1] != "globex" {
		t.Errorf("tenants = %v", cfg.Dialer.Tenants)
	}
}

func TestLoadFromReaderUnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listne_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("LoadFromReader() accepted a misspelled field")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "bad log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = "verbose" },
			want:   "log_level",
		},
		{
			name:   "production requires redis",
			mutate: func(c *config.Config) { c.Server.Production = true; c.Redis.Addr = "" },
			want:   "redis.addr",
		},
		{
			name:   "production requires postgres",
			mutate: func(c *config.Config) { c.Server.Production = true; c.Postgres.DSN = "" },
			want:   "postgres.dsn",
		},
		{
			name:   "dialer without telephony",
			mutate: func(c *config.Config) { c.Providers.Telephony.Name = "" },
			want:   "providers.telephony",
		},
		{
			name:   "dialer without caller id",
			mutate: func(c *config.Config) { c.Dialer.FromNumber = "" },
			want:   "from_number",
		},
		{
			name:   "duplicate tenant",
			mutate: func(c *config.Config) { c.Dialer.Tenants = []string{"acme", "acme"} },
			want:   "duplicate",
		},
		{
			name: "fallback without name",
			mutate: func(c *config.Config) {
				c.Providers.LLM.Fallbacks = []config.ProviderEntry{{Model: "claude-3-5-haiku-latest"}}
			},
			want: "fallbacks[0].name",
		},
		{
			name:   "agent without name",
			mutate: func(c *config.Config) { c.Agents[0].Name = "" },
			want:   "name is required",
		},
		{
			name: "duplicate agent name",
			mutate: func(c *config.Config) {
				c.Agents = append(c.Agents, c.Agents[0])
			},
			want: "duplicate",
		},
		{
			name:   "agent without prompt",
			mutate: func(c *config.Config) { c.Agents[0].SystemPrompt = "" },
			want:   "system_prompt",
		},
		{
			name:   "temperature out of range",
			mutate: func(c *config.Config) { c.Agents[0].Temperature = 2.5 },
			want:   "temperature",
		},
		{
			name:   "speed factor out of range",
			mutate: func(c *config.Config) { c.Agents[0].Voice.SpeedFactor = 3 },
			want:   "speed_factor",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("baseline config invalid: %v", err)
			}
			tc.mutate(cfg)
			err = config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() accepted the broken config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnvOverridesCredentials(t *testing.T) {
	t.Setenv("DIALVOX_LLM_API_KEY", "sk-from-env")
	t.Setenv("DIALVOX_REDIS_PASSWORD", "hunter2")
	t.Setenv("DIALVOX_POSTGRES_DSN", "postgres://env@db:5432/dialvox")

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	cfg.Providers.LLM.APIKey = "sk-from-file"
	config.ApplyEnv(cfg)

	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("llm api key = %q, want env value to win", cfg.Providers.LLM.APIKey)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("redis password = %q", cfg.Redis.Password)
	}
	if cfg.Postgres.DSN != "postgres://env@db:5432/dialvox" {
		t.Errorf("postgres dsn = %q", cfg.Postgres.DSN)
	}
}

func TestApplyEnvFallbackKeys(t *testing.T) {
	t.Setenv("DIALVOX_LLM_FALLBACK_ANTHROPIC_API_KEY", "sk-ant-env")

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	cfg.Providers.LLM.Fallbacks = []config.ProviderEntry{
		{Name: "anthropic"},
		{Name: "groq"},
	}
	config.ApplyEnv(cfg)

	if got := cfg.Providers.LLM.Fallbacks[0].APIKey; got != "sk-ant-env" {
		t.Errorf("anthropic fallback key = %q, want env value", got)
	}
	if got := cfg.Providers.LLM.Fallbacks[1].APIKey; got != "" {
		t.Errorf("groq fallback key = %q, want empty (no env var set)", got)
	}
}

func TestAgentLookupAndPipeline(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}

	if cfg.Agent("missing") != nil {
		t.Error("Agent(missing) returned a definition")
	}
	def := cfg.Agent("booking")
	if def == nil {
		t.Fatal("Agent(booking) returned nil")
	}

	ac := def.Pipeline()
	if ac.Greeting != "Hi, this is Ava." || ac.Voice.ID != "rachel" || ac.Voice.Provider != "elevenlabs" {
		t.Errorf("Pipeline() = %+v", ac)
	}
	if ac.Temperature != 0.6 {
		t.Errorf("temperature = %v", ac.Temperature)
	}
}
