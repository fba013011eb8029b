package config_test

import (
	"testing"

	"github.com/dialvox/dialvox/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agents: []config.AgentDef{
			{
				Name:         "booking",
				SystemPrompt: "You book demos.",
				Greeting:     "Hi, this is Ava.",
				Voice:        config.VoiceConfig{Provider: "elevenlabs", VoiceID: "rachel"},
			},
			{
				Name:         "survey",
				SystemPrompt: "You run surveys.",
				Greeting:     "Hello!",
			},
		},
	}
}

func TestDiffNoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.AgentsChanged || d.LogLevelChanged || len(d.AgentChanges) != 0 {
		t.Errorf("Diff() of identical configs = %+v", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("Diff() = %+v, want log level change to debug", d)
	}
}

func TestDiffAgentFields(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Agents[0].SystemPrompt = "You book demos, briefly."
	newCfg.Agents[0].Voice.VoiceID = "adam"
	newCfg.Agents[1].Greeting = "Good afternoon!"

	d := config.Diff(baseConfig(), newCfg)
	if !d.AgentsChanged || len(d.AgentChanges) != 2 {
		t.Fatalf("Diff() = %+v", d)
	}

	byName := make(map[string]config.AgentDiff, len(d.AgentChanges))
	for _, ad := range d.AgentChanges {
		byName[ad.Name] = ad
	}
	if ad := byName["booking"]; !ad.PromptChanged || !ad.VoiceChanged || ad.GreetingChanged {
		t.Errorf("booking diff = %+v", ad)
	}
	if ad := byName["survey"]; !ad.GreetingChanged || ad.PromptChanged {
		t.Errorf("survey diff = %+v", ad)
	}
}

func TestDiffAddedAndRemoved(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Agents = append(newCfg.Agents[:1], config.AgentDef{Name: "collections", SystemPrompt: "You chase invoices."})

	d := config.Diff(baseConfig(), newCfg)
	if !d.AgentsChanged {
		t.Fatalf("Diff() = %+v", d)
	}

	var added, removed bool
	for _, ad := range d.AgentChanges {
		switch {
		case ad.Name == "collections" && ad.Added:
			added = true
		case ad.Name == "survey" && ad.Removed:
			removed = true
		}
	}
	if !added || !removed {
		t.Errorf("changes = %+v, want collections added and survey removed", d.AgentChanges)
	}
}
