package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: agent definitions
// apply to calls placed after the reload, and the log level applies
// immediately. Provider, Redis, and Postgres changes require a restart.
type ConfigDiff struct {
	AgentsChanged   bool        // true if any agent prompt, greeting, or voice changed
	AgentChanges    []AgentDiff // per-agent diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	Name            string
	PromptChanged   bool
	GreetingChanged bool
	VoiceChanged    bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build agent lookup maps keyed by name.
	oldAgents := make(map[string]*AgentDef, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].Name] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentDef, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].Name] = &new.Agents[i]
	}

	// Detect modified and removed agents.
	for name, oldAgent := range oldAgents {
		newAgent, exists := newAgents[name]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{
				Name:    name,
				Removed: true,
			})
			d.AgentsChanged = true
			continue
		}
		ad := diffAgent(name, oldAgent, newAgent)
		if ad.PromptChanged || ad.GreetingChanged || ad.VoiceChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
			d.AgentsChanged = true
		}
	}

	// Detect added agents.
	for name := range newAgents {
		if _, exists := oldAgents[name]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{
				Name:  name,
				Added: true,
			})
			d.AgentsChanged = true
		}
	}

	return d
}

// diffAgent compares two agent definitions with the same name.
func diffAgent(name string, old, new *AgentDef) AgentDiff {
	ad := AgentDiff{Name: name}

	if old.SystemPrompt != new.SystemPrompt {
		ad.PromptChanged = true
	}

	if old.Greeting != new.Greeting {
		ad.GreetingChanged = true
	}

	if old.Voice != new.Voice {
		ad.VoiceChanged = true
	}

	return ad
}
