package config

import (
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"unicode"
)

// Validate checks the section for internal consistency: every agent names a
// configured provider, agent names are unique ignoring case, and no agent
// outlives the global request timeout.
func (cfg Config) Validate() error {
	switch {
	case cfg.RequestTimeout <= 0:
		return fmt.Errorf("validate llm config: request_timeout must be > 0")
	case cfg.HistoryLimit < 1 || cfg.HistoryLimit > MaxHistoryLimit:
		return fmt.Errorf("validate llm config: history_limit must be within [1, %d]", MaxHistoryLimit)
	case len(cfg.Providers) == 0:
		return fmt.Errorf("validate llm config: providers is required")
	case len(cfg.Agents) == 0:
		return fmt.Errorf("validate llm config: at least one agent is required")
	}

	for key, profile := range cfg.Providers {
		if err := profile.validate(); err != nil {
			return fmt.Errorf("validate llm config providers[%s]: %w", key, err)
		}
	}

	names := make(map[string]bool, len(cfg.Agents))
	for index, agent := range cfg.Agents {
		if err := agent.validate(); err != nil {
			return fmt.Errorf("validate llm config agents[%d]: %w", index, err)
		}
		if _, ok := cfg.Providers[agent.Provider]; !ok {
			return fmt.Errorf("validate llm config agents[%d]: provider %s is not configured", index, agent.Provider)
		}
		if agent.RequestTimeout > cfg.RequestTimeout {
			return fmt.Errorf("validate llm config agents[%d]: request_timeout %s exceeds global request_timeout %s",
				index, agent.RequestTimeout, cfg.RequestTimeout)
		}

		key := agentKey(agent.Name)
		if names[key] {
			return fmt.Errorf("validate llm config: duplicate agent name %q", agent.Name)
		}
		names[key] = true
	}

	if cfg.DefaultAgent != "" && !names[agentKey(cfg.DefaultAgent)] {
		return fmt.Errorf("validate llm config: default_agent %q is not configured", cfg.DefaultAgent)
	}

	return nil
}

func (p ProviderProfile) validate() error {
	switch p.Type {
	case "":
		return fmt.Errorf("missing type")
	case ProviderTypeOpenAI:
		if p.Gemini != nil {
			return fmt.Errorf("gemini options are only supported for gemini providers")
		}
		if p.OpenAI != nil && p.OpenAI.MaxRetries != nil && *p.OpenAI.MaxRetries < 0 {
			return fmt.Errorf("max_retries must be >= 0")
		}
	case ProviderTypeGemini:
		if p.OpenAI != nil {
			return fmt.Errorf("openai options are only supported for openai providers")
		}
		if p.Gemini != nil && p.Gemini.ThinkingBudget != nil && p.Gemini.ThinkingLevel != "" {
			return fmt.Errorf("thinking_budget and thinking_level are mutually exclusive")
		}
	default:
		return fmt.Errorf("unsupported type %q", p.Type)
	}

	if p.APIKey == "" {
		return fmt.Errorf("missing api_key")
	}
	if p.BaseURL == "" {
		return nil
	}
	endpoint, err := url.Parse(p.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return fmt.Errorf("invalid base_url: must include scheme and host")
	}

	return nil
}

func (a Agent) validate() error {
	required := []struct {
		field string
		value string
	}{
		{field: "name", value: a.Name},
		{field: "provider", value: a.Provider},
		{field: "model", value: a.Model},
		{field: "system_prompt_template", value: a.SystemPromptTemplate},
	}
	for _, entry := range required {
		if entry.value == "" {
			return fmt.Errorf("missing %s", entry.field)
		}
	}

	if strings.ContainsFunc(a.Name, unicode.IsSpace) {
		return fmt.Errorf("name %q must be a single word", a.Name)
	}
	if a.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must be >= 0")
	}
	if a.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0")
	}
	if a.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if _, err := template.New("system-prompt").Option("missingkey=error").Parse(a.SystemPromptTemplate); err != nil {
		return fmt.Errorf("invalid system_prompt_template: %w", err)
	}

	return nil
}
