// Package config parses the llm section of the bot configuration: provider
// profiles and the agents that answer conversations.
package config

import (
	"strings"
	"time"
)

const (
	// DefaultRequestTimeout bounds one reply when request_timeout is omitted.
	DefaultRequestTimeout = 90 * time.Second
	// DefaultHistoryLimit is how many earlier messages feed one reply.
	DefaultHistoryLimit = 10
	// MaxHistoryLimit matches the per-conversation window size.
	MaxHistoryLimit = 50

	// ProviderTypeOpenAI selects the OpenAI Responses provider.
	ProviderTypeOpenAI = "openai"
	// ProviderTypeGemini selects the Gemini provider.
	ProviderTypeGemini = "gemini"
)

// Config is the parsed llm section.
type Config struct {
	// RequestTimeout bounds one reply; agents may only shorten it.
	RequestTimeout time.Duration
	// HistoryLimit is how many earlier messages are sent as context.
	HistoryLimit int
	// DefaultAgent answers mentions and private chats. Empty selects the
	// first agent.
	DefaultAgent string
	Providers    map[string]ProviderProfile
	Agents       []Agent
}

// ProviderProfile is one named provider endpoint and credential.
type ProviderProfile struct {
	Type    string
	APIKey  string
	BaseURL string
	OpenAI  *OpenAIOptions
	Gemini  *GeminiOptions
}

// OpenAIOptions are honored only by openai profiles.
type OpenAIOptions struct {
	Organization    string
	Project         string
	MaxRetries      *int
	ReasoningEffort string
}

// GeminiOptions are honored only by gemini profiles.
type GeminiOptions struct {
	APIVersion     string
	GoogleSearch   bool
	URLContext     bool
	ThinkingBudget *int
	ThinkingLevel  string
}

// Agent is one persona bound to a provider model. Its Name doubles as the
// trigger keyword.
type Agent struct {
	Name                 string
	Description          string
	Provider             string
	Model                string
	SystemPromptTemplate string
	// TemplateVariables are exposed to the template as .Vars.
	TemplateVariables map[string]string
	MaxOutputTokens   int
	Temperature       float64
	// RequestTimeout is never zero after Parse; omitted values inherit
	// Config.RequestTimeout.
	RequestTimeout time.Duration
}

// AgentByName looks up one agent case-insensitively.
func (cfg Config) AgentByName(name string) (Agent, bool) {
	key := agentKey(name)
	for _, agent := range cfg.Agents {
		if agentKey(agent.Name) == key {
			return agent, true
		}
	}

	return Agent{}, false
}

// Default returns the agent answering mentions and private chats.
func (cfg Config) Default() (Agent, bool) {
	switch {
	case cfg.DefaultAgent != "":
		return cfg.AgentByName(cfg.DefaultAgent)
	case len(cfg.Agents) > 0:
		return cfg.Agents[0], true
	default:
		return Agent{}, false
	}
}

func agentKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
