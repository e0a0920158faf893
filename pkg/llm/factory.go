package llm

import (
	"fmt"

	"otogi-agent/pkg/llm/config"
	"otogi-agent/pkg/llm/providers/gemini"
	"otogi-agent/pkg/llm/providers/openai"
	"otogi-agent/pkg/otogi"
)

// BuildRegistry constructs one provider per configured profile.
func BuildRegistry(cfg config.Config, options ...RegistryOption) (*Registry, error) {
	providers := make(map[string]otogi.LLMProvider, len(cfg.Providers))
	for key, profile := range cfg.Providers {
		provider, err := buildProvider(profile)
		if err != nil {
			return nil, fmt.Errorf("build llm provider %s: %w", key, err)
		}
		providers[key] = provider
	}

	return NewRegistry(providers, options...)
}

func buildProvider(profile config.ProviderProfile) (otogi.LLMProvider, error) {
	switch profile.Type {
	case config.ProviderTypeOpenAI:
		cfg := openai.ProviderConfig{
			APIKey:  profile.APIKey,
			BaseURL: profile.BaseURL,
		}
		if options := profile.OpenAI; options != nil {
			cfg.Organization = options.Organization
			cfg.Project = options.Project
			cfg.MaxRetries = options.MaxRetries
			cfg.ReasoningEffort = options.ReasoningEffort
		}
		return openai.New(cfg)
	case config.ProviderTypeGemini:
		cfg := gemini.ProviderConfig{
			APIKey:  profile.APIKey,
			BaseURL: profile.BaseURL,
		}
		if options := profile.Gemini; options != nil {
			cfg.APIVersion = options.APIVersion
			cfg.GoogleSearch = options.GoogleSearch
			cfg.URLContext = options.URLContext
			cfg.ThinkingBudget = options.ThinkingBudget
			cfg.ThinkingLevel = options.ThinkingLevel
		}
		return gemini.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", profile.Type)
	}
}
