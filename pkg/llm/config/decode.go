package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"
)

type document struct {
	RequestTimeout string                     `json:"request_timeout"`
	HistoryLimit   *int                       `json:"history_limit"`
	DefaultAgent   string                     `json:"default_agent"`
	Providers      map[string]providerPayload `json:"providers"`
	Agents         []agentPayload             `json:"agents"`
}

type providerPayload struct {
	Type    string `json:"type"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	OpenAI  *struct {
		Organization    string `json:"organization"`
		Project         string `json:"project"`
		MaxRetries      *int   `json:"max_retries"`
		ReasoningEffort string `json:"reasoning_effort"`
	} `json:"openai"`
	Gemini *struct {
		APIVersion     string `json:"api_version"`
		GoogleSearch   bool   `json:"google_search"`
		URLContext     bool   `json:"url_context"`
		ThinkingBudget *int   `json:"thinking_budget"`
		ThinkingLevel  string `json:"thinking_level"`
	} `json:"gemini"`
}

type agentPayload struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	Provider             string            `json:"provider"`
	Model                string            `json:"model"`
	SystemPromptTemplate string            `json:"system_prompt_template"`
	TemplateVariables    map[string]string `json:"template_variables"`
	MaxOutputTokens      int               `json:"max_output_tokens"`
	Temperature          float64           `json:"temperature"`
	RequestTimeout       string            `json:"request_timeout"`
}

// Parse decodes and validates one llm section. Unknown fields, trailing
// content and provider keys repeated after trimming are rejected.
func Parse(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Config{}, fmt.Errorf("parse llm config: empty section")
	}

	var doc document
	if err := decodeStrict(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse llm config: %w", err)
	}
	if err := checkProviderKeys(data); err != nil {
		return Config{}, fmt.Errorf("parse llm config: %w", err)
	}

	cfg := Config{
		RequestTimeout: DefaultRequestTimeout,
		HistoryLimit:   DefaultHistoryLimit,
		DefaultAgent:   strings.TrimSpace(doc.DefaultAgent),
		Providers:      make(map[string]ProviderProfile, len(doc.Providers)),
		Agents:         make([]Agent, 0, len(doc.Agents)),
	}
	if err := parseDuration(doc.RequestTimeout, &cfg.RequestTimeout); err != nil {
		return Config{}, fmt.Errorf("parse llm config request_timeout: %w", err)
	}
	if doc.HistoryLimit != nil {
		cfg.HistoryLimit = *doc.HistoryLimit
	}

	for key, payload := range doc.Providers {
		key = strings.TrimSpace(key)
		if key == "" {
			return Config{}, fmt.Errorf("parse llm config providers: empty provider key")
		}
		cfg.Providers[key] = payload.profile()
	}

	for index, payload := range doc.Agents {
		agent := payload.agent()
		agent.RequestTimeout = cfg.RequestTimeout
		if err := parseDuration(payload.RequestTimeout, &agent.RequestTimeout); err != nil {
			return Config{}, fmt.Errorf("parse llm config agents[%d] request_timeout: %w", index, err)
		}
		cfg.Agents = append(cfg.Agents, agent)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (p providerPayload) profile() ProviderProfile {
	profile := ProviderProfile{
		Type:    lowerTrim(p.Type),
		APIKey:  strings.TrimSpace(p.APIKey),
		BaseURL: strings.TrimSpace(p.BaseURL),
	}
	if p.OpenAI != nil {
		profile.OpenAI = &OpenAIOptions{
			Organization:    strings.TrimSpace(p.OpenAI.Organization),
			Project:         strings.TrimSpace(p.OpenAI.Project),
			MaxRetries:      clonePointer(p.OpenAI.MaxRetries),
			ReasoningEffort: lowerTrim(p.OpenAI.ReasoningEffort),
		}
	}
	if p.Gemini != nil {
		profile.Gemini = &GeminiOptions{
			APIVersion:     strings.TrimSpace(p.Gemini.APIVersion),
			GoogleSearch:   p.Gemini.GoogleSearch,
			URLContext:     p.Gemini.URLContext,
			ThinkingBudget: clonePointer(p.Gemini.ThinkingBudget),
			ThinkingLevel:  lowerTrim(p.Gemini.ThinkingLevel),
		}
	}

	return profile
}

func (p agentPayload) agent() Agent {
	agent := Agent{
		Name:                 strings.TrimSpace(p.Name),
		Description:          strings.TrimSpace(p.Description),
		Provider:             strings.TrimSpace(p.Provider),
		Model:                strings.TrimSpace(p.Model),
		SystemPromptTemplate: strings.TrimSpace(p.SystemPromptTemplate),
		MaxOutputTokens:      p.MaxOutputTokens,
		Temperature:          p.Temperature,
	}
	if len(p.TemplateVariables) > 0 {
		agent.TemplateVariables = maps.Clone(p.TemplateVariables)
	}

	return agent
}

func decodeStrict(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}

	switch err := decoder.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return nil
	case err == nil:
		return fmt.Errorf("unexpected trailing content")
	default:
		return fmt.Errorf("decode trailing json: %w", err)
	}
}

// checkProviderKeys walks the raw providers object, since decoding into a
// map silently keeps only the last of two equal keys.
func checkProviderKeys(data []byte) error {
	var root struct {
		Providers json.RawMessage `json:"providers"`
	}
	if err := json.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("decode root json: %w", err)
	}
	if len(root.Providers) == 0 || bytes.Equal(root.Providers, []byte("null")) {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(root.Providers))
	if token, err := decoder.Token(); err != nil || token != json.Delim('{') {
		return fmt.Errorf("providers: expected object")
	}

	seen := make(map[string]bool)
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("providers: %w", err)
		}
		key := strings.TrimSpace(token.(string))
		if seen[key] {
			return fmt.Errorf("providers: duplicate provider key %s", key)
		}
		seen[key] = true

		var skipped json.RawMessage
		if err := decoder.Decode(&skipped); err != nil {
			return fmt.Errorf("providers[%s]: %w", key, err)
		}
	}

	return nil
}

// parseDuration leaves target unchanged when raw is blank.
func parseDuration(raw string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	if value <= 0 {
		return fmt.Errorf("must be > 0")
	}
	*target = value

	return nil
}

func lowerTrim(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func clonePointer[T any](value *T) *T {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}
