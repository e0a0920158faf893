package config

import (
	"strings"
	"testing"
	"time"
)

const validSection = `{
	"request_timeout":"45s",
	"history_limit":12,
	"default_agent":"otogi",
	"providers":{
		"openai-main":{
			"type":"openai",
			"api_key":"sk-test",
			"base_url":"https://api.openai.com/v1",
			"openai":{"organization":"org-test","project":"project-test","max_retries":3,"reasoning_effort":"Low"}
		},
		"gemini-main":{
			"type":"gemini",
			"api_key":"gm-test",
			"gemini":{"api_version":"v1beta","google_search":true,"thinking_level":"Medium"}
		}
	},
	"agents":[
		{
			"name":"Otogi",
			"description":"OpenAI agent",
			"provider":"openai-main",
			"model":"gpt-5-mini",
			"system_prompt_template":"You are {{.AgentName}}",
			"template_variables":{"tone":"dry"},
			"request_timeout":"30s"
		},
		{
			"name":"Gem",
			"provider":"gemini-main",
			"model":"gemini-2.5-flash",
			"system_prompt_template":"You are {{.AgentName}}"
		}
	]
}`

func TestParseValidSection(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(validSection))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.RequestTimeout != 45*time.Second {
		t.Fatalf("request timeout = %s, want 45s", cfg.RequestTimeout)
	}
	if cfg.HistoryLimit != 12 {
		t.Fatalf("history limit = %d, want 12", cfg.HistoryLimit)
	}
	openai := cfg.Providers["openai-main"]
	if openai.OpenAI == nil || openai.OpenAI.ReasoningEffort != "low" || *openai.OpenAI.MaxRetries != 3 {
		t.Fatalf("openai options = %+v, want normalized low effort and 3 retries", openai.OpenAI)
	}
	gemini := cfg.Providers["gemini-main"]
	if gemini.Gemini == nil || !gemini.Gemini.GoogleSearch || gemini.Gemini.ThinkingLevel != "medium" {
		t.Fatalf("gemini options = %+v, want google search and medium level", gemini.Gemini)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("agents len = %d, want 2", len(cfg.Agents))
	}
	if cfg.Agents[0].RequestTimeout != 30*time.Second {
		t.Fatalf("agent[0] timeout = %s, want 30s", cfg.Agents[0].RequestTimeout)
	}
	if cfg.Agents[1].RequestTimeout != 45*time.Second {
		t.Fatalf("agent[1] timeout = %s, want inherited 45s", cfg.Agents[1].RequestTimeout)
	}
	if cfg.Agents[0].TemplateVariables["tone"] != "dry" {
		t.Fatalf("template variables = %v, want tone", cfg.Agents[0].TemplateVariables)
	}

	agent, ok := cfg.Default()
	if !ok || agent.Name != "Otogi" {
		t.Fatalf("default agent = %q (%v), want Otogi", agent.Name, ok)
	}
	if agent, ok := cfg.AgentByName("GEM"); !ok || agent.Model != "gemini-2.5-flash" {
		t.Fatalf("AgentByName(GEM) = %+v (%v), want gem agent", agent, ok)
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`{
		"providers":{"p":{"type":"openai","api_key":"k"}},
		"agents":[{"name":"a","provider":"p","model":"m","system_prompt_template":"hi"}]
	}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("request timeout = %s, want %s", cfg.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("history limit = %d, want %d", cfg.HistoryLimit, DefaultHistoryLimit)
	}
	if agent, ok := cfg.Default(); !ok || agent.Name != "a" {
		t.Fatalf("default agent = %q (%v), want first agent", agent.Name, ok)
	}
}

func TestParseRejectsInvalidSections(t *testing.T) {
	t.Parallel()

	const provider = `"providers":{"p":{"type":"openai","api_key":"k"}}`
	const agent = `{"name":"a","provider":"p","model":"m","system_prompt_template":"hi"}`

	tests := []struct {
		name             string
		body             string
		wantErrSubstring string
	}{
		{
			name:             "empty section",
			body:             "  ",
			wantErrSubstring: "empty section",
		},
		{
			name:             "unknown field",
			body:             `{` + provider + `,"agents":[` + agent + `],"extra":1}`,
			wantErrSubstring: "unknown field",
		},
		{
			name:             "duplicate provider key",
			body:             `{"providers":{"p":{"type":"openai","api_key":"k"},"p":{"type":"openai","api_key":"k"}},"agents":[` + agent + `]}`,
			wantErrSubstring: "duplicate provider key p",
		},
		{
			name:             "bad request timeout",
			body:             `{"request_timeout":"-1s",` + provider + `,"agents":[` + agent + `]}`,
			wantErrSubstring: "request_timeout",
		},
		{
			name:             "history limit too large",
			body:             `{"history_limit":51,` + provider + `,"agents":[` + agent + `]}`,
			wantErrSubstring: "history_limit",
		},
		{
			name:             "unsupported provider type",
			body:             `{"providers":{"p":{"type":"claude","api_key":"k"}},"agents":[` + agent + `]}`,
			wantErrSubstring: "unsupported type",
		},
		{
			name:             "missing api key",
			body:             `{"providers":{"p":{"type":"gemini"}},"agents":[` + agent + `]}`,
			wantErrSubstring: "missing api_key",
		},
		{
			name:             "cross provider options",
			body:             `{"providers":{"p":{"type":"openai","api_key":"k","gemini":{}}},"agents":[` + agent + `]}`,
			wantErrSubstring: "gemini options",
		},
		{
			name:             "no agents",
			body:             `{` + provider + `,"agents":[]}`,
			wantErrSubstring: "at least one agent",
		},
		{
			name:             "agent unknown provider",
			body:             `{` + provider + `,"agents":[{"name":"a","provider":"q","model":"m","system_prompt_template":"hi"}]}`,
			wantErrSubstring: "provider q is not configured",
		},
		{
			name:             "agent name with spaces",
			body:             `{` + provider + `,"agents":[{"name":"a b","provider":"p","model":"m","system_prompt_template":"hi"}]}`,
			wantErrSubstring: "single word",
		},
		{
			name:             "duplicate agent name",
			body:             `{` + provider + `,"agents":[` + agent + `,{"name":"A","provider":"p","model":"m","system_prompt_template":"hi"}]}`,
			wantErrSubstring: "duplicate agent name",
		},
		{
			name:             "broken template",
			body:             `{` + provider + `,"agents":[{"name":"a","provider":"p","model":"m","system_prompt_template":"{{.Broken"}]}`,
			wantErrSubstring: "invalid system_prompt_template",
		},
		{
			name:             "agent timeout above global",
			body:             `{"request_timeout":"10s",` + provider + `,"agents":[{"name":"a","provider":"p","model":"m","system_prompt_template":"hi","request_timeout":"20s"}]}`,
			wantErrSubstring: "exceeds global request_timeout",
		},
		{
			name:             "trailing content",
			body:             `{` + provider + `,"agents":[` + agent + `]} {}`,
			wantErrSubstring: "trailing content",
		},
		{
			name:             "relative base url",
			body:             `{"providers":{"p":{"type":"openai","api_key":"k","base_url":"/v1"}},"agents":[` + agent + `]}`,
			wantErrSubstring: "invalid base_url",
		},
		{
			name:             "thinking budget and level",
			body:             `{"providers":{"p":{"type":"gemini","api_key":"k","gemini":{"thinking_budget":128,"thinking_level":"low"}}},"agents":[` + agent + `]}`,
			wantErrSubstring: "mutually exclusive",
		},
		{
			name:             "agent missing model",
			body:             `{` + provider + `,"agents":[{"name":"a","provider":"p","system_prompt_template":"hi"}]}`,
			wantErrSubstring: "missing model",
		},
		{
			name:             "unknown default agent",
			body:             `{"default_agent":"zed",` + provider + `,"agents":[` + agent + `]}`,
			wantErrSubstring: "default_agent",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(testCase.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), testCase.wantErrSubstring) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
			}
		})
	}
}
