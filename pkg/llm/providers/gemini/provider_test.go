package gemini

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"

	"google.golang.org/genai"

	"otogi-agent/pkg/otogi"
)

func TestNewGeminiProviderConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		cfg              ProviderConfig
		wantErrSubstring string
	}{
		{
			name: "valid config",
			cfg: ProviderConfig{
				APIKey:        "gm-test",
				BaseURL:       "https://generativelanguage.googleapis.com/",
				APIVersion:    "v1beta",
				ThinkingLevel: "medium",
				GoogleSearch:  true,
			},
		},
		{
			name:             "missing api key",
			cfg:              ProviderConfig{APIKey: "   "},
			wantErrSubstring: "missing api_key",
		},
		{
			name:             "invalid base url",
			cfg:              ProviderConfig{APIKey: "gm-test", BaseURL: "not a url"},
			wantErrSubstring: "parse base_url",
		},
		{
			name:             "invalid api version",
			cfg:              ProviderConfig{APIKey: "gm-test", APIVersion: "v1 beta"},
			wantErrSubstring: "invalid api_version",
		},
		{
			name:             "negative thinking budget",
			cfg:              ProviderConfig{APIKey: "gm-test", ThinkingBudget: ptrInt(-1)},
			wantErrSubstring: "thinking_budget",
		},
		{
			name:             "invalid thinking level",
			cfg:              ProviderConfig{APIKey: "gm-test", ThinkingLevel: "minimal"},
			wantErrSubstring: "thinking_level",
		},
		{
			name: "budget and level conflict",
			cfg: ProviderConfig{
				APIKey:         "gm-test",
				ThinkingBudget: ptrInt(64),
				ThinkingLevel:  "low",
			},
			wantErrSubstring: "mutually exclusive",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := testCase.cfg.normalize()
			if testCase.wantErrSubstring == "" {
				if err != nil {
					t.Fatalf("normalize failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstring) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
			}
		})
	}
}

func TestNormalizeProviderConfigDefaultsAPIVersion(t *testing.T) {
	t.Parallel()

	cfg, options, err := ProviderConfig{APIKey: " gm-test ", ThinkingBudget: ptrInt(128)}.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if cfg.APIVersion != defaultAPIVersion {
		t.Fatalf("api version = %q, want %q", cfg.APIVersion, defaultAPIVersion)
	}
	if cfg.APIKey != "gm-test" {
		t.Fatalf("api key = %q, want trimmed", cfg.APIKey)
	}
	if options.thinkingBudget == nil || *options.thinkingBudget != 128 {
		t.Fatalf("thinking budget = %v, want 128", options.thinkingBudget)
	}
}

func TestGeminiProviderGenerateStreamValidation(t *testing.T) {
	t.Parallel()

	provider := &Provider{models: &modelsClientStub{}}

	_, err := provider.GenerateStream(context.Background(), otogi.LLMGenerateRequest{Model: "gemini-2.5-flash"})
	if err == nil || !strings.Contains(err.Error(), "validate request") {
		t.Fatalf("error = %v, want validate request error", err)
	}
}

func TestGeminiProviderGenerateStreamRejectsSystemOnlyRequest(t *testing.T) {
	t.Parallel()

	provider := &Provider{models: &modelsClientStub{}}

	_, err := provider.GenerateStream(context.Background(), otogi.LLMGenerateRequest{
		Model:    "gemini-2.5-flash",
		Messages: []otogi.LLMMessage{{Role: otogi.LLMMessageRoleSystem, Content: "sys"}},
	})
	if err == nil || !strings.Contains(err.Error(), "missing non-system messages") {
		t.Fatalf("error = %v, want missing non-system messages", err)
	}
}

func TestGeminiProviderGenerateStreamMapsRequest(t *testing.T) {
	t.Parallel()

	client := &modelsClientStub{
		stream: seqFromSteps([]streamStep{
			{response: textResponse([]*genai.Part{{Text: "thought", Thought: true}, {Text: "answer"}})},
		}),
	}
	budget := int32(128)
	provider := &Provider{
		models: client,
		defaults: requestOptions{
			googleSearch:   true,
			urlContext:     true,
			thinkingBudget: &budget,
		},
	}

	req := otogi.LLMGenerateRequest{
		Model: "gemini-2.5-flash",
		Messages: []otogi.LLMMessage{
			{Role: otogi.LLMMessageRoleSystem, Content: "sys-1"},
			{Role: otogi.LLMMessageRoleSystem, Content: "sys-2"},
			{Role: otogi.LLMMessageRoleUser, Content: "hello"},
			{Role: otogi.LLMMessageRoleAssistant, Content: "hi"},
		},
		MaxOutputTokens: 256,
		Temperature:     0.2,
	}

	stream, err := provider.GenerateStream(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}

	if len(client.calls) != 1 {
		t.Fatalf("request count = %d, want 1", len(client.calls))
	}
	call := client.calls[0]
	if call.model != req.Model {
		t.Fatalf("model = %q, want %q", call.model, req.Model)
	}
	if len(call.contents) != 2 {
		t.Fatalf("contents len = %d, want 2", len(call.contents))
	}
	if call.contents[0].Role != string(genai.RoleUser) {
		t.Fatalf("contents[0] role = %q, want user", call.contents[0].Role)
	}
	if call.contents[1].Role != string(genai.RoleModel) {
		t.Fatalf("contents[1] role = %q, want model", call.contents[1].Role)
	}
	if call.config.SystemInstruction == nil || call.config.SystemInstruction.Parts[0].Text != "sys-1\n\nsys-2" {
		t.Fatalf("system instruction = %+v, want joined system messages", call.config.SystemInstruction)
	}
	if call.config.Temperature == nil || *call.config.Temperature != float32(0.2) {
		t.Fatalf("temperature = %v, want 0.2", call.config.Temperature)
	}
	if call.config.MaxOutputTokens != 256 {
		t.Fatalf("max output tokens = %d, want 256", call.config.MaxOutputTokens)
	}
	if len(call.config.Tools) != 2 {
		t.Fatalf("tools len = %d, want 2", len(call.config.Tools))
	}
	if call.config.Tools[0].GoogleSearch == nil || call.config.Tools[1].URLContext == nil {
		t.Fatalf("tools = %+v, want google search then url context", call.config.Tools)
	}
	if call.config.ThinkingConfig == nil || call.config.ThinkingConfig.ThinkingBudget == nil ||
		*call.config.ThinkingConfig.ThinkingBudget != 128 {
		t.Fatalf("thinking config = %+v, want budget 128", call.config.ThinkingConfig)
	}
	if call.config.HTTPOptions == nil || call.config.HTTPOptions.Timeout == nil || *call.config.HTTPOptions.Timeout != 0 {
		t.Fatalf("http options = %+v, want zero stream timeout", call.config.HTTPOptions)
	}

	text, err := otogi.CollectText(context.Background(), stream)
	if err != nil {
		t.Fatalf("collect text failed: %v", err)
	}
	if text != "answer" {
		t.Fatalf("text = %q, want answer", text)
	}
}

func TestGeminiStreamEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		steps         []streamStep
		wantText      string
		wantErrSubstr string
	}{
		{
			name: "deltas then completion",
			steps: []streamStep{
				{response: textResponse([]*genai.Part{{Text: "hel"}})},
				{response: textResponse([]*genai.Part{{Text: "lo"}})},
			},
			wantText: "hello",
		},
		{
			name: "empty responses skipped",
			steps: []streamStep{
				{response: &genai.GenerateContentResponse{}},
				{response: textResponse([]*genai.Part{{Text: "ok"}})},
			},
			wantText: "ok",
		},
		{
			name: "parts joined and thoughts dropped",
			steps: []streamStep{
				{response: textResponse([]*genai.Part{{Text: "a"}, {Text: "hidden", Thought: true}, {Text: "b"}})},
			},
			wantText: "ab",
		},
		{
			name:          "stream error",
			steps:         []streamStep{{err: errors.New("bad stream")}},
			wantErrSubstr: "gemini stream next: bad stream",
		},
		{
			name:          "nil response",
			steps:         []streamStep{{}},
			wantErrSubstr: "nil response",
		},
		{
			name: "blocked prompt",
			steps: []streamStep{{response: &genai.GenerateContentResponse{
				PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
			}}},
			wantErrSubstr: "prompt blocked",
		},
		{
			name: "safety stop after partial text",
			steps: []streamStep{
				{response: textResponse([]*genai.Part{{Text: "par"}})},
				{response: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}},
			},
			wantErrSubstr: "safety filter",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			text, err := otogi.CollectText(context.Background(), newGeminiStream(seqFromSteps(testCase.steps)))
			if testCase.wantErrSubstr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstr) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("collect text failed: %v", err)
			}
			if text != testCase.wantText {
				t.Fatalf("text = %q, want %q", text, testCase.wantText)
			}
		})
	}
}

func TestGeminiStreamRecvHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	stream := newGeminiStream(seqFromSteps([]streamStep{
		{response: textResponse([]*genai.Part{{Text: "never"}})},
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := stream.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recv error = %v, want context.Canceled", err)
	}
	if _, err := stream.Recv(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after cancel error = %v, want io.EOF", err)
	}
}

func TestGeminiStreamCloseIdempotentAndPostCloseEOF(t *testing.T) {
	t.Parallel()

	stream := newGeminiStream(emptySeq())

	if err := stream.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if _, err := stream.Recv(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after close error = %v, want io.EOF", err)
	}
}

type modelsClientStub struct {
	calls  []generateCall
	stream iter.Seq2[*genai.GenerateContentResponse, error]
}

type generateCall struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (s *modelsClientStub) GenerateContentStream(
	_ context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) iter.Seq2[*genai.GenerateContentResponse, error] {
	s.calls = append(s.calls, generateCall{
		model:    model,
		contents: contents,
		config:   config,
	})
	if s.stream == nil {
		return emptySeq()
	}
	return s.stream
}

type streamStep struct {
	response *genai.GenerateContentResponse
	err      error
}

func seqFromSteps(steps []streamStep) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, step := range steps {
			if !yield(step.response, step.err) {
				return
			}
		}
	}
}

func emptySeq() iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(func(*genai.GenerateContentResponse, error) bool) {}
}

func textResponse(parts []*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: parts}},
		},
	}
}

func ptrInt(value int) *int {
	return &value
}
