package gemini

import (
	"context"
	"fmt"
	"iter"
	"math"
	"net/url"
	"strings"
	"time"
	"unicode"

	"google.golang.org/genai"

	"otogi-agent/pkg/otogi"
)

const defaultAPIVersion = "v1beta"

var thinkingLevels = map[string]genai.ThinkingLevel{
	"low":    genai.ThinkingLevelLow,
	"medium": genai.ThinkingLevelMedium,
	"high":   genai.ThinkingLevelHigh,
}

// ProviderConfig configures one Gemini API provider.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	// APIVersion defaults to v1beta.
	APIVersion string
	// GoogleSearch and URLContext attach the matching tool to every request.
	GoogleSearch bool
	URLContext   bool
	// ThinkingBudget and ThinkingLevel are mutually exclusive.
	ThinkingBudget *int
	ThinkingLevel  string
}

// Provider streams generations from the Gemini API. Thought parts are
// dropped from the output.
type Provider struct {
	models   geminiModelsClient
	defaults requestOptions
}

var _ otogi.LLMProvider = (*Provider)(nil)

type geminiModelsClient interface {
	GenerateContentStream(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) iter.Seq2[*genai.GenerateContentResponse, error]
}

// requestOptions are the per-profile settings applied to every request.
type requestOptions struct {
	googleSearch   bool
	urlContext     bool
	thinkingBudget *int32
	thinkingLevel  genai.ThinkingLevel
}

// New builds a provider from cfg.
func New(cfg ProviderConfig) (*Provider, error) {
	cfg, defaults, err := cfg.normalize()
	if err != nil {
		return nil, fmt.Errorf("new gemini provider: %w", err)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL, APIVersion: cfg.APIVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	if client == nil || client.Models == nil {
		return nil, fmt.Errorf("new gemini client: models client is nil")
	}

	return &Provider{models: client.Models, defaults: defaults}, nil
}

// GenerateStream starts one streaming generation. The stream has no HTTP
// timeout of its own; ctx is its only deadline.
func (p *Provider) GenerateStream(ctx context.Context, req otogi.LLMGenerateRequest) (otogi.LLMStream, error) {
	if p == nil || p.models == nil {
		return nil, fmt.Errorf("gemini generate stream: provider not initialized")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("gemini generate stream validate request: %w", err)
	}

	instructions, turns := req.SplitSystem()
	if len(turns) == 0 {
		return nil, fmt.Errorf("gemini generate stream: missing non-system messages")
	}
	config, err := p.defaults.config(req, instructions)
	if err != nil {
		return nil, fmt.Errorf("gemini generate stream: %w", err)
	}

	stream := p.models.GenerateContentStream(ctx, strings.TrimSpace(req.Model), contentsOf(turns), config)
	if stream == nil {
		return nil, fmt.Errorf("gemini generate stream: stream is nil")
	}

	return newGeminiStream(stream), nil
}

func contentsOf(turns []otogi.LLMMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := string(genai.RoleUser)
		if turn.Role == otogi.LLMMessageRoleAssistant {
			role = string(genai.RoleModel)
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: turn.Content}}})
	}

	return contents
}

func (o requestOptions) config(req otogi.LLMGenerateRequest, instructions string) (*genai.GenerateContentConfig, error) {
	noTimeout := time.Duration(0)
	config := &genai.GenerateContentConfig{HTTPOptions: &genai.HTTPOptions{Timeout: &noTimeout}}

	if instructions != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: instructions}}}
	}
	if req.Temperature > 0 {
		config.Temperature = ptr(float32(req.Temperature))
	}
	if req.MaxOutputTokens > math.MaxInt32 {
		return nil, fmt.Errorf("max_output_tokens exceeds int32 range")
	}
	config.MaxOutputTokens = int32(req.MaxOutputTokens)

	if o.googleSearch {
		config.Tools = append(config.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	if o.urlContext {
		config.Tools = append(config.Tools, &genai.Tool{URLContext: &genai.URLContext{}})
	}
	if o.thinkingBudget != nil || o.thinkingLevel != "" {
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingLevel: o.thinkingLevel}
		if o.thinkingBudget != nil {
			config.ThinkingConfig.ThinkingBudget = ptr(*o.thinkingBudget)
		}
	}

	return config, nil
}

// normalize trims cfg, fills defaults and derives the request options.
func (cfg ProviderConfig) normalize() (ProviderConfig, requestOptions, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.APIVersion = strings.TrimSpace(cfg.APIVersion)
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}

	if cfg.APIKey == "" {
		return ProviderConfig{}, requestOptions{}, fmt.Errorf("missing api_key")
	}
	if cfg.BaseURL != "" {
		endpoint, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return ProviderConfig{}, requestOptions{}, fmt.Errorf("parse base_url: %w", err)
		}
		if endpoint.Scheme == "" || endpoint.Host == "" {
			return ProviderConfig{}, requestOptions{}, fmt.Errorf("parse base_url: must include scheme and host")
		}
	}
	if strings.ContainsFunc(cfg.APIVersion, invalidVersionRune) {
		return ProviderConfig{}, requestOptions{}, fmt.Errorf("invalid api_version %q", cfg.APIVersion)
	}

	options := requestOptions{googleSearch: cfg.GoogleSearch, urlContext: cfg.URLContext}
	if budget := cfg.ThinkingBudget; budget != nil {
		if *budget < 0 || *budget > math.MaxInt32 {
			return ProviderConfig{}, requestOptions{}, fmt.Errorf("thinking_budget must be within [0, %d]", math.MaxInt32)
		}
		options.thinkingBudget = ptr(int32(*budget))
	}
	if raw := strings.ToLower(strings.TrimSpace(cfg.ThinkingLevel)); raw != "" {
		level, ok := thinkingLevels[raw]
		if !ok {
			return ProviderConfig{}, requestOptions{}, fmt.Errorf("thinking_level: unsupported value %q", cfg.ThinkingLevel)
		}
		options.thinkingLevel = level
	}
	if options.thinkingBudget != nil && options.thinkingLevel != "" {
		return ProviderConfig{}, requestOptions{}, fmt.Errorf("thinking_budget and thinking_level are mutually exclusive")
	}

	return cfg, options, nil
}

func invalidVersionRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("-._", r)
}

func ptr[T any](value T) *T {
	return &value
}
