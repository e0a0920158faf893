package openai

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"otogi-agent/pkg/otogi"
)

// ProviderConfig holds the settings of one OpenAI profile.
type ProviderConfig struct {
	APIKey string
	// BaseURL points at any Responses-compatible endpoint. Empty uses the
	// SDK default.
	BaseURL      string
	Organization string
	Project      string
	// MaxRetries overrides the SDK retry count when non-nil.
	MaxRetries *int
	// ReasoningEffort is one of none, minimal, low, medium, high or xhigh.
	ReasoningEffort string
}

// Provider generates replies through the OpenAI Responses streaming API.
// System messages become request instructions and nothing is stored
// server side.
type Provider struct {
	responses openAIResponsesClient
	effort    shared.ReasoningEffort
}

var _ otogi.LLMProvider = (*Provider)(nil)

type openAIResponsesClient interface {
	NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) openAIResponseStream
}

type responseService struct {
	service responses.ResponseService
}

func (s responseService) NewStreaming(
	ctx context.Context,
	body responses.ResponseNewParams,
	opts ...option.RequestOption,
) openAIResponseStream {
	return s.service.NewStreaming(ctx, body, opts...)
}

var reasoningEfforts = []shared.ReasoningEffort{
	shared.ReasoningEffortNone,
	shared.ReasoningEffortMinimal,
	shared.ReasoningEffortLow,
	shared.ReasoningEffortMedium,
	shared.ReasoningEffortHigh,
	shared.ReasoningEffortXhigh,
}

// New validates cfg and builds a Provider.
func New(cfg ProviderConfig) (*Provider, error) {
	options, effort, err := clientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("new openai provider: %w", err)
	}
	client := openai.NewClient(options...)

	return &Provider{
		responses: responseService{service: client.Responses},
		effort:    effort,
	}, nil
}

func clientOptions(cfg ProviderConfig) ([]option.RequestOption, shared.ReasoningEffort, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, "", fmt.Errorf("missing api_key")
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}

	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return nil, "", fmt.Errorf("parse base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, "", fmt.Errorf("parse base_url: must include scheme and host")
		}
		options = append(options, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		options = append(options, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		options = append(options, option.WithProject(project))
	}
	if cfg.MaxRetries != nil {
		if *cfg.MaxRetries < 0 {
			return nil, "", fmt.Errorf("max_retries must be >= 0")
		}
		options = append(options, option.WithMaxRetries(*cfg.MaxRetries))
	}

	effort := shared.ReasoningEffort(strings.ToLower(strings.TrimSpace(cfg.ReasoningEffort)))
	if effort != "" && !slices.Contains(reasoningEfforts, effort) {
		return nil, "", fmt.Errorf("reasoning_effort: unsupported value %q", cfg.ReasoningEffort)
	}

	return options, effort, nil
}

// GenerateStream opens a streaming response for req.
func (p *Provider) GenerateStream(ctx context.Context, req otogi.LLMGenerateRequest) (otogi.LLMStream, error) {
	if p == nil || p.responses == nil {
		return nil, fmt.Errorf("openai generate stream: provider not initialized")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("openai generate stream validate request: %w", err)
	}

	stream := p.responses.NewStreaming(ctx, buildParams(req, p.effort))
	if stream == nil {
		return nil, fmt.Errorf("openai generate stream: openai stream is nil")
	}

	return newOpenAIStream(stream), nil
}

// buildParams expects a validated request.
func buildParams(req otogi.LLMGenerateRequest, effort shared.ReasoningEffort) responses.ResponseNewParams {
	instructions, turns := req.SplitSystem()
	items := make(responses.ResponseInputParam, 0, len(turns))
	for _, turn := range turns {
		role := responses.EasyInputMessageRoleUser
		if turn.Role == otogi.LLMMessageRoleAssistant {
			role = responses.EasyInputMessageRoleAssistant
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(turn.Content, role))
	}

	params := responses.ResponseNewParams{
		Model: strings.TrimSpace(req.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
		Store: openai.Bool(false),
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if effort != "" {
		params.Reasoning = shared.ReasoningParam{Effort: effort}
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	return params
}
