package otogi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ServiceLLMProviderRegistry is the service name of the LLMProviderRegistry.
const ServiceLLMProviderRegistry = "otogi.llm_provider_registry"

// LLMProviderRegistry resolves configured providers by profile name. It is
// shared by every subscription worker and must be safe for concurrent use.
type LLMProviderRegistry interface {
	Resolve(provider string) (LLMProvider, error)
}

// LLMProvider starts streaming generations against one model backend.
type LLMProvider interface {
	GenerateStream(ctx context.Context, req LLMGenerateRequest) (LLMStream, error)
}

// LLMStream yields generated text until Recv returns io.EOF. Callers must
// Close it, including after an error.
type LLMStream interface {
	Recv(ctx context.Context) (LLMGenerateChunk, error)
	Close() error
}

// LLMMessageRole is the author of one request message.
type LLMMessageRole string

// Supported message roles.
const (
	LLMMessageRoleSystem    LLMMessageRole = "system"
	LLMMessageRoleUser      LLMMessageRole = "user"
	LLMMessageRoleAssistant LLMMessageRole = "assistant"
)

// Validate rejects roles outside the supported set.
func (r LLMMessageRole) Validate() error {
	switch r {
	case LLMMessageRoleSystem, LLMMessageRoleUser, LLMMessageRoleAssistant:
		return nil
	}

	return fmt.Errorf("validate llm message role: unsupported role %q", r)
}

// LLMMessage is one plain-text turn of a request.
type LLMMessage struct {
	Role    LLMMessageRole
	Content string
}

// Validate requires a supported role and non-blank content.
func (m LLMMessage) Validate() error {
	if err := m.Role.Validate(); err != nil {
		return fmt.Errorf("validate llm message: %w", err)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("validate llm message: missing content")
	}

	return nil
}

// LLMGenerateRequest is one generation call. Zero MaxOutputTokens and
// Temperature leave the provider defaults in place.
type LLMGenerateRequest struct {
	Model           string
	Messages        []LLMMessage
	MaxOutputTokens int
	Temperature     float64
}

// Validate checks the model, every message and the numeric bounds.
func (r LLMGenerateRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("validate llm generate request: missing model")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("validate llm generate request: missing messages")
	}
	for index, message := range r.Messages {
		if err := message.Validate(); err != nil {
			return fmt.Errorf("validate llm generate request messages[%d]: %w", index, err)
		}
	}
	if r.MaxOutputTokens < 0 {
		return fmt.Errorf("validate llm generate request: max_output_tokens must be >= 0")
	}
	if r.Temperature < 0 {
		return fmt.Errorf("validate llm generate request: temperature must be >= 0")
	}

	return nil
}

// SplitSystem separates system messages from conversational turns. System
// contents are joined by blank lines in request order; turns keep their order.
func (r LLMGenerateRequest) SplitSystem() (instructions string, turns []LLMMessage) {
	var system []string
	turns = make([]LLMMessage, 0, len(r.Messages))
	for _, message := range r.Messages {
		if message.Role == LLMMessageRoleSystem {
			system = append(system, message.Content)
			continue
		}
		turns = append(turns, message)
	}

	return strings.Join(system, "\n\n"), turns
}

// LLMGenerateChunk is one increment of generated text.
type LLMGenerateChunk struct {
	Delta string
}

// CollectText drains stream until io.EOF and closes it. On a mid-stream
// error the text received so far is returned with the error.
func CollectText(ctx context.Context, stream LLMStream) (text string, err error) {
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close llm stream: %w", closeErr))
		}
	}()

	var builder strings.Builder
	for {
		chunk, recvErr := stream.Recv(ctx)
		switch {
		case errors.Is(recvErr, io.EOF):
			return builder.String(), nil
		case recvErr != nil:
			return builder.String(), fmt.Errorf("receive llm chunk: %w", recvErr)
		}
		builder.WriteString(chunk.Delta)
	}
}
