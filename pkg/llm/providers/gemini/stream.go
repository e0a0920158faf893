package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"google.golang.org/genai"

	"otogi-agent/pkg/otogi"
)

// geminiStream adapts a GenerateContentStream iterator to otogi.LLMStream.
// Responses without visible text are skipped; thought parts never surface.
// After Close, an error, or exhaustion, Recv reports io.EOF.
type geminiStream struct {
	mu   sync.Mutex
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

var _ otogi.LLMStream = (*geminiStream)(nil)

func newGeminiStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *geminiStream {
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}
}

func (s *geminiStream) Recv(ctx context.Context) (otogi.LLMGenerateChunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			_ = s.Close()
			return otogi.LLMGenerateChunk{}, fmt.Errorf("gemini stream recv context: %w", err)
		}

		response, err := s.pull(ctx)
		if err != nil {
			return otogi.LLMGenerateChunk{}, err
		}
		text, err := visibleText(response)
		if err != nil {
			s.finish()
			return otogi.LLMGenerateChunk{}, err
		}
		if text != "" {
			return otogi.LLMGenerateChunk{Delta: text}, nil
		}
	}
}

// Close stops the underlying iterator. It is safe to call repeatedly.
func (s *geminiStream) Close() error {
	s.mu.Lock()
	stop := s.stop
	s.next, s.stop = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	return nil
}

// finish marks the stream exhausted while leaving stop for Close.
func (s *geminiStream) finish() {
	s.mu.Lock()
	s.next = nil
	s.mu.Unlock()
}

func (s *geminiStream) pull(ctx context.Context) (*genai.GenerateContentResponse, error) {
	s.mu.Lock()
	next := s.next
	s.mu.Unlock()
	if next == nil {
		return nil, io.EOF
	}

	response, err, ok := next()
	switch {
	case !ok:
		s.finish()
		return nil, io.EOF
	case err == nil:
		return response, nil
	}

	s.finish()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("gemini stream context: %w", ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("gemini stream canceled: %w", err)
	}

	return nil, fmt.Errorf("gemini stream next: %w", err)
}

// visibleText joins the non-thought text of the first candidate. A blocked
// prompt or a safety stop is an error rather than an empty reply.
func visibleText(response *genai.GenerateContentResponse) (string, error) {
	if response == nil {
		return "", fmt.Errorf("gemini stream parse response: nil response")
	}
	if feedback := response.PromptFeedback; feedback != nil && feedback.BlockReason != "" {
		return "", fmt.Errorf("gemini stream: prompt blocked: %s", feedback.BlockReason)
	}
	if len(response.Candidates) == 0 || response.Candidates[0] == nil {
		return "", nil
	}

	candidate := response.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("gemini stream: response stopped by safety filter")
	}
	if candidate.Content == nil {
		return "", nil
	}

	var builder strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && !part.Thought {
			builder.WriteString(part.Text)
		}
	}

	return builder.String(), nil
}
