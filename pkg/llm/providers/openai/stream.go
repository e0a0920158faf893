package openai

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3/responses"

	"otogi-agent/pkg/otogi"
)

// Responses API stream event types this package reacts to. Everything else
// (reasoning summaries, tool calls, item bookkeeping) is skipped.
const (
	eventTextDelta  = "response.output_text.delta"
	eventCompleted  = "response.completed"
	eventIncomplete = "response.incomplete"
	eventFailed     = "response.failed"
	eventError      = "error"
)

type openAIResponseStream interface {
	Next() bool
	Current() responses.ResponseStreamEventUnion
	Err() error
	Close() error
}

// openAIStream turns Responses API events into text chunks.
type openAIStream struct {
	mu     sync.Mutex
	events openAIResponseStream
	done   bool
	closed bool
}

var _ otogi.LLMStream = (*openAIStream)(nil)

func newOpenAIStream(events openAIResponseStream) *openAIStream {
	return &openAIStream{events: events}
}

// Recv returns the next non-empty text delta, or io.EOF once the response
// completed or the stream was closed. A cancelled ctx closes the stream.
func (s *openAIStream) Recv(ctx context.Context) (otogi.LLMGenerateChunk, error) {
	if err := ctx.Err(); err != nil {
		_ = s.Close()
		return otogi.LLMGenerateChunk{}, fmt.Errorf("openai stream recv: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.done && s.events != nil {
		if !s.events.Next() {
			s.done = true
			return otogi.LLMGenerateChunk{}, s.endOfStream(ctx)
		}

		delta, finished, err := textDelta(s.events.Current())
		switch {
		case err != nil:
			s.done = true
			return otogi.LLMGenerateChunk{}, err
		case finished:
			s.done = true
		case delta != "":
			return otogi.LLMGenerateChunk{Delta: delta}, nil
		}
	}

	return otogi.LLMGenerateChunk{}, io.EOF
}

// Close releases the underlying connection. Later calls are no-ops.
func (s *openAIStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed, s.done = true, true
	events := s.events
	s.events = nil
	s.mu.Unlock()

	if events == nil {
		return nil
	}
	if err := events.Close(); err != nil {
		return fmt.Errorf("openai stream close: %w", err)
	}

	return nil
}

// endOfStream classifies why Next returned false.
func (s *openAIStream) endOfStream(ctx context.Context) error {
	err := s.events.Err()
	switch {
	case err == nil:
		return io.EOF
	case ctx.Err() != nil:
		return fmt.Errorf("openai stream context: %w", ctx.Err())
	default:
		return fmt.Errorf("openai stream next: %w", err)
	}
}

// textDelta extracts output text from event. finished reports a terminal
// success event.
func textDelta(event responses.ResponseStreamEventUnion) (delta string, finished bool, err error) {
	kind := strings.TrimSpace(event.Type)
	switch kind {
	case "":
		return "", false, fmt.Errorf("openai stream event: missing type")
	case eventTextDelta:
		if !event.JSON.Delta.Valid() {
			return "", false, fmt.Errorf("openai stream event %s: missing delta", kind)
		}
		return event.Delta, false, nil
	case eventCompleted, eventIncomplete:
		return "", true, nil
	case eventFailed:
		status := cmp.Or(strings.TrimSpace(string(event.Response.Status)), "unknown")
		return "", false, fmt.Errorf("openai stream response failed: status=%s", status)
	case eventError:
		message := cmp.Or(strings.TrimSpace(event.Message), "no message")
		if code := strings.TrimSpace(event.Code); code != "" {
			return "", false, fmt.Errorf("openai stream error %s: %s", code, message)
		}
		return "", false, fmt.Errorf("openai stream error: %s", message)
	default:
		return "", false, nil
	}
}
