package llmchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"otogi-agent/pkg/otogi"
)

const (
	// maxMessageRunes is Telegram's text limit for one message.
	maxMessageRunes = 4096

	sendRetryInitialInterval = 500 * time.Millisecond
	sendRetryMaxInterval     = 10 * time.Second
	sendRetryMaxElapsed      = time.Minute
	sendRetryMaxAttempts     = 5
	maxRetryAfterHint        = time.Minute
)

// deliverReply sends text as a reply chain rooted at record. Typing is paused
// for each send and resumed while parts remain.
func (m *Module) deliverReply(ctx context.Context, record otogi.MessageRecord, text string) (int, error) {
	parts := splitReply(text, maxMessageRunes)
	replyTo := record.ID
	for index, part := range parts {
		m.typing.PauseTyping(ctx, record.Conversation)

		sent, err := m.sendWithRetry(ctx, otogi.SendMessageRequest{
			Conversation:     record.Conversation,
			Text:             part,
			ReplyToMessageID: replyTo,
		})
		if err != nil {
			return index, fmt.Errorf("deliver part %d/%d: %w", index+1, len(parts), err)
		}
		if sent != nil && sent.ID != "" {
			replyTo = sent.ID
		}

		if index < len(parts)-1 {
			m.typing.SignalMoreWorkPending(ctx, record.Conversation)
		}
	}

	return len(parts), nil
}

func (m *Module) sendWithRetry(ctx context.Context, request otogi.SendMessageRequest) (*otogi.OutboundMessage, error) {
	policy := &retryAfterBackOff{BackOff: m.newSendBackOff()}

	var sent *otogi.OutboundMessage
	attempts := 0
	operation := func() error {
		attempts++
		result, err := m.sender.SendMessage(ctx, request)
		if err == nil {
			sent = result
			return nil
		}
		if !isRetryableSend(err) {
			return backoff.Permanent(err)
		}
		if retryAfter, ok := otogi.AsOutboundRateLimit(err); ok && retryAfter > 0 {
			policy.hint = min(retryAfter, maxRetryAfterHint)
		}

		return err
	}
	notify := func(err error, delay time.Duration) {
		m.logger.WarnContext(ctx,
			"llmchat send retry",
			"conversation_id", request.Conversation.ID,
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, sendRetryMaxAttempts-1), ctx)
	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		return nil, fmt.Errorf("send message after %d attempts: %w", attempts, err)
	}

	return sent, nil
}

func isRetryableSend(err error) bool {
	if errors.Is(err, otogi.ErrInvalidOutboundRequest) {
		return false
	}
	outboundErr, ok := otogi.AsOutboundError(err)
	if !ok {
		return false
	}

	return outboundErr.Retryable()
}

func defaultSendBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = sendRetryInitialInterval
	policy.MaxInterval = sendRetryMaxInterval
	policy.MaxElapsedTime = sendRetryMaxElapsed

	return policy
}

// retryAfterBackOff stretches the next delay to a platform retry-after hint.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0

	return next
}

// splitReply cuts text into chunks of at most limit runes, preferring line
// breaks and then spaces in the second half of each window.
func splitReply(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	parts := make([]string, 0, len(runes)/limit+1)
	for len(runes) > limit {
		cut := breakPoint(runes[:limit])
		part := strings.TrimSpace(string(runes[:cut]))
		if part != "" {
			parts = append(parts, part)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		parts = append(parts, rest)
	}

	return parts
}

func breakPoint(window []rune) int {
	half := len(window) / 2
	for _, separator := range []rune{'\n', ' '} {
		for index := len(window) - 1; index >= half; index-- {
			if window[index] == separator {
				return index + 1
			}
		}
	}

	return len(window)
}
