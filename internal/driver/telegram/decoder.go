package telegram

import (
	"context"
	"fmt"

	"otogi-agent/pkg/clock"
	"otogi-agent/pkg/otogi"
)

// Decoder turns driver updates into validated otogi events.
type Decoder interface {
	Decode(ctx context.Context, update Update) (*otogi.Event, error)
}

// DefaultDecoder decodes message updates. Updates without a timestamp are
// stamped with the decoder clock.
type DefaultDecoder struct {
	clock clock.Clock
}

// NewDefaultDecoder creates a decoder on the wall clock.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{clock: clock.Real()}
}

// Decode maps one message update to a message.created event.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*otogi.Event, error) {
	switch {
	case update.Type != UpdateTypeMessage:
		return nil, fmt.Errorf("decode update %s: unsupported type", update.Type)
	case update.Message == nil:
		return nil, fmt.Errorf("decode update %s: missing message payload", update.Type)
	}

	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		source := d.clock
		if source == nil {
			source = clock.Real()
		}
		occurredAt = source.Now().UTC()
	}

	event := &otogi.Event{
		ID:           update.ID,
		Kind:         otogi.EventKindMessageCreated,
		OccurredAt:   occurredAt,
		Platform:     DriverPlatform,
		Conversation: update.Chat.conversation(),
		Actor:        update.Actor.actor(),
		Message:      update.Message.message(),
		Metadata:     update.Metadata,
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}
