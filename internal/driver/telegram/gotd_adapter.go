package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
)

const defaultGotdUpdateBuffer = 1024

// GotdUpdateChannel is the gotd update handler feeding the driver. Only
// new-message updates pass through; every other update class is dropped.
type GotdUpdateChannel struct {
	updates chan any
}

// NewGotdUpdateChannel creates an update channel holding up to buffer
// flattened messages.
func NewGotdUpdateChannel(buffer int) (*GotdUpdateChannel, error) {
	if buffer <= 0 {
		buffer = defaultGotdUpdateBuffer
	}

	return &GotdUpdateChannel{updates: make(chan any, buffer)}, nil
}

// Updates returns the stream of flattened envelopes.
func (s *GotdUpdateChannel) Updates(ctx context.Context) (<-chan any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("gotd update channel: %w", err)
	}

	return s.updates, nil
}

// Handle flattens one gotd update container and enqueues each message,
// waiting for room until ctx ends.
func (s *GotdUpdateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	batch, err := flattenGotdUpdates(updates)
	if err != nil {
		return fmt.Errorf("handle gotd updates: %w", err)
	}

	for _, envelope := range batch {
		select {
		case s.updates <- envelope:
		case <-ctx.Done():
			return fmt.Errorf("handle gotd updates: %w", ctx.Err())
		}
	}

	return nil
}

func flattenGotdUpdates(updates tg.UpdatesClass) ([]gotdUpdateEnvelope, error) {
	switch typed := updates.(type) {
	case nil:
		return nil, fmt.Errorf("flatten gotd updates: nil updates")
	case *tg.Updates:
		return flattenGotdBatch(typed.Updates, typed.Date, newGotdEntities(typed.Users, typed.Chats)), nil
	case *tg.UpdatesCombined:
		return flattenGotdBatch(typed.Updates, typed.Date, newGotdEntities(typed.Users, typed.Chats)), nil
	case *tg.UpdateShort:
		return flattenGotdBatch([]tg.UpdateClass{typed.Update}, typed.Date, gotdEntities{}), nil
	case *tg.UpdateShortMessage:
		var sender tg.PeerClass
		if !typed.Out {
			sender = &tg.PeerUser{UserID: typed.UserID}
		}
		short := shortMessage{
			id: typed.ID, out: typed.Out, mentioned: typed.Mentioned, date: typed.Date, text: typed.Message,
			peer: &tg.PeerUser{UserID: typed.UserID}, from: sender, replyTo: typed.ReplyTo,
		}
		return []gotdUpdateEnvelope{short.envelope(typed.TypeName())}, nil
	case *tg.UpdateShortChatMessage:
		short := shortMessage{
			id: typed.ID, out: typed.Out, mentioned: typed.Mentioned, date: typed.Date, text: typed.Message,
			peer: &tg.PeerChat{ChatID: typed.ChatID}, from: &tg.PeerUser{UserID: typed.FromID}, replyTo: typed.ReplyTo,
		}
		return []gotdUpdateEnvelope{short.envelope(typed.TypeName())}, nil
	case *tg.UpdateShortSentMessage, *tg.UpdatesTooLong:
		return nil, nil
	default:
		return nil, fmt.Errorf("flatten gotd updates %s: unsupported container", updates.TypeName())
	}
}

func flattenGotdBatch(updates []tg.UpdateClass, date int, entities gotdEntities) []gotdUpdateEnvelope {
	batch := make([]gotdUpdateEnvelope, 0, len(updates))
	for _, update := range updates {
		if message, ok := newMessageFromUpdate(update); ok {
			batch = append(batch, gotdUpdateEnvelope{
				message:     message,
				occurredAt:  unixUTC(date),
				entities:    entities,
				updateClass: update.TypeName(),
			})
		}
	}

	return batch
}

// newMessageFromUpdate extracts the message carried by new-message updates.
func newMessageFromUpdate(update tg.UpdateClass) (tg.MessageClass, bool) {
	switch typed := update.(type) {
	case *tg.UpdateNewMessage:
		return typed.Message, typed.Message != nil
	case *tg.UpdateNewChannelMessage:
		return typed.Message, typed.Message != nil
	default:
		return nil, false
	}
}

// shortMessage holds the fields shared by the compact private and group
// message updates, which arrive without entities.
type shortMessage struct {
	id        int
	out       bool
	mentioned bool
	date      int
	text      string
	peer      tg.PeerClass
	from      tg.PeerClass
	replyTo   tg.MessageReplyHeaderClass
}

func (s shortMessage) envelope(updateClass string) gotdUpdateEnvelope {
	message := &tg.Message{
		ID:        s.id,
		Out:       s.out,
		Mentioned: s.mentioned,
		PeerID:    s.peer,
		Date:      s.date,
		Message:   s.text,
	}
	if s.from != nil {
		message.SetFromID(s.from)
	}
	if s.replyTo != nil {
		message.SetReplyTo(s.replyTo)
	}

	return gotdUpdateEnvelope{message: message, occurredAt: unixUTC(s.date), updateClass: updateClass}
}

func unixUTC(seconds int) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(seconds), 0).UTC()
}
