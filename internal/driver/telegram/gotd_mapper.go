package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

// gotdUpdateEnvelope carries one message together with the entities of the
// batch it arrived in.
type gotdUpdateEnvelope struct {
	message     tg.MessageClass
	occurredAt  time.Time
	entities    gotdEntities
	updateClass string
}

// DefaultGotdUpdateMapper turns gotd envelopes into driver updates.
type DefaultGotdUpdateMapper struct {
	peerCache *PeerCache
	self      *SelfStore
}

// GotdUpdateMapperOption configures DefaultGotdUpdateMapper.
type GotdUpdateMapperOption func(*DefaultGotdUpdateMapper)

// WithPeerCache records the peers seen in updates for later outbound calls.
func WithPeerCache(cache *PeerCache) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if cache != nil {
			mapper.peerCache = cache
		}
	}
}

// WithSelfStore attributes outgoing messages to the logged-in account.
func WithSelfStore(self *SelfStore) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if self != nil {
			mapper.self = self
		}
	}
}

// NewDefaultGotdUpdateMapper creates the default gotd mapper.
func NewDefaultGotdUpdateMapper(options ...GotdUpdateMapperOption) DefaultGotdUpdateMapper {
	var mapper DefaultGotdUpdateMapper
	for _, option := range options {
		option(&mapper)
	}

	return mapper
}

// Map converts one raw stream item. Items without a plain text message, such
// as service messages, are skipped with ok false.
func (m DefaultGotdUpdateMapper) Map(ctx context.Context, raw any) (update Update, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return Update{}, false, fmt.Errorf("map gotd update: %w", err)
	}

	envelope, err := envelopeOf(raw)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd update: %w", err)
	}
	m.peerCache.RememberEntities(envelope.entities)

	message, isMessage := envelope.message.(*tg.Message)
	if !isMessage {
		return Update{}, false, nil
	}

	return m.mapMessage(message, envelope), true, nil
}

func envelopeOf(raw any) (gotdUpdateEnvelope, error) {
	switch typed := raw.(type) {
	case gotdUpdateEnvelope:
		return typed, nil
	case *gotdUpdateEnvelope:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil envelope")
		}
		return *typed, nil
	case tg.UpdateClass:
		envelope := gotdUpdateEnvelope{updateClass: typed.TypeName()}
		if message, ok := newMessageFromUpdate(typed); ok {
			envelope.message = message
			envelope.occurredAt = time.Now().UTC()
		}
		return envelope, nil
	default:
		return gotdUpdateEnvelope{}, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func (m DefaultGotdUpdateMapper) mapMessage(message *tg.Message, envelope gotdUpdateEnvelope) Update {
	chat := envelope.entities.conversation(message.PeerID)
	m.peerCache.RememberConversation(chat, envelope.entities.inputPeer(message.PeerID))

	occurredAt := unixUTC(message.Date)
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}
	payload := messagePayload(message)

	update := Update{
		ID:         composeUpdateID(UpdateTypeMessage, chat.ID, payload.ID),
		Type:       UpdateTypeMessage,
		OccurredAt: occurredAt,
		Chat:       chat,
		Actor:      m.author(message, envelope.entities),
		Message:    payload,
	}
	if envelope.updateClass != "" {
		update.Metadata = map[string]string{"gotd_update": envelope.updateClass}
	}

	return update
}

// author prefers the explicit sender, then the logged-in account for
// outgoing messages, then the peer itself for private chats and channel posts.
func (m DefaultGotdUpdateMapper) author(message *tg.Message, entities gotdEntities) ActorRef {
	if actor := entities.sender(message.FromID); actor.ID != gotdUnknownActorID {
		return actor
	}
	if message.Out {
		return m.self.actor()
	}

	return entities.sender(message.PeerID)
}

func messagePayload(message *tg.Message) *MessagePayload {
	payload := &MessagePayload{
		ID:           strconv.Itoa(message.ID),
		Text:         message.Message,
		Outgoing:     message.Out,
		MentionsSelf: message.Mentioned,
	}
	if header, ok := message.ReplyTo.(*tg.MessageReplyHeader); ok {
		if id, ok := header.GetReplyToMsgID(); ok {
			payload.ReplyToID = strconv.Itoa(id)
		}
	}

	return payload
}

// composeUpdateID derives the event id from chat and message ids, so a
// redelivered update maps to the same event.
func composeUpdateID(updateType UpdateType, chatID string, parts ...string) string {
	values := []string{"tg", string(updateType)}
	for _, part := range append([]string{chatID}, parts...) {
		if part != "" {
			values = append(values, part)
		}
	}

	return strings.Join(values, ":")
}
