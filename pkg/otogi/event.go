package otogi

import (
	"fmt"
	"time"
)

// EventKind selects the payload an Event carries.
type EventKind string

// EventKindMessageCreated announces a new message; Event.Message is set.
const EventKindMessageCreated EventKind = "message.created"

// Platform names the chat network an event came from.
type Platform string

// PlatformTelegram is Telegram.
const PlatformTelegram Platform = "telegram"

// ConversationType is the audience of a conversation.
type ConversationType string

// Conversation types. Telegram supergroups are reported as groups.
const (
	ConversationTypePrivate ConversationType = "private"
	ConversationTypeGroup   ConversationType = "group"
	ConversationTypeChannel ConversationType = "channel"
)

// Event is what drivers publish on the bus. Its ID is stable across
// redeliveries of the same platform update.
type Event struct {
	ID           string
	Kind         EventKind
	OccurredAt   time.Time
	Platform     Platform
	Conversation Conversation
	Actor        Actor
	Message      *Message
	// Metadata holds driver-specific diagnostics. Modules must not depend on
	// its keys.
	Metadata map[string]string
}

// Conversation locates a chat on its platform. Title is display-only.
type Conversation struct {
	ID    string
	Type  ConversationType
	Title string
}

// Actor is the account behind an event.
type Actor struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

// Message is the text payload of a message event.
type Message struct {
	ID        string
	ReplyToID string
	Text      string
	// Outgoing is set when the logged-in account wrote the message.
	Outgoing bool
	// MentionsSelf is set when the message mentions the logged-in account.
	MentionsSelf bool
}

// Validate checks the envelope and the payload its Kind requires. Errors
// wrap ErrInvalidEvent.
func (e *Event) Validate() error {
	var problem string
	switch {
	case e == nil:
		problem = "nil event"
	case e.ID == "":
		problem = "missing id"
	case e.Kind == "":
		problem = "missing kind"
	case e.OccurredAt.IsZero():
		problem = "missing occurred_at"
	case e.Conversation.ID == "":
		problem = "missing conversation id"
	case e.Kind != EventKindMessageCreated:
		problem = fmt.Sprintf("unsupported kind %q", e.Kind)
	case e.Message == nil:
		problem = "message.created requires message payload"
	case e.Message.ID == "":
		problem = "message.created requires message id"
	default:
		return nil
	}

	return fmt.Errorf("%w: %s", ErrInvalidEvent, problem)
}

// Record projects a valid message event onto the record kept in
// conversation history.
func (e *Event) Record() (MessageRecord, error) {
	if err := e.Validate(); err != nil {
		return MessageRecord{}, fmt.Errorf("project event record: %w", err)
	}

	return MessageRecord{
		ID:           e.Message.ID,
		Conversation: e.Conversation,
		Timestamp:    e.OccurredAt,
		Actor:        e.Actor,
		Text:         e.Message.Text,
		ReplyToID:    e.Message.ReplyToID,
		Outgoing:     e.Message.Outgoing,
		MentionsSelf: e.Message.MentionsSelf,
	}, nil
}
