package telegram

import (
	"time"

	"otogi-agent/pkg/otogi"
)

// UpdateType names the kind of an Update.
type UpdateType string

// UpdateTypeMessage is a newly created message, sent by anyone including
// the logged-in account.
const UpdateTypeMessage UpdateType = "message"

// Update is a mapped Telegram update waiting to be decoded into an event.
type Update struct {
	ID         string
	Type       UpdateType
	OccurredAt time.Time
	Chat       ChatRef
	Actor      ActorRef
	Message    *MessagePayload
	Metadata   map[string]string
}

// ChatRef is the chat an update belongs to.
type ChatRef struct {
	ID    string
	Title string
	Type  otogi.ConversationType
}

func (c ChatRef) conversation() otogi.Conversation {
	return otogi.Conversation{ID: c.ID, Type: c.Type, Title: c.Title}
}

// ActorRef is the sender of an update.
type ActorRef struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

func (a ActorRef) actor() otogi.Actor {
	return otogi.Actor{ID: a.ID, Username: a.Username, DisplayName: a.DisplayName, IsBot: a.IsBot}
}

// MessagePayload carries the message part of an Update.
type MessagePayload struct {
	ID        string
	ReplyToID string
	Text      string
	// Outgoing marks messages sent by the logged-in account.
	Outgoing bool
	// MentionsSelf mirrors Telegram's mentioned flag, which also covers
	// replies to the account's own messages.
	MentionsSelf bool
}

func (m MessagePayload) message() *otogi.Message {
	return &otogi.Message{
		ID:           m.ID,
		ReplyToID:    m.ReplyToID,
		Text:         m.Text,
		Outgoing:     m.Outgoing,
		MentionsSelf: m.MentionsSelf,
	}
}
