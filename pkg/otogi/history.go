package otogi

import (
	"context"
	"fmt"
	"time"
)

// MessageRecord is one immutable message held in a conversation window.
//
// Records are shared by value; consumers never mutate cached state through them.
type MessageRecord struct {
	// ID is unique within Conversation.
	ID string
	// Conversation identifies the bucket this record belongs to.
	Conversation Conversation
	// Timestamp orders records inside one conversation.
	Timestamp time.Time
	// Actor identifies the author.
	Actor Actor
	// Text is the normalized message body.
	Text string
	// ReplyToID is the parent message identifier when this is a reply.
	ReplyToID string
	// Outgoing reports whether the logged-in account authored the record.
	Outgoing bool
	// MentionsSelf reports whether the record mentions the logged-in account.
	MentionsSelf bool
}

// Validate checks the fields the cache indexes on.
func (r MessageRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if r.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidRecord)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}

	return nil
}

// HistoryFetcher retrieves older messages from the platform.
type HistoryFetcher interface {
	// FetchHistory returns up to limit records strictly older than beforeID,
	// in any order.
	FetchHistory(ctx context.Context, conversation Conversation, beforeID string, limit int) ([]MessageRecord, error)
}

// HistoryService exposes the conversation window to the rest of the system.
type HistoryService interface {
	// OnMessageArrived records one live message. Duplicates are ignored.
	OnMessageArrived(ctx context.Context, record MessageRecord) error
	// GetRecentHistory returns up to limit records older than req in
	// chronological order, excluding req itself. Platform failures degrade to
	// fewer results rather than an error.
	GetRecentHistory(ctx context.Context, req MessageRecord, limit int) ([]MessageRecord, error)
}

// LivenessPinger sends one short-lived "typing" indicator.
type LivenessPinger interface {
	SendTyping(ctx context.Context, conversation Conversation) error
}

// ReleaseFunc gives back one typing lease. Calling it more than once is a no-op.
type ReleaseFunc func()

// TypingService keeps a typing indicator alive while any lease is held.
type TypingService interface {
	// AcquireTypingLease starts or joins the indicator for conversation.
	AcquireTypingLease(ctx context.Context, conversation Conversation) (ReleaseFunc, error)
	// SignalMoreWorkPending restarts the indicator when leases remain but the
	// keep-alive loop was paused.
	SignalMoreWorkPending(ctx context.Context, conversation Conversation)
	// PauseTyping stops the keep-alive loop without dropping leases.
	PauseTyping(ctx context.Context, conversation Conversation)
}

// SelfIdentity describes the logged-in account.
type SelfIdentity struct {
	Platform    Platform
	ID          string
	Username    string
	DisplayName string
}

// IdentityResolver reports the logged-in account.
type IdentityResolver interface {
	// SelfIdentity returns the account once the session is authorized.
	SelfIdentity(ctx context.Context) (SelfIdentity, bool)
}
