package otogi

import (
	"context"
	"fmt"
	"strings"
)

// MessageSender posts text messages to a platform conversation.
type MessageSender interface {
	SendMessage(ctx context.Context, request SendMessageRequest) (*OutboundMessage, error)
}

// OutboundMessage is the platform's receipt for one sent message. Its ID can
// be used as the ReplyToMessageID of a follow-up.
type OutboundMessage struct {
	ID           string
	Conversation Conversation
}

// SendMessageRequest is one outbound text message. The flags are hints that
// platforms without the matching feature ignore.
type SendMessageRequest struct {
	Conversation       Conversation
	Text               string
	ReplyToMessageID   string
	DisableLinkPreview bool
	Silent             bool
}

// Validate rejects requests without a fully identified conversation or with
// blank text. Errors wrap ErrInvalidOutboundRequest.
func (r SendMessageRequest) Validate() error {
	var missing string
	switch {
	case r.Conversation.ID == "":
		missing = "conversation id"
	case r.Conversation.Type == "":
		missing = "conversation type"
	case strings.TrimSpace(r.Text) == "":
		missing = "message text"
	default:
		return nil
	}

	return fmt.Errorf("%w: missing %s", ErrInvalidOutboundRequest, missing)
}
