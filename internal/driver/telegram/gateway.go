package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/crypto"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/tg"

	"otogi-agent/pkg/otogi"
)

const (
	defaultGatewayTimeout = 5 * time.Second
	// maxHistoryPage is the largest page messages.getHistory accepts.
	maxHistoryPage = 100
)

// GatewayOption mutates gateway configuration.
type GatewayOption func(*gatewayConfig)

type gatewayConfig struct {
	rpcTimeout time.Duration
	logger     *slog.Logger
}

// WithGatewayTimeout bounds each RPC call.
func WithGatewayTimeout(timeout time.Duration) GatewayOption {
	return func(cfg *gatewayConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithGatewayLogger configures structured logging for outbound calls.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(cfg *gatewayConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Gateway is the Telegram side of every platform service the agent needs:
// history backfill, typing indicators, message delivery, and self identity.
type Gateway struct {
	cfg    gatewayConfig
	rpc    gatewayRPC
	peers  *PeerCache
	self   *SelfStore
	mapper DefaultGotdUpdateMapper
	rand   io.Reader
}

var (
	_ otogi.HistoryFetcher   = (*Gateway)(nil)
	_ otogi.LivenessPinger   = (*Gateway)(nil)
	_ otogi.MessageSender    = (*Gateway)(nil)
	_ otogi.IdentityResolver = (*Gateway)(nil)
)

// gatewayRPC is the subset of the raw Telegram API the gateway calls.
type gatewayRPC interface {
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesSetTyping(ctx context.Context, request *tg.MessagesSetTypingRequest) (bool, error)
	MessagesSendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
}

// NewGateway creates a gateway over a gotd client.
func NewGateway(
	client *gotdtelegram.Client,
	peers *PeerCache,
	self *SelfStore,
	options ...GatewayOption,
) (*Gateway, error) {
	if client == nil {
		return nil, fmt.Errorf("new telegram gateway: nil client")
	}

	return newGatewayWithRPC(client.API(), peers, self, options...)
}

func newGatewayWithRPC(
	rpc gatewayRPC,
	peers *PeerCache,
	self *SelfStore,
	options ...GatewayOption,
) (*Gateway, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram gateway: nil rpc")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram gateway: nil peer cache")
	}
	if self == nil {
		self = &SelfStore{}
	}

	cfg := gatewayConfig{
		rpcTimeout: defaultGatewayTimeout,
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Gateway{
		cfg:    cfg,
		rpc:    rpc,
		peers:  peers,
		self:   self,
		mapper: NewDefaultGotdUpdateMapper(WithPeerCache(peers), WithSelfStore(self)),
		rand:   crypto.DefaultRand(),
	}, nil
}

// FetchHistory returns up to limit messages older than beforeID, newest first
// as Telegram pages them. Service messages are skipped.
func (g *Gateway) FetchHistory(
	ctx context.Context,
	conversation otogi.Conversation,
	beforeID string,
	limit int,
) ([]otogi.MessageRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxHistoryPage {
		limit = maxHistoryPage
	}

	offsetID := 0
	if strings.TrimSpace(beforeID) != "" {
		parsed, err := parseMessageID(beforeID)
		if err != nil {
			return nil, fmt.Errorf("fetch history parse before id %s: %w", beforeID, err)
		}
		offsetID = parsed
	}

	peer, err := g.peers.Resolve(conversation)
	if err != nil {
		return nil, fmt.Errorf("fetch history resolve peer: %w", err)
	}

	rpcCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	result, err := g.rpc.MessagesGetHistory(rpcCtx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: offsetID,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf(
			"fetch history for %s: %w",
			conversation.ID,
			mapTelegramOutboundError(otogi.OutboundOperationFetchHistory, err),
		)
	}

	records := g.historyRecords(conversation, result)
	g.cfg.logger.DebugContext(ctx,
		"telegram history fetched",
		"conversation_id", conversation.ID,
		"before_id", beforeID,
		"limit", limit,
		"records", len(records),
	)

	return records, nil
}

func (g *Gateway) historyRecords(conversation otogi.Conversation, result tg.MessagesMessagesClass) []otogi.MessageRecord {
	modified, ok := result.AsModified()
	if !ok {
		return nil
	}

	envelope := gotdUpdateEnvelope{
		entities:    newGotdEntities(modified.GetUsers(), modified.GetChats()),
		updateClass: result.TypeName(),
	}
	g.peers.RememberEntities(envelope.entities)

	messages := modified.GetMessages()
	records := make([]otogi.MessageRecord, 0, len(messages))
	for _, raw := range messages {
		message, ok := raw.(*tg.Message)
		if !ok {
			continue
		}
		update := g.mapper.mapMessage(message, envelope)
		records = append(records, otogi.MessageRecord{
			ID:           update.Message.ID,
			Conversation: conversation,
			Timestamp:    update.OccurredAt,
			Actor: otogi.Actor{
				ID:          update.Actor.ID,
				Username:    update.Actor.Username,
				DisplayName: update.Actor.DisplayName,
				IsBot:       update.Actor.IsBot,
			},
			Text:         update.Message.Text,
			ReplyToID:    update.Message.ReplyToID,
			Outgoing:     update.Message.Outgoing,
			MentionsSelf: update.Message.MentionsSelf,
		})
	}

	return records
}

// SendTyping shows the "typing" action in conversation for a few seconds.
func (g *Gateway) SendTyping(ctx context.Context, conversation otogi.Conversation) error {
	peer, err := g.peers.Resolve(conversation)
	if err != nil {
		return fmt.Errorf("send typing resolve peer: %w", err)
	}

	rpcCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	if _, err := g.rpc.MessagesSetTyping(rpcCtx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageTypingAction{},
	}); err != nil {
		return fmt.Errorf(
			"send typing to %s: %w",
			conversation.ID,
			mapTelegramOutboundError(otogi.OutboundOperationSendTyping, err),
		)
	}

	return nil
}

// SendMessage publishes a text message to a Telegram conversation.
func (g *Gateway) SendMessage(
	ctx context.Context,
	request otogi.SendMessageRequest,
) (*otogi.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send message validate: %w", err)
	}

	peer, err := g.peers.Resolve(request.Conversation)
	if err != nil {
		return nil, fmt.Errorf("send message resolve peer: %w", err)
	}

	sendRequest := &tg.MessagesSendMessageRequest{
		Peer:      peer,
		Message:   request.Text,
		NoWebpage: request.DisableLinkPreview,
		Silent:    request.Silent,
	}
	if request.ReplyToMessageID != "" {
		replyID, err := parseMessageID(request.ReplyToMessageID)
		if err != nil {
			return nil, fmt.Errorf("send message parse reply id %s: %w", request.ReplyToMessageID, err)
		}
		sendRequest.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyID}
	}

	randomID, err := crypto.RandInt64(g.rand)
	if err != nil {
		return nil, fmt.Errorf("send message random id: %w", err)
	}
	sendRequest.RandomID = randomID

	rpcCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	updates, err := g.rpc.MessagesSendMessage(rpcCtx, sendRequest)
	if err != nil {
		return nil, fmt.Errorf(
			"send message to %s: %w",
			request.Conversation.ID,
			mapTelegramOutboundError(otogi.OutboundOperationSendMessage, err),
		)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return nil, fmt.Errorf("send message extract id: %w", err)
	}

	g.cfg.logger.InfoContext(ctx,
		"telegram outbound operation",
		"operation", otogi.OutboundOperationSendMessage,
		"conversation", request.Conversation.ID,
		"conversation_type", request.Conversation.Type,
		"message_id", messageID,
		"reply_to_message_id", request.ReplyToMessageID,
	)

	return &otogi.OutboundMessage{
		ID:           strconv.Itoa(messageID),
		Conversation: request.Conversation,
	}, nil
}

// SelfIdentity returns the logged-in account once authorization completed.
func (g *Gateway) SelfIdentity(context.Context) (otogi.SelfIdentity, bool) {
	return g.self.Load()
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.rpcTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, g.cfg.rpcTimeout)
}

func parseMessageID(raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid message id: %w", otogi.ErrInvalidOutboundRequest, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: invalid message id", otogi.ErrInvalidOutboundRequest)
	}

	return value, nil
}
