package llmchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"otogi-agent/pkg/clock"
	llmconfig "otogi-agent/pkg/llm/config"
	"otogi-agent/pkg/otogi"
)

const (
	subscriptionName    = "llmchat-replies"
	subscriptionWorkers = 4
	// deliveryBudget is added to the request timeout to bound one handler run.
	deliveryBudget = 30 * time.Second
)

// Module answers messages with LLM-generated replies.
type Module struct {
	cfg llmconfig.Config

	logger         *slog.Logger
	clock          clock.Clock
	newSendBackOff func() backoff.BackOff

	history   otogi.HistoryService
	typing    otogi.TypingService
	sender    otogi.MessageSender
	identity  otogi.IdentityResolver
	providers map[string]otogi.LLMProvider
}

// Option mutates one llmchat module construction input.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithClock replaces the clock used for prompt timestamps.
func WithClock(clk clock.Clock) Option {
	return func(module *Module) {
		if clk != nil {
			module.clock = clk
		}
	}
}

// WithSendBackOff replaces the retry policy used for each reply part.
func WithSendBackOff(factory func() backoff.BackOff) Option {
	return func(module *Module) {
		if factory != nil {
			module.newSendBackOff = factory
		}
	}
}

// New creates one llmchat module instance.
func New(cfg llmconfig.Config, options ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new llmchat module: %w", err)
	}

	module := &Module{
		cfg:            cfg,
		logger:         slog.Default(),
		clock:          clock.Real(),
		newSendBackOff: defaultSendBackOff,
		providers:      make(map[string]otogi.LLMProvider),
	}
	for _, option := range options {
		option(module)
	}

	return module, nil
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "llmchat"
}

// Capabilities declares the message interest and the services a reply needs.
func (m *Module) Capabilities() []otogi.Capability {
	return []otogi.Capability{
		{
			Name:        "llm-chat-reply",
			Description: "replies to private messages, mentions, and agent keywords",
			Interest: otogi.InterestSet{
				Kinds:       []otogi.EventKind{otogi.EventKindMessageCreated},
				RequireText: true,
			},
			RequiredServices: []string{
				otogi.ServiceHistory,
				otogi.ServiceTyping,
				otogi.ServiceMessageSender,
				otogi.ServiceLLMProviderRegistry,
			},
		},
	}
}

// OnRegister resolves module dependencies and subscribes to new messages.
func (m *Module) OnRegister(ctx context.Context, runtime otogi.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := otogi.ResolveAs[*slog.Logger](services, otogi.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, otogi.ErrServiceNotFound):
	default:
		return fmt.Errorf("llmchat resolve logger: %w", err)
	}

	if m.history, err = otogi.ResolveAs[otogi.HistoryService](services, otogi.ServiceHistory); err != nil {
		return fmt.Errorf("llmchat resolve history service: %w", err)
	}
	if m.typing, err = otogi.ResolveAs[otogi.TypingService](services, otogi.ServiceTyping); err != nil {
		return fmt.Errorf("llmchat resolve typing service: %w", err)
	}
	if m.sender, err = otogi.ResolveAs[otogi.MessageSender](services, otogi.ServiceMessageSender); err != nil {
		return fmt.Errorf("llmchat resolve message sender: %w", err)
	}

	identity, err := otogi.ResolveAs[otogi.IdentityResolver](services, otogi.ServiceSelfIdentity)
	switch {
	case err == nil:
		m.identity = identity
	case errors.Is(err, otogi.ErrServiceNotFound):
		m.logger.WarnContext(ctx, "llmchat running without self identity", "module", m.Name())
	default:
		return fmt.Errorf("llmchat resolve self identity: %w", err)
	}

	registry, err := otogi.ResolveAs[otogi.LLMProviderRegistry](services, otogi.ServiceLLMProviderRegistry)
	if err != nil {
		return fmt.Errorf("llmchat resolve provider registry: %w", err)
	}
	for _, agent := range m.cfg.Agents {
		if _, exists := m.providers[agent.Provider]; exists {
			continue
		}
		provider, err := registry.Resolve(agent.Provider)
		if err != nil {
			return fmt.Errorf("llmchat resolve provider %s for agent %s: %w", agent.Provider, agent.Name, err)
		}
		m.providers[agent.Provider] = provider
	}

	if _, err := runtime.Subscribe(ctx, otogi.SubscriptionSpec{
		Name:           subscriptionName,
		Filter:         m.Capabilities()[0].Interest,
		Workers:        subscriptionWorkers,
		HandlerTimeout: m.cfg.RequestTimeout + deliveryBudget,
		Backpressure:   otogi.BackpressureDropNewest,
	}, m.handleMessage); err != nil {
		return fmt.Errorf("llmchat subscribe: %w", err)
	}

	return nil
}

// OnStart logs the configured agents.
func (m *Module) OnStart(ctx context.Context) error {
	names := make([]string, 0, len(m.cfg.Agents))
	for _, agent := range m.cfg.Agents {
		names = append(names, agent.Name)
	}
	m.logger.InfoContext(ctx,
		"llmchat module started",
		"module", m.Name(),
		"agents", strings.Join(names, ","),
		"history_limit", m.cfg.HistoryLimit,
	)

	return nil
}

// OnShutdown stops the module lifecycle.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

func (m *Module) handleMessage(ctx context.Context, event *otogi.Event) error {
	record, err := event.Record()
	if err != nil {
		return fmt.Errorf("llmchat handle message: %w", err)
	}
	if record.Outgoing || record.Actor.IsBot {
		return nil
	}

	self := m.selfIdentity(ctx)
	if self.ID != "" && record.Actor.ID == self.ID {
		return nil
	}

	match, ok := m.selectAgent(record)
	if !ok {
		return nil
	}
	provider, exists := m.providers[match.agent.Provider]
	if !exists {
		return fmt.Errorf("llmchat handle message: provider %s for agent %s is not available", match.agent.Provider, match.agent.Name)
	}

	release, err := m.typing.AcquireTypingLease(ctx, record.Conversation)
	if err != nil {
		m.logger.WarnContext(ctx, "llmchat typing lease unavailable", "conversation_id", record.Conversation.ID, "error", err)
		release = func() {}
	}
	defer release()

	reply, err := m.generateReply(ctx, provider, match, record, self)
	if err != nil {
		return fmt.Errorf("llmchat agent %s: %w", match.agent.Name, err)
	}
	if strings.TrimSpace(reply) == "" {
		m.logger.WarnContext(ctx, "llmchat empty reply", "conversation_id", record.Conversation.ID, "agent", match.agent.Name)
		return nil
	}

	parts, err := m.deliverReply(ctx, record, reply)
	if err != nil {
		return fmt.Errorf("llmchat agent %s: %w", match.agent.Name, err)
	}
	m.logger.InfoContext(ctx,
		"llmchat reply delivered",
		"conversation_id", record.Conversation.ID,
		"message_id", record.ID,
		"agent", match.agent.Name,
		"trigger", match.reason,
		"parts", parts,
	)

	return nil
}

func (m *Module) generateReply(
	ctx context.Context,
	provider otogi.LLMProvider,
	match agentMatch,
	record otogi.MessageRecord,
	self otogi.SelfIdentity,
) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, match.agent.RequestTimeout)
	defer cancel()

	history, err := m.history.GetRecentHistory(reqCtx, record, m.cfg.HistoryLimit)
	if err != nil {
		m.logger.WarnContext(ctx, "llmchat history unavailable", "conversation_id", record.Conversation.ID, "error", err)
		history = nil
	}

	req, err := buildGenerateRequest(match.agent, record, match.prompt, history, self, m.clock.Now())
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	stream, err := provider.GenerateStream(reqCtx, req)
	if err != nil {
		return "", fmt.Errorf("generate stream: %w", err)
	}
	text, err := otogi.CollectText(reqCtx, stream)
	if err != nil {
		return "", fmt.Errorf("collect reply: %w", err)
	}

	return text, nil
}

func (m *Module) selfIdentity(ctx context.Context) otogi.SelfIdentity {
	if m.identity == nil {
		return otogi.SelfIdentity{}
	}
	self, ok := m.identity.SelfIdentity(ctx)
	if !ok {
		return otogi.SelfIdentity{}
	}

	return self
}

var _ otogi.Module = (*Module)(nil)
