package telegram

import (
	"context"
	"fmt"
	"log/slog"

	gotdtelegram "github.com/gotd/td/telegram"

	"otogi-agent/pkg/otogi"
)

// Runtime pairs the inbound driver with the gateway that serves outbound
// calls over the same session.
type Runtime struct {
	Driver  *Driver
	Gateway *Gateway
}

// platformServices are the kernel services one Gateway satisfies.
var platformServices = []string{
	otogi.ServiceHistoryFetcher,
	otogi.ServiceLivenessPinger,
	otogi.ServiceMessageSender,
	otogi.ServiceSelfIdentity,
}

// RegisterServices registers the gateway under every platform service name.
func (r *Runtime) RegisterServices(services otogi.ServiceRegistry) error {
	for _, name := range platformServices {
		if err := services.Register(name, r.Gateway); err != nil {
			return fmt.Errorf("register telegram service %s: %w", name, err)
		}
	}

	return nil
}

// BuildRuntimeFromConfig wires a gotd client, the update pipeline and the
// outbound gateway from one drivers[] config payload.
func BuildRuntimeFromConfig(name string, logger *slog.Logger, rawConfig []byte) (*Runtime, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("parse telegram runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("driver", name)

	updates, err := NewGotdUpdateChannel(cfg.updateBuffer)
	if err != nil {
		return nil, fmt.Errorf("new gotd update channel: %w", err)
	}
	storage, err := newGotdSessionStorage(cfg.sessionFile)
	if err != nil {
		return nil, fmt.Errorf("new gotd session storage: %w", err)
	}
	client := gotdtelegram.NewClient(cfg.appID, cfg.appHash, gotdtelegram.Options{
		UpdateHandler:  updates,
		SessionStorage: storage,
	})

	peers := NewPeerCache()
	self := &SelfStore{}
	login := loginFlow{cfg: cfg.loginConfig, client: client, self: self, logger: logger, prompt: telegramAuthCode}
	reportAsync := func(ctx context.Context, err error) {
		logger.ErrorContext(ctx, "telegram driver async error", "error", err)
	}

	source, err := NewGotdUserbotSource(
		newSessionRunner(client, login.run, logger),
		updates,
		NewDefaultGotdUpdateMapper(WithPeerCache(peers), WithSelfStore(self)),
		WithMapErrorHandler(reportAsync),
	)
	if err != nil {
		return nil, fmt.Errorf("new gotd userbot source: %w", err)
	}

	driver, err := NewDriver(
		source,
		NewDefaultDecoder(),
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithReplayWindow(cfg.replayWindow),
		WithErrorHandler(reportAsync),
	)
	if err != nil {
		return nil, fmt.Errorf("new telegram driver: %w", err)
	}

	gateway, err := NewGateway(client, peers, self, WithGatewayTimeout(cfg.rpcTimeout), WithGatewayLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("new telegram gateway: %w", err)
	}

	return &Runtime{Driver: driver, Gateway: gateway}, nil
}
