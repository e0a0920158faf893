// Package typing keeps "typing" indicators alive for conversations where work
// is in progress, sharing one refresh loop among all concurrent holders.
package typing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"otogi-agent/pkg/clock"
	"otogi-agent/pkg/otogi"
)

// errNotRegistered is returned by service calls made before OnRegister.
var errNotRegistered = errors.New("typing: module not registered")

// Option mutates typing module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithPinger injects the indicator transport directly, bypassing service lookup.
func WithPinger(pinger otogi.LivenessPinger) Option {
	return func(module *Module) {
		if pinger != nil {
			module.pinger = pinger
		}
	}
}

// WithClock replaces the wall clock driving keep-alive loops.
func WithClock(clk clock.Clock) Option {
	return func(module *Module) {
		if clk != nil {
			module.clock = clk
		}
	}
}

// WithRefreshInterval sets the keep-alive period.
func WithRefreshInterval(interval time.Duration) Option {
	return func(module *Module) {
		if interval > 0 {
			module.interval = interval
		}
	}
}

// WithRefreshTimeout bounds each indicator call.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(module *Module) {
		if timeout > 0 {
			module.pingTimeout = timeout
		}
	}
}

// WithMetricsRegisterer registers collectors on registerer, bypassing service lookup.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(module *Module) {
		if registerer != nil {
			module.registerer = registerer
		}
	}
}

// Module exposes a Coordinator as the shared TypingService.
type Module struct {
	logger      *slog.Logger
	pinger      otogi.LivenessPinger
	clock       clock.Clock
	registerer  prometheus.Registerer
	interval    time.Duration
	pingTimeout time.Duration

	coordinator *Coordinator
}

var _ otogi.Module = (*Module)(nil)
var _ otogi.TypingService = (*Module)(nil)

// New creates a typing module.
func New(options ...Option) *Module {
	module := &Module{
		logger:      slog.Default(),
		clock:       clock.Real(),
		interval:    DefaultInterval,
		pingTimeout: DefaultPingTimeout,
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "typing"
}

// Capabilities declares the platform service the module depends on.
func (m *Module) Capabilities() []otogi.Capability {
	return []otogi.Capability{
		{
			Name:             "typing-indicator",
			Description:      "keeps typing indicators alive while work is pending",
			RequiredServices: []string{otogi.ServiceLivenessPinger},
		},
	}
}

// OnRegister resolves the pinger, builds the coordinator, and registers the
// module as the shared TypingService.
func (m *Module) OnRegister(_ context.Context, runtime otogi.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := otogi.ResolveAs[*slog.Logger](services, otogi.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, otogi.ErrServiceNotFound):
	default:
		return fmt.Errorf("typing resolve logger: %w", err)
	}

	if m.pinger == nil {
		pinger, err := otogi.ResolveAs[otogi.LivenessPinger](services, otogi.ServiceLivenessPinger)
		if err != nil {
			return fmt.Errorf("typing resolve liveness pinger: %w", err)
		}
		m.pinger = pinger
	}

	if m.registerer == nil {
		registerer, err := otogi.ResolveAs[prometheus.Registerer](services, otogi.ServiceMetricsRegisterer)
		switch {
		case err == nil:
			m.registerer = registerer
		case errors.Is(err, otogi.ErrServiceNotFound):
		default:
			return fmt.Errorf("typing resolve metrics registerer: %w", err)
		}
	}

	m.coordinator = NewCoordinator(m.pinger,
		WithCoordinatorClock(m.clock),
		WithCoordinatorLogger(m.logger),
		WithInterval(m.interval),
		WithPingTimeout(m.pingTimeout),
	)
	if m.registerer != nil {
		if err := m.coordinator.metrics.register(m.registerer); err != nil {
			return fmt.Errorf("typing: %w", err)
		}
	}

	if err := services.Register(otogi.ServiceTyping, m); err != nil {
		return fmt.Errorf("typing register service %s: %w", otogi.ServiceTyping, err)
	}

	return nil
}

// OnStart logs the effective configuration.
func (m *Module) OnStart(ctx context.Context) error {
	m.logger.InfoContext(ctx,
		"typing module started",
		"module", m.Name(),
		"interval", m.interval,
		"ping_timeout", m.pingTimeout,
	)

	return nil
}

// OnShutdown cancels every keep-alive loop and waits for them to exit.
func (m *Module) OnShutdown(ctx context.Context) error {
	if m.coordinator == nil {
		return nil
	}
	if err := m.coordinator.Close(ctx); err != nil {
		return fmt.Errorf("typing shutdown: %w", err)
	}

	return nil
}

// AcquireTypingLease starts or joins the indicator for conversation.
func (m *Module) AcquireTypingLease(ctx context.Context, conversation otogi.Conversation) (otogi.ReleaseFunc, error) {
	if m.coordinator == nil {
		return nil, errNotRegistered
	}
	if conversation.ID == "" {
		return nil, fmt.Errorf("acquire typing lease: missing conversation id")
	}

	leaseID, release := m.coordinator.Start(conversation)
	m.logger.DebugContext(ctx, "typing lease acquired", "conversation_id", conversation.ID, "lease_id", leaseID)

	return release, nil
}

// SignalMoreWorkPending restarts a paused indicator while leases remain.
func (m *Module) SignalMoreWorkPending(_ context.Context, conversation otogi.Conversation) {
	if m.coordinator == nil {
		return
	}
	m.coordinator.Resume(conversation)
}

// PauseTyping stops the indicator loop without releasing leases.
func (m *Module) PauseTyping(_ context.Context, conversation otogi.Conversation) {
	if m.coordinator == nil {
		return
	}
	m.coordinator.Suspend(conversation)
}
