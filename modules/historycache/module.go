package historycache

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

// Option mutates history cache module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithClock replaces the wall clock driving the staleness sweeper.
func WithClock(clk clock.Clock) Option {
	return func(module *Module) {
		if clk != nil {
			module.clock = clk
		}
	}
}

// WithFetcher injects the backfill source directly, bypassing service lookup.
func WithFetcher(fetcher otogi.HistoryFetcher) Option {
	return func(module *Module) {
		if fetcher != nil {
			module.fetcher = fetcher
		}
	}
}

// WithMaxBucketSize bounds how many records each conversation keeps.
func WithMaxBucketSize(size int) Option {
	return func(module *Module) {
		if size > 0 {
			module.maxBucketSize = size
		}
	}
}

// WithSweepInterval sets how often stale conversations are collected.
func WithSweepInterval(interval time.Duration) Option {
	return func(module *Module) {
		if interval > 0 {
			module.sweepInterval = interval
		}
	}
}

// WithStaleAge sets how old a bucket's newest record may get before the bucket is dropped.
func WithStaleAge(age time.Duration) Option {
	return func(module *Module) {
		if age > 0 {
			module.staleAge = age
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

// Module keeps a short window of recent messages per conversation and serves
// it as the shared HistoryService.
type Module struct {
	logger        *slog.Logger
	clock         clock.Clock
	fetcher       otogi.HistoryFetcher
	registerer    prometheus.Registerer
	maxBucketSize int
	sweepInterval time.Duration
	staleAge      time.Duration

	cache     *Cache
	metrics   *metrics
	sweeper   *Sweeper
	retriever *Retriever
}

var _ otogi.Module = (*Module)(nil)
var _ otogi.HistoryService = (*Module)(nil)

// New creates a history cache module.
func New(options ...Option) *Module {
	module := &Module{
		logger:        slog.Default(),
		clock:         clock.Real(),
		maxBucketSize: DefaultMaxBucketSize,
		sweepInterval: DefaultSweepInterval,
		staleAge:      DefaultStaleAge,
	}
	for _, option := range options {
		option(module)
	}

	module.cache = NewCache(module.maxBucketSize)
	module.metrics = newMetrics(module.cache)
	module.cache.metrics = module.metrics
	module.sweeper = NewSweeper(module.cache, module.clock, module.logger, module.sweepInterval, module.staleAge)
	module.retriever = NewRetriever(module.cache, module.fetcher, module.logger)

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "history-cache"
}

// Capabilities declares which events feed the cache.
func (m *Module) Capabilities() []otogi.Capability {
	return []otogi.Capability{
		{
			Name:        "history-cache-writer",
			Description: "records new messages into per-conversation history windows",
			Interest: otogi.InterestSet{
				Kinds: []otogi.EventKind{otogi.EventKindMessageCreated},
			},
		},
	}
}

// OnRegister resolves optional collaborators, subscribes to new messages, and
// registers the module as the shared HistoryService.
func (m *Module) OnRegister(ctx context.Context, runtime otogi.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := otogi.ResolveAs[*slog.Logger](services, otogi.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
		m.sweeper.logger = logger
		m.retriever.logger = logger
	case errors.Is(err, otogi.ErrServiceNotFound):
	default:
		return fmt.Errorf("history cache resolve logger: %w", err)
	}

	if m.retriever.fetcher == nil {
		fetcher, err := otogi.ResolveAs[otogi.HistoryFetcher](services, otogi.ServiceHistoryFetcher)
		switch {
		case err == nil:
			m.retriever.fetcher = fetcher
		case errors.Is(err, otogi.ErrServiceNotFound):
			m.logger.WarnContext(ctx, "history cache running without backfill", "module", m.Name())
		default:
			return fmt.Errorf("history cache resolve fetcher: %w", err)
		}
	}

	if m.registerer == nil {
		registerer, err := otogi.ResolveAs[prometheus.Registerer](services, otogi.ServiceMetricsRegisterer)
		switch {
		case err == nil:
			m.registerer = registerer
		case errors.Is(err, otogi.ErrServiceNotFound):
		default:
			return fmt.Errorf("history cache resolve metrics registerer: %w", err)
		}
	}
	if m.registerer != nil {
		if err := m.metrics.register(m.registerer); err != nil {
			return fmt.Errorf("history cache: %w", err)
		}
	}

	if _, err := runtime.Subscribe(ctx, otogi.SubscriptionSpec{
		Name: "history-cache-writer",
		Filter: otogi.InterestSet{
			Kinds: []otogi.EventKind{otogi.EventKindMessageCreated},
		},
		Backpressure: otogi.BackpressureDropOldest,
	}, m.handleEvent); err != nil {
		return fmt.Errorf("history cache subscribe: %w", err)
	}

	if err := services.Register(otogi.ServiceHistory, m); err != nil {
		return fmt.Errorf("history cache register service %s: %w", otogi.ServiceHistory, err)
	}

	return nil
}

// OnStart starts the staleness sweeper.
func (m *Module) OnStart(ctx context.Context) error {
	m.sweeper.Start(ctx)
	m.logger.InfoContext(ctx,
		"history cache module started",
		"module", m.Name(),
		"max_bucket_size", m.maxBucketSize,
		"sweep_interval", m.sweepInterval,
		"stale_age", m.staleAge,
	)

	return nil
}

// OnShutdown stops the sweeper. Cached records are discarded with the process.
func (m *Module) OnShutdown(ctx context.Context) error {
	if err := m.sweeper.Stop(ctx); err != nil {
		return fmt.Errorf("history cache shutdown: %w", err)
	}
	m.logger.InfoContext(ctx, "history cache module stopped", "module", m.Name(), "conversations", m.cache.Len())

	return nil
}

// OnMessageArrived records one live message.
func (m *Module) OnMessageArrived(_ context.Context, record otogi.MessageRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("history cache add: %w", err)
	}
	m.cache.Add(record)

	return nil
}

// GetRecentHistory returns up to limit records older than req, oldest first.
func (m *Module) GetRecentHistory(ctx context.Context, req otogi.MessageRecord, limit int) ([]otogi.MessageRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("history cache get recent history: %w", err)
	}

	return m.retriever.GetMessages(ctx, req, limit), nil
}

func (m *Module) handleEvent(ctx context.Context, event *otogi.Event) error {
	record, err := event.Record()
	if err != nil {
		return fmt.Errorf("history cache handle event: %w", err)
	}

	return m.OnMessageArrived(ctx, record)
}
