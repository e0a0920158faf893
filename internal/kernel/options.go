package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type config struct {
	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	subscriptionWorker int
	handlerTimeout     time.Duration
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
	registerer         prometheus.Registerer
}

// Option configures a Kernel.
type Option func(*config)

func defaultConfig() config {
	cfg := config{
		moduleHookTimeout:  5 * time.Second,
		shutdownTimeout:    10 * time.Second,
		subscriptionBuffer: 256,
		subscriptionWorker: 1,
		handlerTimeout:     3 * time.Second,
	}
	WithLogger(slog.Default())(&cfg)

	return cfg
}

// WithModuleHookTimeout bounds each OnRegister, OnStart and OnShutdown call.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return positiveDuration(timeout, func(cfg *config) *time.Duration { return &cfg.moduleHookTimeout })
}

// WithShutdownTimeout bounds the whole shutdown sequence and the wait for
// drivers to return after cancellation.
func WithShutdownTimeout(timeout time.Duration) Option {
	return positiveDuration(timeout, func(cfg *config) *time.Duration { return &cfg.shutdownTimeout })
}

// WithDefaultHandlerTimeout sets the handler timeout of subscriptions that
// do not choose one.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return positiveDuration(timeout, func(cfg *config) *time.Duration { return &cfg.handlerTimeout })
}

// WithDefaultSubscriptionBuffer sets the lane capacity of subscriptions that
// do not choose one.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers sets the lane count of subscriptions that do
// not choose one.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorker = workers
		}
	}
}

// WithLogger sets the kernel logger. Unless WithAsyncErrorHandler follows,
// background failures are logged through it.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}
		cfg.logger = logger
		cfg.onAsyncError = func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "kernel background failure", "scope", scope, "error", err)
		}
	}
}

// WithAsyncErrorHandler receives failures that have no caller to return to,
// such as handler errors and dropped deliveries.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithMetricsRegisterer registers the bus collectors and publishes the
// registerer as a service for modules.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(cfg *config) {
		if registerer != nil {
			cfg.registerer = registerer
		}
	}
}

func positiveDuration(value time.Duration, field func(*config) *time.Duration) Option {
	return func(cfg *config) {
		if value > 0 {
			*field(cfg) = value
		}
	}
}
