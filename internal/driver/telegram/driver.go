package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"otogi-agent/pkg/clock"
	"otogi-agent/pkg/otogi"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultReplayWindow   = 10 * time.Minute
	maxRememberedUpdates  = 4096
)

type driverConfig struct {
	name           string
	publishTimeout time.Duration
	replayWindow   time.Duration
	clock          clock.Clock
	onAsyncError   func(context.Context, error)
}

// DriverOption configures a Driver.
type DriverOption func(*driverConfig)

// WithName sets the driver name reported to the kernel and stamped into
// event metadata.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithPublishTimeout bounds each publish into the event sink.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithReplayWindow sets how long an update ID is remembered for dropping
// redelivered updates.
func WithReplayWindow(window time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if window > 0 {
			cfg.replayWindow = window
		}
	}
}

// WithDriverClock replaces the time source of the replay filter.
func WithDriverClock(source clock.Clock) DriverOption {
	return func(cfg *driverConfig) {
		if source != nil {
			cfg.clock = source
		}
	}
}

// WithErrorHandler receives failures that skip a single update.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(cfg *driverConfig) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// Driver decodes updates from an UpdateSource and publishes them as events.
// A malformed or redelivered update is skipped; a failing sink stops it.
type Driver struct {
	cfg     driverConfig
	source  UpdateSource
	decoder Decoder
	seen    *replayFilter
}

var _ otogi.Driver = (*Driver)(nil)

// NewDriver creates a Driver.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	switch {
	case source == nil:
		return nil, fmt.Errorf("new telegram driver: nil source")
	case decoder == nil:
		return nil, fmt.Errorf("new telegram driver: nil decoder")
	}

	cfg := driverConfig{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		replayWindow:   defaultReplayWindow,
		clock:          clock.Real(),
		onAsyncError:   func(context.Context, error) {},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Driver{
		cfg:     cfg,
		source:  source,
		decoder: decoder,
		seen:    newReplayFilter(cfg.clock, cfg.replayWindow, maxRememberedUpdates),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Start blocks consuming updates until ctx ends or publishing fails.
func (d *Driver) Start(ctx context.Context, sink otogi.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start telegram driver: nil sink")
	}

	err := d.source.Consume(ctx, func(ctx context.Context, update Update) error {
		return d.forward(ctx, sink, update)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("start telegram driver: consume updates: %w", err)
	}

	return nil
}

// Shutdown is a no-op; the session stops with the Start context.
func (d *Driver) Shutdown(context.Context) error {
	return nil
}

func (d *Driver) forward(ctx context.Context, sink otogi.EventSink, update Update) error {
	if update.ID != "" && !d.seen.firstSighting(update.ID) {
		return nil
	}

	event, err := d.decode(ctx, update)
	if err != nil {
		d.cfg.onAsyncError(ctx, fmt.Errorf("handle update %s: %w", update.Type, err))
		return nil
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]string, 1)
	}
	event.Metadata["driver"] = d.cfg.name

	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
	defer cancel()

	switch err := sink.Publish(publishCtx, event); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		d.cfg.onAsyncError(ctx, fmt.Errorf("handle update %s publish: %w", update.Type, err))
		return nil
	default:
		return fmt.Errorf("handle update %s publish: %w", update.Type, err)
	}
}

func (d *Driver) decode(ctx context.Context, update Update) (event *otogi.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			event, err = nil, fmt.Errorf("decode telegram update %s panic: %v", update.Type, recovered)
		}
	}()

	event, err = d.decoder.Decode(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("decode telegram update %s: %w", update.Type, err)
	}

	return event, nil
}

// replayFilter remembers update IDs for a window so updates replayed after
// a reconnect are published once.
type replayFilter struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	limit   int
	entries map[string]time.Time
}

func newReplayFilter(source clock.Clock, window time.Duration, limit int) *replayFilter {
	return &replayFilter{
		clock:   source,
		window:  window,
		limit:   limit,
		entries: make(map[string]time.Time),
	}
}

// firstSighting records id and reports whether it was not seen within the
// window.
func (f *replayFilter) firstSighting(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	if seenAt, found := f.entries[id]; found && now.Sub(seenAt) < f.window {
		return false
	}
	if len(f.entries) >= f.limit {
		f.evict(now)
	}
	f.entries[id] = now

	return true
}

// evict drops expired IDs, then the oldest ones if the set is still full.
func (f *replayFilter) evict(now time.Time) {
	var oldestID string
	var oldestAt time.Time
	for id, seenAt := range f.entries {
		if now.Sub(seenAt) >= f.window {
			delete(f.entries, id)
			continue
		}
		if oldestID == "" || seenAt.Before(oldestAt) {
			oldestID, oldestAt = id, seenAt
		}
	}
	if len(f.entries) >= f.limit && oldestID != "" {
		delete(f.entries, oldestID)
	}
}

func (f *replayFilter) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.entries)
}
