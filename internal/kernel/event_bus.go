package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"otogi-agent/pkg/otogi"
)

// EventBus fans events out to subscriptions with bounded per-subscription
// queues. Within one subscription, events of the same conversation are
// handled in publish order; different conversations proceed in parallel.
type EventBus struct {
	mu     sync.RWMutex
	nextID int64
	closed bool
	subs   map[int64]*busSubscription

	defaultBuffer         int
	defaultWorkers        int
	defaultHandlerTimeout time.Duration
	onAsyncError          func(context.Context, string, error)

	deliveries *prometheus.CounterVec
	handled    *prometheus.HistogramVec
}

var _ otogi.EventBus = (*EventBus)(nil)

// NewEventBus creates an event bus. Zero-valued subscription fields fall back
// to the given defaults.
func NewEventBus(
	defaultBuffer int,
	defaultWorkers int,
	defaultHandlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
) *EventBus {
	return &EventBus{
		subs:                  make(map[int64]*busSubscription),
		defaultBuffer:         defaultBuffer,
		defaultWorkers:        defaultWorkers,
		defaultHandlerTimeout: defaultHandlerTimeout,
		onAsyncError:          onAsyncError,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otogi",
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Events offered to subscriptions, by subscription and result.",
		}, []string{"subscription", "result"}),
		handled: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "otogi",
			Subsystem: "bus",
			Name:      "handler_duration_seconds",
			Help:      "Handler run time, by subscription and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"subscription", "outcome"}),
	}
}

// Collectors returns the bus metrics for registration.
func (b *EventBus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.deliveries, b.handled}
}

// Publish offers event to every subscription whose filter matches. Drops
// caused by backpressure are reported asynchronously; only blocking enqueue
// failures are returned.
func (b *EventBus) Publish(ctx context.Context, event *otogi.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish event %s: bus closed", event.Kind)
	}
	matching := make([]*busSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(event) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, sub := range matching {
		err := sub.offer(ctx, event)
		switch {
		case err == nil:
			b.deliveries.WithLabelValues(sub.spec.Name, "queued").Inc()
		case errors.Is(err, otogi.ErrEventDropped), errors.Is(err, otogi.ErrSubscriptionClosed):
			b.deliveries.WithLabelValues(sub.spec.Name, "dropped").Inc()
			b.reportAsyncError(ctx, sub.spec.Name, err)
		default:
			b.deliveries.WithLabelValues(sub.spec.Name, "failed").Inc()
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish event %s: %w", event.Kind, errors.Join(errs...))
	}

	return nil
}

// Subscribe starts a subscription with spec.Workers lanes, each drained by
// its own worker.
func (b *EventBus) Subscribe(
	ctx context.Context,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
) (otogi.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}

	id := atomic.AddInt64(&b.nextID, 1)
	spec = b.withDefaults(spec, id)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	sub := startSubscription(id, spec, handler, b)
	b.subs[id] = sub

	return sub, nil
}

// Close stops every subscription and rejects later publishes and subscribes.
// Closing twice is a no-op.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int64]*busSubscription)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close event bus: %w", errors.Join(errs...))
	}

	return nil
}

func (b *EventBus) withDefaults(spec otogi.SubscriptionSpec, id int64) otogi.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaultBuffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaultWorkers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaultHandlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = otogi.BackpressureDropNewest
	}

	return spec
}

func (b *EventBus) remove(ctx context.Context, id int64) error {
	b.mu.Lock()
	sub, found := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !found {
		return nil
	}
	if err := sub.stop(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.onAsyncError != nil {
		b.onAsyncError(ctx, scope, err)
	}
}

// busSubscription owns the lanes and workers of one subscriber. Each lane is
// a bounded queue with exactly one worker.
type busSubscription struct {
	id      int64
	spec    otogi.SubscriptionSpec
	filter  otogi.InterestSet
	handler otogi.EventHandler
	bus     *EventBus

	lanes   []chan *otogi.Event
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	closed  atomic.Bool
}

func startSubscription(id int64, spec otogi.SubscriptionSpec, handler otogi.EventHandler, bus *EventBus) *busSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &busSubscription{
		id:      id,
		spec:    spec,
		filter:  spec.Filter.Clone(),
		handler: handler,
		bus:     bus,
		lanes:   make([]chan *otogi.Event, spec.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
	for idx := range sub.lanes {
		lane := make(chan *otogi.Event, spec.Buffer)
		sub.lanes[idx] = lane
		sub.workers.Go(func() {
			sub.drain(idx, lane)
		})
	}

	return sub
}

// Name returns the subscription name.
func (s *busSubscription) Name() string {
	return s.spec.Name
}

// Close detaches the subscription from its bus and waits for its workers.
func (s *busSubscription) Close(ctx context.Context) error {
	return s.bus.remove(ctx, s.id)
}

// laneFor maps a conversation to a fixed lane.
func (s *busSubscription) laneFor(event *otogi.Event) chan *otogi.Event {
	if len(s.lanes) == 1 {
		return s.lanes[0]
	}
	key := string(event.Platform) + "\x00" + event.Conversation.ID

	return s.lanes[xxhash.Sum64String(key)%uint64(len(s.lanes))]
}

// offer enqueues event on its conversation lane under the backpressure policy.
func (s *busSubscription) offer(ctx context.Context, event *otogi.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrSubscriptionClosed)
	}
	lane := s.laneFor(event)

	select {
	case lane <- event:
		return nil
	default:
	}

	switch s.spec.Backpressure {
	case otogi.BackpressureDropNewest:
	case otogi.BackpressureDropOldest:
		select {
		case <-lane:
		default:
		}
		select {
		case lane <- event:
			return nil
		default:
		}
	case otogi.BackpressureBlock:
		select {
		case lane <- event:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		case <-s.ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrSubscriptionClosed)
		}
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrInvalidSubscription)
	}

	return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrEventDropped)
}

func (s *busSubscription) drain(lane int, queue <-chan *otogi.Event) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-queue:
			if err := s.handle(lane, event); err != nil {
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
			}
		}
	}
}

// handle runs the handler for one event under the subscription timeout.
func (s *busSubscription) handle(lane int, event *otogi.Event) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
	defer cancel()

	started := time.Now()
	scope := fmt.Sprintf("subscription %s lane %d", s.spec.Name, lane)
	err := runSafely(scope, func() error {
		return s.handler(ctx, event)
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.bus.handled.WithLabelValues(s.spec.Name, outcome).Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("handle event %s: %w", event.ID, err)
	}

	return nil
}

// stop cancels the workers and waits for them until ctx expires.
func (s *busSubscription) stop(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
