package typing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"otogi-agent/pkg/clock"
	"otogi-agent/pkg/otogi"
	"otogi-agent/pkg/shard"
)

const (
	// DefaultInterval is how often the indicator is refreshed while leases are held.
	DefaultInterval = 9 * time.Second
	// DefaultPingTimeout bounds one SendTyping call.
	DefaultPingTimeout = 5 * time.Second
)

// Coordinator keeps at most one keep-alive loop per conversation, shared by
// every lease held on that conversation.
type Coordinator struct {
	pinger      otogi.LivenessPinger
	clock       clock.Clock
	logger      *slog.Logger
	interval    time.Duration
	pingTimeout time.Duration
	newLeaseID  func() string
	metrics     *metrics

	states *shard.Map[*conversationState]
	loops  sync.WaitGroup
	closed atomic.Bool
}

type conversationState struct {
	conversation otogi.Conversation
	leases       map[string]struct{}
	loop         *pingLoop
}

// pingLoop is the cancellable handle of one running keep-alive loop.
type pingLoop struct {
	cancel context.CancelFunc
	ticker clock.Ticker
}

func (l *pingLoop) stop() {
	l.cancel()
	l.ticker.Stop()
}

// CoordinatorOption mutates coordinator configuration.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock replaces the wall clock driving keep-alive loops.
func WithCoordinatorClock(clk clock.Clock) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if clk != nil {
			coordinator.clock = clk
		}
	}
}

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if logger != nil {
			coordinator.logger = logger
		}
	}
}

// WithInterval sets the keep-alive period.
func WithInterval(interval time.Duration) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if interval > 0 {
			coordinator.interval = interval
		}
	}
}

// WithPingTimeout bounds each SendTyping call.
func WithPingTimeout(timeout time.Duration) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if timeout > 0 {
			coordinator.pingTimeout = timeout
		}
	}
}

// WithLeaseIDGenerator replaces the random lease id source.
func WithLeaseIDGenerator(generate func() string) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if generate != nil {
			coordinator.newLeaseID = generate
		}
	}
}

// NewCoordinator creates a coordinator pinging through pinger.
func NewCoordinator(pinger otogi.LivenessPinger, options ...CoordinatorOption) *Coordinator {
	coordinator := &Coordinator{
		pinger:      pinger,
		clock:       clock.Real(),
		logger:      slog.Default(),
		interval:    DefaultInterval,
		pingTimeout: DefaultPingTimeout,
		newLeaseID:  uuid.NewString,
		states:      shard.New[*conversationState](shard.DefaultShards),
	}
	for _, option := range options {
		option(coordinator)
	}
	coordinator.metrics = newMetrics(coordinator)

	return coordinator
}

// Start adds a lease on conversation and returns its id with a release
// function. The first lease on an idle conversation pings immediately and
// starts the periodic loop.
func (c *Coordinator) Start(conversation otogi.Conversation) (string, otogi.ReleaseFunc) {
	leaseID := c.newLeaseID()
	key := conversation.ID

	c.states.Do(key, func(items map[string]*conversationState) {
		state, ok := items[key]
		if !ok {
			state = &conversationState{
				conversation: conversation,
				leases:       make(map[string]struct{}, 1),
			}
			items[key] = state
		}
		state.leases[leaseID] = struct{}{}
		c.ensureLoopLocked(state)
	})

	release := sync.OnceFunc(func() {
		c.Stop(conversation, leaseID)
	})

	return leaseID, release
}

// Stop removes leaseID. When no leases remain, the loop is cancelled and the
// conversation state is dropped. Unknown leases are ignored.
func (c *Coordinator) Stop(conversation otogi.Conversation, leaseID string) {
	key := conversation.ID

	c.states.Do(key, func(items map[string]*conversationState) {
		state, ok := items[key]
		if !ok {
			return
		}
		if _, held := state.leases[leaseID]; !held {
			return
		}
		delete(state.leases, leaseID)
		if len(state.leases) > 0 {
			return
		}

		c.stopLoopLocked(state)
		delete(items, key)
	})
}

// Resume restarts the loop when leases remain but no loop is running.
func (c *Coordinator) Resume(conversation otogi.Conversation) {
	key := conversation.ID

	c.states.Do(key, func(items map[string]*conversationState) {
		state, ok := items[key]
		if !ok || len(state.leases) == 0 {
			return
		}
		c.ensureLoopLocked(state)
	})
}

// Suspend cancels the running loop but keeps every lease.
func (c *Coordinator) Suspend(conversation otogi.Conversation) {
	key := conversation.ID

	c.states.Do(key, func(items map[string]*conversationState) {
		if state, ok := items[key]; ok {
			c.stopLoopLocked(state)
		}
	})
}

// Leases returns how many leases are held on conversation.
func (c *Coordinator) Leases(conversation otogi.Conversation) int {
	count := 0
	c.states.Do(conversation.ID, func(items map[string]*conversationState) {
		if state, ok := items[conversation.ID]; ok {
			count = len(state.leases)
		}
	})

	return count
}

// Running reports whether a keep-alive loop is active for conversation.
func (c *Coordinator) Running(conversation otogi.Conversation) bool {
	running := false
	c.states.Do(conversation.ID, func(items map[string]*conversationState) {
		if state, ok := items[conversation.ID]; ok {
			running = state.loop != nil
		}
	})

	return running
}

// Close cancels every loop, drops all leases, and waits for loop goroutines
// to exit or ctx to expire. Leases taken after Close never start a loop.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closed.Store(true)
	c.states.Range(func(items map[string]*conversationState) {
		for key, state := range items {
			c.stopLoopLocked(state)
			delete(items, key)
		}
	})

	done := make(chan struct{})
	go func() {
		c.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close typing coordinator: %w", ctx.Err())
	}
}

// ensureLoopLocked starts a loop for state unless one is running. The caller
// holds the shard lock.
func (c *Coordinator) ensureLoopLocked(state *conversationState) {
	if state.loop != nil || c.closed.Load() {
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ticker := c.clock.NewTicker(c.interval)
	state.loop = &pingLoop{cancel: cancel, ticker: ticker}

	conversation := state.conversation
	c.loops.Go(func() {
		c.runLoop(loopCtx, conversation, ticker)
	})
}

func (c *Coordinator) stopLoopLocked(state *conversationState) {
	if state.loop == nil {
		return
	}
	state.loop.stop()
	state.loop = nil
}

// runLoop sends the first ping even if the loop is cancelled before it gets
// scheduled; later ticks stop with the loop.
func (c *Coordinator) runLoop(ctx context.Context, conversation otogi.Conversation, ticker clock.Ticker) {
	c.ping(ctx, conversation)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			c.ping(ctx, conversation)
		}
	}
}

// ping sends one indicator. Cancelling the loop does not abort a ping that
// already started; failures are recorded and otherwise ignored.
func (c *Coordinator) ping(ctx context.Context, conversation otogi.Conversation) {
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.pingTimeout)
	defer cancel()

	err := runSafely(func() error {
		return c.pinger.SendTyping(pingCtx, conversation)
	})
	if err != nil {
		c.metrics.observePing(pingResultFailed)
		c.logger.DebugContext(ctx,
			"typing ping failed",
			"conversation_id", conversation.ID,
			"error", err,
		)
		return
	}
	c.metrics.observePing(pingResultSent)
}

func runSafely(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("send typing panic: %v", recovered)
		}
	}()

	return fn()
}

// activeCounts returns the number of running loops and held leases.
func (c *Coordinator) activeCounts() (loops int, leases int) {
	c.states.Range(func(items map[string]*conversationState) {
		for _, state := range items {
			if state.loop != nil {
				loops++
			}
			leases += len(state.leases)
		}
	})

	return loops, leases
}
