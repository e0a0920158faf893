package historycache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"otogi-agent/pkg/clock"
)

const (
	// DefaultSweepInterval is how often stale buckets are collected.
	DefaultSweepInterval = 2 * time.Minute
	// DefaultStaleAge is how long a bucket may go without a newer record.
	DefaultStaleAge = 10 * time.Minute
)

// Sweeper periodically removes conversation buckets that went quiet.
type Sweeper struct {
	cache    *Cache
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	staleAge time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a stopped sweeper over cache.
func NewSweeper(cache *Cache, clk clock.Clock, logger *slog.Logger, interval, staleAge time.Duration) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}

	return &Sweeper{
		cache:    cache,
		clock:    clk,
		logger:   logger,
		interval: interval,
		staleAge: staleAge,
	}
}

// SweepOnce removes every bucket whose newest record is older than now minus
// the stale age, and returns the number of removed buckets.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.clock.Now().Add(-s.staleAge)
	removed := s.cache.Sweep(cutoff)
	if removed > 0 {
		s.logger.DebugContext(ctx,
			"history cache swept stale conversations",
			"removed", removed,
			"remaining", s.cache.Len(),
			"cutoff", cutoff,
		)
	}

	return removed
}

// Start launches the periodic loop. Starting a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ticker := s.clock.NewTicker(s.interval)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				s.SweepOnce(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop history sweeper: %w", ctx.Err())
	}
}
