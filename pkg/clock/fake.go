package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time stands still until Advance is called.
//
// Tick sends are non-blocking with a one-slot buffer, matching time.Ticker's
// drop-if-full behavior.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	tickers        []*fakeTicker
	tickersChanged *sync.Cond
}

// Fake returns a FakeClock initialized to initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.tickersChanged = sync.NewCond(&clock.mu)

	return clock
}

type fakeTicker struct {
	clock    *FakeClock
	channel  chan time.Time
	interval time.Duration
	deadline time.Time
	stopped  bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// NewTicker registers a ticker whose first tick is due one interval from now.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{
		clock:    c,
		channel:  make(chan time.Time, 1),
		interval: d,
		deadline: c.current.Add(d),
	}
	c.tickers = append(c.tickers, ticker)
	c.tickersChanged.Broadcast()

	return ticker
}

// Advance moves the clock forward by d and fires every ticker whose deadline
// falls within the new time, once per elapsed interval, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, ticker := range due {
			select {
			case ticker.channel <- target:
			default:
			}
		}
	}
}

// collectDue reschedules due tickers by one interval and returns them sorted
// by their previous deadline.
func (c *FakeClock) collectDue(target time.Time) []*fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()

	type dueTicker struct {
		ticker   *fakeTicker
		deadline time.Time
	}
	var due []dueTicker
	for _, ticker := range c.tickers {
		if ticker.stopped || ticker.deadline.After(target) {
			continue
		}
		due = append(due, dueTicker{ticker: ticker, deadline: ticker.deadline})
		ticker.deadline = ticker.deadline.Add(ticker.interval)
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	fired := make([]*fakeTicker, 0, len(due))
	for _, entry := range due {
		fired = append(fired, entry.ticker)
	}

	return fired
}

// ActiveTickers returns the number of tickers that have not been stopped.
func (c *FakeClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeLocked()
}

// WaitForTickers blocks until at least n tickers are active.
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.activeLocked() < n {
		c.tickersChanged.Wait()
	}
}

func (c *FakeClock) activeLocked() int {
	active := 0
	for _, ticker := range c.tickers {
		if !ticker.stopped {
			active++
		}
	}

	return active
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.channel
}

func (t *fakeTicker) Stop() {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	remaining := c.tickers[:0]
	for _, ticker := range c.tickers {
		if ticker != t {
			remaining = append(remaining, ticker)
		}
	}
	c.tickers = remaining
	c.tickersChanged.Broadcast()
}
