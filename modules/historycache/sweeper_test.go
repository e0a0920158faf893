package historycache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"otogi-agent/pkg/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSweepOnceUsesStaleAge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		elapsed     time.Duration
		wantRemoved int
	}{
		{name: "kept at nine minutes", elapsed: 9 * time.Minute, wantRemoved: 0},
		{name: "kept at exactly stale age", elapsed: 10 * time.Minute, wantRemoved: 0},
		{name: "removed at eleven minutes", elapsed: 11 * time.Minute, wantRemoved: 1},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fake := clock.Fake(epoch)
			cache := NewCache(0)
			cache.Add(recordAt("chat", "1", 0))
			sweeper := NewSweeper(cache, fake, discardLogger(), 0, 0)

			fake.Advance(testCase.elapsed)
			if got := sweeper.SweepOnce(context.Background()); got != testCase.wantRemoved {
				t.Fatalf("SweepOnce = %d, want %d", got, testCase.wantRemoved)
			}
			if got, want := cache.Len(), 1-testCase.wantRemoved; got != want {
				t.Fatalf("Len = %d, want %d", got, want)
			}
		})
	}
}

func TestSweeperLoopRemovesStaleBuckets(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	cache := NewCache(0)
	cache.Add(recordAt("quiet", "1", 0))
	sweeper := NewSweeper(cache, fake, discardLogger(), DefaultSweepInterval, DefaultStaleAge)

	sweeper.Start(context.Background())
	sweeper.Start(context.Background())
	if got := fake.ActiveTickers(); got != 1 {
		t.Fatalf("ActiveTickers = %d, want 1", got)
	}

	fake.Advance(10 * time.Minute)
	cache.Add(recordAt("busy", "1", 10*time.Minute))

	fake.Advance(2 * time.Minute)
	waitUntil(t, func() bool { return cache.BucketSize("quiet") == 0 })
	if got := cache.BucketSize("busy"); got != 1 {
		t.Fatalf("busy BucketSize = %d, want 1", got)
	}

	if err := sweeper.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := sweeper.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if got := fake.ActiveTickers(); got != 0 {
		t.Fatalf("ActiveTickers after Stop = %d, want 0", got)
	}
}
