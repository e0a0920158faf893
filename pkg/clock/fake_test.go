package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockAdvanceMovesNow(t *testing.T) {
	t.Parallel()

	clock := Fake(epoch)
	clock.Advance(90 * time.Second)

	if got, want := clock.Now(), epoch.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("Now = %v, want %v", got, want)
	}
}

func TestFakeTickerFiresOnInterval(t *testing.T) {
	t.Parallel()

	clock := Fake(epoch)
	ticker := clock.NewTicker(10 * time.Second)
	defer ticker.Stop()

	clock.Advance(9 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before interval elapsed")
	default:
	}

	clock.Advance(time.Second)
	select {
	case tick := <-ticker.C():
		if want := epoch.Add(10 * time.Second); !tick.Equal(want) {
			t.Fatalf("tick = %v, want %v", tick, want)
		}
	default:
		t.Fatal("ticker did not fire at interval")
	}
}

func TestFakeTickerDropsOverflowingTicks(t *testing.T) {
	t.Parallel()

	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	clock.Advance(5 * time.Second)

	received := 0
	for {
		select {
		case <-ticker.C():
			received++
			continue
		default:
		}
		break
	}
	if received != 1 {
		t.Fatalf("received = %d, want 1", received)
	}
}

func TestFakeTickerStop(t *testing.T) {
	t.Parallel()

	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	if got := clock.ActiveTickers(); got != 1 {
		t.Fatalf("ActiveTickers = %d, want 1", got)
	}

	ticker.Stop()
	ticker.Stop()
	clock.Advance(time.Minute)

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
	if got := clock.ActiveTickers(); got != 0 {
		t.Fatalf("ActiveTickers = %d, want 0", got)
	}
}

func TestFakeClockWaitForTickers(t *testing.T) {
	t.Parallel()

	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		clock.WaitForTickers(2)
		close(done)
	}()

	first := clock.NewTicker(time.Second)
	second := clock.NewTicker(time.Second)
	defer first.Stop()
	defer second.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForTickers did not return")
	}
}

func TestFakeClockNewTickerPanicsOnNonPositiveInterval(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Fake(epoch).NewTicker(0)
}
