package otogi

import (
	"context"
	"fmt"
	"time"
)

// BackpressurePolicy decides what a full subscription lane does with a new
// event.
type BackpressurePolicy string

const (
	// BackpressureDropNewest discards the event being published.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest discards the longest-queued event to make room.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock waits for room or for the publisher's context to end.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec describes one subscriber. Workers lanes of Buffer slots
// each are drained by one goroutine per lane; a conversation always maps to
// the same lane. Zero sizing, timeout, and policy take the bus defaults.
type SubscriptionSpec struct {
	Name           string
	Filter         InterestSet
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// Validate reports negative sizing or an unknown policy.
func (s SubscriptionSpec) Validate() error {
	var problem string
	switch {
	case s.Buffer < 0:
		problem = "buffer must be >= 0"
	case s.Workers < 0:
		problem = "workers must be >= 0"
	case s.HandlerTimeout < 0:
		problem = "handler timeout must be >= 0"
	case !knownBackpressure(s.Backpressure):
		problem = fmt.Sprintf("unsupported backpressure %q", s.Backpressure)
	default:
		return nil
	}

	return fmt.Errorf("%w: %s %s", ErrInvalidSubscription, s.Name, problem)
}

func knownBackpressure(policy BackpressurePolicy) bool {
	switch policy {
	case "", BackpressureDropNewest, BackpressureDropOldest, BackpressureBlock:
		return true
	default:
		return false
	}
}

// Subscription is a live registration on the bus.
type Subscription interface {
	Name() string
	// Close detaches the subscription and waits for its in-flight handlers.
	Close(ctx context.Context) error
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// EventSink is the publishing half of the bus, handed to drivers.
type EventSink interface {
	Publish(ctx context.Context, event *Event) error
}

// EventBus fans published events out to matching subscriptions.
type EventBus interface {
	EventSink
	Subscribe(ctx context.Context, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	Close(ctx context.Context) error
}
