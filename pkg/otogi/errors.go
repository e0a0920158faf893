package otogi

import "errors"

// Validation failures.
var (
	ErrInvalidEvent           = errors.New("otogi: invalid event")
	ErrInvalidRecord          = errors.New("otogi: invalid message record")
	ErrInvalidSubscription    = errors.New("otogi: invalid subscription")
	ErrInvalidOutboundRequest = errors.New("otogi: invalid outbound request")
)

// Delivery failures reported by the event bus.
var (
	ErrSubscriptionClosed = errors.New("otogi: subscription closed")
	// ErrEventDropped means a full queue rejected or evicted an event.
	ErrEventDropped = errors.New("otogi: event dropped due to backpressure")
)

// Registration failures reported by the kernel.
var (
	ErrServiceAlreadyRegistered = errors.New("otogi: service already registered")
	ErrServiceNotFound          = errors.New("otogi: service not found")
	ErrModuleAlreadyRegistered  = errors.New("otogi: module already registered")
	ErrDriverAlreadyRegistered  = errors.New("otogi: driver already registered")
)
