package otogi

import "context"

// Module is a unit of behavior hosted by the kernel. Handlers may run on
// several goroutines at once.
//
// The kernel calls OnRegister once, before any module starts; modules
// resolve services and subscribe there. OnStart runs in registration order
// when the kernel starts, OnShutdown in reverse order when it stops.
type Module interface {
	Name() string
	// Capabilities declares what the module consumes and which services
	// must exist before it registers.
	Capabilities() []Capability
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
	OnStart(ctx context.Context) error
	OnShutdown(ctx context.Context) error
}

// ModuleRuntime is the kernel as seen by a module during OnRegister.
type ModuleRuntime interface {
	Services() ServiceRegistry
	// Subscribe fails unless one of the module capabilities covers
	// spec.Filter.
	Subscribe(ctx context.Context, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
}

// Driver connects one platform account and turns its updates into events.
type Driver interface {
	Name() string
	// Start publishes events into sink and blocks until ctx ends or the
	// session fails.
	Start(ctx context.Context, sink EventSink) error
	// Shutdown releases what Start's context does not cover.
	Shutdown(ctx context.Context) error
}
