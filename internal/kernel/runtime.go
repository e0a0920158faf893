package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"otogi-agent/pkg/otogi"
)

// moduleRecord is the kernel bookkeeping for one registered module.
type moduleRecord struct {
	name         string
	module       otogi.Module
	capabilities []otogi.Capability

	mu            sync.Mutex
	subscriptions []otogi.Subscription
}

func (m *moduleRecord) track(subscription otogi.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes and forgets every tracked subscription, so a
// second call is a no-op.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.mu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.mu.Unlock()

	var errs []error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// allows reports whether some declared capability covers filter.
func (m *moduleRecord) allows(filter otogi.InterestSet) bool {
	return slices.ContainsFunc(m.capabilities, func(capability otogi.Capability) bool {
		return capability.Interest.Allows(filter)
	})
}

// moduleRuntime is what a module sees of the kernel during OnRegister.
type moduleRuntime struct {
	record   *moduleRecord
	services *ServiceRegistry
	bus      otogi.EventBus
}

// Services returns a registry view attributed to the module. Registrations
// are owned by the module and a resolved logger carries its name.
func (r *moduleRuntime) Services() otogi.ServiceRegistry {
	return moduleServices{
		ownedRegistry: ownedRegistry{base: r.services, owner: moduleOwner(r.record.name)},
		moduleName:    r.record.name,
	}
}

// Subscribe registers a subscription on behalf of the module. The filter
// must fall inside one of the module's declared capabilities.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
) (otogi.Subscription, error) {
	name := r.record.name
	if spec.Name == "" {
		spec.Name = name + "-subscription"
	}
	if len(r.record.capabilities) == 0 {
		return nil, fmt.Errorf("module %s subscribe %s: no declared capabilities", name, spec.Name)
	}
	if !r.record.allows(spec.Filter) {
		return nil, fmt.Errorf("module %s subscribe %s: filter outside declared capabilities", name, spec.Name)
	}

	subscription, err := r.bus.Subscribe(ctx, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", name, spec.Name, err)
	}
	r.record.track(subscription)

	return subscription, nil
}

func moduleOwner(name string) string {
	return "module " + name
}

// moduleServices tags the shared logger with the module name on resolve.
type moduleServices struct {
	ownedRegistry
	moduleName string
}

func (s moduleServices) Resolve(name string) (any, error) {
	service, err := s.ownedRegistry.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", s.moduleName, err)
	}
	if logger, ok := service.(*slog.Logger); ok && name == otogi.ServiceLogger && logger != nil {
		return logger.With("module", s.moduleName), nil
	}

	return service, nil
}
