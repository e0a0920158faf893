package kernel

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"otogi-agent/pkg/otogi"
)

type serviceEntry struct {
	owner   string
	service any
}

// ServiceRegistry maps service names to singletons and remembers who
// registered each one.
type ServiceRegistry struct {
	mu      sync.RWMutex
	entries map[string]serviceEntry
}

var _ otogi.ServiceRegistry = (*ServiceRegistry)(nil)

// NewServiceRegistry creates an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{entries: make(map[string]serviceEntry)}
}

// Register registers service under name with no recorded owner.
func (r *ServiceRegistry) Register(name string, service any) error {
	return r.RegisterAs("", name, service)
}

// RegisterAs registers service under name on behalf of owner. Names are
// claimed once; a second registration reports the first owner.
func (r *ServiceRegistry) RegisterAs(owner string, name string, service any) error {
	if name == "" {
		return fmt.Errorf("register service: empty name")
	}
	if isNilService(service) {
		return fmt.Errorf("register service %s: nil service", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, taken := r.entries[name]; taken {
		if existing.owner == "" {
			return fmt.Errorf("register service %s: %w", name, otogi.ErrServiceAlreadyRegistered)
		}
		return fmt.Errorf("register service %s: owned by %s: %w", name, existing.owner, otogi.ErrServiceAlreadyRegistered)
	}
	r.entries[name] = serviceEntry{owner: owner, service: service}

	return nil
}

// Resolve returns the service registered under name.
func (r *ServiceRegistry) Resolve(name string) (any, error) {
	if name == "" {
		return nil, fmt.Errorf("resolve service: empty name")
	}

	r.mu.RLock()
	entry, found := r.entries[name]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("resolve service %s: %w", name, otogi.ErrServiceNotFound)
	}

	return entry.service, nil
}

// RemoveOwner withdraws every service registered by owner and returns their
// names sorted.
func (r *ServiceRegistry) RemoveOwner(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, entry := range r.entries {
		if entry.owner == owner {
			removed = append(removed, name)
			delete(r.entries, name)
		}
	}
	slices.Sort(removed)

	return removed
}

// Owners returns a copy of the name to owner mapping.
func (r *ServiceRegistry) Owners() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make(map[string]string, len(r.entries))
	for name, entry := range r.entries {
		owners[name] = entry.owner
	}

	return owners
}

// Names lists registered service names sorted.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.entries))
}

// ownedRegistry attributes every registration made through it to owner.
type ownedRegistry struct {
	base  *ServiceRegistry
	owner string
}

func (o ownedRegistry) Register(name string, service any) error {
	return o.base.RegisterAs(o.owner, name, service)
}

func (o ownedRegistry) Resolve(name string) (any, error) {
	return o.base.Resolve(name)
}

// isNilService also catches typed nils wrapped in a non-nil interface.
func isNilService(service any) bool {
	if service == nil {
		return true
	}
	switch value := reflect.ValueOf(service); value.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return value.IsNil()
	default:
		return false
	}
}
