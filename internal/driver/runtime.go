package driver

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"otogi-agent/pkg/otogi"
)

// Definition is one entry of the drivers configuration array.
type Definition struct {
	Name    string
	Type    string
	Enabled bool
	// Config is the raw type-specific JSON object.
	Config []byte
}

// Runtime is a built driver ready for the kernel.
type Runtime struct {
	Name     string
	Platform otogi.Platform
	Driver   otogi.Driver
	// RegisterServices publishes the platform services backed by the
	// driver session: history fetching, typing pings and sending. Nil for
	// inbound-only drivers.
	RegisterServices func(services otogi.ServiceRegistry) error
}

// BuilderFunc builds the Runtime for one definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor registers a driver type.
type Descriptor struct {
	Type     string
	Platform otogi.Platform
	Builder  BuilderFunc
}

// Registry resolves configured driver types to builders. It is read-only
// after NewRegistry.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry validates descriptors and indexes them by type.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	registry := &Registry{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, descriptor := range descriptors {
		switch {
		case descriptor.Type == "":
			return nil, fmt.Errorf("new registry: empty descriptor type")
		case descriptor.Platform == "":
			return nil, fmt.Errorf("new registry type %s: empty platform", descriptor.Type)
		case descriptor.Builder == nil:
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, taken := registry.descriptors[descriptor.Type]; taken {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}
		registry.descriptors[descriptor.Type] = descriptor
	}

	return registry, nil
}

// Types lists registered driver types sorted.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	return slices.Sorted(maps.Keys(r.descriptors))
}

// PlatformForType returns the platform a driver type publishes for.
func (r *Registry) PlatformForType(driverType string) (otogi.Platform, error) {
	if r == nil {
		return "", fmt.Errorf("resolve platform: nil registry")
	}
	descriptor, found := r.descriptors[driverType]
	if !found {
		return "", fmt.Errorf("unsupported type %s", driverType)
	}

	return descriptor.Platform, nil
}

// BuildEnabled builds every enabled definition in order. At most one of the
// resulting runtimes may publish platform services, because modules resolve
// a single fetcher, pinger and sender.
func (r *Registry) BuildEnabled(ctx context.Context, definitions []Definition, logger *slog.Logger) ([]Runtime, error) {
	if r == nil {
		return nil, fmt.Errorf("build drivers: nil registry")
	}

	var runtimes []Runtime
	names := make(map[string]struct{}, len(definitions))
	servicesFrom := ""
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if _, taken := names[definition.Name]; taken {
			return nil, fmt.Errorf("build driver %s: duplicate name", definition.Name)
		}
		names[definition.Name] = struct{}{}

		runtime, err := r.build(ctx, definition, logger)
		if err != nil {
			return nil, err
		}
		if runtime.RegisterServices != nil {
			if servicesFrom != "" {
				return nil, fmt.Errorf("build driver %s: platform services already provided by %s", definition.Name, servicesFrom)
			}
			servicesFrom = definition.Name
		}
		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

func (r *Registry) build(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error) {
	switch {
	case definition.Name == "":
		return Runtime{}, fmt.Errorf("build driver: empty name")
	case definition.Type == "":
		return Runtime{}, fmt.Errorf("build driver %s: empty type", definition.Name)
	}
	descriptor, found := r.descriptors[definition.Type]
	if !found {
		return Runtime{}, fmt.Errorf("build driver %s type %s: unsupported type", definition.Name, definition.Type)
	}

	runtime, err := descriptor.Builder(ctx, definition, logger)
	if err != nil {
		return Runtime{}, fmt.Errorf("build driver %s type %s: %w", definition.Name, definition.Type, err)
	}
	if runtime.Driver == nil {
		return Runtime{}, fmt.Errorf("build driver %s type %s: nil driver", definition.Name, definition.Type)
	}
	runtime.Name = definition.Name
	runtime.Platform = descriptor.Platform

	return runtime, nil
}
