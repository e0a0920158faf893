package llm

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"otogi-agent/pkg/otogi"
)

// Registry maps provider profile keys to providers. It is immutable after
// construction and safe for concurrent Resolve calls.
type Registry struct {
	providers map[string]otogi.LLMProvider
}

var _ otogi.LLMProviderRegistry = (*Registry)(nil)

type registryOptions struct {
	registerer prometheus.Registerer
}

// RegistryOption configures NewRegistry and BuildRegistry.
type RegistryOption func(*registryOptions)

// WithMetrics wraps every provider so generation requests and stream
// durations are recorded on registerer.
func WithMetrics(registerer prometheus.Registerer) RegistryOption {
	return func(opts *registryOptions) {
		opts.registerer = registerer
	}
}

// NewRegistry validates keys, which are trimmed, and copies providers.
func NewRegistry(providers map[string]otogi.LLMProvider, options ...RegistryOption) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("new llm provider registry: empty providers")
	}
	var opts registryOptions
	for _, option := range options {
		option(&opts)
	}

	var metrics *providerMetrics
	if opts.registerer != nil {
		var err error
		if metrics, err = registerProviderMetrics(opts.registerer); err != nil {
			return nil, fmt.Errorf("new llm provider registry: %w", err)
		}
	}

	registry := &Registry{providers: make(map[string]otogi.LLMProvider, len(providers))}
	for _, rawKey := range slices.Sorted(maps.Keys(providers)) {
		key := strings.TrimSpace(rawKey)
		provider := providers[rawKey]
		switch {
		case key == "":
			return nil, fmt.Errorf("new llm provider registry: empty provider key")
		case provider == nil:
			return nil, fmt.Errorf("new llm provider registry: provider %s is nil", key)
		}
		if _, taken := registry.providers[key]; taken {
			return nil, fmt.Errorf("new llm provider registry: duplicate provider key %s", key)
		}
		if metrics != nil {
			provider = metrics.wrap(key, provider)
		}
		registry.providers[key] = provider
	}

	return registry, nil
}

// Keys lists the configured provider keys sorted.
func (r *Registry) Keys() []string {
	return slices.Sorted(maps.Keys(r.providers))
}

// Resolve returns the provider configured under key.
func (r *Registry) Resolve(key string) (otogi.LLMProvider, error) {
	if r == nil {
		return nil, fmt.Errorf("resolve llm provider: nil registry")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("resolve llm provider: empty provider key")
	}
	provider, found := r.providers[key]
	if !found {
		return nil, fmt.Errorf("resolve llm provider: provider %s is not configured", key)
	}

	return provider, nil
}
