package otogi

import (
	"fmt"
	"reflect"
)

// Service names shared by the kernel, drivers and modules.
const (
	// ServiceLogger resolves the process *slog.Logger.
	ServiceLogger = "logger"
	// ServiceMetricsRegisterer resolves the prometheus.Registerer used for module collectors.
	ServiceMetricsRegisterer = "otogi.metrics_registerer"
	// ServiceHistory resolves the HistoryService owned by the history cache module.
	ServiceHistory = "otogi.history"
	// ServiceHistoryFetcher resolves the platform HistoryFetcher used for backfill.
	ServiceHistoryFetcher = "otogi.history_fetcher"
	// ServiceTyping resolves the TypingService owned by the typing module.
	ServiceTyping = "otogi.typing"
	// ServiceLivenessPinger resolves the platform LivenessPinger.
	ServiceLivenessPinger = "otogi.liveness_pinger"
	// ServiceMessageSender resolves the platform MessageSender.
	ServiceMessageSender = "otogi.message_sender"
	// ServiceSelfIdentity resolves the IdentityResolver for the logged-in account.
	ServiceSelfIdentity = "otogi.self_identity"
)

// ServiceRegistry holds named singletons. A name can be registered once.
type ServiceRegistry interface {
	Register(name string, service any) error
	Resolve(name string) (any, error)
}

// ResolveAs resolves name and asserts the service to T.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	service, err := registry.Resolve(name)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}
	typed, ok := service.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("resolve service %s: got %T, want %s", name, service, reflect.TypeFor[T]())
	}

	return typed, nil
}
