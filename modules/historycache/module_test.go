package historycache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"otogi-agent/pkg/clock"
	"otogi-agent/pkg/otogi"
)

func TestModuleOnRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		services         map[string]any
		wantErrSubstring string
		wantFetcher      bool
	}{
		{
			name: "registers history service with optional collaborators",
			services: map[string]any{
				otogi.ServiceLogger:            discardLogger(),
				otogi.ServiceHistoryFetcher:    &fetcherStub{},
				otogi.ServiceMetricsRegisterer: prometheus.NewRegistry(),
			},
			wantFetcher: true,
		},
		{
			name:     "runs without fetcher",
			services: map[string]any{},
		},
		{
			name: "invalid logger type fails",
			services: map[string]any{
				otogi.ServiceLogger: struct{}{},
			},
			wantErrSubstring: "history cache resolve logger",
		},
		{
			name: "invalid fetcher type fails",
			services: map[string]any{
				otogi.ServiceHistoryFetcher: "not a fetcher",
			},
			wantErrSubstring: "history cache resolve fetcher",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			registry := newServiceRegistryStub()
			for name, service := range testCase.services {
				if err := registry.Register(name, service); err != nil {
					t.Fatalf("register service %s failed: %v", name, err)
				}
			}
			runtime := &moduleRuntimeStub{registry: registry}

			module := New(WithLogger(discardLogger()))
			err := module.OnRegister(context.Background(), runtime)
			if testCase.wantErrSubstring != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstring) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			resolved, err := otogi.ResolveAs[otogi.HistoryService](registry, otogi.ServiceHistory)
			if err != nil {
				t.Fatalf("resolve history service failed: %v", err)
			}
			if resolved != module {
				t.Fatal("resolved history service is not module instance")
			}
			if got := (module.retriever.fetcher != nil); got != testCase.wantFetcher {
				t.Fatalf("fetcher wired = %v, want %v", got, testCase.wantFetcher)
			}
			if len(runtime.specs) != 1 {
				t.Fatalf("subscriptions = %d, want 1", len(runtime.specs))
			}
			if !module.Capabilities()[0].Interest.Allows(runtime.specs[0].Filter) {
				t.Fatal("subscription filter not allowed by declared capability")
			}
		})
	}
}

func TestModuleRecordsSubscribedMessages(t *testing.T) {
	t.Parallel()

	runtime := &moduleRuntimeStub{registry: newServiceRegistryStub()}
	module := New(WithLogger(discardLogger()))
	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}

	event := &otogi.Event{
		ID:           "telegram:chat:1",
		Kind:         otogi.EventKindMessageCreated,
		OccurredAt:   epoch,
		Platform:     otogi.PlatformTelegram,
		Conversation: otogi.Conversation{ID: "chat", Type: otogi.ConversationTypeGroup},
		Actor:        otogi.Actor{ID: "42"},
		Message:      &otogi.Message{ID: "1", Text: "hello"},
	}
	for range 2 {
		if err := runtime.handlers[0](context.Background(), event); err != nil {
			t.Fatalf("handler failed: %v", err)
		}
	}
	if err := runtime.handlers[0](context.Background(), &otogi.Event{Kind: otogi.EventKindMessageCreated}); err == nil {
		t.Fatal("handler accepted invalid event")
	}

	history, err := module.GetRecentHistory(context.Background(), recordAt("chat", "2", time.Second), 10)
	if err != nil {
		t.Fatalf("GetRecentHistory failed: %v", err)
	}
	if ids := recordIDs(history); !equalIDs(ids, []string{"1"}) {
		t.Fatalf("history ids = %v, want [1]", ids)
	}
	if got := testutil.ToFloat64(module.metrics.adds.WithLabelValues(addResultDuplicate)); got != 1 {
		t.Fatalf("duplicate adds = %v, want 1", got)
	}
}

func TestModuleEntryPointsValidateRecords(t *testing.T) {
	t.Parallel()

	module := New(WithLogger(discardLogger()))
	if err := module.OnMessageArrived(context.Background(), otogi.MessageRecord{ID: "1"}); !errors.Is(err, otogi.ErrInvalidRecord) {
		t.Fatalf("OnMessageArrived error = %v, want ErrInvalidRecord", err)
	}
	if _, err := module.GetRecentHistory(context.Background(), otogi.MessageRecord{}, 10); !errors.Is(err, otogi.ErrInvalidRecord) {
		t.Fatalf("GetRecentHistory error = %v, want ErrInvalidRecord", err)
	}
}

func TestModuleLifecycleDrivesSweeper(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	fetcher := &fetcherStub{}
	module := New(
		WithLogger(discardLogger()),
		WithClock(fake),
		WithFetcher(fetcher),
		WithSweepInterval(time.Minute),
		WithStaleAge(3*time.Minute),
	)
	if err := module.OnMessageArrived(context.Background(), recordAt("chat", "1", 0)); err != nil {
		t.Fatalf("OnMessageArrived failed: %v", err)
	}

	if err := module.OnStart(context.Background()); err != nil {
		t.Fatalf("OnStart failed: %v", err)
	}
	fake.Advance(4 * time.Minute)
	waitUntil(t, func() bool { return module.cache.Len() == 0 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := module.OnShutdown(ctx); err != nil {
		t.Fatalf("OnShutdown failed: %v", err)
	}
	if got := fake.ActiveTickers(); got != 0 {
		t.Fatalf("ActiveTickers = %d, want 0", got)
	}
}

type moduleRuntimeStub struct {
	registry otogi.ServiceRegistry

	mu       sync.Mutex
	specs    []otogi.SubscriptionSpec
	handlers []otogi.EventHandler
}

func (s *moduleRuntimeStub) Services() otogi.ServiceRegistry {
	return s.registry
}

func (s *moduleRuntimeStub) Subscribe(
	_ context.Context,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
) (otogi.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.specs = append(s.specs, spec)
	s.handlers = append(s.handlers, handler)

	return nil, nil
}

type serviceRegistryStub struct {
	mu     sync.Mutex
	values map[string]any
}

func newServiceRegistryStub() *serviceRegistryStub {
	return &serviceRegistryStub{values: make(map[string]any)}
}

func (s *serviceRegistryStub) Register(name string, service any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return errors.New("empty service name")
	}
	if _, exists := s.values[name]; exists {
		return otogi.ErrServiceAlreadyRegistered
	}
	s.values[name] = service

	return nil
}

func (s *serviceRegistryStub) Resolve(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[name]
	if !ok {
		return nil, otogi.ErrServiceNotFound
	}

	return value, nil
}
