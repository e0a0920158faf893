package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"otogi-agent/pkg/otogi"
)

const (
	ownerKernel  = "kernel"
	ownerRuntime = "runtime"
)

// Kernel wires modules and drivers around one event bus and one service
// registry, and owns their lifecycle.
type Kernel struct {
	cfg      config
	bus      *EventBus
	services *ServiceRegistry

	mu      sync.Mutex
	modules []*moduleRecord
	drivers []otogi.Driver

	running atomic.Bool
}

// New creates a kernel. The logger is always published as a service; the
// metrics registerer only when WithMetricsRegisterer is given.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	k := &Kernel{
		cfg:      cfg,
		services: NewServiceRegistry(),
		bus: NewEventBus(
			cfg.subscriptionBuffer,
			cfg.subscriptionWorker,
			cfg.handlerTimeout,
			cfg.onAsyncError,
		),
	}

	bootstrap := map[string]any{otogi.ServiceLogger: cfg.logger}
	if cfg.registerer != nil {
		bootstrap[otogi.ServiceMetricsRegisterer] = cfg.registerer
		for _, collector := range k.bus.Collectors() {
			if err := cfg.registerer.Register(collector); err != nil {
				cfg.onAsyncError(context.Background(), "register event bus metrics", err)
			}
		}
	}
	for name, service := range bootstrap {
		if err := k.services.RegisterAs(ownerKernel, name, service); err != nil {
			cfg.onAsyncError(context.Background(), "register kernel service "+name, err)
		}
	}

	return k
}

// EventBus exposes the kernel event bus to integration code.
func (k *Kernel) EventBus() otogi.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() otogi.ServiceRegistry {
	return k.services
}

// ServicesFor returns a registry view whose registrations are attributed to
// owner.
func (k *Kernel) ServicesFor(owner string) otogi.ServiceRegistry {
	return ownedRegistry{base: k.services, owner: owner}
}

// RegisterService registers a service provided by the hosting binary.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.RegisterAs(ownerRuntime, name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule validates the module capabilities against the services
// registered so far and runs OnRegister. A failing OnRegister leaves no trace:
// subscriptions are closed and services the module published are withdrawn.
func (k *Kernel) RegisterModule(ctx context.Context, module otogi.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}

	record := &moduleRecord{
		name:         name,
		module:       module,
		capabilities: slices.Clone(module.Capabilities()),
	}
	if err := validateCapabilities(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	if err := k.checkRequiredServices(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	if k.moduleIndex(name) >= 0 {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, otogi.ErrModuleAlreadyRegistered)
	}
	k.modules = append(k.modules, record)
	k.mu.Unlock()

	runtime := &moduleRuntime{record: record, services: k.services, bus: k.bus}
	err := k.runHook(ctx, "module "+name+" OnRegister", func(hookCtx context.Context) error {
		return module.OnRegister(hookCtx, runtime)
	})
	if err != nil {
		k.unregisterModule(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.cfg.logger.DebugContext(ctx, "module registered",
		"module", name,
		"capabilities", len(record.capabilities),
	)

	return nil
}

// RegisterDriver adds a platform driver. Drivers start in registration order
// and stop in reverse.
func (k *Kernel) RegisterDriver(driver otogi.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, existing := range k.drivers {
		if existing.Name() == name {
			return fmt.Errorf("register driver %s: %w", name, otogi.ErrDriverAlreadyRegistered)
		}
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

// Run starts every module, runs drivers until ctx ends or a driver fails,
// then shuts everything down. Cancellation of ctx is a clean exit.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return fmt.Errorf("kernel run: already running")
	}
	defer k.running.Store(false)

	k.mu.Lock()
	modules := slices.Clone(k.modules)
	drivers := slices.Clone(k.drivers)
	k.mu.Unlock()

	for _, record := range modules {
		if err := k.runHook(ctx, "module "+record.name+" OnStart", record.module.OnStart); err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}
	k.cfg.logger.InfoContext(ctx, "kernel running",
		"modules", len(modules),
		"drivers", len(drivers),
		"services", k.services.Owners(),
	)

	runErr := k.runDrivers(ctx, drivers)
	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, k.shutdown(ctx, modules, drivers))
}

// runDrivers blocks until every driver returned, or until the run is
// cancelled and drivers had shutdownTimeout to notice.
func (k *Kernel) runDrivers(ctx context.Context, drivers []otogi.Driver) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, driver := range drivers {
		group.Go(func() error {
			err := runSafely("driver "+driver.Name()+" Start", func() error {
				return driver.Start(groupCtx, k.bus)
			})
			if err == nil || isContextCancellation(err) {
				return nil
			}

			return fmt.Errorf("run driver %s: %w", driver.Name(), err)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-groupCtx.Done():
	}

	timer := time.NewTimer(k.cfg.shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		k.cfg.logger.WarnContext(ctx, "drivers still running after shutdown timeout",
			"timeout", k.cfg.shutdownTimeout,
		)
		return context.Cause(groupCtx)
	}
}

// shutdown stops drivers, then modules, both newest first, and closes the bus
// last. It runs detached from ctx so cleanup survives cancellation.
func (k *Kernel) shutdown(ctx context.Context, modules []*moduleRecord, drivers []otogi.Driver) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var errs []error
	for _, driver := range slices.Backward(drivers) {
		err := runSafely("driver "+driver.Name()+" Shutdown", func() error {
			return driver.Shutdown(shutdownCtx)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown driver %s: %w", driver.Name(), err))
		}
	}
	for _, record := range slices.Backward(modules) {
		if err := record.closeSubscriptions(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
		}
		if err := k.runHook(shutdownCtx, "module "+record.name+" OnShutdown", record.module.OnShutdown); err != nil {
			errs = append(errs, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}
	if err := k.bus.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("kernel shutdown: %w", errors.Join(errs...))
}

// runHook bounds one lifecycle hook by the module hook timeout and turns
// panics into errors.
func (k *Kernel) runHook(ctx context.Context, scope string, hook func(context.Context) error) error {
	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	return runSafely(scope, func() error {
		return hook(hookCtx)
	})
}

// unregisterModule undoes a partial registration after OnRegister failed.
func (k *Kernel) unregisterModule(ctx context.Context, record *moduleRecord) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(cleanupCtx); err != nil {
		k.cfg.onAsyncError(cleanupCtx, "unregister module "+record.name, err)
	}
	if withdrawn := k.services.RemoveOwner(moduleOwner(record.name)); len(withdrawn) > 0 {
		k.cfg.logger.DebugContext(cleanupCtx, "module services withdrawn",
			"module", record.name,
			"services", withdrawn,
		)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if idx := k.moduleIndex(record.name); idx >= 0 {
		k.modules = slices.Delete(k.modules, idx, idx+1)
	}
}

// moduleIndex finds a registered module by name. Callers hold k.mu.
func (k *Kernel) moduleIndex(name string) int {
	return slices.IndexFunc(k.modules, func(record *moduleRecord) bool {
		return record.name == name
	})
}

// checkRequiredServices fails on the first required service not yet registered.
func (k *Kernel) checkRequiredServices(capabilities []otogi.Capability) error {
	for _, capability := range capabilities {
		for _, serviceName := range capability.RequiredServices {
			if _, err := k.services.Resolve(serviceName); err != nil {
				return fmt.Errorf("capability %s requires service %s: %w", capability.Name, serviceName, err)
			}
		}
	}

	return nil
}

// validateCapabilities rejects unnamed or duplicate capability declarations.
func validateCapabilities(capabilities []otogi.Capability) error {
	seen := make(map[string]struct{}, len(capabilities))
	for idx, capability := range capabilities {
		if capability.Name == "" {
			return fmt.Errorf("capability %d: empty capability name", idx)
		}
		if _, exists := seen[capability.Name]; exists {
			return fmt.Errorf("capability %d: duplicate capability name %s", idx, capability.Name)
		}
		seen[capability.Name] = struct{}{}
	}

	return nil
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
