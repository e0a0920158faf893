package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"otogi-agent/internal/driver"
	"otogi-agent/internal/kernel"
	"otogi-agent/modules/historycache"
	"otogi-agent/modules/llmchat"
	"otogi-agent/modules/typing"
	"otogi-agent/pkg/llm"
	llmconfig "otogi-agent/pkg/llm/config"
	"otogi-agent/pkg/otogi"
)

const (
	envConfigFile             = "OTOGI_CONFIG_FILE"
	envLogLevel               = "OTOGI_LOG_LEVEL"
	defaultConfigFilePath     = "config/bot.json"
	alternateConfigFilePath   = "bin/config/bot.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 2
	defaultSweepInterval      = 2 * time.Minute
	defaultStaleAge           = 10 * time.Minute
	defaultTypingInterval     = 9 * time.Second
	defaultTypingPingTimeout  = 5 * time.Second
	metricsReadHeaderTimeout  = 5 * time.Second
)

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	drivers []driver.Definition

	historySweepInterval time.Duration
	historyStaleAge      time.Duration

	typingInterval    time.Duration
	typingPingTimeout time.Duration

	llm llmconfig.Config

	metricsAddr string
}

type fileConfig struct {
	LogLevel string            `json:"log_level"`
	Kernel   fileKernelConfig  `json:"kernel"`
	Drivers  []fileDriverEntry `json:"drivers"`
	History  fileHistoryConfig `json:"history"`
	Typing   fileTypingConfig  `json:"typing"`
	LLM      json.RawMessage   `json:"llm"`
	Metrics  fileMetricsConfig `json:"metrics"`
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type fileHistoryConfig struct {
	SweepInterval string `json:"sweep_interval"`
	StaleAge      string `json:"stale_age"`
}

type fileTypingConfig struct {
	Interval    string `json:"interval"`
	PingTimeout string `json:"ping_timeout"`
}

type fileMetricsConfig struct {
	Addr string `json:"addr"`
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "otogi-agent",
		Usage: "Telegram userbot that answers with LLM agents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the JSON config file",
				Sources: cli.EnvVars(envConfigFile),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level override (debug, info, warn, error)",
				Sources: cli.EnvVars(envLogLevel),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, cmd.String("config"), cmd.String("log-level"))
		},
	}
}

func run(ctx context.Context, configFile string, logLevelOverride string) error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, err := loadConfig(configFile, registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(logLevelOverride) != "" {
		level, err := parseLogLevel(logLevelOverride)
		if err != nil {
			return fmt.Errorf("parse --log-level: %w", err)
		}
		cfg.logLevel = level
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	metricsRegistry := newMetricsRegistry()
	kernelRuntime := buildKernelRuntime(logger, metricsRegistry, cfg)

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return fmt.Errorf("build drivers: %w", err)
	}
	if err := registerRuntimeDrivers(kernelRuntime, runtimes); err != nil {
		return err
	}
	if err := registerRuntimeServices(kernelRuntime, runtimes, cfg.llm, metricsRegistry); err != nil {
		return err
	}
	if err := registerRuntimeModules(ctx, kernelRuntime, logger, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, logger, kernelRuntime, metricsRegistry, cfg)
}

func serve(
	ctx context.Context,
	logger *slog.Logger,
	kernelRuntime *kernel.Kernel,
	gatherer prometheus.Gatherer,
	cfg appConfig,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		if err := kernelRuntime.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})

	if cfg.metricsAddr != "" {
		server := newMetricsServer(cfg.metricsAddr, gatherer)
		group.Go(func() error {
			logger.InfoContext(groupCtx, "metrics server listening", "addr", cfg.metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown metrics server: %w", err)
			}
			return nil
		})
	}

	return group.Wait()
}

func newMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

func loadConfig(configFile string, registry *driver.Registry) (appConfig, error) {
	cfg := defaultAppConfig()
	path, err := resolveConfigFilePath(configFile)
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, path); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", path, err)
	}

	return cfg, nil
}

func resolveConfigFilePath(explicit string) (string, error) {
	if configFile := strings.TrimSpace(explicit); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,

		drivers: make([]driver.Definition, 0),

		historySweepInterval: defaultSweepInterval,
		historyStaleAge:      defaultStaleAge,

		typingInterval:    defaultTypingInterval,
		typingPingTimeout: defaultTypingPingTimeout,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := readConfigDocument(path)
	if err != nil {
		return err
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	durations := []struct {
		scope  string
		raw    string
		target *time.Duration
	}{
		{scope: "kernel.module_hook_timeout", raw: parsed.Kernel.ModuleHookTimeout, target: &cfg.moduleHookTimeout},
		{scope: "kernel.shutdown_timeout", raw: parsed.Kernel.ShutdownTimeout, target: &cfg.shutdownTimeout},
		{scope: "history.sweep_interval", raw: parsed.History.SweepInterval, target: &cfg.historySweepInterval},
		{scope: "history.stale_age", raw: parsed.History.StaleAge, target: &cfg.historyStaleAge},
		{scope: "typing.interval", raw: parsed.Typing.Interval, target: &cfg.typingInterval},
		{scope: "typing.ping_timeout", raw: parsed.Typing.PingTimeout, target: &cfg.typingPingTimeout},
	}
	for _, duration := range durations {
		if err := parsePositiveDuration(duration.raw, duration.scope, duration.target); err != nil {
			return err
		}
	}

	if parsed.Kernel.SubscriptionBuffer != nil {
		if *parsed.Kernel.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.Kernel.SubscriptionBuffer
	}
	if parsed.Kernel.SubscriptionWorkers != nil {
		if *parsed.Kernel.SubscriptionWorkers <= 0 {
			return fmt.Errorf("parse kernel.subscription_workers: must be > 0")
		}
		cfg.subscriptionWorkers = *parsed.Kernel.SubscriptionWorkers
	}

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
	}

	llmCfg, err := llmconfig.Parse(parsed.LLM)
	if err != nil {
		return fmt.Errorf("parse llm: %w", err)
	}
	cfg.llm = llmCfg

	cfg.metricsAddr = strings.TrimSpace(parsed.Metrics.Addr)

	return nil
}

func parsePositiveDuration(raw string, scope string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", scope, err)
	}
	if value <= 0 {
		return fmt.Errorf("parse %s: must be > 0", scope)
	}
	*target = value

	return nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	seen := make(map[string]struct{}, len(cfg.drivers))
	enabled := 0
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if _, err := registry.PlatformForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}
	if cfg.typingPingTimeout > cfg.typingInterval {
		return fmt.Errorf("typing.ping_timeout must be <= typing.interval")
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func buildKernelRuntime(logger *slog.Logger, registerer prometheus.Registerer, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithMetricsRegisterer(registerer),
	)
}

func registerRuntimeDrivers(kernelRuntime *kernel.Kernel, runtimes []driver.Runtime) error {
	for _, runtime := range runtimes {
		if err := kernelRuntime.RegisterDriver(runtime.Driver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtime.Name, err)
		}
	}

	return nil
}

// registerRuntimeServices exposes driver platform services and the LLM
// provider registry. The kernel registers the logger itself.
func registerRuntimeServices(
	kernelRuntime *kernel.Kernel,
	runtimes []driver.Runtime,
	llmCfg llmconfig.Config,
	registerer prometheus.Registerer,
) error {
	for _, runtime := range runtimes {
		if runtime.RegisterServices == nil {
			continue
		}
		if err := runtime.RegisterServices(kernelRuntime.ServicesFor("driver " + runtime.Name)); err != nil {
			return fmt.Errorf("register driver %s services: %w", runtime.Name, err)
		}
	}

	providers, err := llm.BuildRegistry(llmCfg, llm.WithMetrics(registerer))
	if err != nil {
		return fmt.Errorf("build llm provider registry: %w", err)
	}
	if err := kernelRuntime.RegisterService(otogi.ServiceLLMProviderRegistry, providers); err != nil {
		return fmt.Errorf("register llm provider registry: %w", err)
	}

	return nil
}

// registerRuntimeModules registers service owners before their consumers;
// the kernel checks required services at registration time.
func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	cfg appConfig,
) error {
	historyModule := historycache.New(
		historycache.WithLogger(logger),
		historycache.WithSweepInterval(cfg.historySweepInterval),
		historycache.WithStaleAge(cfg.historyStaleAge),
	)
	if err := kernelRuntime.RegisterModule(ctx, historyModule); err != nil {
		return fmt.Errorf("register history cache module: %w", err)
	}

	typingModule := typing.New(
		typing.WithLogger(logger),
		typing.WithRefreshInterval(cfg.typingInterval),
		typing.WithRefreshTimeout(cfg.typingPingTimeout),
	)
	if err := kernelRuntime.RegisterModule(ctx, typingModule); err != nil {
		return fmt.Errorf("register typing module: %w", err)
	}

	chatModule, err := llmchat.New(cfg.llm, llmchat.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("new llmchat module: %w", err)
	}
	if err := kernelRuntime.RegisterModule(ctx, chatModule); err != nil {
		return fmt.Errorf("register llmchat module: %w", err)
	}

	return nil
}
