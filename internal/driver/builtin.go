package driver

import (
	"context"
	"log/slog"

	"otogi-agent/internal/driver/telegram"
)

// NewBuiltinRegistry returns a Registry holding every driver type compiled
// into the binary.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{{
		Type:     telegram.DriverType,
		Platform: telegram.DriverPlatform,
		Builder:  buildTelegram,
	}})
}

func buildTelegram(_ context.Context, definition Definition, logger *slog.Logger) (Runtime, error) {
	built, err := telegram.BuildRuntimeFromConfig(definition.Name, logger, definition.Config)
	if err != nil {
		return Runtime{}, err
	}

	return Runtime{Driver: built.Driver, RegisterServices: built.RegisterServices}, nil
}
