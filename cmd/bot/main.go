package main

import (
	"context"
	"log/slog"
	"os"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		slog.Error("bot exited with error", "error", err)
		os.Exit(1)
	}
}
