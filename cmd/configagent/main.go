package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/factoryedge/eventgen/internal/agent"
)

func main() {
	godotenv.Load()

	wsURL := os.Getenv("WS_CONFIG_URL")
	configPath := os.Getenv("EQUIPMENT_CONFIG")
	restartCmd := os.Getenv("RESTART_CMD")

	if configPath == "" {
		configPath = "config.json"
	}
	if wsURL == "" {
		slog.Error("WS_CONFIG_URL is not set")
		os.Exit(1)
	}

	var restarter agent.Restarter
	if restartCmd != "" {
		parts := strings.Fields(restartCmd)
		restarter = agent.ExecRestarter(parts[0], parts[1:]...)
	} else {
		slog.Warn("RESTART_CMD not set, config pushes will be written but the worker will not restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(wsURL, configPath, restarter)
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("config agent exited", "error", err)
		os.Exit(1)
	}
}
