// fedisky is a bidirectional federation sidecar bridging the AT Protocol
// (Bluesky) and ActivityPub (the wider Fediverse). It runs as a single
// binary with SQLite by default, requiring no external database for
// self-hosted deployments.
//
// Usage:
//
//	export PDS_URL=https://bsky.social
//	export PUBLIC_URL=https://bridge.yourdomain.com
//	export BRIDGE_ENABLED=true
//	export BRIDGE_HANDLE=bridge.yourdomain.com
//	export BRIDGE_PASSWORD=<app password>
//	./fedisky
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/msonnb/fedisky/internal/bootstrap"
	"github.com/msonnb/fedisky/internal/config"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting fedisky bridge", "version", "0.1.0")

	cfg := config.Load()
	slog.Info("config loaded",
		"publicUrl", cfg.PublicURL,
		"pdsUrl", cfg.PDSURL,
		"firehoseEnabled", cfg.FirehoseEnabled,
		"bridgeEnabled", cfg.BridgeEnabled,
		"constellationUrl", cfg.ConstellationURL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize bridge", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	app.Run(ctx) // blocks until ctx is cancelled

	slog.Info("fedisky bridge stopped")
}
