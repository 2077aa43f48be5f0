// Command interopd runs the healthcare integration engine: it loads the
// configured inbound listeners, processing stages, and outbound senders
// and runs them until SIGINT/SIGTERM, then drains in reverse order.
//
// Signal handling and reverse-order shutdown follow this codebase's
// services/connector-hub daemon shape; config loading and environment
// layering are internal/config's own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridianhealth/interop-engine/internal/config"
	"github.com/meridianhealth/interop-engine/internal/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "interopd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", getenv("INTEROPD_CONFIG", "config/engine.yaml"), "path to engine config YAML")
		env        = flag.String("env", getenv("INTEROPD_ENV", ""), "environment overlay name (environments.<env> in the config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	engine, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return engine.Shutdown(shutdownCtx)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
