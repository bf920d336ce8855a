package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/immuni-app/immuni-backend-analytics/internal/app"
	"github.com/immuni-app/immuni-backend-analytics/internal/config"
	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
)

func main() {
	mode := flag.String("mode", "", "run mode: api or worker (overrides ANALYTICS_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		telemetry.DefaultLogger().Errorw("fatal", "error", err)
		os.Exit(1)
	}
}
