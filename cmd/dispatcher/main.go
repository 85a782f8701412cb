package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acme/voice-campaign/internal/app"
	"github.com/acme/voice-campaign/internal/telemetry"
)

// The dispatcher binary adopts active campaigns whose lock is free: after
// a crash or deploy it resumes each one from its processed count. It
// rescans periodically so orphaned campaigns are picked up without manual
// intervention.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-dispatcher")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	registry := container.Dispatch()
	rates := container.Services().Billing.Rates

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		if err := registry.Resume(ctx, rates); err != nil {
			log.Printf("resume active campaigns: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
