// Image Insight - classify uploads or a live webcam stream against a remote
// inference server, with a web API and websocket presenters.
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"os/signal"
	"syscall"

	"github.com/teslashibe/image-insight/internal/config"
	"github.com/teslashibe/image-insight/internal/log"
	"github.com/teslashibe/image-insight/pkg/insight"
)

func main() {
	cfg := parseFlags()
	log.Init(cfg.LogLevel)

	if err := run(cfg); err != nil {
		stdlog.Fatalf("%v", err)
	}
}

func run(cfg config.Config) error {
	app, err := insight.New(cfg)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := app.Init(); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer app.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

// parseFlags loads the config file and applies command line overrides.
func parseFlags() config.Config {
	path := flag.String("config", config.DefaultConfigFile, "Path to YAML config file")
	port := flag.String("port", "", "HTTP port (overrides INSIGHT_PORT)")
	device := flag.String("device", "", "Default camera: index, path, ws:// WebRTC URL or push:<feed>")
	settingsPath := flag.String("settings", "", "Settings file holding the inference server URL")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	interval := flag.Duration("interval", 0, "Pause between streaming requests")
	preset := flag.String("preset", "", "Camera preset: default, low, 720p, 1080p, selfie")
	staticDir := flag.String("static", "", "Directory with the front-end build")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}

	if *port != "" {
		cfg.Port = *port
	}
	if *device != "" {
		cfg.Device = *device
	}
	if *settingsPath != "" {
		cfg.SettingsPath = *settingsPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *interval > 0 {
		cfg.Interval = *interval
	}
	if *preset != "" {
		cfg.CameraPreset = *preset
	}
	if *staticDir != "" {
		cfg.StaticDir = *staticDir
	}
	return cfg
}
