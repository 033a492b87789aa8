package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("INSIGHT_PORT", "")
	t.Setenv("INSIGHT_DEVICE", "")
	t.Setenv("INFERENCE_SERVER_URL", "")
	t.Setenv("INSIGHT_INTERVAL_MS", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, DefaultPort)
	}
	if cfg.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", cfg.Interval, DefaultInterval)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("port: \"9000\"\ndevice: \"2\"\ninterval: 250ms\nserver_url: http://file/predict\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("INSIGHT_PORT", "")
	t.Setenv("INSIGHT_INTERVAL_MS", "")
	t.Setenv("INSIGHT_DEVICE", "push:browser")
	t.Setenv("INFERENCE_SERVER_URL", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want 9000", cfg.Port)
	}
	if cfg.Interval != 250*time.Millisecond {
		t.Errorf("Interval = %v, want 250ms", cfg.Interval)
	}
	if cfg.Device != "push:browser" {
		t.Errorf("Device = %q, env should win", cfg.Device)
	}
	if cfg.ServerURL != "http://file/predict" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty port", func(c *Config) { c.Port = "" }, true},
		{"bad port", func(c *Config) { c.Port = "http" }, true},
		{"negative interval", func(c *Config) { c.Interval = -time.Second }, true},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
