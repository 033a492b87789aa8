// Package config provides configuration loading for image-insight commands.
//
// Values are resolved in order: defaults, optional YAML file, environment,
// then command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort           = "8080"
	DefaultLogLevel       = "info"
	DefaultDevice         = "0"
	DefaultInterval       = 100 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
	DefaultCameraPreset   = "default"
	DefaultConfigFile     = "config.yaml"
)

// Config holds process-level settings.
// The inference endpoint itself lives in the settings store; ServerURL
// replaces the built-in default used when nothing has been saved.
type Config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	SettingsPath   string        `yaml:"settings_path"`
	Device         string        `yaml:"device"`
	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CameraPreset   string        `yaml:"camera_preset"`
	ServerURL      string        `yaml:"server_url"`
	StaticDir      string        `yaml:"static_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           DefaultPort,
		LogLevel:       DefaultLogLevel,
		SettingsPath:   DefaultSettingsPath(),
		Device:         DefaultDevice,
		Interval:       DefaultInterval,
		RequestTimeout: DefaultRequestTimeout,
		CameraPreset:   DefaultCameraPreset,
		StaticDir:      "./web",
	}
}

// DefaultSettingsPath returns ~/.image-insight/settings.json, or a relative
// path when the home directory is unknown.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".image-insight", "settings.json")
	}
	return filepath.Join(home, ".image-insight", "settings.json")
}

// Load reads path on top of the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.LoadEnv()
	return cfg, cfg.Validate()
}

// LoadEnv applies environment variable overrides.
func (c *Config) LoadEnv() {
	if v := os.Getenv("INSIGHT_PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("INSIGHT_DEVICE"); v != "" {
		c.Device = v
	}
	if v := os.Getenv("INSIGHT_SETTINGS"); v != "" {
		c.SettingsPath = v
	}
	if v := os.Getenv("INFERENCE_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("INSIGHT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Interval = time.Duration(ms) * time.Millisecond
		}
	}
}

// Validate checks ranges.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: port is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("config: invalid port %q", c.Port)
	}
	if c.Interval < 0 {
		return fmt.Errorf("config: interval must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive")
	}
	return nil
}
