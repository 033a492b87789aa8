package camera

import (
	"fmt"
	"sync"
)

// Manager owns the runtime capture configuration. New streams pick it up
// when they start; OnConfigChange lets remote producers follow it live.
type Manager struct {
	mu     sync.RWMutex
	config Config

	OnConfigChange func(cfg Config) error
}

// Update is a partial configuration change. Preset, when set, is applied
// before the individual fields.
type Update struct {
	Preset    string `json:"preset,omitempty"`
	Width     *int   `json:"width,omitempty"`
	Height    *int   `json:"height,omitempty"`
	Framerate *int   `json:"framerate,omitempty"`
	Quality   *int   `json:"quality,omitempty"`
	Mirror    *bool  `json:"mirror,omitempty"`
}

// NewManager returns a manager holding DefaultConfig.
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

// GetConfig returns the current configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig validates cfg and makes it current.
func (m *Manager) SetConfig(cfg Config) error {
	_, err := m.apply(func(c *Config) error {
		*c = cfg
		return nil
	})
	return err
}

// ApplyPreset replaces the configuration with a named preset.
func (m *Manager) ApplyPreset(name string) error {
	preset := GetPreset(name)
	if preset == nil {
		return fmt.Errorf("camera: unknown preset %q", name)
	}
	return m.SetConfig(*preset)
}

// Apply merges u into the current configuration. Concurrent updates are
// serialized, and nothing changes if the result is invalid.
func (m *Manager) Apply(u Update) (Config, error) {
	return m.apply(func(cfg *Config) error {
		if u.Preset != "" {
			preset := GetPreset(u.Preset)
			if preset == nil {
				return fmt.Errorf("camera: unknown preset %q", u.Preset)
			}
			*cfg = *preset
		}
		setInt(&cfg.Width, u.Width)
		setInt(&cfg.Height, u.Height)
		setInt(&cfg.Framerate, u.Framerate)
		setInt(&cfg.Quality, u.Quality)
		if u.Mirror != nil {
			cfg.Mirror = *u.Mirror
		}
		return nil
	})
}

// apply runs merge on a copy of the current config and stores the result
// under one lock. OnConfigChange runs after the lock is released.
func (m *Manager) apply(merge func(*Config) error) (Config, error) {
	m.mu.Lock()
	cfg := m.config
	if err := merge(&cfg); err != nil {
		current := m.config
		m.mu.Unlock()
		return current, err
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		current := m.config
		m.mu.Unlock()
		return current, fmt.Errorf("camera: invalid config: %v", problems)
	}
	m.config = cfg
	onChange := m.OnConfigChange
	m.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			return cfg, fmt.Errorf("camera: apply config: %w", err)
		}
	}
	return cfg, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
