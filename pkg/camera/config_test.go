package camera

import (
	"errors"
	"sync"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}
	if cfg.Width != 640 || cfg.Height != 480 {
		t.Errorf("Expected 640x480, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestPresetsValid(t *testing.T) {
	for _, name := range PresetNames() {
		p := GetPreset(name)
		if p == nil {
			t.Fatalf("GetPreset(%q) returned nil", name)
		}
		if errs := p.Validate(); len(errs) != 0 {
			t.Errorf("%s: %v", name, errs)
		}
	}
	if GetPreset("nope") != nil {
		t.Error("unknown preset should be nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errors int
	}{
		{"ok", func(c *Config) {}, 0},
		{"too narrow", func(c *Config) { c.Width = 100 }, 1},
		{"too tall", func(c *Config) { c.Height = 5000 }, 1},
		{"zero fps", func(c *Config) { c.Framerate = 0 }, 1},
		{"bad quality", func(c *Config) { c.Quality = 101 }, 1},
		{"all bad", func(c *Config) { *c = Config{} }, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if got := len(cfg.Validate()); got != tt.errors {
				t.Errorf("got %d errors, want %d", got, tt.errors)
			}
		})
	}
}

func intp(v int) *int { return &v }

func TestManagerApply(t *testing.T) {
	m := NewManager()

	var applied Config
	m.OnConfigChange = func(cfg Config) error {
		applied = cfg
		return nil
	}

	mirror := true
	got, err := m.Apply(Update{Preset: Preset720p, Quality: intp(60), Mirror: &mirror})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.Width != 1280 || got.Height != 720 {
		t.Errorf("preset not applied: %dx%d", got.Width, got.Height)
	}
	if got.Quality != 60 || !got.Mirror {
		t.Errorf("overrides not applied: %+v", got)
	}
	if applied != got || m.GetConfig() != got {
		t.Error("OnConfigChange should receive the new config")
	}

	if _, err := m.Apply(Update{Width: intp(10)}); err == nil {
		t.Error("invalid width should be rejected")
	}
	if m.GetConfig() != got {
		t.Error("rejected update should not change config")
	}

	if _, err := m.Apply(Update{Preset: "missing"}); err == nil {
		t.Error("unknown preset should fail")
	}
	if err := m.ApplyPreset("missing"); err == nil {
		t.Error("unknown preset should fail")
	}
}

func TestManagerApplyConcurrentPatchesMerge(t *testing.T) {
	m := NewManager()
	mirror := true

	for round := 0; round < 200; round++ {
		if err := m.ApplyPreset(PresetDefault); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, u := range []Update{{Quality: intp(55)}, {Mirror: &mirror}, {Framerate: intp(20)}} {
			wg.Add(1)
			go func(u Update) {
				defer wg.Done()
				<-start
				if _, err := m.Apply(u); err != nil {
					t.Error(err)
				}
			}(u)
		}
		close(start)
		wg.Wait()

		got := m.GetConfig()
		if got.Quality != 55 || !got.Mirror || got.Framerate != 20 {
			t.Fatalf("round %d: lost update, config = %+v", round, got)
		}
	}
}

func TestManagerCallbackError(t *testing.T) {
	m := NewManager()
	m.OnConfigChange = func(Config) error { return errors.New("offline") }

	if err := m.ApplyPreset(PresetLow); err == nil {
		t.Fatal("callback error should be returned")
	}
	if m.GetConfig().Width != 320 {
		t.Error("config is kept even when the callback fails")
	}
}
