package config

import (
	"runtime"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := fromViper(newViper())
	if cfg.Addr != ":8080" {
		t.Errorf("expected addr :8080, got %q", cfg.Addr)
	}
	if cfg.Engine != "native" {
		t.Errorf("expected native engine, got %q", cfg.Engine)
	}
	if cfg.Threads != runtime.NumCPU() {
		t.Errorf("expected %d threads, got %d", runtime.NumCPU(), cfg.Threads)
	}
	if cfg.ContextSamples != 480000 {
		t.Errorf("expected 480000 context samples, got %d", cfg.ContextSamples)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WHISPER_BACKEND", "GONUM")
	t.Setenv("WHISPER_TASK", "translate")
	t.Setenv("WHISPER_TIMESTAMPS", "true")
	t.Setenv("WHISPER_TEMPERATURE", "0.4")
	t.Setenv("WHISPER_SEED", "42")
	t.Setenv("WHISPER_THREADS", "3")

	cfg := fromViper(newViper())
	if cfg.Backend != "gonum" {
		t.Errorf("expected backend gonum, got %q", cfg.Backend)
	}
	if cfg.Task != "translate" {
		t.Errorf("expected translate task, got %q", cfg.Task)
	}
	if !cfg.Timestamps {
		t.Error("expected timestamps enabled")
	}
	if cfg.Temperature != 0.4 {
		t.Errorf("expected temperature 0.4, got %g", cfg.Temperature)
	}
	if cfg.Seed != 42 {
		t.Errorf("expected seed 42, got %d", cfg.Seed)
	}
	if cfg.Threads != 3 {
		t.Errorf("expected 3 threads, got %d", cfg.Threads)
	}
}

func TestValidate(t *testing.T) {
	base := fromViper(newViper())
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad task", func(c *Config) { c.Task = "summarise" }},
		{"negative temperature", func(c *Config) { c.Temperature = -1 }},
		{"context smaller than window", func(c *Config) { c.ContextSamples = 10; c.WorkWindowSamples = 100 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
