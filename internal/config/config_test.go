package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("Worker.MaxAttempts = %d, want 3", cfg.Worker.MaxAttempts)
	}
	if cfg.Worker.StaleAfter != 30*time.Minute {
		t.Errorf("Worker.StaleAfter = %v, want 30m", cfg.Worker.StaleAfter)
	}
	if cfg.Quota.HourlyLimit <= 0 || cfg.Quota.DailyLimit <= 0 {
		t.Errorf("quota defaults = %d/%d, want positive ceilings", cfg.Quota.HourlyLimit, cfg.Quota.DailyLimit)
	}
	if cfg.Driver.MaxChapters <= 0 {
		t.Errorf("Driver.MaxChapters = %d, want positive", cfg.Driver.MaxChapters)
	}
	if cfg.Provider.Name != "openai" {
		t.Errorf("Provider.Name = %q, want openai", cfg.Provider.Name)
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "config.yaml")

		configContent := `
server:
  port: "9090"
worker:
  max_attempts: 5
`
		if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Server.Port != "9090" {
			t.Errorf("Server.Port = %q, want 9090", cfg.Server.Port)
		}
		if cfg.Worker.MaxAttempts != 5 {
			t.Errorf("Worker.MaxAttempts = %d, want 5", cfg.Worker.MaxAttempts)
		}
		// Untouched sections keep their defaults.
		if cfg.Driver.PollInterval != 1500*time.Millisecond {
			t.Errorf("Driver.PollInterval = %v, want default", cfg.Driver.PollInterval)
		}
	})

	t.Run("rejects malformed config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "config.yaml")

		if err := os.WriteFile(configFile, []byte("server: [not a map"), 0644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		if _, err := NewManager(configFile); err == nil {
			t.Error("expected error for malformed config file")
		}
	})
}

func TestManager_OnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configFile, []byte("server:\n  port: \"8081\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 2 {
		t.Errorf("expected 2 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}
