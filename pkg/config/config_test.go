package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if !cfg.CacheEnabled {
		t.Error("CacheEnabled = false, want true")
	}
	if cfg.EphemeralDefaultIsolation != IsolationBasic {
		t.Errorf("EphemeralDefaultIsolation = %q, want %q", cfg.EphemeralDefaultIsolation, IsolationBasic)
	}
	if cfg.IsolationFallbackPolicy != FallbackDegrade {
		t.Errorf("IsolationFallbackPolicy = %q, want %q", cfg.IsolationFallbackPolicy, FallbackDegrade)
	}
}

func TestIsolationLevel_Rank(t *testing.T) {
	tests := []struct {
		level IsolationLevel
		rank  int
	}{
		{IsolationNone, 0},
		{IsolationBasic, 1},
		{IsolationNamespace, 2},
		{IsolationBounded, 3},
	}
	for _, tt := range tests {
		if got := tt.level.Rank(); got != tt.rank {
			t.Errorf("%s.Rank() = %d, want %d", tt.level, got, tt.rank)
		}
	}
	if IsolationBounded.Rank() <= IsolationNamespace.Rank() {
		t.Error("bounded must rank stricter than namespace")
	}
}

func TestSave_AtomicRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := Default()
	cfg.PreferredBackend = "uv"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	path := filepath.Join(home, ".pvm", "config.jsonc")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.PreferredBackend != "uv" {
		t.Errorf("PreferredBackend = %q, want %q", loaded.PreferredBackend, "uv")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PVM_PREFERRED_BACKEND", "poetry")
	t.Setenv("PVM_OFFLINE_MODE", "true")
	t.Setenv("PVM_EPHEMERAL_MAX_ENVIRONMENTS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PreferredBackend != "poetry" {
		t.Errorf("PreferredBackend = %q, want %q", cfg.PreferredBackend, "poetry")
	}
	if !cfg.OfflineMode {
		t.Error("OfflineMode = false, want true")
	}
	if cfg.EphemeralMaxEnvironments != 3 {
		t.Errorf("EphemeralMaxEnvironments = %d, want 3", cfg.EphemeralMaxEnvironments)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheSizeMB != Default().CacheSizeMB {
		t.Errorf("CacheSizeMB = %d, want default %d", cfg.CacheSizeMB, Default().CacheSizeMB)
	}
}
