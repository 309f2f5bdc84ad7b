// Package config constructs the single explicit Config value threaded
// through every pvm component constructor. There is no package-level
// mutable singleton here: callers load a Config once at startup (or build
// one directly in tests) and pass it down, the way the teacher's
// pkg/userconfig loads once and the caller threads the result through.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tailscale/hujson"
)

// IsolationLevel is a rung in the strictness order none < basic < namespace < bounded.
type IsolationLevel string

const (
	IsolationNone      IsolationLevel = "none"
	IsolationBasic     IsolationLevel = "basic"
	IsolationNamespace IsolationLevel = "namespace"
	IsolationBounded   IsolationLevel = "bounded"
)

// Rank returns the strictness rank of the level, used to compare and step
// down one rung on fallback.
func (l IsolationLevel) Rank() int {
	switch l {
	case IsolationNone:
		return 0
	case IsolationBasic:
		return 1
	case IsolationNamespace:
		return 2
	case IsolationBounded:
		return 3
	default:
		return 0
	}
}

// StorageBacking is the ephemeral environment's storage medium.
type StorageBacking string

const (
	StorageMemory StorageBacking = "memory"
	StorageDisk   StorageBacking = "disk"
)

// EvictionPolicy selects which dimension the Cache Index prefers under
// size pressure. The spec fixes last-hit LRU but allows exposing the
// least-recently-inserted alternative as a configuration (DESIGN.md Open
// Question 2).
type EvictionPolicy string

const (
	EvictionLRUHit    EvictionPolicy = "lru_hit"
	EvictionLRUInsert EvictionPolicy = "lru_insert"
)

// FallbackPolicy governs what happens when a requested isolation level is
// unsupported by the host (DESIGN.md Open Question 1).
type FallbackPolicy string

const (
	FallbackDegrade FallbackPolicy = "degrade"
	FallbackFail    FallbackPolicy = "fail"
)

// Config is the full set of options the core recognizes, matching the
// table in spec.md §6 plus the ambient fields SPEC_FULL.md adds.
type Config struct {
	PreferredBackend string `json:"preferred_backend,omitempty"`

	CacheEnabled        bool           `json:"cache_enabled"`
	CacheSizeMB         int64          `json:"cache_size_mb"`
	CacheMaxAgeDays     int            `json:"cache_max_age_days"`
	CacheEvictionPolicy EvictionPolicy `json:"cache_eviction_policy,omitempty"`
	OfflineMode         bool           `json:"offline_mode"`

	EnvironmentsPath string `json:"environments_path"`

	EphemeralDefaultIsolation IsolationLevel `json:"ephemeral_default_isolation"`
	EphemeralDefaultStorage   StorageBacking `json:"ephemeral_default_storage"`
	EphemeralTTLSeconds       int            `json:"ephemeral_ttl_seconds"`
	EphemeralMaxEnvironments  int            `json:"ephemeral_max_environments"`
	IsolationFallbackPolicy   FallbackPolicy `json:"isolation_fallback_policy,omitempty"`

	// Ambient fields, not in spec.md's table but required to run anywhere.
	LogLevel     string `json:"log_level,omitempty"`
	LogJSON      bool   `json:"log_json"`
	CacheRoot    string `json:"cache_root,omitempty"`
	RegistryPath string `json:"registry_path,omitempty"`
}

// Default returns the baseline configuration used when no file and no
// environment overrides are present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".pvm")
	return &Config{
		CacheEnabled:              true,
		CacheSizeMB:               1024,
		CacheMaxAgeDays:           90,
		CacheEvictionPolicy:       EvictionLRUHit,
		OfflineMode:               false,
		EnvironmentsPath:          filepath.Join(root, "environments"),
		EphemeralDefaultIsolation: IsolationBasic,
		EphemeralDefaultStorage:   StorageDisk,
		EphemeralTTLSeconds:       900,
		EphemeralMaxEnvironments:  8,
		IsolationFallbackPolicy:   FallbackDegrade,
		LogLevel:                  "info",
		CacheRoot:                 filepath.Join(root, "cache"),
		RegistryPath:              filepath.Join(root, "registry.json"),
	}
}

// configPath returns the path to the user-level config file.
func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pvm", "config.jsonc"), nil
}

// Load builds a Config by layering defaults, then the on-disk JSONC file
// (parsed via hujson, matching the teacher's devcontainer.json handling
// of comments and trailing commas), then PVM_-prefixed environment
// overrides. It never returns a nil Config, even when the file is absent
// or unparsable.
func Load() (*Config, error) {
	cfg := Default()

	path, err := configPath()
	if err == nil {
		if raw, readErr := os.ReadFile(path); readErr == nil {
			std, stdErr := hujson.Standardize(raw)
			if stdErr == nil {
				_ = json.Unmarshal(std, cfg)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PVM_PREFERRED_BACKEND"); v != "" {
		cfg.PreferredBackend = v
	}
	if v := os.Getenv("PVM_OFFLINE_MODE"); v != "" {
		cfg.OfflineMode = v == "true" || v == "1"
	}
	if v := os.Getenv("PVM_CACHE_SIZE_MB"); v != "" {
		if n, errConv := strconv.ParseInt(v, 10, 64); errConv == nil {
			cfg.CacheSizeMB = n
		}
	}
	if v := os.Getenv("PVM_ENVIRONMENTS_PATH"); v != "" {
		cfg.EnvironmentsPath = v
	}
	if v := os.Getenv("PVM_EPHEMERAL_MAX_ENVIRONMENTS"); v != "" {
		if n, errConv := strconv.Atoi(v); errConv == nil {
			cfg.EphemeralMaxEnvironments = n
		}
	}
	if v := os.Getenv("PVM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Save persists cfg atomically (temp file then rename), matching the
// teacher's pkg/userconfig.Save.
func Save(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "config-*.jsonc")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
