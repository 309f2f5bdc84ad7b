// Package registry implements the Environment Registry (C6): the
// authoritative, persisted catalogue of managed environments. Grounded
// directly on the teacher's pkg/environment.FileStateStore — same
// load-at-start/persist-on-mutation lifecycle, same atomic
// write-temp-then-rename format, generalized from container records to
// venv records and from the teacher's ad hoc error helpers to
// internal/perr.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/venvforge/pvm/internal/perr"
)

// Status is an Environment's lifecycle state, per spec.md §3.
type Status string

const (
	StatusCreating Status = "creating"
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusDeleting Status = "deleting"
)

// Environment is one managed environment's persisted metadata.
type Environment struct {
	Name          string            `json:"name"`
	Path          string            `json:"path"`
	Interpreter   string            `json:"interpreter_version"`
	Backend       string            `json:"backend"`
	Description   string            `json:"description,omitempty"`
	ProjectDir    string            `json:"project_dir,omitempty"`
	PackageCount  int               `json:"package_count"`
	PackageGroups []string          `json:"package_groups,omitempty"`
	SizeBytes     int64             `json:"size_bytes"`
	Status        Status            `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	Active        bool              `json:"active"`
	Config        map[string]string `json:"config,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastUsedAt    time.Time         `json:"last_used_at,omitempty"`
}

// Filter narrows List results; zero-value fields are unconstrained.
type Filter struct {
	Backend string
	Status  Status
}

// SortBy selects List's ordering.
type SortBy string

const (
	SortByName       SortBy = "name"
	SortByCreated    SortBy = "created_at"
	SortByLastUsed   SortBy = "last_used_at"
)

type document struct {
	Version      int                     `json:"version"`
	Active       string                  `json:"active,omitempty"`
	Environments map[string]*Environment `json:"environments"`
	SavedAt      time.Time               `json:"saved_at"`
}

// Registry is the single-writer, multi-reader in-memory catalogue backed
// by an atomically-rewritten JSON document on disk.
type Registry struct {
	path   string
	mu     sync.RWMutex
	envs   map[string]*Environment
	active string
}

// Open loads a Registry from path, creating an empty one if the file does
// not yet exist.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, envs: make(map[string]*Environment)}
	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, perr.Wrap(perr.IOFailure, "loading environment registry", err)
	}
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return perr.Wrap(perr.IOFailure, "parsing environment registry", err)
	}
	if doc.Environments == nil {
		doc.Environments = make(map[string]*Environment)
	}
	r.envs = doc.Environments
	r.active = doc.Active
	return nil
}

// persist writes the registry atomically via a temp-file-then-rename,
// mirroring the teacher's FileStateStore.persist.
func (r *Registry) persist() error {
	doc := document{Version: 1, Active: r.active, Environments: r.envs, SavedAt: time.Now()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return perr.Wrap(perr.IOFailure, "serializing environment registry", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return perr.Wrap(perr.IOFailure, "creating registry directory", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return perr.Wrap(perr.IOFailure, "writing registry temp file", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return perr.Wrap(perr.IOFailure, "finalizing registry write", err)
	}
	return nil
}

// Upsert inserts or replaces env by name, persisting the result.
func (r *Registry) Upsert(env *Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if env == nil || env.Name == "" {
		return perr.New(perr.InvalidRequest, "environment must have a non-empty name")
	}
	env.UpdatedAt = time.Now()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = env.UpdatedAt
	}
	r.envs[env.Name] = env
	return r.persist()
}

// Remove deletes name from the registry, persisting the result. Removal
// is the Environment Manager's job only after the on-disk directory is
// gone (spec.md §4.7's delete ordering) — Remove itself is unconditional.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.envs[name]; !ok {
		return perr.New(perr.InvalidRequest, "no such environment: "+name)
	}
	delete(r.envs, name)
	if r.active == name {
		r.active = ""
	}
	return r.persist()
}

// Get returns a copy of the named environment's record.
func (r *Registry) Get(name string) (Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envs[name]
	if !ok {
		return Environment{}, false
	}
	return *env, true
}

// List returns a snapshot of environments matching filter, ordered by by.
func (r *Registry) List(filter Filter, by SortBy) []Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Environment, 0, len(r.envs))
	for _, env := range r.envs {
		if filter.Backend != "" && env.Backend != filter.Backend {
			continue
		}
		if filter.Status != "" && env.Status != filter.Status {
			continue
		}
		out = append(out, *env)
	}

	sort.Slice(out, func(i, j int) bool {
		switch by {
		case SortByCreated:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case SortByLastUsed:
			return out[i].LastUsedAt.Before(out[j].LastUsedAt)
		default:
			return out[i].Name < out[j].Name
		}
	})
	return out
}

// MarkActive sets name as the sole active environment, clearing any
// other, per spec.md §3 invariant 3. Passing "" clears the active flag
// entirely.
func (r *Registry) MarkActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != "" {
		env, ok := r.envs[name]
		if !ok {
			return perr.New(perr.InvalidRequest, "no such environment: "+name)
		}
		if prev, ok := r.envs[r.active]; ok && r.active != name {
			prev.Active = false
		}
		env.Active = true
	} else if prev, ok := r.envs[r.active]; ok {
		prev.Active = false
	}
	r.active = name
	return r.persist()
}

// Active returns the currently active environment's name, or "" if none.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Reconcile walks every registered environment and marks any whose path
// is missing from the filesystem as error — the registry never silently
// drops an entry just because the directory vanished out from under it
// (spec.md §4.6).
func (r *Registry) Reconcile() (marked []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for name, env := range r.envs {
		if env.Status == StatusCreating || env.Status == StatusDeleting {
			continue
		}
		if _, statErr := os.Stat(env.Path); os.IsNotExist(statErr) {
			if env.Status != StatusError {
				env.Status = StatusError
				env.StatusMessage = "environment directory missing from filesystem"
				env.UpdatedAt = time.Now()
				changed = true
			}
			marked = append(marked, name)
		}
	}
	if changed {
		if err := r.persist(); err != nil {
			return marked, err
		}
	}
	return marked, nil
}
