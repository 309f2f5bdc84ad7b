package environment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/venvforge/pvm/internal/logx"
	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/backend"
	"github.com/venvforge/pvm/pkg/backend/pdm"
	"github.com/venvforge/pvm/pkg/backend/pip"
	"github.com/venvforge/pvm/pkg/backend/poetry"
	"github.com/venvforge/pvm/pkg/backend/uv"
	"github.com/venvforge/pvm/pkg/cache"
	"github.com/venvforge/pvm/pkg/config"
	"github.com/venvforge/pvm/pkg/ledger"
	"github.com/venvforge/pvm/pkg/metrics"
	"github.com/venvforge/pvm/pkg/process"
	"github.com/venvforge/pvm/pkg/registry"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

func validateName(name string) error {
	if name == "" {
		return perr.New(perr.InvalidRequest, "environment name must not be empty")
	}
	if !namePattern.MatchString(name) {
		return perr.New(perr.InvalidRequest, "environment name must start with a letter and contain only letters, digits, '_', '-', '.'")
	}
	return nil
}

// adapterFactories maps a backend name to its constructor. conda is
// deliberately absent: it is import-only, never a selectable install
// backend (spec.md §6).
var adapterFactories = map[string]func(*process.Runner, string) backend.Adapter{
	"pip":    func(r *process.Runner, p string) backend.Adapter { return pip.New(r, p) },
	"uv":     func(r *process.Runner, p string) backend.Adapter { return uv.New(r, p) },
	"poetry": func(r *process.Runner, p string) backend.Adapter { return poetry.New(r, p) },
	"pdm":    func(r *process.Runner, p string) backend.Adapter { return pdm.New(r, p) },
}

// manager implements Manager (C7). It is the single place that consults
// the Selector, drives a Backend Adapter, touches the Registry, and closes
// an Operation on the Ledger — grounded on the teacher's
// pkg/environment.Manager (store + coordinating logic), generalized from
// container lifecycle verbs to venv lifecycle verbs.
type manager struct {
	cfg      *config.Config
	reg      *registry.Registry
	ledger   *ledger.Ledger
	cache    *cache.Index // nil when cfg.CacheEnabled is false
	runner   *process.Runner
	adapters map[string]func(*process.Runner, string) backend.Adapter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires a Manager from its already-open dependencies. idx may
// be nil, matching cfg.CacheEnabled=false short-circuiting the install
// path entirely (spec.md §6).
func NewManager(cfg *config.Config, reg *registry.Registry, led *ledger.Ledger, idx *cache.Index, runner *process.Runner) Manager {
	return &manager{cfg: cfg, reg: reg, ledger: led, cache: idx, runner: runner, adapters: adapterFactories, locks: make(map[string]*sync.Mutex)}
}

func (m *manager) adapterFor(name string) (backend.Adapter, error) {
	factory, ok := m.adapters[name]
	if !ok {
		return nil, perr.New(perr.InvalidRequest, "unknown backend: "+name)
	}
	return factory(m.runner, ""), nil
}

// lockFor returns the per-environment write lock, creating it on first
// use. Locking order is Registry → per-environment → Cache Index; callers
// never acquire the Registry's own internal lock directly since Registry
// methods are already self-synchronizing.
func (m *manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func toInfo(env registry.Environment) Info {
	return Info{
		Name:         env.Name,
		Path:         env.Path,
		Interpreter:  env.Interpreter,
		Backend:      env.Backend,
		ProjectDir:   env.ProjectDir,
		Status:       string(env.Status),
		Active:       env.Active,
		PackageCount: env.PackageCount,
		SizeBytes:    env.SizeBytes,
		CreatedAt:    env.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    env.UpdatedAt.Format(time.RFC3339),
	}
}

// Create provisions a new environment: selects a backend, invokes its
// Create, and registers the result. On mid-creation failure it leaves no
// partial directory behind (spec.md §4.7) by creating into a sibling
// staging path and renaming only on success.
func (m *manager) Create(ctx context.Context, opts CreateOptions) (Info, error) {
	if err := validateName(opts.Name); err != nil {
		return Info{}, err
	}

	if _, ok := m.reg.Get(opts.Name); ok {
		if !opts.Force {
			return Info{}, perr.New(perr.Conflict, "environment already exists: "+opts.Name)
		}
		if err := m.Delete(ctx, opts.Name, true); err != nil {
			return Info{}, err
		}
	}

	lock := m.lockFor(opts.Name)
	lock.Lock()
	defer lock.Unlock()

	opCtx, opID := m.ledger.Begin(ctx, ledger.KindCreateEnv)

	backendName := opts.Backend
	if backendName == "" {
		sel, err := backend.Select(opCtx, opts.ProjectDir, m.cfg.PreferredBackend)
		if err != nil {
			m.ledger.Fail(opID, err)
			return Info{}, err
		}
		backendName = sel.Backend
		m.ledger.Progress(opID, 10, "selected backend "+backendName+" ("+sel.Reason+")")
	}

	adapter, err := m.adapterFor(backendName)
	if err != nil {
		m.ledger.Fail(opID, err)
		return Info{}, err
	}

	finalPath := filepath.Join(m.cfg.EnvironmentsPath, opts.Name)
	stagingPath := finalPath + ".creating"
	_ = os.RemoveAll(stagingPath)

	if err := m.reg.Upsert(&registry.Environment{
		Name:    opts.Name,
		Path:    finalPath,
		Backend: backendName,
		Status:  registry.StatusCreating,
	}); err != nil {
		m.ledger.Fail(opID, err)
		return Info{}, err
	}

	handle, err := adapter.Create(opCtx, stagingPath, opts.Interpreter)
	if err != nil {
		_ = os.RemoveAll(stagingPath)
		_ = m.reg.Remove(opts.Name)
		m.ledger.Fail(opID, err)
		return Info{}, err
	}
	m.ledger.Progress(opID, 60, "interpreter provisioned")

	if err := os.Rename(stagingPath, finalPath); err != nil {
		_ = os.RemoveAll(stagingPath)
		_ = m.reg.Remove(opts.Name)
		wrapped := perr.Wrap(perr.IOFailure, "finalizing new environment directory", err)
		m.ledger.Fail(opID, wrapped)
		return Info{}, wrapped
	}
	handle.Path = finalPath

	env := &registry.Environment{
		Name:        opts.Name,
		Path:        finalPath,
		Interpreter: handle.PythonVersion,
		Backend:     backendName,
		ProjectDir:  opts.ProjectDir,
		Status:      registry.StatusHealthy,
	}
	if err := m.reg.Upsert(env); err != nil {
		m.ledger.Fail(opID, err)
		return Info{}, err
	}

	if len(opts.InitialPackages) > 0 {
		if _, err := adapter.Install(opCtx, handle, opts.InitialPackages, backend.InstallOptions{}); err != nil {
			env.Status = registry.StatusWarning
			env.StatusMessage = "environment created but initial package install failed: " + err.Error()
			_ = m.reg.Upsert(env)
			m.ledger.Warn(opID, err.Error())
		} else {
			env.PackageCount = len(opts.InitialPackages)
			_ = m.reg.Upsert(env)
		}
	}

	m.ledger.Complete(opID, env.Name)
	got, _ := m.reg.Get(opts.Name)
	return toInfo(got), nil
}

// Delete refuses to remove the active environment unless force is set,
// then removes the on-disk directory before the registry entry — in that
// order, so a failed directory removal leaves a still-discoverable,
// error-flagged record rather than a silently vanished one (spec.md §4.7).
func (m *manager) Delete(ctx context.Context, name string, force bool) error {
	env, ok := m.reg.Get(name)
	if !ok {
		return perr.New(perr.InvalidRequest, "no such environment: "+name)
	}
	if env.Active && !force {
		return perr.New(perr.Conflict, "refusing to delete the active environment without force")
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	_, opID := m.ledger.Begin(ctx, ledger.KindCreateEnv)

	env.Status = registry.StatusDeleting
	_ = m.reg.Upsert(&env)

	if err := os.RemoveAll(env.Path); err != nil {
		env.Status = registry.StatusError
		env.StatusMessage = "directory removal failed: " + err.Error()
		_ = m.reg.Upsert(&env)
		wrapped := perr.Wrap(perr.IOFailure, "removing environment directory", err)
		m.ledger.Fail(opID, wrapped)
		return wrapped
	}

	if err := m.reg.Remove(name); err != nil {
		m.ledger.Fail(opID, err)
		return err
	}
	m.mu.Lock()
	delete(m.locks, name)
	m.mu.Unlock()

	m.ledger.Complete(opID, nil)
	return nil
}

func (m *manager) Get(ctx context.Context, name string) (Info, error) {
	env, ok := m.reg.Get(name)
	if !ok {
		return Info{}, perr.New(perr.InvalidRequest, "no such environment: "+name)
	}
	return toInfo(env), nil
}

func (m *manager) List(ctx context.Context, opts ListOptions) ([]Info, error) {
	envs := m.reg.List(registry.Filter{Backend: opts.Backend, Status: registry.Status(opts.Status)}, registry.SortByName)
	out := make([]Info, 0, len(envs))
	for _, e := range envs {
		out = append(out, toInfo(e))
	}
	return out, nil
}

func (m *manager) Exists(ctx context.Context, name string) bool {
	_, ok := m.reg.Get(name)
	return ok
}

// handleFor reconstructs a backend.EnvHandle for an already-registered
// environment by re-probing its interpreter — the Registry persists only
// the facts a human wants to see (spec.md §3), not the full handle, so
// any operation touching the backend must reconstitute it first.
func (m *manager) handleFor(ctx context.Context, env registry.Environment) (backend.EnvHandle, error) {
	interp := binPath(env.Path, "python")
	ver, tag, err := backend.ProbeInterpreter(ctx, m.runner, interp)
	if err != nil {
		return backend.EnvHandle{}, err
	}
	return backend.EnvHandle{
		Path:           env.Path,
		Interpreter:    interp,
		PythonVersion:  ver,
		Platform:       backend.PlatformTag(),
		InterpreterTag: tag,
	}, nil
}

func binPath(envDir, name string) string {
	return filepath.Join(envDir, "bin", name)
}

// Install is the cache-integrated install algorithm of spec.md §4.7: for
// each spec resolvable to an exact (name, version) pin, it computes a
// cache identity from the environment's platform and interpreter tag. A
// hit short-circuits the network by pointing the adapter at the cached
// artifact's local path, after verifying its hash (resolveFromCache); a
// miss lets the adapter install normally and then best-effort ingests
// the freshly resolved artifact into the Store via the environment's
// own pip (every backend's venv remains pip-operable) so the next
// identical request is a hit, followed by one eviction pass against the
// configured cache quota/max-age. Specs without an exact pin (ranges,
// VCS, local paths) always go straight to the adapter — there is no
// stable identity to cache them under — unless cfg.OfflineMode is set,
// in which case anything not resolvable from the cache fails outright.
func (m *manager) Install(ctx context.Context, name string, specs []string, opts backend.InstallOptions) (*backend.InstallResult, error) {
	env, ok := m.reg.Get(name)
	if !ok {
		return nil, perr.New(perr.InvalidRequest, "no such environment: "+name)
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	opCtx, opID := m.ledger.Begin(ctx, ledger.KindInstall)

	adapter, err := m.adapterFor(env.Backend)
	if err != nil {
		m.ledger.Fail(opID, err)
		return nil, err
	}
	handle, err := m.handleFor(opCtx, env)
	if err != nil {
		m.ledger.Fail(opID, err)
		return nil, err
	}

	effectiveSpecs := specs
	var cleanupPaths []string
	defer func() {
		for _, p := range cleanupPaths {
			_ = os.RemoveAll(p)
		}
	}()

	if m.cfg.CacheEnabled && m.cache != nil && !opts.Upgrade {
		effectiveSpecs, cleanupPaths, err = m.resolveFromCache(opCtx, opID, handle, specs)
		if err != nil {
			m.ledger.Fail(opID, err)
			return nil, err
		}
	}

	result, err := adapter.Install(opCtx, handle, effectiveSpecs, opts)
	if err != nil {
		m.ledger.Fail(opID, err)
		return result, err
	}

	if m.cfg.CacheEnabled && m.cache != nil {
		// Specs resolveFromCache already served were counted as hits there;
		// only the rest are candidates for ingest.
		var missed []string
		for i, spec := range specs {
			if effectiveSpecs[i] == spec {
				missed = append(missed, spec)
			}
		}
		m.ingestMisses(opCtx, opID, handle, missed)
		if report, evErr := m.cache.Evict(m.evictionPolicy()); evErr != nil {
			m.ledger.Warn(opID, "cache eviction pass failed: "+evErr.Error())
		} else if report.RemovedByAge > 0 || report.RemovedByLRU > 0 {
			m.ledger.Progress(opID, 0, fmt.Sprintf("cache eviction removed %d entries by age, %d by quota", report.RemovedByAge, report.RemovedByLRU))
		}
	}

	env.PackageCount += len(result.Installed)
	env.UpdatedAt = time.Now()
	env.LastUsedAt = time.Now()
	_ = m.reg.Upsert(&env)

	m.ledger.Complete(opID, result)
	return result, nil
}

// resolveFromCache replaces each exactly-pinned spec already present in
// the Cache Index with a path to a freshly-materialized local copy of its
// artifact, per spec.md §4.7's hit path. A hit's artifact is verified
// against its recorded hash before use; a corrupt artifact is dropped and
// re-fetched exactly once (spec.md §7), and a second corruption surfaces
// as perr.IntegrityFailure with no entry left behind. Under
// cfg.OfflineMode every spec that cannot be resolved from the cache —
// whether unpinned or a genuine miss — fails the install outright rather
// than falling through to a network-backed adapter call (spec.md §6).
// Returns the scratch directories it created so the caller can remove
// them once the adapter has read from them.
func (m *manager) resolveFromCache(ctx context.Context, opID string, handle backend.EnvHandle, specs []string) ([]string, []string, error) {
	out := make([]string, len(specs))
	var scratchDirs []string

	for i, spec := range specs {
		name, version, ok := splitPin(spec)
		if !ok {
			if m.cfg.OfflineMode {
				return nil, nil, perr.New(perr.BackendUnavailable, "offline mode: "+spec+" has no stable cache identity and cannot be resolved without network access")
			}
			out[i] = spec
			continue
		}
		identity := cache.Identity{Name: name, Version: version, Platform: handle.Platform, InterpreterTag: handle.InterpreterTag}
		entry, hit := m.cache.Lookup(identity)
		if !hit {
			if m.cfg.OfflineMode {
				return nil, nil, perr.New(perr.BackendUnavailable, "offline mode: cache miss for "+identity.Key())
			}
			out[i] = spec
			continue
		}

		entry, err := m.verifyOrRecover(ctx, opID, handle, spec, identity, entry)
		if err != nil {
			return nil, nil, err
		}

		dest, tmpDir, err := m.materializeHit(entry)
		if err != nil {
			return nil, nil, err
		}

		m.ledger.Progress(opID, 0, "cache hit for "+identity.Key())
		out[i] = dest
		scratchDirs = append(scratchDirs, tmpDir)
	}
	return out, scratchDirs, nil
}

// verifyOrRecover checks entry's artifact against its recorded hash. A
// mismatch drops the entry and attempts exactly one synchronous re-fetch;
// a second verification failure returns perr.IntegrityFailure and leaves
// no entry in the index, matching spec.md §8's corrupt-artifact property.
func (m *manager) verifyOrRecover(ctx context.Context, opID string, handle backend.EnvHandle, spec string, identity cache.Identity, entry cache.Entry) (cache.Entry, error) {
	ok, err := m.cache.Verify(entry.Hash)
	if err != nil {
		return cache.Entry{}, perr.Wrap(perr.IOFailure, "verifying cached artifact for "+identity.Key(), err)
	}
	if ok {
		return entry, nil
	}
	metrics.CacheIntegrityFailuresTotal.Inc()

	_ = m.cache.Drop(identity)
	m.ledger.Warn(opID, "cached artifact for "+identity.Key()+" failed integrity verification; re-fetching once")

	refetched, err := m.fetchArtifact(ctx, handle, spec, identity)
	if err != nil {
		return cache.Entry{}, perr.Wrap(perr.IntegrityFailure, "cached artifact for "+identity.Key()+" is corrupt and could not be re-fetched", err)
	}

	ok, err = m.cache.Verify(refetched.Hash)
	if err != nil {
		return cache.Entry{}, perr.Wrap(perr.IOFailure, "verifying re-fetched artifact for "+identity.Key(), err)
	}
	if !ok {
		metrics.CacheIntegrityFailuresTotal.Inc()
		_ = m.cache.Drop(identity)
		return cache.Entry{}, perr.New(perr.IntegrityFailure, "cached artifact for "+identity.Key()+" failed verification twice")
	}

	m.ledger.Progress(opID, 0, "recovered corrupt cache entry for "+identity.Key())
	return *refetched, nil
}

// materializeHit copies entry's artifact out of the content-addressed
// store into a fresh scratch directory the adapter can install from.
func (m *manager) materializeHit(entry cache.Entry) (dest, tmpDir string, err error) {
	artifact, err := m.cache.Get(entry.Hash)
	if err != nil {
		return "", "", perr.Wrap(perr.IOFailure, "opening cached artifact", err)
	}
	defer artifact.Close()

	filename := entry.ArtifactName
	if filename == "" {
		filename = fmt.Sprintf("%s-%s.whl", entry.Identity.Name, entry.Identity.Version)
	}
	tmpDir, err = os.MkdirTemp("", "pvm-cache-hit-*")
	if err != nil {
		return "", "", perr.Wrap(perr.IOFailure, "staging cached artifact", err)
	}
	dest = filepath.Join(tmpDir, filename)
	f, err := os.Create(dest)
	if err != nil {
		return "", "", perr.Wrap(perr.IOFailure, "staging cached artifact", err)
	}
	_, copyErr := io.Copy(f, artifact)
	f.Close()
	if copyErr != nil {
		return "", "", perr.Wrap(perr.IOFailure, "staging cached artifact", copyErr)
	}
	return dest, tmpDir, nil
}

// fetchArtifact downloads spec's artifact via the environment's own pip
// (--no-deps, into a scratch directory) and ingests it into the Cache
// Index under identity, returning the freshly-stored entry.
func (m *manager) fetchArtifact(ctx context.Context, handle backend.EnvHandle, spec string, identity cache.Identity) (*cache.Entry, error) {
	tmpDir, err := os.MkdirTemp("", "pvm-cache-fetch-*")
	if err != nil {
		return nil, perr.Wrap(perr.IOFailure, "staging artifact fetch", err)
	}
	defer os.RemoveAll(tmpDir)

	res, err := m.runner.Run(ctx, process.Spec{
		Path: handle.Interpreter,
		Args: []string{"-m", "pip", "download", spec, "--no-deps", "-d", tmpDir},
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, perr.New(perr.BackendFailure, "pip download failed for "+spec)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil || len(entries) == 0 {
		return nil, perr.New(perr.BackendFailure, "pip download produced no artifact for "+spec)
	}
	artifactName := entries[0].Name()
	f, err := os.Open(filepath.Join(tmpDir, artifactName))
	if err != nil {
		return nil, perr.Wrap(perr.IOFailure, "reading downloaded artifact", err)
	}
	defer f.Close()

	return m.cache.Put(identity, func() (*cache.Fetch, error) {
		return &cache.Fetch{Reader: f, ArtifactName: artifactName}, nil
	})
}

// ingestMisses fetches (via fetchArtifact) the artifact for every
// exactly-pinned spec that was not already cached, and registers it in
// the Cache Index. Failures here are warnings, never fatal: the install
// itself already succeeded. A no-op under cfg.OfflineMode, since ingest
// requires the same network access offline mode forbids.
func (m *manager) ingestMisses(ctx context.Context, opID string, handle backend.EnvHandle, specs []string) {
	if m.cfg.OfflineMode {
		return
	}
	for _, spec := range specs {
		name, version, ok := splitPin(spec)
		if !ok {
			continue
		}
		identity := cache.Identity{Name: name, Version: version, Platform: handle.Platform, InterpreterTag: handle.InterpreterTag}
		if _, hit := m.cache.Lookup(identity); hit {
			continue
		}
		if _, err := m.fetchArtifact(ctx, handle, spec, identity); err != nil {
			m.ledger.Warn(opID, "could not ingest "+spec+" into the cache: "+err.Error())
		}
	}
}

// evictionPolicy converts the user-facing cache config into the Cache
// Index's EvictionPolicy shape.
func (m *manager) evictionPolicy() cache.EvictionPolicy {
	return cache.EvictionPolicy{
		MaxAge:               time.Duration(m.cfg.CacheMaxAgeDays) * 24 * time.Hour,
		QuotaBytes:           m.cfg.CacheSizeMB * 1024 * 1024,
		PreferInsertionOrder: m.cfg.CacheEvictionPolicy == config.EvictionLRUInsert,
	}
}

// splitPin reports the (name, version) pair for an exact "name==version"
// spec. Ranges, extras, VCS URLs, and local paths have no stable cache
// identity and are reported as not-ok.
func splitPin(spec string) (name, version string, ok bool) {
	if strings.ContainsAny(spec, "<>~!@/\\") || strings.Contains(spec, "[") {
		return "", "", false
	}
	parts := strings.SplitN(spec, "==", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(parts[0])), strings.TrimSpace(parts[1]), true
}

func (m *manager) Uninstall(ctx context.Context, name string, names []string) error {
	env, ok := m.reg.Get(name)
	if !ok {
		return perr.New(perr.InvalidRequest, "no such environment: "+name)
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	opCtx, opID := m.ledger.Begin(ctx, ledger.KindUninstall)

	adapter, err := m.adapterFor(env.Backend)
	if err != nil {
		m.ledger.Fail(opID, err)
		return err
	}
	handle, err := m.handleFor(opCtx, env)
	if err != nil {
		m.ledger.Fail(opID, err)
		return err
	}

	if err := adapter.Uninstall(opCtx, handle, names); err != nil {
		m.ledger.Fail(opID, err)
		return err
	}

	env.PackageCount -= len(names)
	if env.PackageCount < 0 {
		env.PackageCount = 0
	}
	env.UpdatedAt = time.Now()
	_ = m.reg.Upsert(&env)

	m.ledger.Complete(opID, nil)
	return nil
}

// Update re-installs names (or, when names is empty, every installed
// package) with Upgrade set, bypassing the cache's hit path since the
// point is to fetch whatever is newer.
func (m *manager) Update(ctx context.Context, name string, names []string) (*backend.InstallResult, error) {
	env, ok := m.reg.Get(name)
	if !ok {
		return nil, perr.New(perr.InvalidRequest, "no such environment: "+name)
	}

	specs := names
	if len(specs) == 0 {
		adapter, err := m.adapterFor(env.Backend)
		if err != nil {
			return nil, err
		}
		handle, err := m.handleFor(ctx, env)
		if err != nil {
			return nil, err
		}
		records, err := adapter.List(ctx, handle, backend.ListOptions{})
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			specs = append(specs, r.Name)
		}
	}
	return m.Install(ctx, name, specs, backend.InstallOptions{Upgrade: true})
}

// Sync reconciles the environment's installed set with its manifest.
func (m *manager) Sync(ctx context.Context, name string, groups []string, clean bool) error {
	env, ok := m.reg.Get(name)
	if !ok {
		return perr.New(perr.InvalidRequest, "no such environment: "+name)
	}
	if env.ProjectDir == "" {
		return perr.New(perr.InvalidRequest, "environment has no associated project directory to sync against")
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	opCtx, opID := m.ledger.Begin(ctx, ledger.KindSync)

	adapter, err := m.adapterFor(env.Backend)
	if err != nil {
		m.ledger.Fail(opID, err)
		return err
	}
	handle, err := m.handleFor(opCtx, env)
	if err != nil {
		m.ledger.Fail(opID, err)
		return err
	}

	if err := adapter.Sync(opCtx, handle, env.ProjectDir, groups, clean); err != nil {
		m.ledger.Fail(opID, err)
		return err
	}

	env.PackageGroups = groups
	env.UpdatedAt = time.Now()
	_ = m.reg.Upsert(&env)

	m.ledger.Complete(opID, nil)
	return nil
}

func (m *manager) Freeze(ctx context.Context, name string) ([]string, error) {
	env, ok := m.reg.Get(name)
	if !ok {
		return nil, perr.New(perr.InvalidRequest, "no such environment: "+name)
	}
	adapter, err := m.adapterFor(env.Backend)
	if err != nil {
		return nil, err
	}
	handle, err := m.handleFor(ctx, env)
	if err != nil {
		return nil, err
	}
	return adapter.Freeze(ctx, handle)
}

func (m *manager) ListPackages(ctx context.Context, name string, opts backend.ListOptions) ([]backend.PackageRecord, error) {
	env, ok := m.reg.Get(name)
	if !ok {
		return nil, perr.New(perr.InvalidRequest, "no such environment: "+name)
	}
	adapter, err := m.adapterFor(env.Backend)
	if err != nil {
		return nil, err
	}
	handle, err := m.handleFor(ctx, env)
	if err != nil {
		return nil, err
	}
	return adapter.List(ctx, handle, opts)
}

// Activate atomically sets name as the single active environment,
// per spec.md §3 invariant 3.
func (m *manager) Activate(ctx context.Context, name string) error {
	if _, ok := m.reg.Get(name); !ok {
		return perr.New(perr.InvalidRequest, "no such environment: "+name)
	}
	if err := m.reg.MarkActive(name); err != nil {
		return err
	}
	logx.For("environment").Info().Str("name", name).Msg("activated environment")
	return nil
}

func (m *manager) Active(ctx context.Context) (Info, bool) {
	name := m.reg.Active()
	if name == "" {
		return Info{}, false
	}
	env, ok := m.reg.Get(name)
	if !ok {
		return Info{}, false
	}
	return toInfo(env), true
}
