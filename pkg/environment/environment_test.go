package environment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/backend"
	"github.com/venvforge/pvm/pkg/cache"
	"github.com/venvforge/pvm/pkg/config"
	"github.com/venvforge/pvm/pkg/ledger"
	"github.com/venvforge/pvm/pkg/process"
	"github.com/venvforge/pvm/pkg/registry"
)

// stubInterpreterScript prints what backend.ProbeInterpreter expects,
// ignoring its arguments, so handleFor's real subprocess probe succeeds
// against a fake environment with no actual Python installed.
const stubInterpreterScript = "#!/bin/sh\necho 3.11.8\necho cp311\n"

// stubInterpreterWithDownloadScript additionally answers a
// "-m pip download SPEC --no-deps -d DIR" invocation by writing a fake
// wheel into DIR, so fetchArtifact's re-fetch path has something to
// ingest in tests with no real pip available.
const stubInterpreterWithDownloadScript = `#!/bin/sh
if [ "$1" = "-c" ]; then
  echo 3.11.8
  echo cp311
  exit 0
fi
if [ "$1" = "-m" ]; then
  dir=""
  prev=""
  for a in "$@"; do
    if [ "$prev" = "-d" ]; then
      dir="$a"
    fi
    prev="$a"
  done
  echo "refetched wheel bytes" > "$dir/refetched-1.0-py3-none-any.whl"
  exit 0
fi
exit 1
`

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"frontend", true},
		{"my-project", true},
		{"My_Project.v2", true},
		{"", false},            // empty
		{"123invalid", false},  // starts with a digit
		{"has space", false},   // space
		{"has@special", false}, // special char
	}

	for _, tt := range tests {
		err := validateName(tt.name)
		if tt.valid && err != nil {
			t.Errorf("validateName(%q) should be valid, got error: %v", tt.name, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("validateName(%q) should be invalid", tt.name)
		}
	}
}

// fakeAdapter is an in-memory backend.Adapter stand-in so the Manager's
// coordination logic (Registry/Ledger/Cache wiring) can be exercised
// without an actual Python interpreter or external package manager.
type fakeAdapter struct {
	created           map[string]bool
	packages          map[string][]backend.PackageRecord
	interpreterScript string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{created: map[string]bool{}, packages: map[string][]backend.PackageRecord{}, interpreterScript: stubInterpreterScript}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Create(ctx context.Context, path string, interpreterVersion string) (backend.EnvHandle, error) {
	f.created[path] = true

	binDir := filepath.Join(path, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return backend.EnvHandle{}, err
	}
	if err := os.WriteFile(filepath.Join(binDir, "python"), []byte(f.interpreterScript), 0o755); err != nil {
		return backend.EnvHandle{}, err
	}

	return backend.EnvHandle{
		Path:           path,
		Interpreter:    filepath.Join(path, "bin", "python"),
		PythonVersion:  "3.11.8",
		Platform:       "linux-x86_64",
		InterpreterTag: "cp311",
	}, nil
}

func (f *fakeAdapter) Install(ctx context.Context, env backend.EnvHandle, specs []string, opts backend.InstallOptions) (*backend.InstallResult, error) {
	var installed []backend.PackageRecord
	for _, s := range specs {
		name, version, _ := splitPin(s)
		if name == "" {
			name = s
		}
		rec := backend.PackageRecord{Name: name, Version: version, Group: "default", Direct: true}
		installed = append(installed, rec)
	}
	f.packages[env.Path] = append(f.packages[env.Path], installed...)
	return &backend.InstallResult{Installed: installed, Outcome: backend.OutcomeOK}, nil
}

func (f *fakeAdapter) Uninstall(ctx context.Context, env backend.EnvHandle, names []string) error {
	remaining := f.packages[env.Path][:0]
	for _, rec := range f.packages[env.Path] {
		keep := true
		for _, n := range names {
			if rec.Name == n {
				keep = false
			}
		}
		if keep {
			remaining = append(remaining, rec)
		}
	}
	f.packages[env.Path] = remaining
	return nil
}

func (f *fakeAdapter) List(ctx context.Context, env backend.EnvHandle, opts backend.ListOptions) ([]backend.PackageRecord, error) {
	return f.packages[env.Path], nil
}

func (f *fakeAdapter) Sync(ctx context.Context, env backend.EnvHandle, manifestDir string, groups []string, clean bool) error {
	return nil
}

func (f *fakeAdapter) Freeze(ctx context.Context, env backend.EnvHandle) ([]string, error) {
	var out []string
	for _, rec := range f.packages[env.Path] {
		out = append(out, rec.Name+"=="+rec.Version)
	}
	return out, nil
}

func (f *fakeAdapter) Supports() backend.Capabilities { return backend.Capabilities{} }

func newTestManager(t *testing.T) (*manager, *fakeAdapter) {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("registry.Open() error = %v", err)
	}

	cfg := config.Default()
	cfg.EnvironmentsPath = filepath.Join(dir, "environments")
	cfg.CacheEnabled = false

	fake := newFakeAdapter()
	m := &manager{
		cfg:    cfg,
		reg:    reg,
		ledger: ledger.New(),
		runner: process.New(),
		adapters: map[string]func(*process.Runner, string) backend.Adapter{
			"fake": func(*process.Runner, string) backend.Adapter { return fake },
		},
		locks: make(map[string]*sync.Mutex),
	}
	return m, fake
}

func TestManager_CreateGetDelete(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if info.Status != string(registry.StatusHealthy) {
		t.Errorf("Status = %q, want healthy", info.Status)
	}
	if len(fake.created) != 1 {
		t.Errorf("adapter.Create call count = %d, want 1", len(fake.created))
	}
	if _, err := os.Stat(filepath.Join(info.Path, "bin", "python")); err != nil {
		t.Errorf("expected the staged interpreter to survive the rename into %q: %v", info.Path, err)
	}

	got, err := m.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "demo" {
		t.Errorf("Name = %q, want demo", got.Name)
	}

	if !m.Exists(ctx, "demo") {
		t.Error("Exists() should report true for a created environment")
	}

	if err := m.Delete(ctx, "demo", false); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if m.Exists(ctx, "demo") {
		t.Error("Exists() should report false after delete")
	}
}

func TestManager_Create_ConflictWithoutForce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err == nil {
		t.Fatal("second Create() without force should fail with a conflict")
	}
}

func TestManager_Delete_RefusesActiveWithoutForce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Activate(ctx, "demo"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := m.Delete(ctx, "demo", false); err == nil {
		t.Fatal("Delete() of the active environment without force should fail")
	}
	if err := m.Delete(ctx, "demo", true); err != nil {
		t.Fatalf("Delete() with force should succeed, error = %v", err)
	}
}

func TestManager_InstallAndUninstall(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result, err := m.Install(ctx, "demo", []string{"requests==2.31.0"}, backend.InstallOptions{})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if len(result.Installed) != 1 {
		t.Fatalf("Installed = %v, want exactly one package", result.Installed)
	}

	got, _ := m.Get(ctx, "demo")
	if got.PackageCount != 1 {
		t.Errorf("PackageCount = %d, want 1", got.PackageCount)
	}

	if err := m.Uninstall(ctx, "demo", []string{"requests"}); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	got, _ = m.Get(ctx, "demo")
	if got.PackageCount != 0 {
		t.Errorf("PackageCount = %d, want 0 after uninstall", got.PackageCount)
	}
}

func TestManager_ActivateIsExclusive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "a", Backend: "fake"}); err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	if _, err := m.Create(ctx, CreateOptions{Name: "b", Backend: "fake"}); err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}

	if err := m.Activate(ctx, "a"); err != nil {
		t.Fatalf("Activate(a) error = %v", err)
	}
	if err := m.Activate(ctx, "b"); err != nil {
		t.Fatalf("Activate(b) error = %v", err)
	}

	active, ok := m.Active(ctx)
	if !ok || active.Name != "b" {
		t.Fatalf("Active() = %v, %v, want b, true", active, ok)
	}
	a, _ := m.Get(ctx, "a")
	if a.Active {
		t.Error("a should no longer be active once b is activated")
	}
}

func TestManager_Install_CacheHitSkipsAdapterDownload(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("cache.NewStore() error = %v", err)
	}
	idx, err := cache.OpenIndex(filepath.Join(dir, "index.db"), store)
	if err != nil {
		t.Fatalf("cache.OpenIndex() error = %v", err)
	}
	defer idx.Close()

	reg, err := registry.Open(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("registry.Open() error = %v", err)
	}
	cfg := config.Default()
	cfg.EnvironmentsPath = filepath.Join(dir, "environments")
	cfg.CacheEnabled = true

	fake := newFakeAdapter()
	m := &manager{
		cfg:    cfg,
		reg:    reg,
		ledger: ledger.New(),
		cache:  idx,
		runner: process.New(),
		adapters: map[string]func(*process.Runner, string) backend.Adapter{
			"fake": func(*process.Runner, string) backend.Adapter { return fake },
		},
		locks: make(map[string]*sync.Mutex),
	}
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	identity := cache.Identity{Name: "requests", Version: "2.31.0", Platform: backend.PlatformTag(), InterpreterTag: "cp311"}
	if _, err := idx.Put(identity, func() (*cache.Fetch, error) {
		return &cache.Fetch{Reader: strings.NewReader("fake wheel bytes"), ArtifactName: "requests-2.31.0-py3-none-any.whl"}, nil
	}); err != nil {
		t.Fatalf("priming cache Put() error = %v", err)
	}

	if _, err := m.Install(ctx, "demo", []string{"requests==2.31.0"}, backend.InstallOptions{}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	stats := idx.Stats()
	if stats.Hits != 1 {
		t.Errorf("cache hits = %d, want 1", stats.Hits)
	}
}

// newCachingTestManager mirrors TestManager_Install_CacheHitSkipsAdapterDownload's
// setup but returns the store/index directly so tests can corrupt an
// artifact's on-disk bytes and swap in a download-capable fake adapter.
func newCachingTestManager(t *testing.T, interpreterScript string) (*manager, *fakeAdapter, *cache.Store, *cache.Index, string) {
	t.Helper()
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")

	store, err := cache.NewStore(storeDir)
	if err != nil {
		t.Fatalf("cache.NewStore() error = %v", err)
	}
	idx, err := cache.OpenIndex(filepath.Join(dir, "index.db"), store)
	if err != nil {
		t.Fatalf("cache.OpenIndex() error = %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	reg, err := registry.Open(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("registry.Open() error = %v", err)
	}
	cfg := config.Default()
	cfg.EnvironmentsPath = filepath.Join(dir, "environments")
	cfg.CacheEnabled = true

	fake := newFakeAdapter()
	fake.interpreterScript = interpreterScript
	m := &manager{
		cfg:    cfg,
		reg:    reg,
		ledger: ledger.New(),
		cache:  idx,
		runner: process.New(),
		adapters: map[string]func(*process.Runner, string) backend.Adapter{
			"fake": func(*process.Runner, string) backend.Adapter { return fake },
		},
		locks: make(map[string]*sync.Mutex),
	}
	return m, fake, store, idx, storeDir
}

// corruptArtifact overwrites the bytes stored under hash with garbage,
// exercising the Store's content layout (root/hash[:2]/hash) directly so
// the next Verify() call observes a mismatch.
func corruptArtifact(t *testing.T, storeDir, hash string) {
	t.Helper()
	path := filepath.Join(storeDir, hash[:2], hash)
	if err := os.WriteFile(path, []byte("corrupted bytes, not the original wheel"), 0o644); err != nil {
		t.Fatalf("corrupting artifact at %q: %v", path, err)
	}
}

func TestManager_Install_CorruptCacheEntryRecoversViaRefetch(t *testing.T) {
	m, _, store, idx, storeDir := newCachingTestManager(t, stubInterpreterWithDownloadScript)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	identity := cache.Identity{Name: "requests", Version: "2.31.0", Platform: backend.PlatformTag(), InterpreterTag: "cp311"}
	if _, err := idx.Put(identity, func() (*cache.Fetch, error) {
		return &cache.Fetch{Reader: strings.NewReader("fake wheel bytes"), ArtifactName: "requests-2.31.0-py3-none-any.whl"}, nil
	}); err != nil {
		t.Fatalf("priming cache Put() error = %v", err)
	}
	entry, ok := idx.Lookup(identity)
	if !ok {
		t.Fatalf("expected the primed entry to be present")
	}
	corruptArtifact(t, storeDir, entry.Hash)

	if _, err := m.Install(ctx, "demo", []string{"requests==2.31.0"}, backend.InstallOptions{}); err != nil {
		t.Fatalf("Install() should transparently recover via one re-fetch, error = %v", err)
	}

	recovered, ok := idx.Lookup(identity)
	if !ok {
		t.Fatal("expected a recovered entry to remain in the index after recovery")
	}
	if recovered.Hash == entry.Hash {
		t.Error("recovered entry should have a fresh hash, the corrupt artifact's hash should not survive")
	}
	if ok, err := store.Verify(recovered.Hash); err != nil || !ok {
		t.Errorf("recovered artifact should verify cleanly, ok=%v err=%v", ok, err)
	}
}

func TestManager_Install_CorruptCacheEntryUnrecoverableFails(t *testing.T) {
	m, _, _, idx, storeDir := newCachingTestManager(t, stubInterpreterScript)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	identity := cache.Identity{Name: "requests", Version: "2.31.0", Platform: backend.PlatformTag(), InterpreterTag: "cp311"}
	if _, err := idx.Put(identity, func() (*cache.Fetch, error) {
		return &cache.Fetch{Reader: strings.NewReader("fake wheel bytes"), ArtifactName: "requests-2.31.0-py3-none-any.whl"}, nil
	}); err != nil {
		t.Fatalf("priming cache Put() error = %v", err)
	}
	entry, ok := idx.Lookup(identity)
	if !ok {
		t.Fatalf("expected the primed entry to be present")
	}
	corruptArtifact(t, storeDir, entry.Hash)

	_, err := m.Install(ctx, "demo", []string{"requests==2.31.0"}, backend.InstallOptions{})
	if err == nil {
		t.Fatal("Install() should fail when the re-fetch cannot produce an artifact")
	}
	if !errors.Is(err, perr.New(perr.IntegrityFailure, "")) {
		t.Errorf("err = %v, want perr.IntegrityFailure", err)
	}
	if _, ok := idx.Lookup(identity); ok {
		t.Error("a twice-failed entry should not remain in the index")
	}
}

func TestManager_Install_OfflineModeFailsOnCacheMiss(t *testing.T) {
	m, fake, _, _, _ := newCachingTestManager(t, stubInterpreterScript)
	m.cfg.OfflineMode = true
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := m.Install(ctx, "demo", []string{"requests==2.31.0"}, backend.InstallOptions{})
	if err == nil {
		t.Fatal("Install() under OfflineMode should fail on a cache miss rather than calling the adapter")
	}
	if !errors.Is(err, perr.New(perr.BackendUnavailable, "")) {
		t.Errorf("err = %v, want perr.BackendUnavailable", err)
	}
	if len(fake.packages) != 0 {
		t.Error("the adapter should never have been asked to install under OfflineMode")
	}
}

func TestManager_Install_OfflineModeUnpinnedSpecFails(t *testing.T) {
	m, fake, _, _, _ := newCachingTestManager(t, stubInterpreterScript)
	m.cfg.OfflineMode = true
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := m.Install(ctx, "demo", []string{"requests>=2.0"}, backend.InstallOptions{})
	if err == nil {
		t.Fatal("Install() under OfflineMode should fail for a spec with no stable cache identity")
	}
	if !errors.Is(err, perr.New(perr.BackendUnavailable, "")) {
		t.Errorf("err = %v, want perr.BackendUnavailable", err)
	}
	if len(fake.packages) != 0 {
		t.Error("the adapter should never have been asked to install under OfflineMode")
	}
}

func TestManager_Install_EvictsOverQuotaAfterIngest(t *testing.T) {
	m, _, _, idx, _ := newCachingTestManager(t, stubInterpreterWithDownloadScript)
	m.cfg.CacheSizeMB = 1 // 1MiB quota, comfortably under the preexisting entry alone
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo", Backend: "fake"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	bigPayload := strings.Repeat("x", 2*1024*1024) // 2MiB, already over quota on its own
	preexisting := cache.Identity{Name: "numpy", Version: "1.26.0", Platform: backend.PlatformTag(), InterpreterTag: "cp311"}
	if _, err := idx.Put(preexisting, func() (*cache.Fetch, error) {
		return &cache.Fetch{Reader: strings.NewReader(bigPayload), ArtifactName: "numpy-1.26.0-py3-none-any.whl"}, nil
	}); err != nil {
		t.Fatalf("priming cache Put() error = %v", err)
	}

	if _, err := m.Install(ctx, "demo", []string{"requests==2.31.0"}, backend.InstallOptions{}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	quotaBytes := m.cfg.CacheSizeMB * 1024 * 1024
	if idx.Stats().Bytes > quotaBytes {
		t.Errorf("Bytes = %d, want <= %d once the post-ingest eviction pass runs", idx.Stats().Bytes, quotaBytes)
	}
	if _, ok := idx.Lookup(preexisting); ok {
		t.Error("the oversized preexisting entry should have been evicted to bring bytes under quota")
	}
}
