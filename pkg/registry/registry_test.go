package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return r, path
}

func TestRegistry_UpsertGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	env := &Environment{Name: "demo", Path: "/tmp/demo", Backend: "pip", Status: StatusHealthy}
	if err := r.Upsert(env); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, ok := r.Get("demo")
	if !ok {
		t.Fatal("Get() should find upserted environment")
	}
	if got.Backend != "pip" {
		t.Errorf("Backend = %q, want pip", got.Backend)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be populated on first Upsert")
	}
}

func TestRegistry_PersistsAcrossReopen(t *testing.T) {
	r, path := newTestRegistry(t)
	if err := r.Upsert(&Environment{Name: "demo", Path: "/tmp/demo", Backend: "uv"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("Open() reopen error = %v", err)
	}
	got, ok := r2.Get("demo")
	if !ok || got.Backend != "uv" {
		t.Errorf("Get() after reopen = %+v, %v", got, ok)
	}
}

func TestRegistry_Remove(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert(&Environment{Name: "demo", Path: "/tmp/demo"})
	if err := r.Remove("demo"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := r.Get("demo"); ok {
		t.Error("environment should be gone after Remove()")
	}
	if err := r.Remove("demo"); err == nil {
		t.Error("Remove() of absent environment should error")
	}
}

func TestRegistry_MarkActive_ClearsPrevious(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert(&Environment{Name: "a", Path: "/tmp/a"})
	r.Upsert(&Environment{Name: "b", Path: "/tmp/b"})

	if err := r.MarkActive("a"); err != nil {
		t.Fatalf("MarkActive(a) error = %v", err)
	}
	if err := r.MarkActive("b"); err != nil {
		t.Fatalf("MarkActive(b) error = %v", err)
	}

	a, _ := r.Get("a")
	b, _ := r.Get("b")
	if a.Active {
		t.Error("a should no longer be active")
	}
	if !b.Active {
		t.Error("b should be active")
	}
	if r.Active() != "b" {
		t.Errorf("Active() = %q, want b", r.Active())
	}
}

func TestRegistry_List_FilterAndSort(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert(&Environment{Name: "zeta", Path: "/tmp/zeta", Backend: "pip"})
	r.Upsert(&Environment{Name: "alpha", Path: "/tmp/alpha", Backend: "pip"})
	r.Upsert(&Environment{Name: "other", Path: "/tmp/other", Backend: "uv"})

	envs := r.List(Filter{Backend: "pip"}, SortByName)
	if len(envs) != 2 {
		t.Fatalf("List() returned %d envs, want 2", len(envs))
	}
	if envs[0].Name != "alpha" || envs[1].Name != "zeta" {
		t.Errorf("List() order = %v, want [alpha zeta]", envs)
	}
}

func TestRegistry_Reconcile_MarksMissingAsError(t *testing.T) {
	r, _ := newTestRegistry(t)
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	os.MkdirAll(present, 0o755)

	r.Upsert(&Environment{Name: "present", Path: present, Status: StatusHealthy})
	r.Upsert(&Environment{Name: "missing", Path: filepath.Join(dir, "gone"), Status: StatusHealthy})

	marked, err := r.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(marked) != 1 || marked[0] != "missing" {
		t.Errorf("marked = %v, want [missing]", marked)
	}
	env, _ := r.Get("missing")
	if env.Status != StatusError {
		t.Errorf("missing env status = %q, want error", env.Status)
	}
	env2, _ := r.Get("present")
	if env2.Status != StatusHealthy {
		t.Errorf("present env status = %q, want healthy (unchanged)", env2.Status)
	}
}

func TestRegistry_Reconcile_DoesNotRemoveEntry(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert(&Environment{Name: "missing", Path: "/nonexistent/path", Status: StatusHealthy})
	r.Reconcile()
	if _, ok := r.Get("missing"); !ok {
		t.Error("Reconcile() must never silently remove an entry")
	}
}
