// Package backend defines the uniform operation set every external
// package manager adapter implements (C4), grounded directly on the
// teacher's pkg/runtime.ContainerRuntime interface: a fixed capability
// contract over heterogeneous external tools, with capability bits
// (Supports) rather than runtime attribute probing, per spec.md §9's
// re-architecture note on polymorphism by duck typing.
package backend

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/process"
)

// EnvHandle is the opaque-outside-backend reference to a target
// environment: its filesystem path and the probe-derived interpreter
// facts the Environment Manager needs without knowing backend internals
// (spec.md §6, "the core treats it opaquely outside of interpreter-probe
// paths").
type EnvHandle struct {
	Path           string
	Interpreter    string // absolute path to the python executable
	PythonVersion  string // e.g. "3.11.8"
	Platform       string // e.g. "linux-amd64" (GOOS-GOARCH, see PlatformTag)
	InterpreterTag string // e.g. "cp311", used as the cache identity's interpreter-tag
}

// PackageRecord is one installed (or listed) package, per spec.md §3.
type PackageRecord struct {
	Name        string // case-folded
	Version     string
	Latest      string // optionally known latest version; "" if unknown
	Group       string // "default" or a named group such as "dev"
	Size        int64
	Description string
	Editable    bool
	Direct      bool   // top-level manifest requirement vs. transitive
	Source      string // "pypi", "vcs", "local", "cache"
}

// Capabilities are the bits Supports() reports, replacing runtime
// attribute probing per spec.md §9.
type Capabilities struct {
	LockFiles        bool
	DependencyGroups bool
	Workspaces       bool
	Parallelism      bool
}

// InstallOptions parametrizes Install.
type InstallOptions struct {
	Group    string
	Editable bool
	Upgrade  bool
}

// ListOptions parametrizes List.
type ListOptions struct {
	Group        string
	OutdatedOnly bool
}

// Outcome is the aggregate status of a partial-success-capable operation,
// per spec.md §7's propagation policy.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// ItemOutcome is one entry of a bulk operation's per-item outcome list.
type ItemOutcome struct {
	Spec string
	OK   bool
	Err  error
}

// InstallResult carries the per-item list and aggregate status spec.md §7
// requires for partial-success operations like bulk installs.
type InstallResult struct {
	Installed []PackageRecord
	Items     []ItemOutcome
	Outcome   Outcome
}

// Adapter is the uniform contract every backend (pip, uv, poetry, pdm)
// implements. Adapters never mutate the Registry, the Cache, or the
// Operation Ledger directly (spec.md §4.4) — they return structured,
// side-effect-free results that the calling Environment Manager records.
type Adapter interface {
	// Name identifies the adapter, e.g. "pip", "uv".
	Name() string

	// Create populates path with a usable interpreter, optionally pinned
	// to a specific interpreter version.
	Create(ctx context.Context, path string, interpreterVersion string) (EnvHandle, error)

	// Install resolves and installs specs into env. Best-effort atomic
	// within one invocation; failures are surfaced per-item, never as
	// exception-as-control-flow.
	Install(ctx context.Context, env EnvHandle, specs []string, opts InstallOptions) (*InstallResult, error)

	// Uninstall removes names from env, tolerating already-absent names.
	Uninstall(ctx context.Context, env EnvHandle, names []string) error

	// List returns installed package records, optionally filtered.
	List(ctx context.Context, env EnvHandle, opts ListOptions) ([]PackageRecord, error)

	// Sync reconciles env's installed set with the project manifest at
	// manifestDir. clean additionally removes packages absent from it.
	Sync(ctx context.Context, env EnvHandle, manifestDir string, groups []string, clean bool) error

	// Freeze returns the canonical pinned spec list.
	Freeze(ctx context.Context, env EnvHandle) ([]string, error)

	// Supports reports this adapter's capability bits.
	Supports() Capabilities
}

// ProbeInterpreter asks interp for its own version and ABI tag, rather
// than trusting the caller's request — this is what makes a "healthy"
// environment's interpreter usable, per spec.md §3 invariant 4. Shared by
// every adapter that creates or re-inspects a CPython-compatible venv.
func ProbeInterpreter(ctx context.Context, r *process.Runner, interp string) (version, tag string, err error) {
	res, runErr := r.Run(ctx, process.Spec{
		Path: interp,
		Args: []string{"-c", `import sys; print(f"{sys.version_info[0]}.{sys.version_info[1]}.{sys.version_info[2]}"); print(f"cp{sys.version_info[0]}{sys.version_info[1]}")`},
	})
	if runErr != nil || res.ExitCode != 0 {
		return "", "", perr.New(perr.IOFailure, "probing interpreter failed")
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	if len(lines) < 2 {
		return "", "", perr.New(perr.IOFailure, "unexpected interpreter probe output")
	}
	return lines[0], lines[1], nil
}

// PlatformTag is the cache identity's platform component.
func PlatformTag() string {
	return fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
}
