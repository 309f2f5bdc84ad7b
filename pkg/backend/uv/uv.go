// Package uv implements the Backend Adapter for astral-sh/uv, the fastest
// backend and the Selector's preferred choice at step 4 (spec.md §4.5).
// uv's own venvs are standard virtual environments, so Uninstall
// delegates to a wrapped pip.Adapter, and List/Freeze fall back to it
// when uv's own command fails — uv explicitly supports pip-compatible
// tooling inside its environments — while Create/Install/Sync use uv's
// native, faster commands and lock-file awareness.
package uv

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/backend"
	"github.com/venvforge/pvm/pkg/backend/pip"
	"github.com/venvforge/pvm/pkg/process"
)

// Adapter implements backend.Adapter by shelling out to the `uv` CLI.
type Adapter struct {
	runner *process.Runner
	pip    *pip.Adapter
}

// New returns a uv Adapter. pythonPath is handed to the wrapped
// pip.Adapter; the operations uv delegates to it (Uninstall, and the
// List/Freeze fallbacks) run env.Interpreter rather than pythonPath.
func New(runner *process.Runner, pythonPath string) *Adapter {
	return &Adapter{runner: runner, pip: pip.New(runner, pythonPath)}
}

func (a *Adapter) Name() string { return "uv" }

func (a *Adapter) Supports() backend.Capabilities {
	return backend.Capabilities{LockFiles: true, DependencyGroups: true, Workspaces: true, Parallelism: true}
}

func (a *Adapter) Create(ctx context.Context, path string, interpreterVersion string) (backend.EnvHandle, error) {
	args := []string{"venv", path}
	if interpreterVersion != "" {
		args = append(args, "--python", interpreterVersion)
	}
	res, err := a.runner.Run(ctx, process.Spec{Path: "uv", Args: args})
	if err != nil {
		return backend.EnvHandle{}, perr.Wrap(perr.BackendUnavailable, "uv not on host", err)
	}
	if res.ExitCode != 0 {
		return backend.EnvHandle{}, perr.New(perr.BackendFailure, "uv venv creation failed").
			WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	// uv creates a standard venv layout; probe it the same way pip does.
	interp := filepath.Join(path, "bin", "python")
	if runtime.GOOS == "windows" {
		interp = filepath.Join(path, "Scripts", "python.exe")
	}
	ver, tag, err := backend.ProbeInterpreter(ctx, a.runner, interp)
	if err != nil {
		return backend.EnvHandle{}, err
	}
	return backend.EnvHandle{Path: path, Interpreter: interp, PythonVersion: ver, Platform: backend.PlatformTag(), InterpreterTag: tag}, nil
}

func (a *Adapter) Install(ctx context.Context, env backend.EnvHandle, specs []string, opts backend.InstallOptions) (*backend.InstallResult, error) {
	args := []string{"pip", "install", "--python", env.Interpreter}
	if opts.Upgrade {
		args = append(args, "--upgrade")
	}
	if opts.Editable {
		args = append(args, "-e")
	}
	args = append(args, specs...)

	res, err := a.runner.Run(ctx, process.Spec{Path: "uv", Args: args})
	if err != nil {
		return nil, perr.Wrap(perr.BackendUnavailable, "uv not on host", err)
	}
	items := make([]backend.ItemOutcome, 0, len(specs))
	if res.ExitCode != 0 {
		for _, s := range specs {
			items = append(items, backend.ItemOutcome{Spec: s, OK: false})
		}
		return &backend.InstallResult{Items: items, Outcome: backend.OutcomeFailed},
			perr.New(perr.BackendFailure, "uv pip install failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	for _, s := range specs {
		items = append(items, backend.ItemOutcome{Spec: s, OK: true})
	}
	records, err := a.List(ctx, env, backend.ListOptions{})
	if err != nil {
		return &backend.InstallResult{Items: items, Outcome: backend.OutcomeOK}, nil
	}
	return &backend.InstallResult{Installed: records, Items: items, Outcome: backend.OutcomeOK}, nil
}

func (a *Adapter) Uninstall(ctx context.Context, env backend.EnvHandle, names []string) error {
	return a.pip.Uninstall(ctx, env, names)
}

type uvListEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (a *Adapter) List(ctx context.Context, env backend.EnvHandle, opts backend.ListOptions) ([]backend.PackageRecord, error) {
	res, err := a.runner.Run(ctx, process.Spec{Path: "uv", Args: []string{"pip", "list", "--python", env.Interpreter, "--format=json"}})
	if err != nil {
		return nil, perr.Wrap(perr.BackendUnavailable, "uv not on host", err)
	}
	if res.ExitCode != 0 {
		return a.pip.List(ctx, env, opts)
	}
	var entries []uvListEntry
	if err := json.Unmarshal(res.Stdout, &entries); err != nil {
		return a.pip.List(ctx, env, opts)
	}
	records := make([]backend.PackageRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, backend.PackageRecord{
			Name: strings.ToLower(e.Name), Version: e.Version, Group: "default", Source: "pypi", Direct: true,
		})
	}
	return records, nil
}

// Sync reconciles the environment using `uv sync`, which natively reads
// pyproject.toml + uv.lock — the project-manifest authority spec.md §6
// assigns to sync.
func (a *Adapter) Sync(ctx context.Context, env backend.EnvHandle, manifestDir string, groups []string, clean bool) error {
	args := []string{"sync", "--directory", manifestDir}
	for _, g := range groups {
		args = append(args, "--group", g)
	}
	if clean {
		args = append(args, "--exact")
	}
	res, err := a.runner.Run(ctx, process.Spec{Path: "uv", Args: args, Env: []string{"VIRTUAL_ENV=" + env.Path}})
	if err != nil {
		return perr.Wrap(perr.BackendUnavailable, "uv not on host", err)
	}
	if res.ExitCode != 0 {
		return perr.New(perr.BackendFailure, "uv sync failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	return nil
}

func (a *Adapter) Freeze(ctx context.Context, env backend.EnvHandle) ([]string, error) {
	res, err := a.runner.Run(ctx, process.Spec{Path: "uv", Args: []string{"pip", "freeze", "--python", env.Interpreter}})
	if err != nil || res.ExitCode != 0 {
		return a.pip.Freeze(ctx, env)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

func tail(stderr []byte) string {
	lines := strings.Split(strings.TrimRight(string(stderr), "\n"), "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return strings.Join(lines, "\n")
}
