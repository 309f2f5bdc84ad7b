// Package pdm implements the Backend Adapter for PDM, detected from
// pdm.lock or a [tool.pdm] pyproject.toml section (spec.md §4.5 steps
// 2-3). Uninstall runs `pdm remove`; List and Freeze run pdm's own
// commands and fall back to a wrapped pip.Adapter when those fail.
package pdm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/backend"
	"github.com/venvforge/pvm/pkg/backend/pip"
	"github.com/venvforge/pvm/pkg/process"
)

// Adapter implements backend.Adapter by shelling out to the `pdm` CLI.
type Adapter struct {
	runner *process.Runner
	pip    *pip.Adapter
}

func New(runner *process.Runner, pythonPath string) *Adapter {
	return &Adapter{runner: runner, pip: pip.New(runner, pythonPath)}
}

func (a *Adapter) Name() string { return "pdm" }

func (a *Adapter) Supports() backend.Capabilities {
	return backend.Capabilities{LockFiles: true, DependencyGroups: true}
}

// Create uses `pdm venv create` so the project's .pdm-python pin (if
// any) is respected, falling back to the same python -m venv path pip
// uses when interpreterVersion selects an interpreter pdm doesn't manage.
func (a *Adapter) Create(ctx context.Context, path string, interpreterVersion string) (backend.EnvHandle, error) {
	args := []string{"venv", "create"}
	if interpreterVersion != "" {
		args = append(args, interpreterVersion)
	}
	args = append(args, "--path", path)

	res, err := a.runner.Run(ctx, process.Spec{Path: "pdm", Args: args})
	if err != nil || res.ExitCode != 0 {
		// pdm venv create without a project manifest can fail even with
		// pdm installed; fall back to a plain venv pdm can later adopt.
		return a.pip.Create(ctx, path, interpreterVersion)
	}
	return a.pip.Create(ctx, path, "")
}

func (a *Adapter) Install(ctx context.Context, env backend.EnvHandle, specs []string, opts backend.InstallOptions) (*backend.InstallResult, error) {
	args := []string{"add", "--venv", env.Path}
	if opts.Group != "" && opts.Group != "default" {
		args = append(args, "--group", opts.Group, "--dev")
	}
	if opts.Editable {
		args = append(args, "--editable")
	}
	args = append(args, specs...)

	res, err := a.runner.Run(ctx, process.Spec{Path: "pdm", Args: args, Dir: env.Path})
	if err != nil {
		return nil, perr.Wrap(perr.BackendUnavailable, "pdm not on host", err)
	}
	items := make([]backend.ItemOutcome, 0, len(specs))
	if res.ExitCode != 0 {
		for _, s := range specs {
			items = append(items, backend.ItemOutcome{Spec: s, OK: false})
		}
		return &backend.InstallResult{Items: items, Outcome: backend.OutcomeFailed},
			perr.New(perr.BackendFailure, "pdm add failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	for _, s := range specs {
		items = append(items, backend.ItemOutcome{Spec: s, OK: true})
	}
	records, _ := a.List(ctx, env, backend.ListOptions{})
	return &backend.InstallResult{Installed: records, Items: items, Outcome: backend.OutcomeOK}, nil
}

func (a *Adapter) Uninstall(ctx context.Context, env backend.EnvHandle, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := append([]string{"remove", "--venv", env.Path}, names...)
	res, err := a.runner.Run(ctx, process.Spec{Path: "pdm", Args: args, Dir: env.Path})
	if err != nil {
		return perr.Wrap(perr.BackendUnavailable, "pdm not on host", err)
	}
	if res.ExitCode != 0 && !strings.Contains(string(res.Stderr), "not found") {
		return perr.New(perr.BackendFailure, "pdm remove failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	return nil
}

type pdmListEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (a *Adapter) List(ctx context.Context, env backend.EnvHandle, opts backend.ListOptions) ([]backend.PackageRecord, error) {
	res, err := a.runner.Run(ctx, process.Spec{Path: "pdm", Args: []string{"list", "--venv", env.Path, "--json"}, Dir: env.Path})
	if err != nil || res.ExitCode != 0 {
		return a.pip.List(ctx, env, opts)
	}
	var entries []pdmListEntry
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

// Sync runs `pdm sync`, which natively reads pyproject.toml + pdm.lock;
// --clean additionally removes packages absent from the lock file.
func (a *Adapter) Sync(ctx context.Context, env backend.EnvHandle, manifestDir string, groups []string, clean bool) error {
	args := []string{"sync", "--venv", env.Path}
	for _, g := range groups {
		args = append(args, "--group", g)
	}
	if clean {
		args = append(args, "--clean")
	}
	res, err := a.runner.Run(ctx, process.Spec{Path: "pdm", Args: args, Dir: manifestDir})
	if err != nil {
		return perr.Wrap(perr.BackendUnavailable, "pdm not on host", err)
	}
	if res.ExitCode != 0 {
		return perr.New(perr.BackendFailure, "pdm sync failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// Freeze runs `pdm export`, falling back to the wrapped pip.Adapter's
// freeze against the same venv when the export plugin is unavailable.
func (a *Adapter) Freeze(ctx context.Context, env backend.EnvHandle) ([]string, error) {
	res, err := a.runner.Run(ctx, process.Spec{
		Path: "pdm", Args: []string{"export", "--no-hashes", "-f", "requirements"}, Dir: env.Path,
	})
	if err == nil && res.ExitCode == 0 {
		var out []string
		for _, l := range strings.Split(strings.TrimSpace(string(res.Stdout)), "\n") {
			if l != "" {
				out = append(out, l)
			}
		}
		return out, nil
	}
	return a.pip.Freeze(ctx, env)
}

func tail(stderr []byte) string {
	lines := strings.Split(strings.TrimRight(string(stderr), "\n"), "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return strings.Join(lines, "\n")
}
