// Package poetry implements the Backend Adapter for Poetry, detected from
// poetry.lock or a [tool.poetry] pyproject.toml section (spec.md §4.5
// steps 2-3). Poetry's own venv is a standard one, so List and Freeze
// fall back to a wrapped pip.Adapter when poetry's own commands fail;
// Uninstall runs `poetry remove`.
package poetry

import (
	"context"
	"strings"

	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/backend"
	"github.com/venvforge/pvm/pkg/backend/pip"
	"github.com/venvforge/pvm/pkg/process"
)

// Adapter implements backend.Adapter by shelling out to the `poetry` CLI.
// Poetry operates on a project directory rather than an arbitrary
// environment path: Install, Uninstall, List and Freeze run poetry with
// env.Path as the working directory, and Sync runs it in manifestDir.
type Adapter struct {
	runner *process.Runner
	pip    *pip.Adapter
}

func New(runner *process.Runner, pythonPath string) *Adapter {
	return &Adapter{runner: runner, pip: pip.New(runner, pythonPath)}
}

func (a *Adapter) Name() string { return "poetry" }

func (a *Adapter) Supports() backend.Capabilities {
	return backend.Capabilities{LockFiles: true, DependencyGroups: true}
}

// Create makes a plain venv at path with `python3 -m venv`, then hands
// path to the wrapped pip.Adapter's Create, which probes the resulting
// interpreter. poetry itself is not run here.
func (a *Adapter) Create(ctx context.Context, path string, interpreterVersion string) (backend.EnvHandle, error) {
	res, err := a.runner.Run(ctx, process.Spec{Path: "python3", Args: []string{"-m", "venv", path}})
	if err != nil {
		return backend.EnvHandle{}, perr.Wrap(perr.BackendUnavailable, "python interpreter not runnable", err)
	}
	if res.ExitCode != 0 {
		return backend.EnvHandle{}, perr.New(perr.BackendFailure, "venv creation for poetry failed").
			WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	return a.pip.Create(ctx, path, interpreterVersion)
}

// Install runs `poetry add` in env.Path against the pre-created
// venv at env.Path (via VIRTUAL_ENV, disabling poetry's own venv
// management).
func (a *Adapter) Install(ctx context.Context, env backend.EnvHandle, specs []string, opts backend.InstallOptions) (*backend.InstallResult, error) {
	args := []string{"add"}
	if opts.Group != "" && opts.Group != "default" {
		args = append(args, "--group", opts.Group)
	}
	if opts.Editable {
		args = append(args, "--editable")
	}
	args = append(args, specs...)

	res, err := a.runner.Run(ctx, process.Spec{
		Path: "poetry",
		Args: args,
		Dir:  env.Path,
		Env:  []string{"VIRTUAL_ENV=" + env.Path, "POETRY_VIRTUALENVS_CREATE=false"},
	})
	if err != nil {
		return nil, perr.Wrap(perr.BackendUnavailable, "poetry not on host", err)
	}
	items := make([]backend.ItemOutcome, 0, len(specs))
	if res.ExitCode != 0 {
		for _, s := range specs {
			items = append(items, backend.ItemOutcome{Spec: s, OK: false})
		}
		return &backend.InstallResult{Items: items, Outcome: backend.OutcomeFailed},
			perr.New(perr.BackendFailure, "poetry add failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
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
	args := append([]string{"remove"}, names...)
	res, err := a.runner.Run(ctx, process.Spec{Path: "poetry", Args: args, Dir: env.Path, Env: []string{"VIRTUAL_ENV=" + env.Path}})
	if err != nil {
		return perr.Wrap(perr.BackendUnavailable, "poetry not on host", err)
	}
	if res.ExitCode != 0 && !strings.Contains(string(res.Stderr), "not found") {
		return perr.New(perr.BackendFailure, "poetry remove failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// List parses `poetry show --no-ansi`, whose lines are
// "name   version   description". Falls back to the wrapped pip.Adapter
// if the plugin/command is unavailable, matching SPEC_FULL.md's freeze note.
func (a *Adapter) List(ctx context.Context, env backend.EnvHandle, opts backend.ListOptions) ([]backend.PackageRecord, error) {
	res, err := a.runner.Run(ctx, process.Spec{Path: "poetry", Args: []string{"show", "--no-ansi"}, Dir: env.Path})
	if err != nil || res.ExitCode != 0 {
		return a.pip.List(ctx, env, opts)
	}
	var records []backend.PackageRecord
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		rec := backend.PackageRecord{Name: strings.ToLower(fields[0]), Version: fields[1], Group: "default", Source: "pypi", Direct: true}
		if len(fields) > 2 {
			rec.Description = strings.Join(fields[2:], " ")
		}
		records = append(records, rec)
	}
	return records, nil
}

// Sync runs `poetry install`, optionally `--sync` to additionally remove
// packages absent from the manifest (poetry's "clean" behaviour).
func (a *Adapter) Sync(ctx context.Context, env backend.EnvHandle, manifestDir string, groups []string, clean bool) error {
	args := []string{"install"}
	if len(groups) > 0 {
		args = append(args, "--only", strings.Join(groups, ","))
	}
	if clean {
		args = append(args, "--sync")
	}
	res, err := a.runner.Run(ctx, process.Spec{
		Path: "poetry", Args: args, Dir: manifestDir,
		Env: []string{"VIRTUAL_ENV=" + env.Path, "POETRY_VIRTUALENVS_CREATE=false"},
	})
	if err != nil {
		return perr.Wrap(perr.BackendUnavailable, "poetry not on host", err)
	}
	if res.ExitCode != 0 {
		return perr.New(perr.BackendFailure, "poetry install failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// Freeze tries `poetry export` (requires the export plugin); on failure
// it reconstructs a pinned list from `poetry show`, per SPEC_FULL.md.
func (a *Adapter) Freeze(ctx context.Context, env backend.EnvHandle) ([]string, error) {
	res, err := a.runner.Run(ctx, process.Spec{
		Path: "poetry", Args: []string{"export", "--without-hashes", "-f", "requirements.txt"}, Dir: env.Path,
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

	records, listErr := a.List(ctx, env, backend.ListOptions{})
	if listErr != nil {
		return nil, listErr
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Name+"=="+r.Version)
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
