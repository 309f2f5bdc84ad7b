// Package pip implements the baseline Backend Adapter: always available
// wherever a Python interpreter is, with no native lock-file or
// dependency-group support (spec.md §4.5 step 5). Grounded on the
// teacher's pkg/runtime.ContainerRuntime concrete implementations for the
// shape of translating one external tool's wire format into the core's
// structured records.
package pip

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/backend"
	"github.com/venvforge/pvm/pkg/manifest"
	"github.com/venvforge/pvm/pkg/process"
)

// Adapter implements backend.Adapter by shelling out to `python -m pip`
// and `python -m venv`.
type Adapter struct {
	runner     *process.Runner
	pythonPath string // interpreter used to create new environments, e.g. "python3"
}

// New returns a pip Adapter that creates environments from pythonPath
// (defaulting to "python3" when empty).
func New(runner *process.Runner, pythonPath string) *Adapter {
	if pythonPath == "" {
		pythonPath = "python3"
	}
	return &Adapter{runner: runner, pythonPath: pythonPath}
}

func (a *Adapter) Name() string { return "pip" }

func (a *Adapter) Supports() backend.Capabilities {
	return backend.Capabilities{}
}

// binPath returns the path to an executable inside the venv at envDir,
// honouring the POSIX bin/ vs. Windows Scripts\ layout spec.md §8's
// interpreter-probe invariant requires.
func binPath(envDir, name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(envDir, "Scripts", name+".exe")
	}
	return filepath.Join(envDir, "bin", name)
}

func (a *Adapter) Create(ctx context.Context, path string, interpreterVersion string) (backend.EnvHandle, error) {
	res, err := a.runner.Run(ctx, process.Spec{Path: a.pythonPath, Args: []string{"-m", "venv", path}})
	if err != nil {
		return backend.EnvHandle{}, perr.Wrap(perr.BackendUnavailable, "python interpreter not runnable", err)
	}
	if res.ExitCode != 0 {
		return backend.EnvHandle{}, perr.New(perr.BackendFailure, "venv creation failed").
			WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}

	interp := binPath(path, "python")
	ver, tag, err := backend.ProbeInterpreter(ctx, a.runner, interp)
	if err != nil {
		return backend.EnvHandle{}, err
	}
	return backend.EnvHandle{
		Path:           path,
		Interpreter:    interp,
		PythonVersion:  ver,
		Platform:       backend.PlatformTag(),
		InterpreterTag: tag,
	}, nil
}

func (a *Adapter) Install(ctx context.Context, env backend.EnvHandle, specs []string, opts backend.InstallOptions) (*backend.InstallResult, error) {
	args := []string{"-m", "pip", "install"}
	if opts.Upgrade {
		args = append(args, "--upgrade")
	}
	if opts.Editable {
		args = append(args, "-e")
	}
	args = append(args, specs...)

	res, err := a.runner.Run(ctx, process.Spec{Path: env.Interpreter, Args: args})
	if err != nil {
		return nil, perr.Wrap(perr.BackendUnavailable, "pip not runnable", err)
	}

	items := make([]backend.ItemOutcome, 0, len(specs))
	if res.ExitCode != 0 {
		for _, s := range specs {
			items = append(items, backend.ItemOutcome{Spec: s, OK: false})
		}
		return &backend.InstallResult{Items: items, Outcome: backend.OutcomeFailed},
			perr.New(perr.BackendFailure, "pip install failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	for _, s := range specs {
		items = append(items, backend.ItemOutcome{Spec: s, OK: true})
	}

	records, err := a.List(ctx, env, backend.ListOptions{})
	if err != nil {
		return &backend.InstallResult{Items: items, Outcome: backend.OutcomeOK}, nil
	}
	installed := filterBySpecs(records, specs)
	return &backend.InstallResult{Installed: installed, Items: items, Outcome: backend.OutcomeOK}, nil
}

// filterBySpecs narrows a full package listing down to the names touched
// by specs, best-effort (ignores version pins when matching by name).
func filterBySpecs(records []backend.PackageRecord, specs []string) []backend.PackageRecord {
	wanted := map[string]bool{}
	for _, s := range specs {
		name := s
		for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", " "} {
			if i := strings.Index(name, sep); i >= 0 {
				name = name[:i]
			}
		}
		wanted[strings.ToLower(name)] = true
	}
	var out []backend.PackageRecord
	for _, r := range records {
		if wanted[strings.ToLower(r.Name)] {
			out = append(out, r)
		}
	}
	return out
}

func (a *Adapter) Uninstall(ctx context.Context, env backend.EnvHandle, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := append([]string{"-m", "pip", "uninstall", "-y"}, names...)
	res, err := a.runner.Run(ctx, process.Spec{Path: env.Interpreter, Args: args})
	if err != nil {
		return perr.Wrap(perr.BackendUnavailable, "pip not runnable", err)
	}
	if res.ExitCode != 0 && !strings.Contains(string(res.Stderr), "not installed") {
		return perr.New(perr.BackendFailure, "pip uninstall failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}
	return nil
}

type pipListEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (a *Adapter) List(ctx context.Context, env backend.EnvHandle, opts backend.ListOptions) ([]backend.PackageRecord, error) {
	args := []string{"-m", "pip", "list", "--format=json"}
	if opts.OutdatedOnly {
		args = append(args, "--outdated")
	}
	res, err := a.runner.Run(ctx, process.Spec{Path: env.Interpreter, Args: args})
	if err != nil {
		return nil, perr.Wrap(perr.BackendUnavailable, "pip not runnable", err)
	}
	if res.ExitCode != 0 {
		return nil, perr.New(perr.BackendFailure, "pip list failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
	}

	var entries []pipListEntry
	if err := json.Unmarshal(res.Stdout, &entries); err != nil {
		return nil, perr.Wrap(perr.IOFailure, "parsing pip list output", err)
	}

	records := make([]backend.PackageRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, backend.PackageRecord{
			Name:    strings.ToLower(e.Name),
			Version: e.Version,
			Group:   "default",
			Source:  "pypi",
			Direct:  true,
		})
	}
	return records, nil
}

// Sync reconciles the environment's installed set with the manifest found
// at manifestDir (pyproject.toml or requirements.txt). pip has no native
// group/lock-file awareness, so this reads through pkg/manifest directly.
func (a *Adapter) Sync(ctx context.Context, env backend.EnvHandle, manifestDir string, groups []string, clean bool) error {
	m, err := loadManifest(manifestDir)
	if err != nil {
		return err
	}

	wanted := map[string]string{} // name -> spec
	for _, g := range m.Groups {
		if len(groups) > 0 && !contains(groups, g.Name) {
			continue
		}
		for _, req := range g.Requirements {
			wanted[bareName(req)] = req
		}
	}

	specs := make([]string, 0, len(wanted))
	for _, spec := range wanted {
		specs = append(specs, spec)
	}
	if len(specs) > 0 {
		if _, err := a.Install(ctx, env, specs, backend.InstallOptions{}); err != nil {
			return err
		}
	}

	if clean {
		installed, err := a.List(ctx, env, backend.ListOptions{})
		if err != nil {
			return err
		}
		var toRemove []string
		for _, rec := range installed {
			if _, ok := wanted[rec.Name]; !ok {
				toRemove = append(toRemove, rec.Name)
			}
		}
		if len(toRemove) > 0 {
			return a.Uninstall(ctx, env, toRemove)
		}
	}
	return nil
}

func loadManifest(dir string) (*manifest.Manifest, error) {
	pyproject := filepath.Join(dir, "pyproject.toml")
	if m, err := manifest.ParsePyproject(pyproject); err == nil {
		return m, nil
	}
	reqs := filepath.Join(dir, "requirements.txt")
	return manifest.ParseRequirementsTxt(reqs)
}

func bareName(spec string) string {
	name := spec
	for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", " "} {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	return strings.ToLower(name)
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (a *Adapter) Freeze(ctx context.Context, env backend.EnvHandle) ([]string, error) {
	res, err := a.runner.Run(ctx, process.Spec{Path: env.Interpreter, Args: []string{"-m", "pip", "freeze"}})
	if err != nil {
		return nil, perr.Wrap(perr.BackendUnavailable, "pip not runnable", err)
	}
	if res.ExitCode != 0 {
		return nil, perr.New(perr.BackendFailure, "pip freeze failed").WithBackendFailure(res.ExitCode, tail(res.Stderr))
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

// tail returns the last few lines of stderr for BackendFailure's stderr
// tail, per spec.md §7.
func tail(stderr []byte) string {
	lines := strings.Split(strings.TrimRight(string(stderr), "\n"), "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return strings.Join(lines, "\n")
}
