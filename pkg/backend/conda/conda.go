// Package conda reads an existing Conda environment for import: it parses
// its environment.yml and probes the prefix's interpreter. It does not
// write to the Registry itself. Conda is deliberately not a backend.Adapter: spec.md §6 states
// conda environments are recognized and imported but never created,
// installed into, or synced by pvm — those operations stay conda's own.
package conda

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/backend"
	"github.com/venvforge/pvm/pkg/manifest"
	"github.com/venvforge/pvm/pkg/process"
)

// Imported is the result of importing a Conda environment: the parsed
// dependency list of its environment.yml (plain conda entries and the
// "pip:" block alike, in one default group) plus the probed interpreter
// facts the Registry needs for its environment record.
type Imported struct {
	Manifest *manifest.Manifest
	Handle   backend.EnvHandle
}

// ImportEnvironmentFile parses an environment.yml at path and, if
// prefixPath names an existing Conda prefix, probes its interpreter.
// prefixPath may be "" when only the manifest is needed (e.g. inspecting
// a file before an environment has been created by conda itself).
func ImportEnvironmentFile(ctx context.Context, runner *process.Runner, path, prefixPath string) (*Imported, error) {
	m, err := manifest.ParseCondaEnvironment(path)
	if err != nil {
		return nil, perr.Wrap(perr.IOFailure, "parsing conda environment.yml", err)
	}

	result := &Imported{Manifest: m}
	if prefixPath == "" {
		return result, nil
	}

	handle, err := probeHandle(ctx, runner, prefixPath)
	if err != nil {
		return result, err
	}
	result.Handle = handle
	return result, nil
}

type condaEnvListOutput struct {
	Envs []string `json:"envs"`
}

// DiscoverPrefix resolves a Conda environment name to its filesystem
// prefix via `conda env list --json`, since conda keeps its own registry
// of environments separate from pvm's.
func DiscoverPrefix(ctx context.Context, runner *process.Runner, name string) (string, error) {
	res, err := runner.Run(ctx, process.Spec{Path: "conda", Args: []string{"env", "list", "--json"}})
	if err != nil {
		return "", perr.Wrap(perr.BackendUnavailable, "conda not on host", err)
	}
	if res.ExitCode != 0 {
		return "", perr.New(perr.BackendFailure, "conda env list failed")
	}
	var out condaEnvListOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return "", perr.Wrap(perr.IOFailure, "parsing conda env list output", err)
	}
	for _, prefix := range out.Envs {
		if filepath.Base(prefix) == name {
			return prefix, nil
		}
	}
	return "", perr.New(perr.InvalidRequest, fmt.Sprintf("no conda environment named %q", name))
}

// probeHandle asks the interpreter under prefixPath for its own version
// and ABI tag, via the same probe every venv-based adapter uses.
func probeHandle(ctx context.Context, runner *process.Runner, prefixPath string) (backend.EnvHandle, error) {
	interp := filepath.Join(prefixPath, "bin", "python")
	ver, tag, err := backend.ProbeInterpreter(ctx, runner, interp)
	if err != nil {
		return backend.EnvHandle{}, err
	}
	return backend.EnvHandle{
		Path:           prefixPath,
		Interpreter:    interp,
		PythonVersion:  ver,
		Platform:       backend.PlatformTag(),
		InterpreterTag: tag,
	}, nil
}
