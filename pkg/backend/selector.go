package backend

import (
	"context"
	"os/exec"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/venvforge/pvm/pkg/manifest"
)

// Selection is the Selector's output: the chosen adapter's name and the
// reason it was picked, per spec.md §4.5 ("the Selector must be able to
// explain its choice").
type Selection struct {
	Backend string
	Reason  string
}

// hostAvailability ranks host-installed tools fastest-first, consulted at
// step 4 of the selection order below.
var hostAvailability = []string{"uv", "pdm", "poetry"}

// Select implements the fixed backend-selection precedence of spec.md
// §4.5: an explicit override wins outright; otherwise a lock file, then
// a pyproject.toml build-backend/tool-section hint, then whichever of
// uv/pdm/poetry is actually installed (fastest first), and finally pip
// as the universal baseline. projectDir is the directory containing
// pyproject.toml/requirements.txt/lock files, if any.
func Select(ctx context.Context, projectDir string, override string) (Selection, error) {
	if override != "" {
		return Selection{Backend: override, Reason: "explicit override"}, nil
	}

	if lock := manifest.DetectLockFile(projectDir); lock != "" {
		name := lockFileBackend(lock)
		return Selection{Backend: name, Reason: "lock file " + lock + " present"}, nil
	}

	if m, err := manifest.ParsePyproject(filepath.Join(projectDir, "pyproject.toml")); err == nil {
		if name, ok := toolSectionBackend(m); ok {
			return Selection{Backend: name, Reason: "pyproject.toml [tool." + name + "] section present"}, nil
		}
		if name, ok := buildBackendHint(m.BuildBackend); ok {
			return Selection{Backend: name, Reason: "build-backend " + m.BuildBackend}, nil
		}
	}

	if name, ok := firstAvailable(ctx, hostAvailability); ok {
		return Selection{Backend: name, Reason: name + " found on host"}, nil
	}

	return Selection{Backend: "pip", Reason: "no stronger signal available, falling back to pip"}, nil
}

func lockFileBackend(lock string) string {
	switch lock {
	case "uv.lock":
		return "uv"
	case "poetry.lock":
		return "poetry"
	case "pdm.lock":
		return "pdm"
	}
	return "pip"
}

func toolSectionBackend(m *manifest.Manifest) (string, bool) {
	for _, section := range m.ToolSections {
		switch section {
		case "uv":
			return "uv", true
		case "poetry":
			return "poetry", true
		case "pdm":
			return "pdm", true
		}
	}
	return "", false
}

func buildBackendHint(backend string) (string, bool) {
	switch backend {
	case "poetry.core.masonry.api":
		return "poetry", true
	case "pdm.backend", "pdm.pep517.api":
		return "pdm", true
	case "uv_build":
		return "uv", true
	}
	return "", false
}

// firstAvailable checks candidates in rank order, concurrently, and
// returns the highest-ranked one that resolves on PATH — mirroring the
// teacher's concurrent-probe-then-rank-pick shape in pkg/runtime/detect.go.
func firstAvailable(ctx context.Context, candidates []string) (string, bool) {
	found := make([]bool, len(candidates))
	g, _ := errgroup.WithContext(ctx)
	for i, name := range candidates {
		i, name := i, name
		g.Go(func() error {
			if _, err := exec.LookPath(name); err == nil {
				found[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, ok := range found {
		if ok {
			return candidates[i], true
		}
	}
	return "", false
}
