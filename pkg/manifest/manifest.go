// Package manifest reads the project-level dependency declarations pvm
// only ever consumes, never writes: pyproject.toml, legacy
// requirements.txt-style lists, and Conda environment.yml files (import
// only, per spec.md §6).
package manifest

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Group is a named dependency group, e.g. "default" or "dev".
type Group struct {
	Name         string
	Requirements []string
}

// Manifest is the parsed, backend-agnostic shape of a project's declared
// dependencies, plus the raw backend hints the Selector reads from it.
type Manifest struct {
	Groups []Group

	// BuildBackend is pyproject.toml's [build-system].build-backend, if present.
	BuildBackend string
	// ToolSections lists the [tool.*] table names present, used by the
	// Selector's step 3 (spec.md §4.5).
	ToolSections []string
}

// ParsePyproject parses a pyproject.toml file into a Manifest. The [tool.*]
// tables are decoded generically (map[string]interface{}) since pvm only
// needs their names, never their contents — third-party tool config is
// otherwise unconstrained.
func ParsePyproject(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var generic struct {
		BuildSystem struct {
			BuildBackend string `toml:"build-backend"`
		} `toml:"build-system"`
		Project struct {
			Dependencies         []string            `toml:"dependencies"`
			OptionalDependencies map[string][]string `toml:"optional-dependencies"`
		} `toml:"project"`
		Tool map[string]map[string]interface{} `toml:"tool"`
	}
	if err := toml.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	m := &Manifest{
		BuildBackend: generic.BuildSystem.BuildBackend,
	}
	for name := range generic.Tool {
		m.ToolSections = append(m.ToolSections, name)
	}

	m.Groups = append(m.Groups, Group{Name: "default", Requirements: generic.Project.Dependencies})
	for group, reqs := range generic.Project.OptionalDependencies {
		m.Groups = append(m.Groups, Group{Name: group, Requirements: reqs})
	}
	return m, nil
}

// ParseRequirementsTxt parses a legacy line-oriented requirements file:
// blank lines, comments (#), and -r/-e directives are skipped; everything
// else is treated as a default-group requirement.
func ParseRequirementsTxt(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var reqs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		reqs = append(reqs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Manifest{Groups: []Group{{Name: "default", Requirements: reqs}}}, nil
}

// condaEnv mirrors the subset of a Conda environment.yml this core cares
// about: name and the pip/conda dependency list.
type condaEnv struct {
	Name         string        `yaml:"name"`
	Dependencies []interface{} `yaml:"dependencies"`
}

// ParseCondaEnvironment parses a Conda environment.yml for import into the
// Registry only — conda itself is never selected as an install backend
// (spec.md §6; SPEC_FULL.md §6).
func ParseCondaEnvironment(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env condaEnv
	if err := yaml.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	var reqs []string
	for _, dep := range env.Dependencies {
		switch v := dep.(type) {
		case string:
			reqs = append(reqs, v)
		case map[string]interface{}:
			if pipDeps, ok := v["pip"].([]interface{}); ok {
				for _, p := range pipDeps {
					if s, ok := p.(string); ok {
						reqs = append(reqs, s)
					}
				}
			}
		}
	}
	return &Manifest{Groups: []Group{{Name: "default", Requirements: reqs}}}, nil
}

// DetectLockFile scans dir in the Selector's fixed precedence order and
// returns the name of the first lock file present, or "" if none.
func DetectLockFile(dir string) string {
	for _, name := range []string{"uv.lock", "poetry.lock", "pdm.lock"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return name
		}
	}
	return ""
}
