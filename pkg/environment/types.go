// Package environment implements the Environment Manager (C7): the
// top-level public surface for non-ephemeral environments. For each
// operation it records an Operation in the Ledger, consults the
// Selector and Registry, drives the chosen Backend Adapter through the
// Process Runner, updates the Registry, and closes the Operation
// (spec.md §4.7).
package environment

import (
	"context"

	"github.com/venvforge/pvm/pkg/backend"
)

// CreateOptions parametrizes Create.
type CreateOptions struct {
	Name            string
	Interpreter     string // e.g. "3.11"; "" lets the backend pick a default
	Backend         string // explicit override; "" defers to the Selector
	ProjectDir      string // manifest source for Sync/backend selection signals
	InitialPackages []string
	Force           bool // recreate if name already exists
}

// ListOptions parametrizes List.
type ListOptions struct {
	Backend string
	Status  string
}

// Manager is the public contract the CLI/API layers drive. Grounded on
// the teacher's EnvironmentManager interface, narrowed from container
// lifecycle verbs to venv lifecycle verbs.
type Manager interface {
	Create(ctx context.Context, opts CreateOptions) (Info, error)
	Delete(ctx context.Context, name string, force bool) error
	Get(ctx context.Context, name string) (Info, error)
	List(ctx context.Context, opts ListOptions) ([]Info, error)
	Exists(ctx context.Context, name string) bool

	Install(ctx context.Context, name string, specs []string, opts backend.InstallOptions) (*backend.InstallResult, error)
	Uninstall(ctx context.Context, name string, names []string) error
	Update(ctx context.Context, name string, names []string) (*backend.InstallResult, error)
	Sync(ctx context.Context, name string, groups []string, clean bool) error
	Freeze(ctx context.Context, name string) ([]string, error)
	ListPackages(ctx context.Context, name string, opts backend.ListOptions) ([]backend.PackageRecord, error)

	Activate(ctx context.Context, name string) error
	Active(ctx context.Context) (Info, bool)
}

// Info is the read-facing view of one managed environment, combining
// the Registry record with its live backend handle facts.
type Info struct {
	Name         string
	Path         string
	Interpreter  string
	Backend      string
	ProjectDir   string
	Status       string
	Active       bool
	PackageCount int
	SizeBytes    int64
	CreatedAt    string
	UpdatedAt    string
}
