// Command pvm is a thin command-line front end over the environment
// orchestration core: create/install/list/delete plus a one-off
// ephemeral run, grounded on the teacher's cmd/cm package-var + init()
// cobra registration convention but covering only the operations the
// core exposes (spec.md's non-goals exclude a full CLI surface).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/venvforge/pvm/internal/logx"
	"github.com/venvforge/pvm/pkg/backend"
	"github.com/venvforge/pvm/pkg/backend/pip"
	"github.com/venvforge/pvm/pkg/cache"
	"github.com/venvforge/pvm/pkg/config"
	"github.com/venvforge/pvm/pkg/environment"
	"github.com/venvforge/pvm/pkg/ephemeral"
	"github.com/venvforge/pvm/pkg/isolation"
	"github.com/venvforge/pvm/pkg/ledger"
	"github.com/venvforge/pvm/pkg/process"
	"github.com/venvforge/pvm/pkg/registry"
	"github.com/venvforge/pvm/pkg/watch"
)

var (
	cfg *config.Config
	mgr environment.Manager
	led *ledger.Ledger
)

var rootCmd = &cobra.Command{
	Use:           "pvm",
	Short:         "Manage Python virtual environments across pip, uv, poetry, pdm and conda",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		logx.Init(logx.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})

		reg, err := registry.Open(cfg.RegistryPath)
		if err != nil {
			return fmt.Errorf("opening registry: %w", err)
		}

		var idx *cache.Index
		if cfg.CacheEnabled {
			store, err := cache.NewStore(cfg.CacheRoot)
			if err != nil {
				return fmt.Errorf("opening cache store: %w", err)
			}
			idx, err = cache.OpenIndex(cfg.RegistryPath+".cache.db", store)
			if err != nil {
				return fmt.Errorf("opening cache index: %w", err)
			}
		}

		led = ledger.New()
		runner := process.New()
		mgr = environment.NewManager(cfg, reg, led, idx, runner)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new managed environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backendName, _ := cmd.Flags().GetString("backend")
		interp, _ := cmd.Flags().GetString("python")
		projectDir, _ := cmd.Flags().GetString("project")
		force, _ := cmd.Flags().GetBool("force")

		info, err := mgr.Create(cmd.Context(), environment.CreateOptions{
			Name:        args[0],
			Backend:     backendName,
			Interpreter: interp,
			ProjectDir:  projectDir,
			Force:       force,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created %s (backend=%s, path=%s)\n", info.Name, info.Backend, info.Path)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a managed environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if err := mgr.Delete(cmd.Context(), args[0], force); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed environments",
	RunE: func(cmd *cobra.Command, args []string) error {
		envs, err := mgr.List(cmd.Context(), environment.ListOptions{})
		if err != nil {
			return err
		}
		for _, e := range envs {
			active := " "
			if e.Active {
				active = "*"
			}
			fmt.Printf("%s %-20s %-8s %-10s %d pkgs\n", active, e.Name, e.Backend, e.Status, e.PackageCount)
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install NAME PACKAGE...",
	Short: "Install packages into a managed environment",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")
		result, err := mgr.Install(cmd.Context(), args[0], args[1:], backend.InstallOptions{Group: group})
		if err != nil {
			return err
		}
		fmt.Printf("installed %d package(s), outcome=%s\n", len(result.Installed), result.Outcome)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync NAME",
	Short: "Reconcile a managed environment with its project manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, _ := cmd.Flags().GetStringSlice("group")
		clean, _ := cmd.Flags().GetBool("clean")
		watchFlag, _ := cmd.Flags().GetBool("watch")

		run := func() {
			if err := mgr.Sync(cmd.Context(), args[0], groups, clean); err != nil {
				fmt.Fprintln(os.Stderr, "sync error:", err)
				return
			}
			fmt.Printf("synced %s\n", args[0])
		}
		run()
		if !watchFlag {
			return nil
		}

		info, err := mgr.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if info.ProjectDir == "" {
			return fmt.Errorf("%s has no associated project directory to watch", args[0])
		}

		w, err := watch.New(info.ProjectDir, watch.DefaultOptions(), run)
		if err != nil {
			return fmt.Errorf("starting manifest watcher: %w", err)
		}
		defer w.Close()
		fmt.Printf("watching %s for manifest changes (ctrl+c to stop)\n", info.ProjectDir)
		return w.Start(cmd.Context())
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate NAME",
	Short: "Mark a managed environment as the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Activate(cmd.Context(), args[0])
	},
}

var runCmd = &cobra.Command{
	Use:   "run -- COMMAND [ARGS...]",
	Short: "Run a one-off command inside a disposable ephemeral environment",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runner := process.New()
		substrate := isolation.New(runner)

		var limits isolation.ResourceLimits
		if mem, _ := cmd.Flags().GetString("memory"); mem != "" {
			bytes, err := units.RAMInBytes(mem)
			if err != nil {
				return fmt.Errorf("parsing --memory %q: %w", mem, err)
			}
			limits.MaxMemoryBytes = bytes
		}

		adapter := pip.New(runner, "")
		provisioner := func(ctx context.Context, id string, policy ephemeral.Policy) (string, error) {
			path := filepath.Join(os.TempDir(), "pvm-ephemeral-"+id)
			if _, err := adapter.Create(ctx, path, ""); err != nil {
				return "", err
			}
			return path, nil
		}
		destroyer := func(ctx context.Context, path string) error {
			return os.RemoveAll(path)
		}
		controller := ephemeral.New(led, cfg.EphemeralMaxEnvironments, provisioner, destroyer)

		level := isolation.ParseLevel(string(cfg.EphemeralDefaultIsolation))
		handle, release, err := controller.Scoped(cmd.Context(), ephemeral.Policy{
			Isolation: level,
			Storage:   cfg.EphemeralDefaultStorage,
			Limits:    limits,
			TTL:       time.Duration(cfg.EphemeralTTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer release()

		procHandle, warnings, err := substrate.Prepare(cmd.Context(), process.Spec{
			Path: args[0],
			Args: args[1:],
			Dir:  handle.Path,
		}, isolation.Policy{Level: level, Limits: limits, Fallback: cfg.IsolationFallbackPolicy})
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}
		defer procHandle.Cleanup()

		res, err := procHandle.Run(cmd.Context())
		if err != nil {
			return err
		}
		os.Stdout.Write(res.Stdout)
		os.Stderr.Write(res.Stderr)
		return nil
	},
}

func init() {
	createCmd.Flags().String("backend", "", "backend to use (pip, uv, poetry, pdm); auto-selected if empty")
	createCmd.Flags().String("python", "", "interpreter version to provision")
	createCmd.Flags().String("project", "", "project directory used for backend auto-selection")
	createCmd.Flags().Bool("force", false, "replace an existing environment of the same name")

	deleteCmd.Flags().Bool("force", false, "allow deleting the active environment")

	installCmd.Flags().String("group", "", "dependency group to install into")

	syncCmd.Flags().StringSlice("group", nil, "dependency groups to sync (repeatable)")
	syncCmd.Flags().Bool("clean", false, "remove packages not present in the manifest")
	syncCmd.Flags().Bool("watch", false, "keep syncing whenever the project manifest changes")

	runCmd.Flags().String("memory", "", "memory limit for the ephemeral environment, e.g. \"512m\" or \"2g\"")

	rootCmd.AddCommand(createCmd, deleteCmd, listCmd, installCmd, syncCmd, activateCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
