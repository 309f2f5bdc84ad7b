// Package isolation implements the Isolation Substrate (C8): applying a
// configured strictness level to a child process. None and Basic run a
// plain subprocess via pkg/process; Namespace and Bounded run the same
// command inside a disposable Docker container for real mount/PID/
// network isolation and cgroup resource limits, falling back to a
// weaker level with a recorded warning when Docker is unavailable.
//
// Grounded on the teacher's pkg/runtime (Docker client construction,
// ContainerConfig/HostConfig/Resources shape in
// pkg/environment/manager.go's startEnvironment) adapted from "the
// environment IS a container" to "one operation runs inside a
// throwaway container".
package isolation

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/venvforge/pvm/internal/logx"
	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/config"
	"github.com/venvforge/pvm/pkg/process"
)

// Level is a total order of isolation strictness.
type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelNamespace
	LevelBounded
)

func ParseLevel(s string) Level {
	switch config.IsolationLevel(s) {
	case config.IsolationBasic:
		return LevelBasic
	case config.IsolationNamespace:
		return LevelNamespace
	case config.IsolationBounded:
		return LevelBounded
	default:
		return LevelNone
	}
}

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelNamespace:
		return "namespace"
	case LevelBounded:
		return "bounded"
	default:
		return "none"
	}
}

// ResourceLimits are the Bounded level's cgroup-backed constraints.
// Zero values mean "unconstrained".
type ResourceLimits struct {
	MaxMemoryBytes int64
	CPUShare       float64 // fraction of a CPU core, e.g. 1.5
	MaxProcesses   int64
	IOBytesPerSec  int64 // not enforced; see resourcesFor's docs
}

// Policy is what the caller asks of the Substrate for one child process.
type Policy struct {
	Level    Level
	Limits   ResourceLimits
	Fallback config.FallbackPolicy
	Image    string // base image for Namespace/Bounded; defaults to defaultPythonImage
}

const defaultPythonImage = "python:3.11-slim"

// Handle is a launchable, cleanup-guaranteed wrapper around one
// isolated command invocation.
type Handle interface {
	Run(ctx context.Context) (*process.Result, error)
	Cleanup() error
}

// Substrate applies isolation policies. docker is nil when Docker
// could not be reached, in which case Namespace/Bounded requests degrade
// or fail per their policy's Fallback.
type Substrate struct {
	runner *process.Runner
	docker *client.Client
}

// New constructs a Substrate, probing for a usable Docker daemon. Probe
// failure is not an error here — it only narrows which levels Prepare
// can honour natively.
func New(runner *process.Runner) *Substrate {
	s := &Substrate{runner: runner}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logx.For("isolation").Debug().Err(err).Msg("docker client unavailable")
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		logx.For("isolation").Debug().Err(err).Msg("docker daemon not reachable")
		return s
	}
	s.docker = cli
	return s
}

// Prepare resolves policy against actual host capability and returns a
// launchable Handle for spec plus any fallback warnings incurred, per
// spec.md §4.8 ("falls back to the next lower level with a warning
// recorded on the owning operation").
func (s *Substrate) Prepare(ctx context.Context, spec process.Spec, policy Policy) (Handle, []string, error) {
	var warnings []string
	level := policy.Level

	if (level == LevelNamespace || level == LevelBounded) && s.docker == nil {
		if policy.Fallback == config.FallbackFail {
			return nil, nil, perr.New(perr.IsolationUnavailable, "namespace/bounded isolation requires Docker, none available")
		}
		warnings = append(warnings, fmt.Sprintf("isolation level %s unavailable (no Docker daemon), degrading to basic", level))
		level = LevelBasic
	}

	switch level {
	case LevelNone, LevelBasic:
		return &processHandle{runner: s.runner, spec: applyBasic(spec, level)}, warnings, nil
	default:
		if level == LevelBounded && policy.Limits.IOBytesPerSec > 0 {
			warnings = append(warnings, "io_bytes_per_sec limit has no container equivalent and is not enforced")
		}
		h, err := s.prepareContainer(ctx, spec, level, policy)
		return h, warnings, err
	}
}

// applyBasic gives Basic isolation a dedicated working directory when the
// spec has none. It does not clear inherited environment variables: the
// Runner merges Spec.Env onto the parent's environment, so the child sees
// the parent's variables. None passes spec through unmodified.
func applyBasic(spec process.Spec, level Level) process.Spec {
	if level != LevelBasic {
		return spec
	}
	if spec.Dir == "" {
		if d, err := os.MkdirTemp("", "pvm-basic-*"); err == nil {
			spec.Dir = d
		}
	}
	if spec.Env == nil {
		spec.Env = []string{}
	}
	return spec
}

// processHandle wraps a plain subprocess invocation.
type processHandle struct {
	runner *process.Runner
	spec   process.Spec
}

func (h *processHandle) Run(ctx context.Context) (*process.Result, error) {
	return h.runner.Run(ctx, h.spec)
}

func (h *processHandle) Cleanup() error { return nil }

// containerHandle runs spec inside a disposable container, giving it
// real namespace isolation (Namespace level) plus cgroup resource limits
// (Bounded level).
type containerHandle struct {
	docker      *client.Client
	containerID string
}

func (s *Substrate) prepareContainer(ctx context.Context, spec process.Spec, level Level, policy Policy) (Handle, error) {
	image := policy.Image
	if image == "" {
		image = defaultPythonImage
	}

	hostConfig := &dockercontainer.HostConfig{
		NetworkMode: "none", // namespace isolation's default: no network view into the host
	}
	if level == LevelBounded {
		hostConfig.Resources = resourcesFor(policy.Limits)
	}
	if spec.Dir != "" {
		hostConfig.Binds = []string{fmt.Sprintf("%s:%s", spec.Dir, spec.Dir)}
	}

	cfg := &dockercontainer.Config{
		Image:      image,
		Cmd:        append([]string{spec.Path}, spec.Args...),
		WorkingDir: spec.Dir,
		Env:        spec.Env,
		Labels:     map[string]string{"managed-by": "pvm", "isolation-level": level.String()},
	}

	resp, err := s.docker.ContainerCreate(ctx, cfg, hostConfig, nil, nil, "")
	if err != nil {
		return nil, perr.Wrap(perr.IsolationUnavailable, "creating isolated container", err)
	}
	return &containerHandle{docker: s.docker, containerID: resp.ID}, nil
}

// resourcesFor translates ResourceLimits into Docker's cgroup knobs:
// NanoCPUs for CPU share, Memory for the resident-memory ceiling,
// PidsLimit for the process-count ceiling. IOBytesPerSec has no portable
// single-knob Docker equivalent (it is per block device); it is not
// enforced here, and Prepare returns a warning for it instead, matching spec.md §4.8's "missing facility
// triggers documented fallback" for that one sub-limit specifically.
func resourcesFor(limits ResourceLimits) dockercontainer.Resources {
	var r dockercontainer.Resources
	if limits.MaxMemoryBytes > 0 {
		r.Memory = limits.MaxMemoryBytes
	}
	if limits.CPUShare > 0 {
		r.NanoCPUs = int64(limits.CPUShare * 1e9)
	}
	if limits.MaxProcesses > 0 {
		pids := limits.MaxProcesses
		r.PidsLimit = &pids
	}
	return r
}

func (h *containerHandle) Run(ctx context.Context) (*process.Result, error) {
	if err := h.docker.ContainerStart(ctx, h.containerID, dockercontainer.StartOptions{}); err != nil {
		return nil, perr.Wrap(perr.IsolationUnavailable, "starting isolated container", err)
	}

	statusCh, errCh := h.docker.ContainerWait(ctx, h.containerID, dockercontainer.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return nil, perr.Wrap(perr.IOFailure, "waiting for isolated container", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = h.docker.ContainerKill(context.Background(), h.containerID, "SIGKILL")
		return &process.Result{Reason: process.ReasonCancelled, Err: ctx.Err()}, ctx.Err()
	}

	out, err := h.docker.ContainerLogs(context.Background(), h.containerID, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return &process.Result{ExitCode: exitCode, Reason: process.ReasonExited}, nil
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, out)

	return &process.Result{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Reason:   process.ReasonExited,
	}, nil
}

// Cleanup force-removes the container regardless of how it exited,
// guaranteeing host resource release per spec.md §4.8.
func (h *containerHandle) Cleanup() error {
	err := h.docker.ContainerRemove(context.Background(), h.containerID, dockercontainer.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return perr.Wrap(perr.IOFailure, "removing isolated container", err)
	}
	return nil
}
