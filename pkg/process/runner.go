// Package process implements the Process Runner: the single place in pvm
// that spawns external commands. Every backend adapter and the isolation
// substrate route child processes through this package so that capture,
// timeout, cancellation, and graceful-then-forcible termination are
// implemented exactly once.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/venvforge/pvm/internal/logx"
)

// TerminalReason describes why a Run returned.
type TerminalReason string

const (
	ReasonExited    TerminalReason = "exited"
	ReasonTimeout   TerminalReason = "timeout"
	ReasonCancelled TerminalReason = "cancelled"
	ReasonSignalled TerminalReason = "signalled"
)

// GracePeriod is the wall-clock window between a graceful SIGTERM and the
// forcible SIGKILL escalation, on cancellation or timeout.
const GracePeriod = 5 * time.Second

// Spec describes a single command invocation.
type Spec struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string // additional KEY=VALUE entries merged onto the current environment
	Timeout time.Duration

	// Stream, when non-nil, receives output chunks as they are produced
	// instead of (in addition to) being buffered into Result.
	Stream chan<- Chunk
}

// Chunk is a single tagged slice of output in streaming mode.
type Chunk struct {
	Stream string // "stdout" or "stderr"
	Data   []byte
}

// Result is the outcome of one Run call.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Reason   TerminalReason
	Err      error // spawn error only; non-zero exit is not an error
}

// Runner runs external commands. The zero value is ready to use.
type Runner struct{}

// New returns a ready-to-use Runner.
func New() *Runner {
	return &Runner{}
}

// Run spawns Spec.Path, waits for completion honouring ctx cancellation and
// Spec.Timeout, and returns a Result. It never returns an error for a
// non-zero exit; Result.Err is reserved for spawn failures (tool not found).
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	log := logx.For("process")

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	// Detach into its own process group so that on escalation we can signal
	// the whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdoutBuf, stderrBuf bytes.Buffer
	var mu sync.Mutex
	writeChunk := func(stream string, p []byte) {
		if spec.Stream == nil || len(p) == 0 {
			return
		}
		cp := make([]byte, len(p))
		copy(cp, p)
		select {
		case spec.Stream <- Chunk{Stream: stream, Data: cp}:
		default:
		}
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &Result{Err: err}, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	pump := func(stream string, r io.Reader, buf *bytes.Buffer) {
		defer wg.Done()
		b := make([]byte, 32*1024)
		for {
			n, err := r.Read(b)
			if n > 0 {
				mu.Lock()
				buf.Write(b[:n])
				mu.Unlock()
				writeChunk(stream, b[:n])
			}
			if err != nil {
				return
			}
		}
	}
	go pump("stdout", stdoutPipe, &stdoutBuf)
	go pump("stderr", stderrPipe, &stderrBuf)

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	var reason TerminalReason
	var waitErr error

	select {
	case waitErr = <-waitDone:
		reason = ReasonExited
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		} else {
			reason = ReasonCancelled
		}
		log.Warn().Str("reason", string(reason)).Msg("process: terminating child")
		terminateGracefully(cmd, &waitDone)
		waitErr = <-waitDone
	}

	result := &Result{
		Stdout: stdoutBuf.Bytes(),
		Stderr: stderrBuf.Bytes(),
		Reason: reason,
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		// A negative exit code means death by signal; only report it as
		// signalled when the signal was not our own timeout/cancel SIGTERM.
		if result.ExitCode < 0 && reason == ReasonExited {
			result.Reason = ReasonSignalled
		}
	} else if waitErr != nil && reason == ReasonExited {
		return &Result{Err: waitErr}, waitErr
	}
	return result, nil
}

// terminateGracefully signals SIGTERM to the whole process group, waits up
// to GracePeriod, then escalates to SIGKILL. waitDone is drained by the
// caller; this only needs to make sure Wait eventually unblocks.
func terminateGracefully(cmd *exec.Cmd, waitDone *chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case err := <-*waitDone:
		*waitDone = makeDone(err)
		return
	case <-time.After(GracePeriod):
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func makeDone(err error) chan error {
	c := make(chan error, 1)
	c <- err
	return c
}
