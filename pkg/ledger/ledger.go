// Package ledger implements the Operation Ledger (C10): tracks
// long-running operations with an identity, lifecycle status, progress,
// cancellation, and an append-only event history per operation. Grounded
// on the teacher's pkg/runner progress-event shape (percentage-of-total).
// Events are read back through Get and List; the ledger has no live
// subscription channel.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venvforge/pvm/internal/perr"
)

// Kind identifies what an Operation represents, per spec.md §3.
type Kind string

const (
	KindCreateEnv    Kind = "create-env"
	KindInstall      Kind = "install"
	KindUninstall    Kind = "uninstall"
	KindUpdate       Kind = "update"
	KindSync         Kind = "sync"
	KindCacheClean   Kind = "cache-clean"
	KindEphemeralRun Kind = "ephemeral-run"
)

// Status is an Operation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Event is one append-only entry in an operation's history.
type Event struct {
	At      time.Time
	Status  Status
	Percent int
	Message string
}

// Operation is a tracked unit of work. Exported fields are a read-only
// snapshot; mutation happens only through the ledger's methods so the
// terminal-transition-exactly-once invariant holds.
type Operation struct {
	ID        string
	Kind      Kind
	Status    Status
	Percent   int
	Message   string
	Warnings  []string
	Result    interface{}
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
	Events    []Event
}

// handle is the ledger's mutable record plus its cancellation plumbing.
type handle struct {
	op     Operation
	cancel context.CancelFunc
}

// Ledger tracks operations for the lifetime of the process. It is not
// persisted: operations are an in-memory, single-run concern (spec.md
// §3's "opaque identifier", not a durable record).
type Ledger struct {
	mu  sync.RWMutex
	ops map[string]*handle
}

func New() *Ledger {
	return &Ledger{ops: make(map[string]*handle)}
}

// Begin starts a new Operation of the given kind under ctx, returning a
// child context carrying cooperative cancellation and the operation's ID.
// Cancel(id) or the parent ctx's own cancellation both stop the child.
func (l *Ledger) Begin(ctx context.Context, kind Kind) (opCtx context.Context, id string) {
	child, cancel := context.WithCancel(ctx)
	id = uuid.NewString()
	now := time.Now()

	l.mu.Lock()
	l.ops[id] = &handle{
		op: Operation{
			ID:        id,
			Kind:      kind,
			Status:    StatusRunning,
			StartedAt: now,
			Events:    []Event{{At: now, Status: StatusRunning, Message: "started"}},
		},
		cancel: cancel,
	}
	l.mu.Unlock()
	return child, id
}

// Progress appends a progress event. A no-op on unknown or already
// terminal operations — progress reports racing a completion are
// expected and harmless.
func (l *Ledger) Progress(id string, percent int, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.ops[id]
	if !ok || h.op.Status.terminal() {
		return
	}
	h.op.Percent = percent
	h.op.Message = message
	h.op.Events = append(h.op.Events, Event{At: time.Now(), Status: h.op.Status, Percent: percent, Message: message})
}

// Warn attaches a non-fatal warning to the operation (e.g. an isolation
// fallback), without affecting its terminal status.
func (l *Ledger) Warn(id, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.ops[id]
	if !ok {
		return
	}
	h.op.Warnings = append(h.op.Warnings, message)
	h.op.Events = append(h.op.Events, Event{At: time.Now(), Status: h.op.Status, Message: "warning: " + message})
}

// Complete transitions id to completed with result, exactly once.
func (l *Ledger) Complete(id string, result interface{}) {
	l.finish(id, StatusCompleted, result, nil)
}

// Fail transitions id to failed with err, exactly once.
func (l *Ledger) Fail(id string, err error) {
	l.finish(id, StatusFailed, nil, err)
}

// Cancel requests cancellation of id's context and transitions it to
// cancelled, exactly once. Calling Cancel on an already-terminal
// operation is a no-op.
func (l *Ledger) Cancel(id string) {
	l.mu.Lock()
	h, ok := l.ops[id]
	if !ok || h.op.Status.terminal() {
		l.mu.Unlock()
		return
	}
	cancel := h.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.finish(id, StatusCancelled, nil, perr.New(perr.Cancelled, "operation cancelled"))
}

func (l *Ledger) finish(id string, status Status, result interface{}, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.ops[id]
	if !ok || h.op.Status.terminal() {
		return
	}
	now := time.Now()
	h.op.Status = status
	h.op.EndedAt = now
	h.op.Result = result
	h.op.Err = err
	msg := "completed"
	if err != nil {
		msg = err.Error()
	}
	h.op.Events = append(h.op.Events, Event{At: now, Status: status, Percent: 100, Message: msg})
	if h.cancel != nil && status != StatusCancelled {
		h.cancel()
	}
}

// Get returns a snapshot of operation id.
func (l *Ledger) Get(id string) (Operation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.ops[id]
	if !ok {
		return Operation{}, false
	}
	return h.op, true
}

// List returns a snapshot of all tracked operations, most recent first.
func (l *Ledger) List() []Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Operation, 0, len(l.ops))
	for _, h := range l.ops {
		out = append(out, h.op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
