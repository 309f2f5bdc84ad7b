// Package ephemeral implements the Ephemeral Lifecycle Controller (C9):
// short-lived, resource-bounded environments with guaranteed cleanup on
// every exit path. The ticker-driven idle sweep is grounded on the
// leaf-ai-studio go-runner's VirtualEnvCache.cleaner/cleanupUnused
// pattern (reference file, not copied); state transitions and monitoring
// shape follow the teacher's pkg/environment Manager adapted to a
// pending→creating→ready→active→cleanup→deleted machine.
package ephemeral

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venvforge/pvm/internal/logx"
	"github.com/venvforge/pvm/internal/perr"
	"github.com/venvforge/pvm/pkg/config"
	"github.com/venvforge/pvm/pkg/isolation"
	"github.com/venvforge/pvm/pkg/ledger"
	"github.com/venvforge/pvm/pkg/metrics"
)

// State is a position in the ephemeral environment's state machine.
type State string

const (
	StatePending  State = "pending"
	StateCreating State = "creating"
	StateReady    State = "ready"
	StateActive   State = "active"
	StateCleanup  State = "cleanup"
	StateDeleted  State = "deleted"
	StateError    State = "error"
)

// Policy configures one ephemeral environment, per spec.md §4.9.
type Policy struct {
	Isolation       isolation.Level
	Storage         config.StorageBacking
	Limits          isolation.ResourceLimits
	TTL             time.Duration
	InitialPackages []string
}

// Sample is one monitoring reading attached to the owning Operation.
type Sample struct {
	At         time.Time
	CPUPercent float64
	MemoryMB   float64
	DiskMB     float64
}

// Handle is the caller-facing lease on one ephemeral environment. Its
// resources are guaranteed released once Release is called, regardless
// of why the caller is done with it.
type Handle struct {
	ID      string
	Path    string
	Policy  Policy
	OpID    string
	created time.Time

	ctrl *Controller
}

// Release transitions the environment through cleanup to deleted. Safe
// to call multiple times; idempotent.
func (h *Handle) Release() error {
	return h.ctrl.cleanup(h.ID)
}

type entry struct {
	mu       sync.Mutex
	id       string
	state    State
	policy   Policy
	path     string
	opID     string
	lastUsed time.Time
	ttlTimer *time.Timer
	samples  []Sample
}

// Controller manages the set of live ephemeral environments: creation,
// TTL expiry, an idle sweep, and a concurrency cap enforced FIFO. Callers
// beyond the cap always queue; there is no fail-fast mode.
type Controller struct {
	mu          sync.Mutex
	entries     map[string]*entry
	maxConcurr  int
	waiters     []chan struct{}
	ledger      *ledger.Ledger
	provisioner func(ctx context.Context, id string, policy Policy) (path string, err error)
	destroyer   func(ctx context.Context, path string) error
}

// New constructs a Controller. provisioner creates the on-disk
// environment (and returns its path) for a given policy; destroyer tears
// it down. maxConcurrent <= 0 means unbounded.
func New(led *ledger.Ledger, maxConcurrent int, provisioner func(ctx context.Context, id string, policy Policy) (string, error), destroyer func(ctx context.Context, path string) error) *Controller {
	return &Controller{
		entries:     make(map[string]*entry),
		maxConcurr:  maxConcurrent,
		ledger:      led,
		provisioner: provisioner,
		destroyer:   destroyer,
	}
}

// Scoped acquires an ephemeral environment under policy, and guarantees
// its resources are released once the returned release func runs — the
// caller must defer it immediately. This is the concrete form of
// spec.md's `scoped(policy) -> handle` contract: callers that forget the
// defer still get cleanup via Release, but immediate-defer is the
// intended usage.
func (c *Controller) Scoped(ctx context.Context, policy Policy) (handle *Handle, release func(), err error) {
	if err := c.acquireSlot(ctx); err != nil {
		return nil, func() {}, err
	}

	id := uuid.NewString()
	opCtx, opID := c.ledger.Begin(ctx, ledger.KindEphemeralRun)

	e := &entry{id: id, state: StateCreating, policy: policy, opID: opID, lastUsed: time.Now()}
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()

	timer := metrics.NewTimer()
	path, perr2 := c.provisioner(opCtx, id, policy)
	timer.ObserveDuration(metrics.EphemeralCreateDuration)
	if perr2 != nil {
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		c.mu.Lock()
		delete(c.entries, id)
		c.mu.Unlock()
		c.releaseSlot()
		c.ledger.Fail(opID, perr2)
		return nil, func() {}, perr2
	}

	e.mu.Lock()
	e.path = path
	e.state = StateReady
	e.mu.Unlock()
	metrics.EphemeralActive.Inc()

	if policy.TTL > 0 {
		e.ttlTimer = time.AfterFunc(policy.TTL, func() {
			logx.For("ephemeral").Info().Str("id", id).Msg("ttl expired, forcing cleanup")
			_ = c.cleanup(id)
		})
	}

	e.mu.Lock()
	e.state = StateActive
	e.mu.Unlock()

	h := &Handle{ID: id, Path: path, Policy: policy, OpID: opID, created: time.Now(), ctrl: c}
	return h, func() { _ = c.cleanup(id) }, nil
}

// acquireSlot enforces the concurrency cap FIFO: when the cap is
// reached, the caller blocks until a slot frees or ctx is done, in which
// case it returns ResourceExhausted. maxConcurr <= 0 means unbounded.
func (c *Controller) acquireSlot(ctx context.Context) error {
	if c.maxConcurr <= 0 {
		return nil
	}
	c.mu.Lock()
	if len(c.entries) < c.maxConcurr {
		c.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	c.waiters = append(c.waiters, wait)
	c.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return perr.New(perr.ResourceExhausted, "ephemeral environment concurrency cap reached")
	}
}

func (c *Controller) releaseSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) > 0 {
		next := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(next)
	}
}

// cleanup is idempotent: releasing cgroup-like nodes, removing the
// directory, unregistering monitoring, and moving to deleted even on
// partial failure (spec.md §4.9's cleanup semantics). Any failure is
// recorded on the Operation but never blocks the state transition.
func (c *Controller) cleanup(id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.state == StateDeleted || e.state == StateCleanup {
		e.mu.Unlock()
		return nil
	}
	e.state = StateCleanup
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	path := e.path
	opID := e.opID
	e.mu.Unlock()

	var cleanupErr error
	if path != "" && c.destroyer != nil {
		if err := c.destroyer(context.Background(), path); err != nil {
			cleanupErr = err
			c.ledger.Warn(opID, "cleanup encountered an error: "+err.Error())
		}
	}

	e.mu.Lock()
	e.state = StateDeleted
	e.mu.Unlock()

	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	c.releaseSlot()
	metrics.EphemeralActive.Dec()

	c.ledger.Complete(opID, nil)
	return cleanupErr
}

// Sample attaches a monitoring reading to id's history, used by a
// caller-driven monitoring task sampling CPU/memory/disk at a fixed
// cadence (spec.md §4.9).
func (c *Controller) Sample(id string, s Sample) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.samples = append(e.samples, s)
	e.lastUsed = s.At
	e.mu.Unlock()

	metrics.EphemeralSampleCPUPercent.Observe(s.CPUPercent)
	metrics.EphemeralSampleMemoryMB.Observe(s.MemoryMB)
}

// State returns id's current lifecycle state.
func (c *Controller) State(id string) (State, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// RunIdleSweep blocks until ctx is cancelled, periodically forcing
// cleanup of entries idle beyond maxIdle — a ticker-driven sweep in the
// same shape as the reference VirtualEnvCache.cleaner.
func (c *Controller) RunIdleSweep(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepIdle(maxIdle)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) sweepIdle(maxIdle time.Duration) {
	c.mu.Lock()
	var stale []string
	now := time.Now()
	for id, e := range c.entries {
		e.mu.Lock()
		idle := e.state == StateReady || e.state == StateActive
		lastUsed := e.lastUsed
		e.mu.Unlock()
		if idle && lastUsed.Add(maxIdle).Before(now) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		logx.For("ephemeral").Debug().Str("id", id).Msg("idle sweep cleaning up stale ephemeral environment")
		_ = c.cleanup(id)
	}
}
