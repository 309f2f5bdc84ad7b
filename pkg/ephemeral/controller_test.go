package ephemeral

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/venvforge/pvm/pkg/ledger"
)

func newTestController(t *testing.T, maxConcurrent int) (*Controller, *[]string) {
	t.Helper()
	var destroyed []string
	var mu sync.Mutex
	ctrl := New(ledger.New(), maxConcurrent,
		func(ctx context.Context, id string, policy Policy) (string, error) {
			return "/tmp/ephemeral-" + id, nil
		},
		func(ctx context.Context, path string) error {
			mu.Lock()
			destroyed = append(destroyed, path)
			mu.Unlock()
			return nil
		},
	)
	return ctrl, &destroyed
}

func TestScoped_CreatesAndReleases(t *testing.T) {
	ctrl, destroyed := newTestController(t, 0)
	h, release, err := ctrl.Scoped(context.Background(), Policy{})
	if err != nil {
		t.Fatalf("Scoped() error = %v", err)
	}
	if h.Path == "" {
		t.Error("handle path should be populated")
	}
	state, ok := ctrl.State(h.ID)
	if !ok || state != StateActive {
		t.Errorf("state = %v, %v, want active, true", state, ok)
	}

	release()

	if _, ok := ctrl.State(h.ID); ok {
		t.Error("entry should be gone after release")
	}
	if len(*destroyed) != 1 {
		t.Errorf("destroyed = %v, want exactly one cleanup call", *destroyed)
	}
}

func TestScoped_ReleaseIsIdempotent(t *testing.T) {
	ctrl, destroyed := newTestController(t, 0)
	h, release, err := ctrl.Scoped(context.Background(), Policy{})
	if err != nil {
		t.Fatalf("Scoped() error = %v", err)
	}
	release()
	release()
	if len(*destroyed) != 1 {
		t.Errorf("destroyed = %v, want exactly one cleanup call despite double release", *destroyed)
	}
	_ = h
}

func TestScoped_TTLForcesCleanup(t *testing.T) {
	ctrl, destroyed := newTestController(t, 0)
	h, _, err := ctrl.Scoped(context.Background(), Policy{TTL: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Scoped() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := ctrl.State(h.ID); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("TTL did not force cleanup in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(*destroyed) != 1 {
		t.Errorf("destroyed = %v, want one TTL-triggered cleanup", *destroyed)
	}
}

func TestScoped_ConcurrencyCap_BlocksUntilSlotFrees(t *testing.T) {
	ctrl, _ := newTestController(t, 1)
	_, release1, err := ctrl.Scoped(context.Background(), Policy{})
	if err != nil {
		t.Fatalf("first Scoped() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = ctrl.Scoped(ctx, Policy{})
	if err == nil {
		t.Fatal("second Scoped() should block and then fail once ctx is done, with the cap held")
	}

	release1()
	_, release2, err := ctrl.Scoped(context.Background(), Policy{})
	if err != nil {
		t.Fatalf("Scoped() after release should succeed, error = %v", err)
	}
	release2()
}

func TestSweepIdle_CleansUpStaleEntries(t *testing.T) {
	ctrl, destroyed := newTestController(t, 0)
	h, _, err := ctrl.Scoped(context.Background(), Policy{})
	if err != nil {
		t.Fatalf("Scoped() error = %v", err)
	}
	ctrl.Sample(h.ID, Sample{At: time.Now().Add(-time.Hour)})

	ctrl.sweepIdle(time.Minute)

	if _, ok := ctrl.State(h.ID); ok {
		t.Error("stale entry should have been swept")
	}
	if len(*destroyed) != 1 {
		t.Errorf("destroyed = %v, want one sweep-triggered cleanup", *destroyed)
	}
}
