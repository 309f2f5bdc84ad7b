package process

import (
	"context"
	"testing"
	"time"
)

func TestRunner_CapturesOutputAndExitCode(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
	}{
		{name: "success", args: []string{"-c", "print('hi')"}, wantCode: 0},
		{name: "nonzero exit", args: []string{"-c", "import sys; sys.exit(3)"}, wantCode: 3},
	}

	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), Spec{Path: "python3", Args: tt.args})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if res.Reason != ReasonExited {
				t.Errorf("Reason = %s, want %s", res.Reason, ReasonExited)
			}
		})
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), Spec{
		Path:    "python3",
		Args:    []string{"-c", "import time; time.sleep(10)"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Reason != ReasonTimeout {
		t.Errorf("Reason = %s, want %s", res.Reason, ReasonTimeout)
	}
}

func TestRunner_Cancellation(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		res, _ := r.Run(ctx, Spec{Path: "python3", Args: []string{"-c", "import time; time.sleep(10)"}})
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Reason != ReasonCancelled {
			t.Errorf("Reason = %s, want %s", res.Reason, ReasonCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunner_SpawnError(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), Spec{Path: "pvm-definitely-not-a-real-binary"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
}
