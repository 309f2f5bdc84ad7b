package isolation

import (
	"context"
	"testing"

	"github.com/venvforge/pvm/pkg/config"
	"github.com/venvforge/pvm/pkg/process"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"none":      LevelNone,
		"basic":     LevelBasic,
		"namespace": LevelNamespace,
		"bounded":   LevelBounded,
		"":          LevelNone,
		"bogus":     LevelNone,
	}
	for s, want := range cases {
		if got := ParseLevel(s); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestPrepare_NoneAndBasic_UseProcessHandle(t *testing.T) {
	s := &Substrate{runner: process.New()}
	h, warnings, err := s.Prepare(context.Background(), process.Spec{Path: "echo", Args: []string{"hi"}}, Policy{Level: LevelNone})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none for level none", warnings)
	}
	if _, ok := h.(*processHandle); !ok {
		t.Errorf("handle type = %T, want *processHandle", h)
	}
}

func TestPrepare_NamespaceWithoutDocker_DegradesWithWarning(t *testing.T) {
	s := &Substrate{runner: process.New()} // docker left nil: simulates no daemon
	h, warnings, err := s.Prepare(context.Background(), process.Spec{Path: "echo"}, Policy{
		Level: LevelNamespace, Fallback: config.FallbackDegrade,
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one fallback warning", warnings)
	}
	if _, ok := h.(*processHandle); !ok {
		t.Errorf("handle type = %T, want *processHandle after degrade", h)
	}
}

func TestPrepare_BoundedWithoutDocker_FailPolicyErrors(t *testing.T) {
	s := &Substrate{runner: process.New()}
	_, _, err := s.Prepare(context.Background(), process.Spec{Path: "echo"}, Policy{
		Level: LevelBounded, Fallback: config.FallbackFail,
	})
	if err == nil {
		t.Fatal("Prepare() should error when fallback policy is fail and Docker is unavailable")
	}
}

func TestResourcesFor(t *testing.T) {
	r := resourcesFor(ResourceLimits{MaxMemoryBytes: 512 * 1024 * 1024, CPUShare: 1.5, MaxProcesses: 64})
	if r.Memory != 512*1024*1024 {
		t.Errorf("Memory = %d, want 512MiB", r.Memory)
	}
	if r.NanoCPUs != int64(1.5e9) {
		t.Errorf("NanoCPUs = %d, want 1.5e9", r.NanoCPUs)
	}
	if r.PidsLimit == nil || *r.PidsLimit != 64 {
		t.Errorf("PidsLimit = %v, want 64", r.PidsLimit)
	}
}
