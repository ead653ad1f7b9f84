package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

func noop(context.Context, string, Context) (Output, error) { return Output{}, nil }

func TestRegistry_OrderAndRoles(t *testing.T) {
	r, err := NewRegistry(
		reg("network", models.RoleBusiness, 0, noop),
		reg("weather", models.RoleSafety, 0, noop),
		reg("crew_legality", models.RoleSafety, 0, noop),
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	var names []string
	for _, reg := range r.All() {
		names = append(names, reg.Name)
	}
	want := []string{"crew_legality", "weather", "network"}
	if len(names) != len(want) {
		t.Fatalf("All() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("All()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	if n := len(r.ByRole(models.RoleSafety)); n != 2 {
		t.Errorf("ByRole(safety) = %d, want 2", n)
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	if _, err := NewRegistry(reg("a", models.RoleSafety, 0, noop), reg("a", models.RoleBusiness, 0, noop)); err == nil {
		t.Error("duplicate names accepted")
	}

	r, _ := NewRegistry()
	tests := []Registration{
		{Role: models.RoleSafety, Capability: CapabilityFunc(noop)},
		{Name: "x", Role: "pilot", Capability: CapabilityFunc(noop)},
		{Name: "y", Role: models.RoleSafety},
	}
	for _, tt := range tests {
		if err := r.Register(tt); err == nil {
			t.Errorf("Register(%+v) succeeded", tt)
		}
	}

	r.Register(reg("b", models.RoleSafety, time.Second, noop))
	if err := r.Register(reg("b", models.RoleBusiness, 0, noop)); err == nil {
		t.Error("Register accepted a name already in use")
	}
}

func TestRegistry_ReplaceIsAtomic(t *testing.T) {
	r, _ := NewRegistry(reg("a", models.RoleSafety, 0, noop))

	err := r.Replace([]Registration{reg("b", models.RoleSafety, 0, noop), {Name: "bad"}})
	if err == nil {
		t.Fatal("Replace with invalid entry succeeded")
	}
	if all := r.All(); len(all) != 1 || all[0].Name != "a" {
		t.Errorf("failed Replace changed registry: %+v", all)
	}

	if err := r.Replace([]Registration{reg("b", models.RoleSafety, 0, noop)}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if all := r.All(); len(all) != 1 || all[0].Name != "b" {
		t.Errorf("All() after Replace = %+v", all)
	}
}
