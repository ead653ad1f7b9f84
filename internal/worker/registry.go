package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

// Registry holds the workers taking part in a run, keyed by role. It is
// passed to the coordinator explicitly and safe for concurrent use, so a
// roster reload can swap workers between threads.
type Registry struct {
	mu     sync.RWMutex
	byRole map[models.WorkerRole][]Registration
}

// NewRegistry creates a registry holding regs.
func NewRegistry(regs ...Registration) (*Registry, error) {
	r := &Registry{byRole: make(map[models.WorkerRole][]Registration)}
	if err := r.Replace(regs); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a worker. Names must be unique across roles.
func (r *Registry) Register(reg Registration) error {
	if err := validate(reg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, regs := range r.byRole {
		for _, existing := range regs {
			if existing.Name == reg.Name {
				return fmt.Errorf("worker %q already registered", reg.Name)
			}
		}
	}
	r.byRole[reg.Role] = append(r.byRole[reg.Role], reg)
	return nil
}

// Replace swaps the whole roster atomically.
func (r *Registry) Replace(regs []Registration) error {
	byRole := make(map[models.WorkerRole][]Registration)
	seen := make(map[string]bool, len(regs))
	for _, reg := range regs {
		if err := validate(reg); err != nil {
			return err
		}
		if seen[reg.Name] {
			return fmt.Errorf("worker %q listed twice", reg.Name)
		}
		seen[reg.Name] = true
		byRole[reg.Role] = append(byRole[reg.Role], reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRole = byRole
	return nil
}

// All returns every registration, safety workers first, then by name.
func (r *Registry) All() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for _, role := range []models.WorkerRole{models.RoleSafety, models.RoleBusiness} {
		regs := append([]Registration(nil), r.byRole[role]...)
		sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
		out = append(out, regs...)
	}
	return out
}

// ByRole returns the workers registered under role, by name.
func (r *Registry) ByRole(role models.WorkerRole) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := append([]Registration(nil), r.byRole[role]...)
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, regs := range r.byRole {
		n += len(regs)
	}
	return n
}

func validate(reg Registration) error {
	if reg.Name == "" {
		return errors.New("worker name is required")
	}
	if !reg.Role.Valid() {
		return fmt.Errorf("worker %q: invalid role %q", reg.Name, reg.Role)
	}
	if reg.Capability == nil {
		return fmt.Errorf("worker %q: capability is required", reg.Name)
	}
	return nil
}
