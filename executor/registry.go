package executor

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registration is the static entry an executor module exports.
type Registration struct {
	Descriptor Descriptor
	New        func(Deps) Executor
}

// ResolutionError reports a step type with no registered executor.
type ResolutionError struct {
	Type StepType
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no executor registered for step type %q", e.Type)
}

// RuntimeError wraps a failure raised by an executor.
type RuntimeError struct {
	Type   StepType
	TaskID string
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("executor %s failed on task %s: %v", e.Type, e.TaskID, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

type entry struct {
	desc Descriptor
	exec Executor
}

// Registry maps step types to executors. It is filled at startup.
type Registry struct {
	mu      sync.RWMutex
	deps    Deps
	entries map[StepType]entry
}

// NewRegistry creates a Registry holding regs, built with deps.
func NewRegistry(deps Deps, regs ...Registration) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{deps: deps, entries: make(map[StepType]entry)}
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register builds and adds an executor.
// Returns an error if the step type is empty or already registered.
func (r *Registry) Register(reg Registration) error {
	key := reg.Descriptor.Type
	if key == "" {
		return fmt.Errorf("register executor: empty step type")
	}
	if reg.New == nil {
		return fmt.Errorf("register executor %q: no constructor", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("executor %q already registered", key)
	}
	r.entries[key] = entry{desc: reg.Descriptor, exec: reg.New(r.deps)}
	return nil
}

// Resolve returns the executor for t or a *ResolutionError.
func (r *Registry) Resolve(t StepType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	if !ok {
		return nil, &ResolutionError{Type: t}
	}
	return e.exec, nil
}

// Describe returns the descriptor registered for t.
func (r *Registry) Describe(t StepType) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	return e.desc, ok
}

// Catalog returns the planner-visible descriptors sorted by step type.
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, e := range r.entries {
		if e.desc.PlannerVisible {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Known returns every registered step type, sorted.
func (r *Registry) Known() []StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StepType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
