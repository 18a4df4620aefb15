// Package taskmgr owns every project and task state transition. Callers never
// edit task records directly; they go through a Manager, which persists the
// change and publishes the matching domain event.
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/internal/keylock"
	"github.com/GoCodeAlone/steward/task"
)

// Manager wraps a task.Store with transition rules and event emission.
type Manager struct {
	store  task.Store
	bus    *event.Bus
	logger *slog.Logger
	now    func() time.Time

	projects keylock.Map

	checkMu   sync.Mutex
	started   time.Time
	lastCheck time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for due dates and recurrence.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager publishing to bus.
func New(store task.Store, bus *event.Bus, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		bus:    bus,
		logger: logger.With("component", "taskmgr"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// Store exposes the underlying store for read-only callers such as the HTTP API.
func (m *Manager) Store() task.Store { return m.store }

func (m *Manager) publish(ctx context.Context, ev event.Event) {
	if m.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.bus.Publish(ctx, ev)
}

// ProjectSpec describes a project to create, optionally with initial tasks.
type ProjectSpec struct {
	Name     string
	Metadata task.ProjectMetadata
	Tasks    []TaskParams
}

// TaskParams are the caller-supplied fields of a new task.
type TaskParams struct {
	Type        task.Type
	Description string
	Creator     string
	Assignee    string
	DependsOn   string
	// Order is assigned max+1 within the project when nil.
	Order      *int
	DueDate    *time.Time
	Recurrence task.Recurrence
	Props      task.Props
}

// CreateProject creates a project and adds each initial task in sequence.
func (m *Manager) CreateProject(ctx context.Context, spec ProjectSpec) (*task.Project, error) {
	p, err := m.AddProject(ctx, task.Project{Name: spec.Name, Metadata: spec.Metadata})
	if err != nil {
		return nil, err
	}
	for i, params := range spec.Tasks {
		if _, err := m.AddTask(ctx, p.ID, params); err != nil {
			return p, fmt.Errorf("create project %s: task %d: %w", p.ID, i, err)
		}
	}
	return p, nil
}

// AddProject persists partial with default metadata merged in.
func (m *Manager) AddProject(ctx context.Context, partial task.Project) (*task.Project, error) {
	p := partial
	if p.Metadata.Status == "" {
		p.Metadata.Status = task.ProjectActive
	}
	if p.Metadata.Tags == nil {
		p.Metadata.Tags = []string{}
	}
	if p.Metadata.Extra == nil {
		p.Metadata.Extra = map[string]string{}
	}
	if err := m.store.CreateProject(ctx, &p); err != nil {
		return nil, fmt.Errorf("add project: %w", err)
	}
	m.logger.Debug("project created", "project", p.ID, "name", p.Name)
	return &p, nil
}

// GetProject returns the project or an error wrapping task.ErrNotFound.
func (m *Manager) GetProject(ctx context.Context, id string) (*task.Project, error) {
	return m.store.GetProject(ctx, id)
}

// GetTask returns the task or an error wrapping task.ErrNotFound.
func (m *Manager) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return m.store.GetTask(ctx, id)
}

// ProjectTasks lists the live tasks of a project in ascending order.
func (m *Manager) ProjectTasks(ctx context.Context, projectID string) ([]*task.Task, error) {
	return m.store.ListTasks(ctx, task.Filter{ProjectID: projectID})
}

// FindProjects lists live projects matching filter.
func (m *Manager) FindProjects(ctx context.Context, filter task.ProjectFilter) ([]*task.Project, error) {
	return m.store.ListProjects(ctx, filter)
}

// AddTask validates params, assigns an order when absent and persists a new
// pending task.
func (m *Manager) AddTask(ctx context.Context, projectID string, params TaskParams) (*task.Task, error) {
	if params.Type == "" {
		params.Type = task.TypeStandard
	}
	if !params.Type.Valid() {
		return nil, fmt.Errorf("add task: unknown task type %q", params.Type)
	}
	if err := params.Props.Validate(params.Type); err != nil {
		return nil, fmt.Errorf("add task: %w", err)
	}

	unlock := m.projects.Lock(projectID)
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("add task: %w", err)
	}

	t := &task.Task{
		ProjectID:   projectID,
		Type:        params.Type,
		Status:      task.StatusPending,
		Description: params.Description,
		Creator:     params.Creator,
		Assignee:    params.Assignee,
		DependsOn:   params.DependsOn,
		DueDate:     params.DueDate,
		Recurrence:  params.Recurrence,
		Props:       params.Props,
	}
	if params.Order != nil {
		t.Order = *params.Order
	} else {
		highest, err := m.store.MaxOrder(ctx, projectID)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("add task: %w", err)
		}
		t.Order = highest + 1
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		unlock()
		return nil, fmt.Errorf("add task: %w", err)
	}
	unlock()

	m.publish(ctx, event.Event{Type: event.TaskAdded, Task: t, Project: p, Creator: t.Creator, Assignee: t.Assignee})
	return t, nil
}

// NextTask returns the lowest-order non-terminal task of the project whose
// dependency (if any) is completed, optionally restricted to typ. It returns
// nil, nil when no task qualifies.
func (m *Manager) NextTask(ctx context.Context, projectID string, typ *task.Type) (*task.Task, error) {
	tasks, err := m.store.ListTasks(ctx, task.Filter{ProjectID: projectID, Type: typ})
	if err != nil {
		return nil, fmt.Errorf("next task: %w", err)
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		ok, err := m.DependencyMet(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}

// NextTaskForUser returns, across all projects, the pending task assigned to
// userID that is ready (dependency completed, due date not in the future),
// preferring the earliest due date and then the lowest order. When types are
// given only tasks of those types are considered.
func (m *Manager) NextTaskForUser(ctx context.Context, userID string, types ...task.Type) (*task.Task, error) {
	pending := task.StatusPending
	tasks, err := m.store.ListTasks(ctx, task.Filter{Assignee: userID, Status: &pending})
	if err != nil {
		return nil, fmt.Errorf("next task for %s: %w", userID, err)
	}
	now := m.now()
	var ready []*task.Task
	for _, t := range tasks {
		if len(types) > 0 && !slices.Contains(types, t.Type) {
			continue
		}
		if t.DueDate != nil && t.DueDate.After(now) {
			continue
		}
		ok, err := m.DependencyMet(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		switch {
		case a.DueDate != nil && b.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate == nil && b.DueDate != nil:
			return false
		}
		return a.Order < b.Order
	})
	return ready[0], nil
}

// DependencyMet reports whether t's predecessor (if any) is completed. A
// predecessor that no longer exists does not block.
func (m *Manager) DependencyMet(ctx context.Context, t *task.Task) (bool, error) {
	if t.DependsOn == "" {
		return true, nil
	}
	dep, err := m.store.GetTask(ctx, t.DependsOn)
	if errors.Is(err, task.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("dependency %s: %w", t.DependsOn, err)
	}
	return dep.Status == task.StatusCompleted, nil
}
