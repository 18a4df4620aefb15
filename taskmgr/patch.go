package taskmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/task"
)

// TaskPatch lists the task fields a caller may change. Nil fields are left
// alone. Status is not patchable; use the transition methods.
type TaskPatch struct {
	Description *string
	Assignee    *string
	DependsOn   *string
	Order       *int
	DueDate     *time.Time
	Recurrence  *task.Recurrence
	// StepType, Result and Async edit the step payload of a step task.
	StepType *string
	Result   *task.StepRecord
	Async    *bool
	// Scratch entries are merged into the existing scratch map.
	Scratch map[string]string
}

func (p TaskPatch) apply(t *task.Task) {
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
	}
	if p.DependsOn != nil {
		t.DependsOn = *p.DependsOn
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	if p.Recurrence != nil {
		t.Recurrence = *p.Recurrence
	}
	if p.StepType != nil || p.Result != nil || p.Async != nil {
		if t.Props.Step == nil {
			t.Props.Step = &task.StepProps{}
		}
		if p.StepType != nil {
			t.Props.Step.StepType = *p.StepType
		}
		if p.Result != nil {
			rec := *p.Result
			t.Props.Step.Result = &rec
		}
		if p.Async != nil {
			t.Props.Step.Async = *p.Async
		}
	}
	if len(p.Scratch) > 0 {
		if t.Props.Scratch == nil {
			t.Props.Scratch = make(map[string]string, len(p.Scratch))
		}
		for k, v := range p.Scratch {
			t.Props.Scratch[k] = v
		}
	}
}

// UpdateTask applies patch and emits taskUpdated.
func (m *Manager) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*task.Task, error) {
	t, err := m.mutateTask(ctx, id, func(t *task.Task) error {
		patch.apply(t)
		return t.Props.Validate(t.Type)
	})
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	m.publish(ctx, event.Event{Type: event.TaskUpdated, Task: t})
	return t, nil
}

// ProjectPatch lists the project fields a caller may change. Status is owned
// by the Manager and cannot be patched.
type ProjectPatch struct {
	Name                 *string
	Tags                 []string
	OriginatingMessageID *string
	ChannelID            *string
	ThreadID             *string
	// Extra entries are merged into the existing map.
	Extra map[string]string
}

// UpdateProject applies patch and emits projectUpdated.
func (m *Manager) UpdateProject(ctx context.Context, id string, patch ProjectPatch) (*task.Project, error) {
	unlock := m.projects.Lock(id)
	p, err := m.store.GetProject(ctx, id)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("update project: %w", err)
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Tags != nil {
		p.Metadata.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.OriginatingMessageID != nil {
		p.Metadata.OriginatingMessageID = *patch.OriginatingMessageID
	}
	if patch.ChannelID != nil {
		p.Metadata.ChannelID = *patch.ChannelID
	}
	if patch.ThreadID != nil {
		p.Metadata.ThreadID = *patch.ThreadID
	}
	if len(patch.Extra) > 0 {
		if p.Metadata.Extra == nil {
			p.Metadata.Extra = make(map[string]string, len(patch.Extra))
		}
		for k, v := range patch.Extra {
			p.Metadata.Extra[k] = v
		}
	}
	if err := m.store.UpdateProject(ctx, p); err != nil {
		unlock()
		return nil, fmt.Errorf("update project: %w", err)
	}
	unlock()

	m.publish(ctx, event.Event{Type: event.ProjectUpdated, Project: p})
	return p, nil
}

// LinkChildProject records that childProjectID was spawned by parentTaskID:
// the child's ParentTaskID is set and the child is appended to the parent
// project's ChildProjects.
func (m *Manager) LinkChildProject(ctx context.Context, parentTaskID, childProjectID string) error {
	parent, err := m.store.GetTask(ctx, parentTaskID)
	if err != nil {
		return fmt.Errorf("link child project: %w", err)
	}

	unlock := m.projects.Lock(childProjectID)
	child, err := m.store.GetProject(ctx, childProjectID)
	if err != nil {
		unlock()
		return fmt.Errorf("link child project: %w", err)
	}
	child.Metadata.ParentTaskID = parentTaskID
	if err := m.store.UpdateProject(ctx, child); err != nil {
		unlock()
		return fmt.Errorf("link child project: %w", err)
	}
	unlock()

	unlock = m.projects.Lock(parent.ProjectID)
	owner, err := m.store.GetProject(ctx, parent.ProjectID)
	if err != nil {
		unlock()
		return fmt.Errorf("link child project: %w", err)
	}
	linked := false
	for _, id := range owner.Metadata.ChildProjects {
		if id == childProjectID {
			linked = true
			break
		}
	}
	if !linked {
		owner.Metadata.ChildProjects = append(owner.Metadata.ChildProjects, childProjectID)
		if err := m.store.UpdateProject(ctx, owner); err != nil {
			unlock()
			return fmt.Errorf("link child project: %w", err)
		}
	}
	unlock()

	m.publish(ctx, event.Event{Type: event.ProjectUpdated, Project: child})
	if !linked {
		m.publish(ctx, event.Event{Type: event.ProjectUpdated, Project: owner})
	}
	return nil
}

// DeleteTask soft-deletes a task.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if err := m.store.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	m.publish(ctx, event.Event{Type: event.TaskUpdated, Task: t})
	return nil
}

// DeleteProject soft-deletes a project and its tasks and emits
// projectDeleted.
func (m *Manager) DeleteProject(ctx context.Context, id string) error {
	unlock := m.projects.Lock(id)
	p, err := m.store.GetProject(ctx, id)
	if err != nil {
		unlock()
		return fmt.Errorf("delete project: %w", err)
	}
	if err := m.store.DeleteProject(ctx, id); err != nil {
		unlock()
		return fmt.Errorf("delete project: %w", err)
	}
	unlock()
	m.publish(ctx, event.Event{Type: event.ProjectDeleted, Project: p})
	return nil
}
