package taskmgr

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/task"
)

// MarkInProgress moves a pending task to in_progress. Any other starting
// state is logged and the task is returned unchanged.
func (m *Manager) MarkInProgress(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mark in progress: %w", err)
	}
	unlock := m.projects.Lock(t.ProjectID)
	// Re-read under the project lock.
	t, err = m.store.GetTask(ctx, id)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("mark in progress: %w", err)
	}
	if !t.Status.CanTransition(task.StatusInProgress) {
		unlock()
		m.logger.Warn("ignoring transition", "task", id, "from", t.Status, "to", task.StatusInProgress)
		return t, nil
	}
	t.Status = task.StatusInProgress
	if err := m.store.UpdateTask(ctx, t); err != nil {
		unlock()
		return nil, fmt.Errorf("mark in progress: %w", err)
	}
	unlock()

	m.publish(ctx, event.Event{Type: event.TaskUpdated, Task: t})
	return t, nil
}

// CompleteTask marks a task completed (taskCompleted and taskUpdated),
// announces every task that was waiting on it and, when it was the last open
// task of its project, completes the project. Completing an already
// completed task is a no-op that emits nothing.
func (m *Manager) CompleteTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}

	unlock := m.projects.Lock(t.ProjectID)
	t, err = m.store.GetTask(ctx, id)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("complete task: %w", err)
	}
	if !t.Status.CanTransition(task.StatusCompleted) {
		unlock()
		m.logger.Warn("ignoring transition", "task", id, "from", t.Status, "to", task.StatusCompleted)
		return t, nil
	}
	now := m.now()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	if err := m.store.UpdateTask(ctx, t); err != nil {
		unlock()
		return nil, fmt.Errorf("complete task: %w", err)
	}
	project, err := m.completeProjectLocked(ctx, t.ProjectID)
	unlock()
	if err != nil {
		return t, err
	}

	m.publish(ctx, event.Event{Type: event.TaskCompleted, Task: t, Creator: t.Creator, Assignee: t.Assignee})
	m.publish(ctx, event.Event{Type: event.TaskUpdated, Task: t})

	dependents, err := m.store.ListTasks(ctx, task.Filter{DependsOn: t.ID})
	if err != nil {
		return t, fmt.Errorf("complete task: list dependents: %w", err)
	}
	for _, dep := range dependents {
		if dep.Status.Terminal() {
			continue
		}
		m.publish(ctx, event.Event{Type: event.TaskReady, Task: dep, Dependency: t, Assignee: dep.Assignee})
	}

	if project != nil {
		m.logger.Info("project completed", "project", project.ID, "name", project.Name)
		m.publish(ctx, event.Event{Type: event.ProjectCompleted, Project: project, Task: t, Creator: t.Creator, Assignee: t.Assignee})
	}
	return t, nil
}

// completeProjectLocked flips the project to completed when it has tasks and
// every one of them is completed. A cancelled task keeps the project open. It returns the project only on the flip. The caller
// holds the project lock.
func (m *Manager) completeProjectLocked(ctx context.Context, projectID string) (*task.Project, error) {
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project completion: %w", err)
	}
	if p.Metadata.Status != task.ProjectActive {
		return nil, nil
	}
	tasks, err := m.store.ListTasks(ctx, task.Filter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("project completion: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	for _, t := range tasks {
		if t.Status != task.StatusCompleted {
			return nil, nil
		}
	}
	p.Metadata.Status = task.ProjectCompleted
	if err := m.store.UpdateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("project completion: %w", err)
	}
	return p, nil
}

// CancelTask cancels a task and every open task in the projects it spawned,
// transitively.
func (m *Manager) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	root, changed, err := m.cancelOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		return root, nil
	}

	visited := map[string]bool{root.ProjectID: true}
	parents := []string{root.ID}
	for len(parents) > 0 {
		parentID := parents[0]
		parents = parents[1:]

		children, err := m.store.ListProjects(ctx, task.ProjectFilter{ParentTaskID: parentID})
		if err != nil {
			return root, fmt.Errorf("cancel task: child projects of %s: %w", parentID, err)
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true

			tasks, err := m.store.ListTasks(ctx, task.Filter{ProjectID: child.ID})
			if err != nil {
				return root, fmt.Errorf("cancel task: tasks of %s: %w", child.ID, err)
			}
			for _, t := range tasks {
				if t.Status.Terminal() {
					continue
				}
				if _, _, err := m.cancelOne(ctx, t.ID); err != nil {
					return root, err
				}
				parents = append(parents, t.ID)
			}
			if err := m.setProjectStatus(ctx, child.ID, task.ProjectCancelled); err != nil {
				return root, err
			}
		}
	}
	return root, nil
}

func (m *Manager) cancelOne(ctx context.Context, id string) (*task.Task, bool, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("cancel task: %w", err)
	}
	unlock := m.projects.Lock(t.ProjectID)
	t, err = m.store.GetTask(ctx, id)
	if err != nil {
		unlock()
		return nil, false, fmt.Errorf("cancel task: %w", err)
	}
	if !t.Status.CanTransition(task.StatusCancelled) {
		unlock()
		m.logger.Warn("ignoring transition", "task", id, "from", t.Status, "to", task.StatusCancelled)
		return t, false, nil
	}
	t.Status = task.StatusCancelled
	if err := m.store.UpdateTask(ctx, t); err != nil {
		unlock()
		return nil, false, fmt.Errorf("cancel task: %w", err)
	}
	unlock()

	m.publish(ctx, event.Event{Type: event.TaskCancelled, Task: t, Creator: t.Creator, Assignee: t.Assignee})
	return t, true, nil
}

func (m *Manager) setProjectStatus(ctx context.Context, projectID string, status task.ProjectStatus) error {
	unlock := m.projects.Lock(projectID)
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		unlock()
		return fmt.Errorf("project status: %w", err)
	}
	if p.Metadata.Status == status {
		unlock()
		return nil
	}
	p.Metadata.Status = status
	if err := m.store.UpdateProject(ctx, p); err != nil {
		unlock()
		return fmt.Errorf("project status: %w", err)
	}
	unlock()
	m.publish(ctx, event.Event{Type: event.ProjectUpdated, Project: p})
	return nil
}

// AssignTask sets the task's assignee.
func (m *Manager) AssignTask(ctx context.Context, taskID, userID string) (*task.Task, error) {
	t, err := m.mutateTask(ctx, taskID, func(t *task.Task) error {
		t.Assignee = userID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assign task: %w", err)
	}
	m.publish(ctx, event.Event{Type: event.TaskAssigned, Task: t, Creator: t.Creator, Assignee: userID})
	return t, nil
}

func (m *Manager) mutateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.projects.Lock(t.ProjectID)
	defer unlock()
	t, err = m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
