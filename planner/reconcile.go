package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// Creator is recorded on step tasks created from a plan.
const Creator = "planner"

// TaskService is the part of the task manager reconciliation needs.
type TaskService interface {
	ProjectTasks(ctx context.Context, projectID string) ([]*task.Task, error)
	AddTask(ctx context.Context, projectID string, params taskmgr.TaskParams) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, patch taskmgr.TaskPatch) (*task.Task, error)
	CompleteTask(ctx context.Context, id string) (*task.Task, error)
}

// Reconcile applies steps to the pending step tasks of project.
//
// The position of a step in the list is its order, counted from just after
// the tasks the plan does not touch. Steps that reference a pending task
// update it in place; other steps become new pending step tasks. With
// ReplacePending set, pending tasks the plan leaves out are completed. New
// work is added before anything is completed so the project cannot finish
// mid-reconciliation.
//
// Returns the project's pending step tasks afterwards, by order.
func Reconcile(ctx context.Context, svc TaskService, project *task.Project, pending []*task.Task, steps []Step, opts Options) ([]*task.Task, error) {
	pendingByID := make(map[string]*task.Task, len(pending))
	for _, t := range pending {
		pendingByID[t.ID] = t
	}
	referenced := make(map[string]bool)
	for _, s := range steps {
		if _, ok := pendingByID[s.ExistingTaskID]; ok {
			referenced[s.ExistingTaskID] = true
		}
	}

	all, err := svc.ProjectTasks(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", project.ID, err)
	}
	base := 0
	for _, t := range all {
		if _, isPending := pendingByID[t.ID]; isPending && (referenced[t.ID] || opts.ReplacePending) {
			continue
		}
		if t.Order >= base {
			base = t.Order + 1
		}
	}

	used := make(map[string]bool)
	for i, s := range steps {
		order := base + i
		stepType := string(s.ActionType)
		desc := s.Context
		if desc == "" {
			desc = stepType
		}

		if referenced[s.ExistingTaskID] && !used[s.ExistingTaskID] {
			used[s.ExistingTaskID] = true
			if _, err := svc.UpdateTask(ctx, s.ExistingTaskID, taskmgr.TaskPatch{
				Order:       &order,
				Description: &desc,
				StepType:    &stepType,
			}); err != nil {
				return nil, fmt.Errorf("reconcile %s: %w", project.ID, err)
			}
			continue
		}

		if _, err := svc.AddTask(ctx, project.ID, taskmgr.TaskParams{
			Type:        task.TypeStep,
			Description: desc,
			Creator:     Creator,
			Order:       &order,
			Props: task.Props{Step: &task.StepProps{
				StepType:             stepType,
				OriginatingMessageID: project.Metadata.OriginatingMessageID,
			}},
		}); err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", project.ID, err)
		}
	}

	if opts.ReplacePending {
		for _, t := range pending {
			if used[t.ID] {
				continue
			}
			if _, err := svc.CompleteTask(ctx, t.ID); err != nil {
				return nil, fmt.Errorf("reconcile %s: resolve %s: %w", project.ID, t.ID, err)
			}
		}
	}

	after, err := svc.ProjectTasks(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", project.ID, err)
	}
	return PendingSteps(after), nil
}

// PendingSteps returns the pending step tasks of tasks, by order.
func PendingSteps(tasks []*task.Task) []*task.Task {
	var out []*task.Task
	for _, t := range tasks {
		if t.Type == task.TypeStep && t.Status == task.StatusPending {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
