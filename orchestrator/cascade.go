package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// onProjectCompleted rolls a completed delegated project up into the task
// that spawned it. Completing that task may complete its own project, which
// publishes again; those nested completions are queued and drained by the
// outermost call instead of recursing.
func (o *Orchestrator) onProjectCompleted(ctx context.Context, ev event.Event) error {
	if ev.Project == nil || ev.Project.Metadata.ParentTaskID == "" {
		return nil
	}
	o.cascadeMu.Lock()
	o.cascade = append(o.cascade, ev.Project.ID)
	if o.draining {
		o.cascadeMu.Unlock()
		return nil
	}
	o.draining = true
	o.cascadeMu.Unlock()

	for {
		o.cascadeMu.Lock()
		if len(o.cascade) == 0 {
			o.draining = false
			o.cascadeMu.Unlock()
			return nil
		}
		childID := o.cascade[0]
		o.cascade = o.cascade[1:]
		o.cascadeMu.Unlock()

		if err := o.completeParent(ctx, childID); err != nil {
			o.logger.Error("cascade failed", "child", childID, slog.Any("err", err))
		}
	}
}

// completeParent stores the combined responses of a child project as the
// result of its parent task, hands the task back to the acting agent and
// completes it.
func (o *Orchestrator) completeParent(ctx context.Context, childID string) error {
	tm := o.cfg.Tasks
	child, err := tm.GetProject(ctx, childID)
	if err != nil {
		return err
	}
	parent, err := tm.GetTask(ctx, child.Metadata.ParentTaskID)
	if err != nil {
		return err
	}
	// Wait for a run still persisting the delegating step.
	unlock := o.projects.Lock(parent.ProjectID)
	defer unlock()
	if parent, err = tm.GetTask(ctx, parent.ID); err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}
	owner, err := tm.GetProject(ctx, parent.ProjectID)
	if err != nil {
		return err
	}

	tasks, err := tm.ProjectTasks(ctx, childID)
	if err != nil {
		return err
	}
	var lines []string
	for _, t := range tasks {
		if t.Status != task.StatusCompleted {
			continue
		}
		if msg := strings.TrimSpace(responseOf(t)); msg != "" {
			lines = append(lines, msg)
		}
	}
	summary := strings.Join(lines, "\n")

	var patch taskmgr.TaskPatch
	if parent.Type == task.TypeStep {
		rec := task.StepRecord{
			Message:    summary,
			Finished:   true,
			ProjectID:  childID,
			Async:      isAsync(parent),
			RecordedAt: time.Now().UTC(),
		}
		if prev := parent.Result(); prev != nil {
			rec.Data = prev.Data
			rec.ArtifactIDs = prev.ArtifactIDs
		}
		patch.Result = &rec
	} else {
		patch.Scratch = map[string]string{task.ScratchResponse: summary}
	}
	if _, err := tm.UpdateTask(ctx, parent.ID, patch); err != nil {
		return fmt.Errorf("store delegated result: %w", err)
	}

	self := o.agentFor(owner, nil)
	if _, err := tm.AssignTask(ctx, parent.ID, self.ID); err != nil {
		return fmt.Errorf("reassign %s: %w", parent.ID, err)
	}
	if summary != "" {
		if _, err := o.send(ctx, owner, self, "Delegated work finished:\n"+summary); err != nil && !errors.Is(err, errNoConversation) {
			o.logger.Warn("posting delegated results failed", "project", owner.ID, slog.Any("err", err))
		}
	}
	if _, err := tm.CompleteTask(ctx, parent.ID); err != nil {
		return fmt.Errorf("complete %s: %w", parent.ID, err)
	}
	o.logger.Info("delegated project rolled up", "child", childID, "task", parent.ID, "project", owner.ID)
	return nil
}

func responseOf(t *task.Task) string {
	if r := t.Result(); r != nil && r.Message != "" {
		return r.Message
	}
	return t.Props.Scratch[task.ScratchResponse]
}

// onTaskCompleted resumes the project of an async step once the step is
// completed out of band.
func (o *Orchestrator) onTaskCompleted(_ context.Context, ev event.Event) error {
	t := ev.Task
	if t == nil || t.Type != task.TypeStep || !isAsync(t) {
		return nil
	}
	projectID := t.ProjectID
	o.goFromEvent(func(ctx context.Context) {
		if err := o.Resume(ctx, projectID); err != nil {
			o.logger.Error("async resumption failed", "project", projectID, "task", t.ID, slog.Any("err", err))
		}
	})
	return nil
}
