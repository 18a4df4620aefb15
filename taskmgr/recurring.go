package taskmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/task"
)

// CheckReport summarises one CheckMissedTasks pass.
type CheckReport struct {
	Scheduled []*task.Task // occurrences spawned from recurring templates
	Missed    []*task.Task // tasks whose due date passed while still open
}

// CheckMissedTasks spawns an occurrence for every recurring template whose
// next run fell since the previous check and reports open tasks whose due
// date passed. The first call looks back to when the Manager was created for
// recurrences and reports every overdue task once.
func (m *Manager) CheckMissedTasks(ctx context.Context) (CheckReport, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	now := m.now()
	prev := m.lastCheck
	since := prev
	if since.IsZero() {
		since = m.started
	}

	var report CheckReport
	tasks, err := m.store.ListTasks(ctx, task.Filter{})
	if err != nil {
		return report, fmt.Errorf("check missed tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Type == task.TypeRecurring {
			occ, err := m.spawnOccurrence(ctx, t, since, now)
			if err != nil {
				return report, err
			}
			if occ != nil {
				report.Scheduled = append(report.Scheduled, occ)
			}
			continue
		}
		if t.DueDate == nil || t.DueDate.After(now) {
			continue
		}
		if !prev.IsZero() && !t.DueDate.After(prev) {
			// already reported by an earlier pass
			continue
		}
		report.Missed = append(report.Missed, t)
		m.publish(ctx, event.Event{Type: event.TaskMissedDueDate, Task: t, Creator: t.Creator, Assignee: t.Assignee})
	}

	m.lastCheck = now
	if len(report.Scheduled) > 0 || len(report.Missed) > 0 {
		m.logger.Info("checked tasks", "scheduled", len(report.Scheduled), "missed", len(report.Missed))
	}
	return report, nil
}

func (m *Manager) spawnOccurrence(ctx context.Context, tmpl *task.Task, since, now time.Time) (*task.Task, error) {
	last := tmpl.CreatedAt
	if tmpl.LastRunDate != nil {
		last = *tmpl.LastRunDate
	}
	next, ok := tmpl.Recurrence.Next(last)
	if !ok || !next.After(since) || next.After(now) {
		return nil, nil
	}

	occ, err := m.AddTask(ctx, tmpl.ProjectID, TaskParams{
		Type:        task.TypeStandard,
		Description: tmpl.Description,
		Creator:     tmpl.Creator,
		Assignee:    tmpl.Assignee,
		Props: task.Props{Occurrence: &task.OccurrenceProps{
			TemplateID:   tmpl.ID,
			ScheduledFor: next,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("recurring task %s: %w", tmpl.ID, err)
	}
	if _, err := m.mutateTask(ctx, tmpl.ID, func(t *task.Task) error {
		t.LastRunDate = &next
		return nil
	}); err != nil {
		return occ, fmt.Errorf("recurring task %s: %w", tmpl.ID, err)
	}
	return occ, nil
}
