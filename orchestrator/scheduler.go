package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/steward/planner"
	"github.com/GoCodeAlone/steward/task"
)

// DefaultSchedule is the cron spec the scheduler ticks on.
const DefaultSchedule = "@every 1m"

// Scheduler periodically checks recurring and overdue tasks and resumes
// projects that have ready steps nobody is working on.
type Scheduler struct {
	orch   *Orchestrator
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context // bounds scheduled ticks; cancelled by Stop
	cancel context.CancelFunc
}

// NewScheduler creates a Scheduler ticking on spec (standard cron syntax or
// descriptors such as "@every 30s").
func NewScheduler(orch *Orchestrator, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))

	s := &Scheduler{
		orch:   orch,
		logger: logger,
		cron:   cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog))),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(spec, s.scheduledTick); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins ticking in the background. Ticks end when ctx does or when
// the scheduler is stopped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

func (s *Scheduler) scheduledTick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler tick failed", slog.Any("err", err))
	}
}

// Stop cancels a running tick, stops ticking and waits for the tick to
// return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	tm := s.orch.cfg.Tasks
	report, err := tm.CheckMissedTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range report.Scheduled {
		s.logger.Info("recurring task scheduled", "task", t.ID, "project", t.ProjectID)
	}
	for _, t := range report.Missed {
		s.logger.Warn("task missed its due date", "task", t.ID, "project", t.ProjectID, "assignee", t.Assignee)
	}

	active := task.ProjectActive
	projects, err := tm.FindProjects(ctx, task.ProjectFilter{Status: &active})
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range projects {
		if s.orch.State(p.ID) == StateAwaitingUser {
			continue
		}
		ready, err := s.orch.hasReadyStep(ctx, p.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ready {
			continue
		}
		s.logger.Debug("resuming project", "project", p.ID)
		if err := s.orch.Resume(ctx, p.ID); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

// hasReadyStep reports whether a project has a pending step that can start.
// A step still in progress, whether async or left behind by a failure,
// keeps the project waiting.
func (o *Orchestrator) hasReadyStep(ctx context.Context, projectID string) (bool, error) {
	tasks, err := o.cfg.Tasks.ProjectTasks(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Type == task.TypeStep && t.Status == task.StatusInProgress {
			return false, nil
		}
	}
	for _, t := range planner.PendingSteps(tasks) {
		ok, err := o.cfg.Tasks.DependencyMet(ctx, t)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
