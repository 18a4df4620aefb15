package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/artifact"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/planner"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// historyLimit caps the conversation messages handed to the planner.
const historyLimit = 50

// trigger is one external reason to run a project. Only triggers carrying a
// message may plan an empty queue.
type trigger struct {
	message *comms.Message
}

func (t trigger) mode() executor.Mode {
	if t.message != nil {
		return executor.ModeInteractive
	}
	return executor.ModeUnattended
}

// run is the per-trigger loop. It holds the project lock throughout, so the
// next step never starts before the previous result is persisted.
func (o *Orchestrator) run(ctx context.Context, projectID string, trig trigger) error {
	unlock := o.projects.Lock(projectID)
	defer unlock()

	proj, err := o.cfg.Tasks.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("run %s: %w", projectID, err)
	}
	if proj.Metadata.Status != task.ProjectActive {
		o.settle(proj)
		return nil
	}

	r := &runner{
		o:       o,
		proj:    proj,
		trig:    trig,
		self:    o.agentFor(proj, trig.message),
		history: o.history(proj),
		logger:  o.logger.With("project", proj.ID),
	}
	if trig.message != nil {
		r.carried = artifact.MergeIDs(nil, trig.message.ArtifactIDs)
	}
	defer o.closeStream(proj)

	if trig.message != nil {
		open, err := o.openSteps(ctx, proj.ID)
		if err != nil {
			return fmt.Errorf("run %s: %w", proj.ID, err)
		}
		if open == 0 {
			if err := r.initialPlan(ctx); err != nil {
				return err
			}
		}
	}

	for steps := 0; ; steps++ {
		if steps >= o.cfg.MaxSteps {
			r.logger.Warn("step limit reached; waiting for the next trigger", "limit", o.cfg.MaxSteps)
			break
		}
		o.closeStream(proj)

		next, err := o.nextStep(ctx, proj.ID)
		if err != nil {
			return fmt.Errorf("run %s: %w", proj.ID, err)
		}
		if next == nil {
			break
		}
		cont, err := r.step(ctx, next)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		if r.proj, err = o.cfg.Tasks.GetProject(ctx, proj.ID); err != nil {
			return fmt.Errorf("run %s: %w", proj.ID, err)
		}
		if r.proj.Metadata.Status != task.ProjectActive {
			break
		}
	}

	if latest, err := o.cfg.Tasks.GetProject(ctx, proj.ID); err == nil {
		o.settle(latest)
	}
	return nil
}

// settle records the resting state of a project after a run.
func (o *Orchestrator) settle(proj *task.Project) {
	if proj.Metadata.Status == task.ProjectActive {
		o.setState(proj.ID, StateIdle)
		return
	}
	o.setState(proj.ID, StateCompleted)
}

// nextStep picks the step to run: an in-progress step left behind by a
// failure or a question to the user comes first, then the lowest-order
// pending step whose dependency is met. An outstanding async step holds the
// queue until it completes.
func (o *Orchestrator) nextStep(ctx context.Context, projectID string) (*task.Task, error) {
	tasks, err := o.cfg.Tasks.ProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Type != task.TypeStep || t.Status != task.StatusInProgress {
			continue
		}
		if isAsync(t) {
			return nil, nil
		}
		return t, nil
	}
	for _, t := range planner.PendingSteps(tasks) {
		ok, err := o.cfg.Tasks.DependencyMet(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}

// openSteps counts the pending and in-progress step tasks of a project.
func (o *Orchestrator) openSteps(ctx context.Context, projectID string) (int, error) {
	tasks, err := o.cfg.Tasks.ProjectTasks(ctx, projectID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Type == task.TypeStep && !t.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func isAsync(t *task.Task) bool {
	if t.Props.Step == nil {
		return false
	}
	return t.Props.Step.Async || (t.Props.Step.Result != nil && t.Props.Step.Result.Async)
}

func (o *Orchestrator) history(proj *task.Project) []*comms.Message {
	if o.cfg.Transport == nil || proj.Metadata.ChannelID == "" {
		return nil
	}
	msgs, err := o.cfg.Transport.History(proj.Metadata.ChannelID, proj.Metadata.ThreadID, historyLimit)
	if err != nil {
		o.logger.Warn("conversation history unavailable", "project", proj.ID, slog.Any("err", err))
		return nil
	}
	return msgs
}

// runner carries the state of one trigger through its steps.
type runner struct {
	o       *Orchestrator
	proj    *task.Project
	trig    trigger
	self    agent.Info
	history []*comms.Message
	carried []string // artifacts produced so far in this run
	logger  *slog.Logger
}

// initialPlan fills an empty queue, falling back to a bootstrap step when
// the planner has nothing actionable.
func (r *runner) initialPlan(ctx context.Context) error {
	r.o.setState(r.proj.ID, StatePlanning)
	pending, err := r.o.plan(ctx, r.proj, r.history, nil)
	if err != nil {
		r.logger.Error("planning failed", slog.Any("err", err))
		r.o.reply(ctx, r.proj, r.self, ApologyMessage)
		r.o.setState(r.proj.ID, StateIdle)
		return fmt.Errorf("run %s: %w", r.proj.ID, err)
	}
	if len(pending) > 0 {
		return nil
	}
	r.logger.Info("planner produced nothing; adding bootstrap step")
	_, err = r.o.cfg.Tasks.AddTask(ctx, r.proj.ID, taskmgr.TaskParams{
		Type:        task.TypeStep,
		Description: "Determine the next step",
		Creator:     planner.Creator,
		Props: task.Props{Step: &task.StepProps{
			StepType:             string(executor.NextStep),
			OriginatingMessageID: r.proj.Metadata.OriginatingMessageID,
		}},
	})
	if err != nil {
		return fmt.Errorf("run %s: bootstrap: %w", r.proj.ID, err)
	}
	return nil
}

// plan runs one planning pass and reconciles its steps into the project.
func (o *Orchestrator) plan(ctx context.Context, proj *task.Project, history []*comms.Message, missing []string) ([]*task.Task, error) {
	tasks, err := o.cfg.Tasks.ProjectTasks(ctx, proj.ID)
	if err != nil {
		return nil, err
	}
	steps, err := o.cfg.Planner.PlanSteps(ctx, &planner.Context{
		Project:        proj,
		Tasks:          tasks,
		Goal:           proj.Name,
		History:        history,
		Catalog:        o.cfg.Executors.Catalog(),
		MissingAspects: missing,
	})
	if err != nil {
		return nil, err
	}
	return planner.Reconcile(ctx, o.cfg.Tasks, proj, planner.PendingSteps(tasks), steps, o.cfg.Planner.Options())
}

// step runs a single step task. It reports whether the loop should go on.
// Executor failures are reported to the user and leave the task in progress;
// only store failures are returned.
func (r *runner) step(ctx context.Context, t *task.Task) (bool, error) {
	o := r.o
	stepType := executor.StepType(t.StepType())
	logger := r.logger.With("task", t.ID, "step", stepType)

	if t.Status == task.StatusPending {
		started, err := o.cfg.Tasks.MarkInProgress(ctx, t.ID)
		if err != nil {
			return false, fmt.Errorf("start task %s: %w", t.ID, err)
		}
		if started.Status != task.StatusInProgress {
			// Lost a race with a cancel or completion; look again.
			return true, nil
		}
		t = started
	}
	o.setState(r.proj.ID, StateExecuting)

	exec, err := o.cfg.Executors.Resolve(stepType)
	if err != nil {
		logger.Error("cannot dispatch step", slog.Any("err", err))
		o.reply(ctx, r.proj, r.self, ApologyMessage)
		o.setState(r.proj.ID, StateIdle)
		return false, nil
	}
	params, err := r.params(ctx, t)
	if err != nil {
		return false, err
	}
	res, err := exec.Execute(ctx, params)
	if err == nil && res == nil {
		err = errors.New("no result")
	}
	if err != nil {
		err = &executor.RuntimeError{Type: stepType, TaskID: t.ID, Err: err}
		logger.Error("step failed", slog.Any("err", err))
		o.reply(ctx, r.proj, r.self, ApologyMessage)
		o.setState(r.proj.ID, StateIdle)
		return false, nil
	}

	async := res.Async
	if _, err := o.cfg.Tasks.UpdateTask(ctx, t.ID, taskmgr.TaskPatch{
		Result: res.Record(time.Now().UTC()),
		Async:  &async,
	}); err != nil {
		return false, fmt.Errorf("persist result of %s: %w", t.ID, err)
	}

	current, err := o.cfg.Tasks.GetTask(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("reload task %s: %w", t.ID, err)
	}
	if current.Status == task.StatusCancelled {
		logger.Info("task cancelled while it ran; stopping")
		return false, nil
	}

	if res.Goal != "" && res.Goal != r.proj.Name {
		name := res.Goal
		if p, err := o.cfg.Tasks.UpdateProject(ctx, r.proj.ID, taskmgr.ProjectPatch{Name: &name}); err != nil {
			logger.Warn("rename project failed", slog.Any("err", err))
		} else {
			r.proj = p
		}
	}

	incomplete := stepType == executor.Validation && res.IsComplete != nil && !*res.IsComplete

	if res.ProjectID != "" {
		if err := o.cfg.Tasks.LinkChildProject(ctx, t.ID, res.ProjectID); err != nil {
			logger.Warn("link spawned project failed", "child", res.ProjectID, slog.Any("err", err))
		}
	}

	if res.Response.Message != "" && !incomplete {
		o.reply(ctx, r.proj, r.self, res.Response.Message)
	}

	opts := o.cfg.Planner.Options()
	completes := !res.Async && (res.Finished || opts.AlwaysComplete)

	replan, err := r.wantsReplan(ctx, t, res, incomplete, opts)
	if err != nil {
		return false, err
	}
	var planErr error
	if replan {
		// Plan before completing so the project cannot finish in between.
		o.setState(r.proj.ID, StateReplanning)
		internal := &comms.Message{
			Type:      comms.TypeInternal,
			From:      r.self.ID,
			ChannelID: r.proj.Metadata.ChannelID,
			ThreadID:  r.proj.Metadata.ThreadID,
			Content:   fmt.Sprintf("%s step finished; plan what comes next.", stepLabel(stepType)),
			Timestamp: time.Now().UTC(),
		}
		r.history = append(r.history, internal)
		if _, planErr = o.plan(ctx, r.proj, r.history, res.MissingAspects); planErr != nil {
			logger.Error("replanning failed", slog.Any("err", planErr))
			o.reply(ctx, r.proj, r.self, ApologyMessage)
		}
	}

	if completes {
		if _, err := o.cfg.Tasks.CompleteTask(ctx, t.ID); err != nil {
			return false, fmt.Errorf("complete task %s: %w", t.ID, err)
		}
	}
	if planErr != nil {
		o.setState(r.proj.ID, StateIdle)
		return false, fmt.Errorf("run %s: %w", r.proj.ID, planErr)
	}

	r.carried = artifact.MergeIDs(r.carried, res.ArtifactIDs)
	if res.NeedsUserInput {
		o.setState(r.proj.ID, StateAwaitingUser)
		return false, nil
	}
	return true, nil
}

func (r *runner) wantsReplan(ctx context.Context, t *task.Task, res *executor.StepResult, incomplete bool, opts planner.Options) (bool, error) {
	if incomplete {
		return true, nil
	}
	if !opts.AllowReplan {
		return false, nil
	}
	switch res.Replan {
	case executor.ReplanForce:
		return true, nil
	case executor.ReplanAllow:
		tasks, err := r.o.cfg.Tasks.ProjectTasks(ctx, r.proj.ID)
		if err != nil {
			return false, fmt.Errorf("replan check %s: %w", t.ID, err)
		}
		return len(planner.PendingSteps(tasks)) == 0, nil
	}
	return false, nil
}

// params assembles what the executor of t gets to see.
func (r *runner) params(ctx context.Context, t *task.Task) (executor.Params, error) {
	tasks, err := r.o.cfg.Tasks.ProjectTasks(ctx, r.proj.ID)
	if err != nil {
		return executor.Params{}, fmt.Errorf("params for %s: %w", t.ID, err)
	}
	var prior []executor.PriorStep
	for _, other := range tasks {
		if other.ID == t.ID || other.Type != task.TypeStep {
			continue
		}
		if other.Status != task.StatusCompleted && other.Status != task.StatusInProgress {
			continue
		}
		prior = append(prior, executor.PriorStep{
			TaskID:      other.ID,
			Type:        executor.StepType(other.StepType()),
			Description: other.Description,
			Status:      other.Status,
			Result:      other.Result(),
		})
	}

	latest := r.trig.message
	if latest == nil {
		for i := len(r.history) - 1; i >= 0; i-- {
			if r.history[i].Type == comms.TypeUser {
				latest = r.history[i]
				break
			}
		}
	}

	ids := r.carried
	if t.Props.Step != nil {
		ids = artifact.MergeIDs(t.Props.Step.AttachedArtifactIDs, ids)
	}
	if latest != nil {
		ids = artifact.MergeIDs(ids, latest.ArtifactIDs)
	}
	arts, err := artifact.LoadAll(ctx, r.o.cfg.Artifacts, ids)
	if err != nil {
		r.logger.Warn("loading artifacts failed", "task", t.ID, slog.Any("err", err))
	}

	proj := r.proj
	return executor.Params{
		Goal:       goalText(proj.Name, t.Description, latest),
		Project:    proj,
		Task:       t,
		Message:    latest,
		Agent:      r.self,
		PriorSteps: prior,
		Peers:      r.o.cfg.Directory.Peers(proj.Metadata.ChannelID, r.self.ID),
		Artifacts:  arts,
		Mode:       r.trig.mode(),
		Progress: func(ctx context.Context, status string) {
			r.o.progress(ctx, proj, r.self, status)
		},
	}, nil
}

func goalText(project, step string, latest *comms.Message) string {
	var b strings.Builder
	b.WriteString(project)
	if step != "" && step != project {
		fmt.Fprintf(&b, "\nCurrent step: %s", step)
	}
	if latest != nil && latest.Content != "" {
		fmt.Fprintf(&b, "\nLatest message from %s: %s", latest.From, latest.Content)
	}
	return b.String()
}

func stepLabel(t executor.StepType) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(t), "-", " "))
}
