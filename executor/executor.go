// Package executor defines the step executor contract, the registry that
// dispatches step types to executors and the built-in executors.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/artifact"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// StepType is the key an executor is registered under.
type StepType string

const (
	Reply      StepType = "reply"
	Validation StepType = "validation"
	// NextStep is the canonical "determine next step" bootstrap action.
	NextStep   StepType = "next-step"
	Delegation StepType = "delegation"
)

// Mode tells an executor whether a person is waiting on the result.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeUnattended  Mode = "unattended"
)

// Replan is an executor's request for another planning pass.
type Replan string

const (
	ReplanNone  Replan = ""
	ReplanAllow Replan = "allow"
	ReplanForce Replan = "force"
)

// Descriptor describes a registered step type.
type Descriptor struct {
	Type        StepType `json:"type"`
	Description string   `json:"description"`
	// PlannerVisible executors can be chosen by a planner; hidden ones can
	// only be dispatched directly.
	PlannerVisible bool `json:"planner_visible"`
}

// PriorStep is an earlier step of the same project.
type PriorStep struct {
	TaskID      string
	Type        StepType
	Description string
	Status      task.Status
	Result      *task.StepRecord
}

// ProgressFunc publishes an intermediate status before the result is ready.
type ProgressFunc func(ctx context.Context, status string)

// Params is everything an executor gets to work with.
type Params struct {
	Goal       string
	Project    *task.Project
	Task       *task.Task
	Message    *comms.Message // latest message of the conversation
	Agent      agent.Info     // the agent executing the step
	PriorSteps []PriorStep    // ordered by task order
	Peers      []agent.Info
	Artifacts  []*artifact.Artifact
	Mode       Mode
	Progress   ProgressFunc
}

// ReportProgress calls Progress when one was supplied.
func (p Params) ReportProgress(ctx context.Context, status string) {
	if p.Progress != nil {
		p.Progress(ctx, status)
	}
}

func (p Params) taskID() string {
	if p.Task == nil {
		return ""
	}
	return p.Task.ID
}

// Response is the user-facing part of a step result.
type Response struct {
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// StepResult is what an executor returns.
type StepResult struct {
	Finished       bool
	NeedsUserInput bool
	Response       Response
	ArtifactIDs    []string
	Replan         Replan
	// Goal, when set, renames the project.
	Goal           string
	IsComplete     *bool
	MissingAspects []string
	// ProjectID is a sub-project the step spawned.
	ProjectID string
	// Async means the step finishes out of band; its task completes later.
	Async bool
}

// Record converts r to its persisted form.
func (r *StepResult) Record(at time.Time) *task.StepRecord {
	return &task.StepRecord{
		Message:        r.Response.Message,
		Data:           r.Response.Data,
		ArtifactIDs:    r.ArtifactIDs,
		Finished:       r.Finished,
		NeedsUserInput: r.NeedsUserInput,
		Replan:         string(r.Replan),
		Goal:           r.Goal,
		IsComplete:     r.IsComplete,
		MissingAspects: r.MissingAspects,
		ProjectID:      r.ProjectID,
		Async:          r.Async,
		RecordedAt:     at,
	}
}

// Executor performs one step type.
type Executor interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, params Params) (*StepResult, error)
}

// TaskService is the part of the task manager executors may use.
type TaskService interface {
	CreateProject(ctx context.Context, spec taskmgr.ProjectSpec) (*task.Project, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// Deps are the collaborators handed to executor constructors.
type Deps struct {
	Provider  provider.Provider
	Tasks     TaskService
	Artifacts artifact.Store
	Logger    *slog.Logger
}
