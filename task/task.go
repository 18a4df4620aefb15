// Package task defines the project and task model and its persistence.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned (wrapped) when a project or task id is unknown or
// has been soft-deleted.
var ErrNotFound = errors.New("not found")

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether a task may move from s to next.
// Allowed: pending→in_progress, pending→{completed,cancelled},
// in_progress→{completed,cancelled}.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusCompleted || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusCancelled
	default:
		return false
	}
}

// Type distinguishes the kinds of task a project can hold.
type Type string

const (
	TypeStandard  Type = "standard"
	TypeStep      Type = "step"
	TypeRecurring Type = "recurring"
	TypeGoal      Type = "goal"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeStandard, TypeStep, TypeRecurring, TypeGoal:
		return true
	}
	return false
}

// Recurrence is the repeat pattern of a recurring task.
type Recurrence string

const (
	RecurNone    Recurrence = ""
	RecurHourly  Recurrence = "hourly"
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
)

// Next returns the run instant following last.
func (r Recurrence) Next(last time.Time) (time.Time, bool) {
	switch r {
	case RecurHourly:
		return last.Add(time.Hour), true
	case RecurDaily:
		return last.AddDate(0, 0, 1), true
	case RecurWeekly:
		return last.AddDate(0, 0, 7), true
	case RecurMonthly:
		return last.AddDate(0, 1, 0), true
	}
	return time.Time{}, false
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// ProjectMetadata is the closed set of project attributes persisted as the
// metadata column.
type ProjectMetadata struct {
	Status               ProjectStatus     `json:"status"`
	Tags                 []string          `json:"tags,omitempty"`
	ParentTaskID         string            `json:"parentTaskId,omitempty"` // set when spawned by delegation
	ChildProjects        []string          `json:"childProjects,omitempty"`
	OriginatingMessageID string            `json:"originatingMessageId,omitempty"`
	ChannelID            string            `json:"channelId,omitempty"`
	ThreadID             string            `json:"threadId,omitempty"`
	Extra                map[string]string `json:"extra,omitempty"`
}

// HasTag reports whether the metadata carries tag.
func (m ProjectMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Project is a goal-scoped collection of tasks.
type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Metadata  ProjectMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// StepRecord is the durable form of a step executor's result.
type StepRecord struct {
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	ArtifactIDs    []string       `json:"artifactIds,omitempty"`
	Finished       bool           `json:"finished"`
	NeedsUserInput bool           `json:"needsUserInput,omitempty"`
	Replan         string         `json:"replan,omitempty"`
	Goal           string         `json:"goal,omitempty"`
	IsComplete     *bool          `json:"isComplete,omitempty"`
	MissingAspects []string       `json:"missingAspects,omitempty"`
	ProjectID      string         `json:"projectId,omitempty"`
	Async          bool           `json:"async,omitempty"`
	RecordedAt     time.Time      `json:"recordedAt"`
}

// StepProps is the payload carried by step tasks.
type StepProps struct {
	StepType             string      `json:"stepType"`
	Result               *StepRecord `json:"result,omitempty"`
	Async                bool        `json:"async,omitempty"`
	OriginatingMessageID string      `json:"originatingMessageId,omitempty"`
	AttachedArtifactIDs  []string    `json:"attachedArtifactIds,omitempty"`
}

// OccurrenceProps marks a task spawned from a recurring template.
type OccurrenceProps struct {
	TemplateID   string    `json:"templateId"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

// ScratchResponse is the scratch key holding the reply text of a task that
// has no step result, such as a delegated standard task.
const ScratchResponse = "response"

// Props holds the per-type payload of a task. Exactly which variant may be
// set depends on the task type; see Validate.
type Props struct {
	Step       *StepProps       `json:"step,omitempty"`
	Occurrence *OccurrenceProps `json:"occurrence,omitempty"`
	// Scratch is reserved for executor-private data.
	Scratch map[string]string `json:"scratch,omitempty"`
}

// Validate checks that the payload variant matches the task type.
func (p Props) Validate(t Type) error {
	switch {
	case t == TypeStep && (p.Step == nil || p.Step.StepType == ""):
		return fmt.Errorf("step task requires a step type")
	case t != TypeStep && p.Step != nil:
		return fmt.Errorf("%s task cannot carry a step payload", t)
	case t == TypeRecurring && p.Occurrence != nil:
		return fmt.Errorf("recurring template cannot be an occurrence")
	}
	return nil
}

// Task is a unit of work within a project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	Description string     `json:"description"`
	Creator     string     `json:"creator,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	DependsOn   string     `json:"depends_on,omitempty"`
	Order       int        `json:"order"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Recurrence  Recurrence `json:"recurrence,omitempty"`
	LastRunDate *time.Time `json:"last_run_date,omitempty"`
	Props       Props      `json:"props"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// StepType returns the step type of a step task, or "" for other tasks.
func (t *Task) StepType() string {
	if t.Props.Step == nil {
		return ""
	}
	return t.Props.Step.StepType
}

// Result returns the stored step result, if any.
func (t *Task) Result() *StepRecord {
	if t.Props.Step == nil {
		return nil
	}
	return t.Props.Step.Result
}

// Filter controls which tasks are returned by ListTasks.
type Filter struct {
	ProjectID      string  `json:"project_id,omitempty"`
	Type           *Type   `json:"type,omitempty"`
	Status         *Status `json:"status,omitempty"`
	Assignee       string  `json:"assignee,omitempty"`
	DependsOn      string  `json:"depends_on,omitempty"`
	IncludeDeleted bool    `json:"include_deleted,omitempty"`
}

// ProjectFilter controls which projects are returned by ListProjects.
type ProjectFilter struct {
	Tag          string         `json:"tag,omitempty"`
	Status       *ProjectStatus `json:"status,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
}

// Store persists and retrieves projects and tasks. Each mutating call is
// individually atomic.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error)

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter Filter) ([]*Task, error)

	// MaxOrder returns the highest order in the project, or -1 if it has
	// no tasks.
	MaxOrder(ctx context.Context, projectID string) (int, error)
}
