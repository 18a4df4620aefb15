// Package api defines the REST API handlers and interfaces for the Steward server.
package api

import (
	"context"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/orchestrator"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// TaskService is the slice of the task manager the API drives.
// Implemented by *taskmgr.Manager.
type TaskService interface {
	CreateProject(ctx context.Context, spec taskmgr.ProjectSpec) (*task.Project, error)
	GetProject(ctx context.Context, id string) (*task.Project, error)
	FindProjects(ctx context.Context, filter task.ProjectFilter) ([]*task.Project, error)
	DeleteProject(ctx context.Context, id string) error
	ProjectTasks(ctx context.Context, projectID string) ([]*task.Task, error)

	AddTask(ctx context.Context, projectID string, params taskmgr.TaskParams) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, patch taskmgr.TaskPatch) (*task.Task, error)
	CompleteTask(ctx context.Context, id string) (*task.Task, error)
	CancelTask(ctx context.Context, id string) (*task.Task, error)
	AssignTask(ctx context.Context, taskID, userID string) (*task.Task, error)
	NextTaskForUser(ctx context.Context, userID string, types ...task.Type) (*task.Task, error)
}

// AgentLister reports the live state of the configured agents.
// Implemented by *agent.Team.
type AgentLister interface {
	Infos() []agent.Info
}

// ProjectStates reports what the orchestrator is doing with a project.
// Implemented by *orchestrator.Orchestrator.
type ProjectStates interface {
	State(projectID string) orchestrator.State
}

type contextKey int

const ctxKeySubject contextKey = 0

// ContextWithSubject returns ctx carrying the authenticated user name.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// Subject returns the authenticated user name stored in ctx, or "".
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string)
	return s
}
