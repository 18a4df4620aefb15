// Package event provides the domain event bus the task manager publishes to.
package event

import (
	"time"

	"github.com/GoCodeAlone/steward/task"
)

// Type identifies a domain event.
type Type string

const (
	TaskAdded         Type = "taskAdded"
	TaskAssigned      Type = "taskAssigned"
	TaskUpdated       Type = "taskUpdated"
	TaskCompleted     Type = "taskCompleted"
	TaskReady         Type = "taskReady"
	TaskCancelled     Type = "taskCancelled"
	TaskMissedDueDate Type = "taskMissedDueDate"
	ProjectUpdated    Type = "projectUpdated"
	ProjectCompleted  Type = "projectCompleted"
	ProjectDeleted    Type = "projectDeleted"
)

// Event is a single state change published by the task manager.
type Event struct {
	Type    Type          `json:"type"`
	Task    *task.Task    `json:"task,omitempty"`
	Project *task.Project `json:"project,omitempty"`
	// Dependency is the task whose completion made Task ready (TaskReady only).
	Dependency *task.Task `json:"dependency,omitempty"`
	Creator    string     `json:"creator,omitempty"`
	Assignee   string     `json:"assignee,omitempty"`
	At         time.Time  `json:"at"`
}
