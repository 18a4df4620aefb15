// Package planner decides which step tasks a project should run next.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/task"
)

// Policy names accepted by New.
const (
	PolicySingle = "single"
	PolicyFull   = "full"
)

// historyLimit caps how many conversation messages go into a prompt.
const historyLimit = 20

// Step is one planned action.
type Step struct {
	ActionType executor.StepType `json:"actionType"`
	Context    string            `json:"context"`
	// ExistingTaskID keeps a pending task instead of creating a new one.
	ExistingTaskID string `json:"existingTaskId,omitempty"`
}

// Context is the input of a planning pass.
type Context struct {
	Project        *task.Project
	Tasks          []*task.Task
	Goal           string
	History        []*comms.Message
	Catalog        []executor.Descriptor
	MissingAspects []string
}

// Options are the flags of a planning policy that the orchestrator honours.
type Options struct {
	// AlwaysComplete treats every executor result as finished.
	AlwaysComplete bool
	// AllowReplan lets executor results trigger another planning pass.
	AllowReplan bool
	// ReplacePending completes pending step tasks the new plan leaves out.
	ReplacePending bool
}

// Planner produces the ordered steps for a project.
type Planner interface {
	Name() string
	PlanSteps(ctx context.Context, c *Context) ([]Step, error)
	Options() Options
}

// Error wraps a failed planning pass.
type Error struct {
	Policy string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("planner %s: %v", e.Policy, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns the policy registered under name.
func New(name string, p provider.Provider, logger *slog.Logger) (Planner, error) {
	if p == nil {
		return nil, fmt.Errorf("planner %s: no provider", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "planner", "policy", name)
	switch name {
	case PolicySingle, "":
		return &SingleNextAction{provider: p, logger: logger}, nil
	case PolicyFull:
		return &FullReplan{provider: p, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown planner policy %q", name)
	}
}

// render describes the planning context for a prompt.
func render(c *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", c.Goal)

	b.WriteString("\nAvailable actions:\n")
	for _, d := range c.Catalog {
		fmt.Fprintf(&b, "- %s: %s\n", d.Type, d.Description)
	}

	if len(c.Tasks) > 0 {
		b.WriteString("\nCurrent tasks:\n")
		for _, t := range c.Tasks {
			fmt.Fprintf(&b, "- id=%s order=%d type=%s status=%s: %s", t.ID, t.Order, t.StepType(), t.Status, t.Description)
			if r := t.Result(); r != nil && r.Message != "" {
				fmt.Fprintf(&b, " => %s", oneLine(r.Message))
			}
			b.WriteByte('\n')
		}
	}

	history := c.History
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	if len(history) > 0 {
		b.WriteString("\nConversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.From, oneLine(m.Content))
		}
	}

	if len(c.MissingAspects) > 0 {
		fmt.Fprintf(&b, "\nThe previous attempt was judged incomplete. Missing: %s\n", strings.Join(c.MissingAspects, "; "))
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// visible drops steps whose action type is not in the catalog.
func visible(steps []Step, catalog []executor.Descriptor, logger *slog.Logger) []Step {
	known := make(map[executor.StepType]bool, len(catalog))
	for _, d := range catalog {
		known[d.Type] = true
	}
	out := steps[:0]
	for _, s := range steps {
		if !known[s.ActionType] {
			logger.Warn("dropping step with unknown action type", "action", s.ActionType)
			continue
		}
		out = append(out, s)
	}
	return out
}
