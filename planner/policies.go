package planner

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/internal/jsonx"
	"github.com/GoCodeAlone/steward/provider"
)

const plannerSystemPrompt = "You plan the work of an assistant. You choose actions only from the list you are given."

// SingleNextAction asks for exactly one action per pass. Every result it
// dispatches counts as finished and it never replans on its own.
type SingleNextAction struct {
	provider provider.Provider
	logger   *slog.Logger
}

func (p *SingleNextAction) Name() string { return PolicySingle }

func (p *SingleNextAction) Options() Options {
	return Options{AlwaysComplete: true}
}

const singlePrompt = `Choose the single next action.
Respond with JSON only: {"actionType": "<action>", "context": "<what this step should do>"}
Use "actionType": "none" when nothing is left to do.`

func (p *SingleNextAction) PlanSteps(ctx context.Context, c *Context) ([]Step, error) {
	out, err := provider.Ask(ctx, p.provider, plannerSystemPrompt, render(c)+"\n"+singlePrompt)
	if err != nil {
		return nil, &Error{Policy: PolicySingle, Err: err}
	}
	doc, err := jsonx.Extract(out)
	if err != nil {
		return nil, &Error{Policy: PolicySingle, Err: err}
	}
	// Some models wrap the answer in a list anyway.
	if doc.IsArray() {
		doc = doc.Get("0")
	}
	step, ok := parseStep(doc)
	if !ok {
		return nil, nil
	}
	return visible([]Step{step}, c.Catalog, p.logger), nil
}

// FullReplan asks for the complete ordered list of remaining steps and
// replaces the pending queue with it.
type FullReplan struct {
	provider provider.Provider
	logger   *slog.Logger
}

func (p *FullReplan) Name() string { return PolicyFull }

func (p *FullReplan) Options() Options {
	return Options{AllowReplan: true, ReplacePending: true}
}

const fullPrompt = `List every remaining step in the order it should run.
Reference the id of a pending task to keep it; pending tasks you leave out are considered done.
Respond with JSON only: {"steps": [{"actionType": "<action>", "context": "<what this step should do>", "existingTaskId": "<optional id>"}]}`

func (p *FullReplan) PlanSteps(ctx context.Context, c *Context) ([]Step, error) {
	out, err := provider.Ask(ctx, p.provider, plannerSystemPrompt, render(c)+"\n"+fullPrompt)
	if err != nil {
		return nil, &Error{Policy: PolicyFull, Err: err}
	}
	doc, err := jsonx.Extract(out)
	if err != nil {
		return nil, &Error{Policy: PolicyFull, Err: err}
	}
	list := doc
	if !doc.IsArray() {
		list = jsonx.First(doc, "steps", "tasks")
	}

	var steps []Step
	for _, item := range list.Array() {
		if step, ok := parseStep(item); ok {
			steps = append(steps, step)
		}
	}
	return visible(steps, c.Catalog, p.logger), nil
}

func parseStep(r gjson.Result) (Step, bool) {
	action := strings.TrimSpace(jsonx.First(r, "actionType", "action_type", "action").String())
	if action == "" || strings.EqualFold(action, "none") {
		return Step{}, false
	}
	return Step{
		ActionType:     executor.StepType(action),
		Context:        strings.TrimSpace(jsonx.First(r, "context", "description").String()),
		ExistingTaskID: strings.TrimSpace(jsonx.First(r, "existingTaskId", "existing_task_id", "taskId").String()),
	}, true
}
