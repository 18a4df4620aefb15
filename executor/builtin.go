package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/GoCodeAlone/steward/artifact"
	"github.com/GoCodeAlone/steward/internal/jsonx"
	"github.com/GoCodeAlone/steward/provider"
)

const defaultSystemPrompt = "You are a helpful assistant working through a multi-step task."

// LongReplyRunes is the reply length beyond which the full text is saved as
// an artifact and the message carries only its beginning.
const LongReplyRunes = 4000

var (
	replyDescriptor = Descriptor{
		Type:           Reply,
		Description:    "Answer the user directly using the conversation and prior step results.",
		PlannerVisible: true,
	}
	validationDescriptor = Descriptor{
		Type:           Validation,
		Description:    "Check whether the goal has been fully achieved and list what is missing.",
		PlannerVisible: true,
	}
	nextStepDescriptor = Descriptor{
		Type:        NextStep,
		Description: "Decide what to do next.",
	}
	delegationDescriptor = Descriptor{
		Type:           Delegation,
		Description:    "Split the work into tasks for other agents in this channel and wait for them to finish.",
		PlannerVisible: true,
	}
)

// Builtins returns the registrations of the built-in executors.
func Builtins() []Registration {
	return []Registration{
		{Descriptor: replyDescriptor, New: func(d Deps) Executor { return &replyExecutor{deps: d} }},
		{Descriptor: validationDescriptor, New: func(d Deps) Executor { return &validationExecutor{deps: d} }},
		{Descriptor: nextStepDescriptor, New: func(Deps) Executor { return nextStepExecutor{} }},
		{Descriptor: delegationDescriptor, New: func(d Deps) Executor { return &delegationExecutor{deps: d} }},
	}
}

func systemPrompt(p Params) string {
	if p.Agent.Personality != nil && p.Agent.Personality.SystemPrompt != "" {
		return p.Agent.Personality.SystemPrompt
	}
	return defaultSystemPrompt
}

// describe renders the goal, prior results and attachments for a prompt.
func describe(p Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	if len(p.PriorSteps) > 0 {
		b.WriteString("\nPrevious steps:\n")
		for _, s := range p.PriorSteps {
			fmt.Fprintf(&b, "- [%s] %s (%s)", s.Type, s.Description, s.Status)
			if s.Result != nil && s.Result.Message != "" {
				fmt.Fprintf(&b, ": %s", s.Result.Message)
			}
			b.WriteByte('\n')
		}
	}
	if len(p.Artifacts) > 0 {
		b.WriteString("\nAttachments:\n")
		for _, a := range p.Artifacts {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", a.Name, a.Content)
		}
	}
	return b.String()
}

type replyExecutor struct {
	deps Deps
}

func (e *replyExecutor) Descriptor() Descriptor {
	return replyDescriptor
}

// Execute streams the answer, publishing the partial text as progress.
func (e *replyExecutor) Execute(ctx context.Context, p Params) (*StepResult, error) {
	msgs := []provider.Message{
		{Role: provider.RoleSystem, Content: systemPrompt(p)},
		{Role: provider.RoleUser, Content: describe(p) + "\nWrite the reply to send to the user."},
	}
	events, err := e.deps.Provider.Stream(ctx, msgs, nil)
	if err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}

	var partial strings.Builder
	text, err := provider.Collect(ctx, events, func(chunk string) {
		partial.WriteString(chunk)
		p.ReportProgress(ctx, partial.String())
	})
	if err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}
	res := &StepResult{
		Finished: true,
		Response: Response{Message: strings.TrimSpace(text)},
	}
	if err := e.attachLong(ctx, p, res); err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}
	return res, nil
}

// attachLong moves an overlong reply into an artifact, leaving its opening
// in the message.
func (e *replyExecutor) attachLong(ctx context.Context, p Params, res *StepResult) error {
	full := res.Response.Message
	runes := []rune(full)
	if e.deps.Artifacts == nil || len(runes) <= LongReplyRunes {
		return nil
	}
	a := &artifact.Artifact{
		Name:        "reply.md",
		ContentType: "text/markdown",
		Content:     []byte(full),
		Metadata:    map[string]string{"source": string(Reply)},
	}
	if p.Task != nil {
		a.Metadata["task"] = p.Task.ID
	}
	if p.Project != nil {
		a.Metadata["project"] = p.Project.ID
	}
	id, err := e.deps.Artifacts.Save(ctx, a)
	if err != nil {
		return fmt.Errorf("save long reply: %w", err)
	}
	res.ArtifactIDs = append(res.ArtifactIDs, id)
	res.Response.Message = fmt.Sprintf("%s...\n\n(The full reply, %s, is attached as %s.)",
		strings.TrimSpace(string(runes[:LongReplyRunes])), humanize.Bytes(uint64(len(full))), a.Name)
	return nil
}

type validationExecutor struct {
	deps Deps
}

func (e *validationExecutor) Descriptor() Descriptor {
	return validationDescriptor
}

const validationPrompt = `Judge whether the goal has been fully achieved by the previous steps.
Respond with JSON only: {"isComplete": true|false, "missingAspects": ["..."]}`

// Execute asks the provider for a verdict. An unparseable verdict counts as
// complete.
func (e *validationExecutor) Execute(ctx context.Context, p Params) (*StepResult, error) {
	out, err := provider.Ask(ctx, e.deps.Provider, systemPrompt(p), describe(p)+"\n"+validationPrompt)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	complete := true
	var missing []string
	doc, err := jsonx.Extract(out)
	if err != nil {
		e.logger().Warn("unparseable validation verdict", "task", p.taskID(), slog.Any("err", err))
	} else {
		if v := jsonx.First(doc, "isComplete", "is_complete", "complete"); v.Exists() {
			complete = v.Bool()
		}
		missing = jsonx.Strings(jsonx.First(doc, "missingAspects", "missing_aspects", "missing"))
	}
	if !complete && len(missing) == 0 {
		missing = []string{"unspecified"}
	}
	return &StepResult{
		Finished:       true,
		IsComplete:     &complete,
		MissingAspects: missing,
	}, nil
}

func (e *validationExecutor) logger() *slog.Logger {
	if e.deps.Logger != nil {
		return e.deps.Logger
	}
	return slog.Default()
}

// nextStepExecutor does no work; it exists so that a project with nothing to
// do asks its planner again.
type nextStepExecutor struct{}

func (nextStepExecutor) Descriptor() Descriptor {
	return nextStepDescriptor
}

func (nextStepExecutor) Execute(context.Context, Params) (*StepResult, error) {
	return &StepResult{Finished: true, Replan: ReplanForce}, nil
}
