package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/internal/jsonx"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// DelegationTag marks projects spawned by delegation.
const DelegationTag = "delegation"

type delegationExecutor struct {
	deps Deps
}

func (e *delegationExecutor) Descriptor() Descriptor {
	return delegationDescriptor
}

// Execute asks the provider to split the goal into tasks for peers, creates
// the sub-project and returns without finishing: the step completes when the
// sub-project does.
func (e *delegationExecutor) Execute(ctx context.Context, p Params) (*StepResult, error) {
	if len(p.Peers) == 0 {
		return nil, fmt.Errorf("delegation: no peers available in this channel")
	}
	if e.deps.Tasks == nil {
		return nil, fmt.Errorf("delegation: no task service")
	}
	p.ReportProgress(ctx, "Planning the hand-off...")

	out, err := provider.Ask(ctx, e.deps.Provider, systemPrompt(p), describe(p)+"\n"+delegationPrompt(p.Peers))
	if err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}
	doc, err := jsonx.Extract(out)
	if err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}

	name := strings.TrimSpace(doc.Get("name").String())
	if name == "" {
		name = p.Goal
	}
	spec := taskmgr.ProjectSpec{Name: name}
	if p.Project != nil {
		spec.Metadata.ChannelID = p.Project.Metadata.ChannelID
		spec.Metadata.ThreadID = p.Project.Metadata.ThreadID
	}
	spec.Metadata.Tags = []string{DelegationTag}
	if p.Task != nil {
		spec.Metadata.ParentTaskID = p.Task.ID
	}

	var lines []string
	for i, item := range doc.Get("tasks").Array() {
		desc := strings.TrimSpace(item.Get("description").String())
		if desc == "" {
			continue
		}
		assignee := pickPeer(p.Peers, item.Get("assignee").String(), i)
		spec.Tasks = append(spec.Tasks, taskmgr.TaskParams{
			Type:        task.TypeStandard,
			Description: desc,
			Creator:     p.Agent.ID,
			Assignee:    assignee,
		})
		lines = append(lines, fmt.Sprintf("- %s: %s", assignee, desc))
	}
	if len(spec.Tasks) == 0 {
		return nil, fmt.Errorf("delegation: provider returned no tasks")
	}

	proj, err := e.deps.Tasks.CreateProject(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}
	return &StepResult{
		Async:     true,
		ProjectID: proj.ID,
		Response: Response{
			Message: fmt.Sprintf("I've handed this off:\n%s", strings.Join(lines, "\n")),
			Data:    map[string]any{"projectId": proj.ID, "tasks": len(spec.Tasks)},
		},
	}, nil
}

func delegationPrompt(peers []agent.Info) string {
	var b strings.Builder
	b.WriteString("Split the goal into tasks for these agents:\n")
	for _, peer := range peers {
		fmt.Fprintf(&b, "- %s", peer.ID)
		if role := peer.Role(); role != "" {
			fmt.Fprintf(&b, " (%s)", role)
		}
		b.WriteByte('\n')
	}
	b.WriteString(`Respond with JSON only: {"name": "...", "tasks": [{"description": "...", "assignee": "<agent id>"}]}`)
	return b.String()
}

// pickPeer returns want when it names a peer, otherwise peers round-robin.
func pickPeer(peers []agent.Info, want string, i int) string {
	want = strings.TrimSpace(want)
	for _, peer := range peers {
		if peer.ID == want || (want != "" && strings.EqualFold(peer.Name, want)) {
			return peer.ID
		}
	}
	return peers[i%len(peers)].ID
}
