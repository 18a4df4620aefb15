// Package orchestrator runs the plan, execute, persist and continue loop that
// moves projects forward, and reacts to completion events from the task
// manager.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/artifact"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/internal/keylock"
	"github.com/GoCodeAlone/steward/planner"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// ApologyMessage is the only failure text ever sent to users.
const ApologyMessage = "Sorry, something went wrong on my side. I'll pick this up again when you next message me."

// DefaultMaxSteps bounds the steps a single trigger may run.
const DefaultMaxSteps = 25

// DefaultAgentID acts for projects whose channel has no agents.
const DefaultAgentID = "steward"

// State is where a project is in the loop.
type State string

const (
	StateIdle         State = "idle"
	StatePlanning     State = "planning"
	StateExecuting    State = "executing"
	StateAwaitingUser State = "awaiting_user"
	StateReplanning   State = "replanning"
	StateCompleted    State = "completed"
)

// ConversationTag is the tag of the project serving a channel thread.
func ConversationTag(channelID, threadID string) string {
	return "conversation:" + channelID + "/" + threadID
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	Tasks     *taskmgr.Manager
	Bus       *event.Bus
	Planner   planner.Planner
	Executors *executor.Registry
	Transport comms.Transport
	Directory *agent.Directory
	Artifacts artifact.Store
	Logger    *slog.Logger
	MaxSteps  int
}

// Orchestrator ties the planner, the executor registry and the task manager
// together. Steps of one project run strictly one after another; distinct
// projects progress concurrently.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	projects      keylock.Map
	conversations keylock.Map

	mu      sync.Mutex
	states  map[string]State
	streams map[string]string // conversation key -> id of the open streamed post
	subs    []*event.Subscription
	baseCtx context.Context
	closed  bool
	wg      sync.WaitGroup

	cascadeMu sync.Mutex
	cascade   []string // completed child projects awaiting roll-up
	draining  bool
}

// New creates an Orchestrator. Tasks, Planner and Executors are required.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Tasks == nil || cfg.Planner == nil || cfg.Executors == nil {
		return nil, errors.New("orchestrator: tasks, planner and executors are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Directory == nil {
		cfg.Directory = agent.NewDirectory()
	}
	if cfg.Artifacts == nil {
		cfg.Artifacts = artifact.NewMemoryStore()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Orchestrator{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "orchestrator"),
		states:  make(map[string]State),
		streams: make(map[string]string),
		baseCtx: context.Background(),
	}, nil
}

// Start subscribes to the completion events that drive cascades and async
// resumption. ctx bounds the resumptions started from events.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.cfg.Bus == nil {
		return errors.New("orchestrator: no event bus")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.subs) > 0 {
		return errors.New("orchestrator already started")
	}
	o.baseCtx = ctx
	o.closed = false
	o.subs = []*event.Subscription{
		o.cfg.Bus.Subscribe(o.onProjectCompleted, event.ProjectCompleted),
		o.cfg.Bus.Subscribe(o.onTaskCompleted, event.TaskCompleted),
	}
	return nil
}

// Close unsubscribes and waits for running resumptions.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	subs := o.subs
	o.subs = nil
	o.closed = true
	o.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	o.wg.Wait()
	return nil
}

// State returns the loop state of a project.
func (o *Orchestrator) State(projectID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[projectID]; ok {
		return s
	}
	return StateIdle
}

func (o *Orchestrator) setState(projectID string, s State) {
	o.mu.Lock()
	o.states[projectID] = s
	o.mu.Unlock()
}

// HandleMessage runs the project of msg's conversation, creating it when the
// conversation has no active project.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *comms.Message) error {
	if msg == nil {
		return errors.New("handle message: nil message")
	}
	proj, err := o.conversationProject(ctx, msg)
	if err != nil {
		return fmt.Errorf("handle message %s: %w", msg.ID, err)
	}
	return o.run(ctx, proj.ID, trigger{message: msg})
}

// Resume continues a project from its next ready step without planning.
// A project with nothing ready is left untouched.
func (o *Orchestrator) Resume(ctx context.Context, projectID string) error {
	return o.run(ctx, projectID, trigger{})
}

func (o *Orchestrator) conversationProject(ctx context.Context, msg *comms.Message) (*task.Project, error) {
	tag := ConversationTag(msg.ChannelID, msg.Thread())
	unlock := o.conversations.Lock(tag)
	defer unlock()

	active := task.ProjectActive
	found, err := o.cfg.Tasks.FindProjects(ctx, task.ProjectFilter{Tag: tag, Status: &active})
	if err != nil {
		return nil, err
	}
	var newest *task.Project
	for _, p := range found {
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			newest = p
		}
	}
	if newest != nil {
		return newest, nil
	}

	proj, err := o.cfg.Tasks.CreateProject(ctx, taskmgr.ProjectSpec{
		Name: projectName(msg.Content),
		Metadata: task.ProjectMetadata{
			Tags:                 []string{tag},
			OriginatingMessageID: msg.ID,
			ChannelID:            msg.ChannelID,
			ThreadID:             msg.Thread(),
		},
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("project created", "project", proj.ID, "conversation", tag)
	return proj, nil
}

func projectName(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if r := []rune(line); len(r) > 80 {
		line = string(r[:80]) + "..."
	}
	if line == "" {
		line = "Conversation"
	}
	return line
}

// agentFor returns the agent acting on proj.
func (o *Orchestrator) agentFor(proj *task.Project, msg *comms.Message) agent.Info {
	channel, addressed := proj.Metadata.ChannelID, ""
	if msg != nil {
		channel, addressed = msg.ChannelID, msg.To
	}
	if info, ok := o.cfg.Directory.Responder(channel, addressed); ok {
		return info
	}
	return agent.Info{ID: DefaultAgentID, Name: DefaultAgentID}
}

// goFromEvent runs fn in the background unless the orchestrator is closed.
func (o *Orchestrator) goFromEvent(fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	ctx := o.baseCtx
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		fn(ctx)
	}()
}
