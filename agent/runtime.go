package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// DefaultPollInterval is how often an idle agent looks for assigned work.
const DefaultPollInterval = 500 * time.Millisecond

// Trigger receives the user messages an agent is responsible for.
type Trigger interface {
	HandleMessage(ctx context.Context, msg *comms.Message) error
}

// TaskSource is the part of the task manager an agent works its assigned
// tasks through.
type TaskSource interface {
	NextTaskForUser(ctx context.Context, userID string, types ...task.Type) (*task.Task, error)
	MarkInProgress(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, patch taskmgr.TaskPatch) (*task.Task, error)
	CompleteTask(ctx context.Context, id string) (*task.Task, error)
}

// Config holds the collaborators of a Runtime. Tasks and Provider are
// optional; with both set the agent also works the standard tasks assigned
// to it.
type Config struct {
	Info         Info
	Directory    *Directory
	Transport    comms.Transport
	Trigger      Trigger
	Tasks        TaskSource
	Provider     provider.Provider
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Runtime listens on the agent's channels and forwards the messages it
// should answer to its Trigger, one at a time. Between messages it works the
// ready tasks assigned to it.
type Runtime struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *slog.Logger
	status    Status
	startedAt time.Time
	current   string // id of the message or task being handled

	inbox chan *comms.Message
	wake  chan struct{}
	done  chan struct{}

	cancel context.CancelFunc
	unsubs []func()
}

// NewRuntime creates a new agent runtime from the given config.
func NewRuntime(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory(cfg.Info)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Runtime{
		cfg:    cfg,
		logger: logger.With("component", "agent", "agent", cfg.Info.ID),
		status: StatusIdle,
		inbox:  make(chan *comms.Message, 256),
		wake:   make(chan struct{}, 1),
	}
}

// Info returns the agent's current metadata.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := r.cfg.Info
	info.Status = r.status
	info.StartedAt = r.startedAt
	if info.Name == "" && info.Personality != nil {
		info.Name = info.Personality.Name
	}
	return info
}

// Start subscribes to the agent's channels and begins the dispatch loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already running (status=%s)", r.cfg.Info.ID, r.status)
	}
	if r.cfg.Trigger == nil {
		r.mu.Unlock()
		return fmt.Errorf("agent %s has no trigger", r.cfg.Info.ID)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.status = StatusIdle
	r.startedAt = time.Now()
	r.done = make(chan struct{})
	r.mu.Unlock()

	if r.cfg.Transport != nil {
		var unsubs []func()
		for _, ch := range r.cfg.Info.Channels {
			unsubs = append(unsubs, r.cfg.Transport.Subscribe(ch, r.ReceiveMessage))
		}
		r.mu.Lock()
		r.unsubs = unsubs
		r.mu.Unlock()
	}

	go r.loop(ctx, r.done)
	return nil
}

// Stop unsubscribes and waits for the message being handled to finish.
func (r *Runtime) Stop(_ context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	r.mu.Lock()
	r.status = StatusStopped
	r.mu.Unlock()
	return nil
}

// Accepts reports whether this agent should answer msg.
func (r *Runtime) Accepts(msg *comms.Message) bool {
	if msg.Type != comms.TypeUser {
		return false
	}
	responder, ok := r.cfg.Directory.Responder(msg.ChannelID, msg.To)
	return ok && responder.ID == r.cfg.Info.ID
}

// ReceiveMessage queues msg if this agent should answer it. It never blocks
// the transport; a full inbox is reported as an error.
func (r *Runtime) ReceiveMessage(_ context.Context, msg *comms.Message) error {
	if !r.Accepts(msg) {
		return nil
	}
	select {
	case r.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("agent %s inbox full", r.cfg.Info.ID)
	}
}

// Wake makes an idle runtime look for assigned work now instead of at the
// next poll.
func (r *Runtime) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runtime) worksTasks() bool {
	return r.cfg.Tasks != nil && r.cfg.Provider != nil
}

func (r *Runtime) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.inbox:
			r.handle(ctx, msg)
			continue
		default:
		}

		if r.workNext(ctx) {
			continue
		}

		var poll <-chan time.Time
		if r.worksTasks() {
			poll = time.After(r.cfg.PollInterval)
		}
		select {
		case <-ctx.Done():
			return
		case msg := <-r.inbox:
			r.handle(ctx, msg)
		case <-r.wake:
		case <-poll:
		}
	}
}

func (r *Runtime) setCurrent(id string) {
	r.mu.Lock()
	if id == "" {
		r.status = StatusIdle
	} else {
		r.status = StatusWorking
	}
	r.current = id
	r.mu.Unlock()
}

func (r *Runtime) handle(ctx context.Context, msg *comms.Message) {
	r.setCurrent(msg.ID)
	defer r.setCurrent("")

	r.logger.Debug("handling message", "message", msg.ID, "channel", msg.ChannelID, "from", msg.From)
	if err := r.cfg.Trigger.HandleMessage(ctx, msg); err != nil {
		r.logger.Error("message handling failed", "message", msg.ID, slog.Any("err", err))
	}
}

// workNext claims and works the next ready standard task assigned to the
// agent. It reports whether it claimed one.
func (r *Runtime) workNext(ctx context.Context) bool {
	if !r.worksTasks() {
		return false
	}
	next, err := r.cfg.Tasks.NextTaskForUser(ctx, r.cfg.Info.ID, task.TypeStandard)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("fetching next task failed", slog.Any("err", err))
		}
		return false
	}
	if next == nil {
		return false
	}
	started, err := r.cfg.Tasks.MarkInProgress(ctx, next.ID)
	if err != nil {
		r.logger.Warn("claiming task failed", "task", next.ID, slog.Any("err", err))
		return false
	}
	if started.Status != task.StatusInProgress {
		// Cancelled or completed in between.
		return true
	}
	r.processTask(ctx, started)
	return true
}

// processTask asks the provider to carry out t, stores the reply as the
// task's response and completes it. On failure the task stays in progress.
func (r *Runtime) processTask(ctx context.Context, t *task.Task) {
	r.setCurrent(t.ID)
	defer r.setCurrent("")

	logger := r.logger.With("task", t.ID, "project", t.ProjectID)
	logger.Info("starting task")

	reply, err := provider.Ask(ctx, r.cfg.Provider, r.systemPrompt(), taskPrompt(t))
	if err != nil {
		logger.Error("task failed", slog.Any("err", err))
		return
	}
	if _, err := r.cfg.Tasks.UpdateTask(ctx, t.ID, taskmgr.TaskPatch{
		Scratch: map[string]string{task.ScratchResponse: reply},
	}); err != nil {
		logger.Error("storing task response failed", slog.Any("err", err))
		return
	}
	if _, err := r.cfg.Tasks.CompleteTask(ctx, t.ID); err != nil {
		logger.Error("completing task failed", slog.Any("err", err))
		return
	}
	logger.Info("task completed")
}

func (r *Runtime) systemPrompt() string {
	info := r.cfg.Info
	if p := info.Personality; p != nil && p.SystemPrompt != "" {
		return p.SystemPrompt
	}
	name := info.Name
	if name == "" {
		name = info.ID
	}
	prompt := "You are " + name
	if role := info.Role(); role != "" {
		prompt += ", a " + role
	}
	return prompt + ". Carry out the task you are given and reply with the result."
}

func taskPrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(t.Description)
	if t.DueDate != nil {
		fmt.Fprintf(&b, "\nDue: %s", t.DueDate.Format(time.RFC3339))
	}
	return b.String()
}
