package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/provider"
)

// TeamOption configures a Team.
type TeamOption func(*teamOptions)

type teamOptions struct {
	tasks    TaskSource
	provider provider.Provider
	interval time.Duration
	bus      *event.Bus
}

// WithTaskWork lets every agent work the standard tasks assigned to it,
// polling tasks every interval (DefaultPollInterval when zero).
func WithTaskWork(tasks TaskSource, p provider.Provider, interval time.Duration) TeamOption {
	return func(o *teamOptions) {
		o.tasks, o.provider, o.interval = tasks, p, interval
	}
}

// WithEvents wakes an agent as soon as a task is added, assigned or made
// ready for it.
func WithEvents(bus *event.Bus) TeamOption {
	return func(o *teamOptions) { o.bus = bus }
}

// Team owns one Runtime per agent in a Directory, all sharing a transport
// and trigger.
type Team struct {
	mu       sync.RWMutex
	dir      *Directory
	runtimes map[string]*Runtime // fixed at construction
	order    []string
	bus      *event.Bus
	sub      *event.Subscription
}

// NewTeam builds a runtime for every agent in dir.
func NewTeam(dir *Directory, transport comms.Transport, trigger Trigger, logger *slog.Logger, opts ...TeamOption) *Team {
	var o teamOptions
	for _, opt := range opts {
		opt(&o)
	}
	t := &Team{dir: dir, runtimes: make(map[string]*Runtime), bus: o.bus}
	for _, info := range dir.All() {
		t.runtimes[info.ID] = NewRuntime(Config{
			Info:         info,
			Directory:    dir,
			Transport:    transport,
			Trigger:      trigger,
			Tasks:        o.tasks,
			Provider:     o.provider,
			PollInterval: o.interval,
			Logger:       logger,
		})
		t.order = append(t.order, info.ID)
	}
	return t
}

// Directory returns the roster the team was built from.
func (t *Team) Directory() *Directory { return t.dir }

// Start launches every runtime. On failure the already started runtimes are
// stopped again.
func (t *Team) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bus != nil && t.sub == nil {
		t.sub = t.bus.Subscribe(t.wake, event.TaskAdded, event.TaskAssigned, event.TaskReady)
	}
	var started []*Runtime
	for _, id := range t.order {
		r := t.runtimes[id]
		if err := r.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			if t.sub != nil {
				t.sub.Unsubscribe()
				t.sub = nil
			}
			return fmt.Errorf("start agent %s: %w", id, err)
		}
		started = append(started, r)
	}
	return nil
}

// Stop shuts down every runtime.
func (t *Team) Stop(ctx context.Context) error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var errs []error
	for _, id := range t.order {
		if err := t.runtimes[id].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop agent %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the runtime for an agent id.
func (t *Team) Get(id string) (*Runtime, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runtimes[id]
	return r, ok
}

// Infos returns the live metadata of every agent, in id order.
func (t *Team) Infos() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.runtimes[id].Info())
	}
	return out
}

// wake may run on a runtime's own goroutine; it must not take the team lock.
func (t *Team) wake(_ context.Context, ev event.Event) error {
	id := ev.Assignee
	if id == "" && ev.Task != nil {
		id = ev.Task.Assignee
	}
	if r, ok := t.runtimes[id]; ok {
		r.Wake()
	}
	return nil
}
