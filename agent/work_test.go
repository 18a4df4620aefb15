package agent

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/provider/mock"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

func newManager(t *testing.T) (*taskmgr.Manager, *event.Bus) {
	t.Helper()
	f, err := os.CreateTemp("", "steward-agent-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := task.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := event.NewBus(nil)
	return taskmgr.New(store, bus, nil), bus
}

// echo answers every task with its own prompt.
func echo() *mock.Provider {
	return mock.Func(func(messages []provider.Message) (string, error) {
		return "done: " + messages[len(messages)-1].Content, nil
	})
}

func TestTeam_WorksAssignedTasks(t *testing.T) {
	mgr, bus := newManager(t)
	ctx := context.Background()

	completed := make(chan *task.Project, 1)
	bus.Subscribe(func(_ context.Context, ev event.Event) error {
		completed <- ev.Project
		return nil
	}, event.ProjectCompleted)

	p, err := mgr.CreateProject(ctx, taskmgr.ProjectSpec{Name: "handoff"})
	if err != nil {
		t.Fatal(err)
	}
	one, _ := mgr.AddTask(ctx, p.ID, taskmgr.TaskParams{Description: "one", Assignee: "coder"})
	two, _ := mgr.AddTask(ctx, p.ID, taskmgr.TaskParams{Description: "two", Assignee: "coder", DependsOn: one.ID})
	three, _ := mgr.AddTask(ctx, p.ID, taskmgr.TaskParams{Description: "three", Assignee: "writer"})

	other, _ := mgr.CreateProject(ctx, taskmgr.ProjectSpec{Name: "routine"})
	tmpl, _ := mgr.AddTask(ctx, other.ID, taskmgr.TaskParams{Type: task.TypeRecurring, Description: "weekly", Assignee: "coder", Recurrence: task.RecurWeekly})

	// With an hour-long poll only claims and wake-ups move the agents.
	team := NewTeam(testDirectory(), comms.NewInMemoryTransport(), newRecordingTrigger(), nil,
		WithTaskWork(mgr, echo(), time.Hour),
		WithEvents(bus),
	)
	if err := team.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer team.Stop(ctx)

	select {
	case got := <-completed:
		if got.ID != p.ID {
			t.Fatalf("completed project %s, want %s", got.ID, p.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("project was never completed by its agents")
	}

	for _, tc := range []struct {
		id, want string
	}{
		{one.ID, "done: Task: one"},
		{two.ID, "done: Task: two"},
		{three.ID, "done: Task: three"},
	} {
		got, err := mgr.GetTask(ctx, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != task.StatusCompleted {
			t.Errorf("task %q status = %q, want completed", got.Description, got.Status)
		}
		if got.Props.Scratch[task.ScratchResponse] != tc.want {
			t.Errorf("task %q response = %q, want %q", got.Description, got.Props.Scratch[task.ScratchResponse], tc.want)
		}
	}

	if err := team.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, err := mgr.GetTask(ctx, tmpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("recurring template status = %q, want pending", got.Status)
	}
}

func TestRuntime_ProviderFailureLeavesTaskInProgress(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	p, _ := mgr.CreateProject(ctx, taskmgr.ProjectSpec{Name: "flaky"})
	tk, _ := mgr.AddTask(ctx, p.ID, taskmgr.TaskParams{Description: "fragile", Assignee: "writer"})

	prov := mock.New()
	prov.FailWith(errors.New("overloaded"))
	writer, _ := testDirectory().Get("writer")
	r := NewRuntime(Config{Info: writer, Trigger: newRecordingTrigger(), Tasks: mgr, Provider: prov, PollInterval: 10 * time.Millisecond})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(prov.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if n := len(prov.Calls()); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
	got, err := mgr.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusInProgress {
		t.Errorf("status = %q, want in_progress", got.Status)
	}
	if got.Props.Scratch[task.ScratchResponse] != "" {
		t.Errorf("response = %q, want none", got.Props.Scratch[task.ScratchResponse])
	}
}

func TestRuntime_SystemPrompt(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{ID: "x", Personality: &Personality{SystemPrompt: "Be terse."}}, "Be terse."},
		{Info{ID: "x", Name: "Ada", Personality: &Personality{Role: "reviewer"}}, "You are Ada, a reviewer."},
		{Info{ID: "x"}, "You are x."},
	}
	for _, tt := range tests {
		got := NewRuntime(Config{Info: tt.info}).systemPrompt()
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("systemPrompt(%+v) = %q, want prefix %q", tt.info, got, tt.want)
		}
	}
}
