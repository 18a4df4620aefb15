package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/orchestrator"
	"github.com/GoCodeAlone/steward/server/api"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// --- Test doubles ---

type fakeAgents []agent.Info

func (f fakeAgents) Infos() []agent.Info { return f }

type fakeStates map[string]orchestrator.State

func (f fakeStates) State(id string) orchestrator.State { return f[id] }

// --- Test helpers ---

type fixture struct {
	mux       *http.ServeMux
	tasks     *taskmgr.Manager
	transport *comms.InMemoryTransport
	states    fakeStates
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp("", "steward-api-*.db")
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

	fx := &fixture{
		mux:       http.NewServeMux(),
		tasks:     taskmgr.New(store, event.NewBus(nil), nil),
		transport: comms.NewInMemoryTransport(),
		states:    fakeStates{},
	}
	h := &api.Handlers{
		Tasks:     fx.tasks,
		Agents:    fakeAgents{{ID: "lead", IsLead: true}, {ID: "writer"}},
		States:    fx.states,
		Transport: fx.transport,
		Logger:    slog.Default(),
		Version:   "test",
		StartAt:   time.Now(),
	}
	h.RegisterRoutes(fx.mux)
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(api.ContextWithSubject(req.Context(), "alice"))
	rr := httptest.NewRecorder()
	fx.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

// --- Tests ---

func TestAgents(t *testing.T) {
	fx := newFixture(t)

	rr := fx.do(t, http.MethodGet, "/api/agents", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if agents := decode[[]agent.Info](t, rr); len(agents) != 2 {
		t.Errorf("expected 2 agents, got %d", len(agents))
	}

	rr = fx.do(t, http.MethodGet, "/api/agents/writer", nil)
	if rr.Code != http.StatusOK || decode[agent.Info](t, rr).ID != "writer" {
		t.Errorf("get writer: %d", rr.Code)
	}
	if rr = fx.do(t, http.MethodGet, "/api/agents/nobody", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestProjects_CreateListGetDelete(t *testing.T) {
	fx := newFixture(t)

	rr := fx.do(t, http.MethodPost, "/api/projects", map[string]any{"name": "Launch", "tags": []string{"ops"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decode[task.Project](t, rr)
	fx.states[created.ID] = orchestrator.StateExecuting

	if rr = fx.do(t, http.MethodPost, "/api/projects", map[string]any{}); rr.Code != http.StatusBadRequest {
		t.Errorf("nameless project: expected 400, got %d", rr.Code)
	}

	rr = fx.do(t, http.MethodGet, "/api/projects?tag=ops&status=active", nil)
	list := decode[[]map[string]any](t, rr)
	if len(list) != 1 || list[0]["id"] != created.ID || list[0]["state"] != "executing" {
		t.Errorf("unexpected list %v", list)
	}
	rr = fx.do(t, http.MethodGet, "/api/projects?tag=other", nil)
	if list := decode[[]map[string]any](t, rr); len(list) != 0 {
		t.Errorf("expected no projects, got %v", list)
	}

	if rr = fx.do(t, http.MethodGet, "/api/projects/"+created.ID, nil); rr.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", rr.Code)
	}
	if rr = fx.do(t, http.MethodDelete, "/api/projects/"+created.ID, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr = fx.do(t, http.MethodGet, "/api/projects/"+created.ID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("deleted project: expected 404, got %d", rr.Code)
	}
}

func TestTasks_AddCompleteWithMessage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p, err := fx.tasks.CreateProject(ctx, taskmgr.ProjectSpec{Name: "Docs"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	rr := fx.do(t, http.MethodPost, "/api/projects/"+p.ID+"/tasks", map[string]any{
		"description": "Write the README",
		"assignee":    "writer",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	added := decode[task.Task](t, rr)
	if added.Type != task.TypeStandard || added.Creator != "alice" {
		t.Errorf("unexpected task %+v", added)
	}

	rr = fx.do(t, http.MethodGet, "/api/agents/writer/next", nil)
	if rr.Code != http.StatusOK || decode[task.Task](t, rr).ID != added.ID {
		t.Fatalf("next: got %d", rr.Code)
	}

	rr = fx.do(t, http.MethodPost, "/api/tasks/"+added.ID+"/complete", map[string]string{"message": "README is up"})
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	done := decode[task.Task](t, rr)
	if done.Status != task.StatusCompleted || done.Props.Scratch[task.ScratchResponse] != "README is up" {
		t.Errorf("unexpected completed task %+v", done)
	}

	if rr = fx.do(t, http.MethodGet, "/api/agents/writer/next", nil); rr.Code != http.StatusNoContent {
		t.Errorf("next after completion: expected 204, got %d", rr.Code)
	}
	got, _ := fx.tasks.GetProject(ctx, p.ID)
	if got.Metadata.Status != task.ProjectCompleted {
		t.Errorf("expected project completed, got %s", got.Metadata.Status)
	}
}

func TestTasks_AddRejectsBadInput(t *testing.T) {
	fx := newFixture(t)
	p, _ := fx.tasks.CreateProject(context.Background(), taskmgr.ProjectSpec{Name: "P"})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"step", map[string]any{"type": "step", "description": "x"}},
		{"unknown type", map[string]any{"type": "chore", "description": "x"}},
		{"unknown recurrence", map[string]any{"type": "recurring", "recurrence": "fortnightly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := fx.do(t, http.MethodPost, "/api/projects/"+p.ID+"/tasks", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	rr := fx.do(t, http.MethodPost, "/api/projects/missing/tasks", map[string]any{"description": "x"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown project: expected 404, got %d", rr.Code)
	}
}

func TestTasks_CancelAndAssign(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p, _ := fx.tasks.CreateProject(ctx, taskmgr.ProjectSpec{Name: "P"})
	first, _ := fx.tasks.AddTask(ctx, p.ID, taskmgr.TaskParams{Description: "first"})
	second, _ := fx.tasks.AddTask(ctx, p.ID, taskmgr.TaskParams{Description: "second", DependsOn: first.ID})

	rr := fx.do(t, http.MethodPost, "/api/tasks/"+second.ID+"/assign", map[string]string{"assignee": "writer"})
	if rr.Code != http.StatusOK || decode[task.Task](t, rr).Assignee != "writer" {
		t.Fatalf("assign: %d", rr.Code)
	}

	rr = fx.do(t, http.MethodPost, "/api/tasks/"+first.ID+"/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = fx.do(t, http.MethodGet, "/api/tasks/"+second.ID, nil)
	if got := decode[task.Task](t, rr); got.Status != task.StatusPending {
		t.Errorf("dependent task: expected pending, got %s", got.Status)
	}

	rr = fx.do(t, http.MethodGet, "/api/projects/"+p.ID+"/tasks?status=cancelled", nil)
	if tasks := decode[[]task.Task](t, rr); len(tasks) != 1 || tasks[0].ID != first.ID {
		t.Errorf("expected only the first task cancelled, got %+v", tasks)
	}
	if rr = fx.do(t, http.MethodGet, "/api/tasks/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestMessages_PostReachesSubscribersAndHistory(t *testing.T) {
	fx := newFixture(t)
	var got []*comms.Message
	fx.transport.Subscribe("general", func(_ context.Context, msg *comms.Message) error {
		got = append(got, msg)
		return nil
	})

	rr := fx.do(t, http.MethodPost, "/api/messages", map[string]string{"channel_id": "general", "content": "hello"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("post: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	root := decode[comms.Message](t, rr)
	if root.From != "alice" || root.Type != comms.TypeUser {
		t.Errorf("unexpected message %+v", root)
	}

	rr = fx.do(t, http.MethodPost, "/api/messages", map[string]string{"channel_id": "general", "thread_id": root.ID, "content": "more"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("reply: expected 202, got %d", rr.Code)
	}
	if len(got) != 2 || got[1].ThreadID != root.ID {
		t.Fatalf("subscriber saw %+v", got)
	}

	rr = fx.do(t, http.MethodGet, "/api/messages?channel_id=general&thread_id="+root.ID, nil)
	if history := decode[[]comms.Message](t, rr); len(history) != 2 {
		t.Errorf("expected 2 thread messages, got %d", len(history))
	}

	if rr = fx.do(t, http.MethodPost, "/api/messages", map[string]string{"content": "lost"}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing channel: expected 400, got %d", rr.Code)
	}
	if rr = fx.do(t, http.MethodGet, "/api/messages", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("history without channel: expected 400, got %d", rr.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	fx := newFixture(t)
	rr := fx.do(t, http.MethodGet, "/api/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[map[string]any](t, rr)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("unexpected status %v", resp)
	}
}
