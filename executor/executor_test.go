package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/artifact"
	"github.com/GoCodeAlone/steward/provider/mock"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

type fakeTasks struct {
	mu    sync.Mutex
	specs []taskmgr.ProjectSpec
}

func (f *fakeTasks) CreateProject(_ context.Context, spec taskmgr.ProjectSpec) (*task.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return &task.Project{ID: "sub-1", Name: spec.Name, Metadata: spec.Metadata}, nil
}

func (f *fakeTasks) GetTask(_ context.Context, id string) (*task.Task, error) {
	return nil, task.ErrNotFound
}

func builtinRegistry(t *testing.T, deps Deps) *Registry {
	t.Helper()
	reg, err := NewRegistry(deps, Builtins()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestRegistry_RegisterRules(t *testing.T) {
	reg := builtinRegistry(t, Deps{Provider: mock.New()})

	dup := Registration{Descriptor: replyDescriptor, New: func(Deps) Executor { return nextStepExecutor{} }}
	if err := reg.Register(dup); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := reg.Register(Registration{New: func(Deps) Executor { return nextStepExecutor{} }}); err == nil {
		t.Error("empty step type should fail")
	}
	if err := reg.Register(Registration{Descriptor: Descriptor{Type: "custom"}}); err == nil {
		t.Error("missing constructor should fail")
	}

	if got := len(reg.Known()); got != 4 {
		t.Errorf("Known() = %d types, want 4", got)
	}
	if d, ok := reg.Describe(NextStep); !ok || d.PlannerVisible {
		t.Errorf("Describe(next-step) = %+v, %v", d, ok)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg := builtinRegistry(t, Deps{Provider: mock.New()})

	exec, err := reg.Resolve(Reply)
	if err != nil {
		t.Fatalf("Resolve(reply): %v", err)
	}
	if exec.Descriptor().Type != Reply {
		t.Errorf("resolved %q", exec.Descriptor().Type)
	}

	_, err = reg.Resolve("no-such-step")
	var resErr *ResolutionError
	if !errors.As(err, &resErr) || resErr.Type != "no-such-step" {
		t.Errorf("Resolve(unknown) err = %v, want *ResolutionError", err)
	}
}

func TestRegistry_CatalogHidesInternalSteps(t *testing.T) {
	reg := builtinRegistry(t, Deps{Provider: mock.New()})
	var got []string
	for _, d := range reg.Catalog() {
		got = append(got, string(d.Type))
	}
	want := "delegation,reply,validation"
	if strings.Join(got, ",") != want {
		t.Errorf("Catalog() = %v, want %s", got, want)
	}
}

func TestRuntimeError_Unwrap(t *testing.T) {
	boom := errors.New("boom")
	err := error(&RuntimeError{Type: Reply, TaskID: "t1", Err: boom})
	if !errors.Is(err, boom) {
		t.Error("RuntimeError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "t1") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestStepResult_Record(t *testing.T) {
	complete := false
	r := &StepResult{
		Finished:       true,
		Response:       Response{Message: "hi", Data: map[string]any{"k": 1}},
		Replan:         ReplanAllow,
		IsComplete:     &complete,
		MissingAspects: []string{"tests"},
		ProjectID:      "p2",
		Async:          true,
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := r.Record(at)
	if rec.Message != "hi" || rec.Replan != "allow" || rec.ProjectID != "p2" || !rec.Async || !rec.Finished {
		t.Errorf("Record = %+v", rec)
	}
	if rec.IsComplete == nil || *rec.IsComplete || rec.MissingAspects[0] != "tests" {
		t.Errorf("validation fields = %v %v", rec.IsComplete, rec.MissingAspects)
	}
	if !rec.RecordedAt.Equal(at) {
		t.Errorf("RecordedAt = %v", rec.RecordedAt)
	}
}

func TestReply_StreamsProgress(t *testing.T) {
	prov := mock.New("  Here is the answer.  ")
	reg := builtinRegistry(t, Deps{Provider: prov})
	exec, _ := reg.Resolve(Reply)

	var progress []string
	res, err := exec.Execute(context.Background(), Params{
		Goal: "answer the question",
		Task: &task.Task{ID: "t1"},
		Agent: agent.Info{ID: "bot", Personality: &agent.Personality{
			SystemPrompt: "You are terse.",
		}},
		PriorSteps: []PriorStep{{Type: Validation, Description: "check", Status: task.StatusCompleted,
			Result: &task.StepRecord{Message: "looked fine"}}},
		Progress: func(_ context.Context, s string) { progress = append(progress, s) },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Finished || res.Response.Message != "Here is the answer." {
		t.Errorf("result = %+v", res)
	}
	if len(progress) == 0 {
		t.Error("reply should report partial text as progress")
	}

	calls := prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	if calls[0].Messages[0].Content != "You are terse." {
		t.Errorf("system prompt = %q", calls[0].Messages[0].Content)
	}
	if !strings.Contains(calls[0].Messages[1].Content, "looked fine") {
		t.Errorf("prompt should include prior results: %q", calls[0].Messages[1].Content)
	}
}

func TestReply_ProviderFailure(t *testing.T) {
	prov := mock.New()
	prov.FailWith(errors.New("unavailable"))
	reg := builtinRegistry(t, Deps{Provider: prov})
	exec, _ := reg.Resolve(Reply)
	if _, err := exec.Execute(context.Background(), Params{Goal: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestReply_AttachesLongOutput(t *testing.T) {
	long := strings.Repeat("word ", LongReplyRunes)
	tests := []struct {
		name      string
		reply     string
		artifacts bool
		attached  bool
	}{
		{"short reply stays inline", "short answer", true, false},
		{"long reply is attached", long, true, true},
		{"no store keeps long reply inline", long, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := artifact.NewMemoryStore()
			deps := Deps{Provider: mock.New(tt.reply)}
			if tt.artifacts {
				deps.Artifacts = store
			}
			exec, _ := builtinRegistry(t, deps).Resolve(Reply)
			res, err := exec.Execute(context.Background(), Params{
				Goal:    "write it all out",
				Task:    &task.Task{ID: "t1"},
				Project: &task.Project{ID: "p1"},
			})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !tt.attached {
				if len(res.ArtifactIDs) != 0 || res.Response.Message != strings.TrimSpace(tt.reply) {
					t.Errorf("result = %d artifacts, %d chars", len(res.ArtifactIDs), len(res.Response.Message))
				}
				return
			}
			if len(res.ArtifactIDs) != 1 {
				t.Fatalf("ArtifactIDs = %v, want one", res.ArtifactIDs)
			}
			a, err := store.Load(context.Background(), res.ArtifactIDs[0])
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if string(a.Content) != strings.TrimSpace(tt.reply) || a.ContentType != "text/markdown" {
				t.Errorf("artifact = %s, %d bytes", a.ContentType, len(a.Content))
			}
			if a.Metadata["task"] != "t1" || a.Metadata["project"] != "p1" {
				t.Errorf("artifact metadata = %v", a.Metadata)
			}
			if n := len([]rune(res.Response.Message)); n >= len(tt.reply) || !strings.Contains(res.Response.Message, "attached as reply.md") {
				t.Errorf("message (%d runes) should be a pointer to the attachment", n)
			}
		})
	}
}

func TestValidation_Verdicts(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		wantDone    bool
		wantMissing []string
	}{
		{"complete", `{"isComplete": true, "missingAspects": []}`, true, nil},
		{"incomplete", "```json\n{\"isComplete\": false, \"missingAspects\": [\"X\"]}\n```", false, []string{"X"}},
		{"snake case", `{"is_complete": false, "missing_aspects": "tests"}`, false, []string{"tests"}},
		{"no aspects", `{"isComplete": false}`, false, []string{"unspecified"}},
		{"garbage", `I think it's fine`, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := builtinRegistry(t, Deps{Provider: mock.New(tt.reply)})
			exec, _ := reg.Resolve(Validation)
			res, err := exec.Execute(context.Background(), Params{Goal: "g", Task: &task.Task{ID: "t"}})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.Finished || res.IsComplete == nil || *res.IsComplete != tt.wantDone {
				t.Errorf("result = %+v", res)
			}
			if strings.Join(res.MissingAspects, ",") != strings.Join(tt.wantMissing, ",") {
				t.Errorf("MissingAspects = %v, want %v", res.MissingAspects, tt.wantMissing)
			}
			if res.Response.Message != "" {
				t.Errorf("validation should not produce a message: %q", res.Response.Message)
			}
		})
	}
}

func TestNextStep_ForcesReplan(t *testing.T) {
	reg := builtinRegistry(t, Deps{Provider: mock.New()})
	exec, _ := reg.Resolve(NextStep)
	res, err := exec.Execute(context.Background(), Params{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Finished || res.Replan != ReplanForce || res.Response.Message != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestDelegation_CreatesSubProject(t *testing.T) {
	tasks := &fakeTasks{}
	prov := mock.New(`Plan: {"name": "Write docs", "tasks": [
		{"description": "draft README", "assignee": "writer"},
		{"description": "review README", "assignee": "someone-else"},
		{"description": ""}
	]}`)
	reg := builtinRegistry(t, Deps{Provider: prov, Tasks: tasks})
	exec, _ := reg.Resolve(Delegation)

	res, err := exec.Execute(context.Background(), Params{
		Goal:    "document the project",
		Agent:   agent.Info{ID: "lead"},
		Project: &task.Project{ID: "p1", Metadata: task.ProjectMetadata{ChannelID: "general", ThreadID: "m1"}},
		Peers: []agent.Info{
			{ID: "writer", Personality: &agent.Personality{Role: "docs"}},
			{ID: "reviewer"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Finished || !res.Async || res.ProjectID != "sub-1" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Response.Message, "draft README") {
		t.Errorf("message = %q", res.Response.Message)
	}

	if len(tasks.specs) != 1 {
		t.Fatalf("CreateProject calls = %d", len(tasks.specs))
	}
	spec := tasks.specs[0]
	if spec.Name != "Write docs" || spec.Metadata.ChannelID != "general" || !spec.Metadata.HasTag(DelegationTag) {
		t.Errorf("spec = %+v", spec)
	}
	if len(spec.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(spec.Tasks))
	}
	if spec.Tasks[0].Assignee != "writer" || spec.Tasks[1].Assignee != "reviewer" {
		t.Errorf("assignees = %q, %q", spec.Tasks[0].Assignee, spec.Tasks[1].Assignee)
	}
	if spec.Tasks[0].Creator != "lead" {
		t.Errorf("creator = %q", spec.Tasks[0].Creator)
	}
}

func TestDelegation_Failures(t *testing.T) {
	ctx := context.Background()
	peers := []agent.Info{{ID: "writer"}}

	reg := builtinRegistry(t, Deps{Provider: mock.New(`{"tasks": []}`), Tasks: &fakeTasks{}})
	exec, _ := reg.Resolve(Delegation)
	if _, err := exec.Execute(ctx, Params{Goal: "g"}); err == nil {
		t.Error("expected error without peers")
	}
	if _, err := exec.Execute(ctx, Params{Goal: "g", Peers: peers}); err == nil {
		t.Error("expected error for empty task list")
	}

	reg = builtinRegistry(t, Deps{Provider: mock.New("no idea"), Tasks: &fakeTasks{}})
	exec, _ = reg.Resolve(Delegation)
	if _, err := exec.Execute(ctx, Params{Goal: "g", Peers: peers}); err == nil {
		t.Error("expected error for unparseable plan")
	}
}
