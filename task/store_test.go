package task

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "steward-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustProject(t *testing.T, s *SQLiteStore, name string) *Project {
	t.Helper()
	p := &Project{Name: name, Metadata: ProjectMetadata{Tags: []string{"conversation:c1/t1"}}}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func TestSQLiteStore_ProjectRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := mustProject(t, store, "Ship release")
	if p.ID == "" {
		t.Fatal("CreateProject did not assign an ID")
	}
	if p.Metadata.Status != ProjectActive {
		t.Errorf("Status = %q, want %q", p.Metadata.Status, ProjectActive)
	}

	got, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != "Ship release" {
		t.Errorf("Name = %q, want %q", got.Name, "Ship release")
	}
	if !got.Metadata.HasTag("conversation:c1/t1") {
		t.Errorf("Tags = %v, want conversation tag", got.Metadata.Tags)
	}

	got.Metadata.ChildProjects = []string{"child-1"}
	got.Metadata.ParentTaskID = "parent-task"
	if err := store.UpdateProject(ctx, got); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	again, _ := store.GetProject(ctx, p.ID)
	if len(again.Metadata.ChildProjects) != 1 || again.Metadata.ParentTaskID != "parent-task" {
		t.Errorf("metadata not persisted: %+v", again.Metadata)
	}

	byParent, err := store.ListProjects(ctx, ProjectFilter{ParentTaskID: "parent-task"})
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(byParent) != 1 {
		t.Errorf("ListProjects(parent) len = %d, want 1", len(byParent))
	}
	byTag, _ := store.ListProjects(ctx, ProjectFilter{Tag: "missing"})
	if len(byTag) != 0 {
		t.Errorf("ListProjects(missing tag) len = %d, want 0", len(byTag))
	}
}

func TestSQLiteStore_TaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, store, "p")

	due := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	tk := &Task{
		ProjectID:   p.ID,
		Type:        TypeStep,
		Status:      StatusPending,
		Description: "answer the question",
		Creator:     "lead",
		Assignee:    "agent-1",
		Order:       3,
		DueDate:     &due,
		Props: Props{Step: &StepProps{
			StepType:            "reply",
			AttachedArtifactIDs: []string{"a1"},
		}},
	}
	if err := store.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := store.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Description != tk.Description || got.Assignee != "agent-1" || got.Order != 3 {
		t.Errorf("got %+v", got)
	}
	if got.StepType() != "reply" {
		t.Errorf("StepType = %q, want reply", got.StepType())
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("DueDate = %v, want %v", got.DueDate, due)
	}

	done := true
	got.Status = StatusCompleted
	got.Props.Step.Result = &StepRecord{Message: "42", Finished: true, IsComplete: &done}
	if err := store.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	again, _ := store.GetTask(ctx, tk.ID)
	if again.Result() == nil || again.Result().Message != "42" {
		t.Errorf("Result = %+v, want message 42", again.Result())
	}
}

func TestSQLiteStore_ListTasksOrderingAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, store, "p")

	for i, order := range []int{2, 0, 1} {
		tk := &Task{ProjectID: p.ID, Type: TypeStandard, Status: StatusPending, Order: order}
		if i == 0 {
			tk.DependsOn = "dep-x"
		}
		if err := store.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	tasks, err := store.ListTasks(ctx, Filter{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for i, tk := range tasks {
		if tk.Order != i {
			t.Errorf("tasks[%d].Order = %d, want %d", i, tk.Order, i)
		}
	}

	deps, _ := store.ListTasks(ctx, Filter{DependsOn: "dep-x"})
	if len(deps) != 1 {
		t.Errorf("ListTasks(dependsOn) len = %d, want 1", len(deps))
	}

	max, err := store.MaxOrder(ctx, p.ID)
	if err != nil {
		t.Fatalf("MaxOrder: %v", err)
	}
	if max != 2 {
		t.Errorf("MaxOrder = %d, want 2", max)
	}
	empty := mustProject(t, store, "empty")
	if m, _ := store.MaxOrder(ctx, empty.ID); m != -1 {
		t.Errorf("MaxOrder(empty) = %d, want -1", m)
	}
}

func TestSQLiteStore_SoftDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, store, "p")
	tk := &Task{ProjectID: p.ID, Type: TypeStandard, Status: StatusPending}
	if err := store.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := store.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := store.GetProject(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProject after delete: err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetTask(ctx, tk.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask after project delete: err = %v, want ErrNotFound", err)
	}
	all, _ := store.ListTasks(ctx, Filter{ProjectID: p.ID, IncludeDeleted: true})
	if len(all) != 1 || all[0].DeletedAt == nil {
		t.Errorf("soft-deleted task should remain listable with IncludeDeleted")
	}
	if err := store.DeleteTask(ctx, tk.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteTask twice: err = %v, want ErrNotFound", err)
	}
}

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusCancelled, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusPending, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s→%s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestProps_Validate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		props   Props
		wantErr bool
	}{
		{"step with type", TypeStep, Props{Step: &StepProps{StepType: "reply"}}, false},
		{"step without payload", TypeStep, Props{}, true},
		{"standard with step payload", TypeStandard, Props{Step: &StepProps{StepType: "reply"}}, true},
		{"recurring occurrence", TypeRecurring, Props{Occurrence: &OccurrenceProps{TemplateID: "x"}}, true},
		{"standard scratch", TypeStandard, Props{Scratch: map[string]string{"k": "v"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.props.Validate(tt.typ)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecurrence_Next(t *testing.T) {
	base := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		r    Recurrence
		want time.Time
		ok   bool
	}{
		{RecurHourly, base.Add(time.Hour), true},
		{RecurDaily, base.AddDate(0, 0, 1), true},
		{RecurWeekly, base.AddDate(0, 0, 7), true},
		{RecurMonthly, base.AddDate(0, 1, 0), true},
		{RecurNone, time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := tt.r.Next(base)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("%q.Next = %v,%v want %v,%v", tt.r, got, ok, tt.want, tt.ok)
		}
	}
}
