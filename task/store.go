package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL DEFAULT 'active',
	parent_task TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	deleted_at  DATETIME
);

CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL REFERENCES projects(id),
	type          TEXT NOT NULL,
	status        TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	creator       TEXT NOT NULL DEFAULT '',
	assignee      TEXT NOT NULL DEFAULT '',
	depends_on    TEXT NOT NULL DEFAULT '',
	sort_order    INTEGER NOT NULL DEFAULT 0,
	due_date      DATETIME,
	recurrence    TEXT NOT NULL DEFAULT '',
	last_run_date DATETIME,
	props         TEXT NOT NULL DEFAULT '{}',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	completed_at  DATETIME,
	deleted_at    DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, sort_order);
CREATE INDEX IF NOT EXISTS idx_tasks_depends ON tasks(depends_on);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee, status);
`

const taskColumns = `id, project_id, type, status, description, creator, assignee, depends_on,
	sort_order, due_date, recurrence, last_run_date, props, created_at, updated_at, completed_at, deleted_at`

const projectColumns = `id, name, metadata, created_at, updated_at, deleted_at`

// SQLiteStore persists projects and tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY; serialises row mutations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreateProject persists p, assigning ID and timestamps when missing.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Metadata.Status == "" {
		p.Metadata.Status = ProjectActive
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, metadata, status, parent_task, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, string(meta), string(p.Metadata.Status), p.Metadata.ParentTaskID,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a live project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

// UpdateProject saves p, refreshing UpdatedAt.
func (s *SQLiteStore) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now().UTC()
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=?, metadata=?, status=?, parent_task=?, updated_at=?
		WHERE id=? AND deleted_at IS NULL`,
		p.Name, string(meta), string(p.Metadata.Status), p.Metadata.ParentTaskID, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return expectRow(res, "project", p.ID)
}

// DeleteProject soft-deletes a project and its tasks.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if err := expectRow(res, "project", id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deleted_at=? WHERE project_id=? AND deleted_at IS NULL`, now, id); err != nil {
		return fmt.Errorf("delete project tasks: %w", err)
	}
	return nil
}

// ListProjects returns live projects matching the filter, oldest first.
func (s *SQLiteStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + projectColumns + " FROM projects WHERE deleted_at IS NULL")
	args := []any{}
	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.ParentTaskID != "" {
		q.WriteString(" AND parent_task=?")
		args = append(args, filter.ParentTaskID)
	}
	q.WriteString(" ORDER BY created_at ASC")

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		// Tags live inside the JSON metadata.
		if filter.Tag != "" && !p.Metadata.HasTag(filter.Tag) {
			continue
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CreateTask persists t, assigning ID and timestamps when missing.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	props, err := json.Marshal(t.Props)
	if err != nil {
		return fmt.Errorf("encode task props: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, string(t.Type), string(t.Status), t.Description,
		t.Creator, t.Assignee, t.DependsOn, t.Order,
		nullTime(t.DueDate), string(t.Recurrence), nullTime(t.LastRunDate),
		string(props), t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt), nullTime(t.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a live task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// UpdateTask saves t, refreshing UpdatedAt.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	props, err := json.Marshal(t.Props)
	if err != nil {
		return fmt.Errorf("encode task props: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			type=?, status=?, description=?, creator=?, assignee=?, depends_on=?, sort_order=?,
			due_date=?, recurrence=?, last_run_date=?, props=?, updated_at=?, completed_at=?
		WHERE id=? AND deleted_at IS NULL`,
		string(t.Type), string(t.Status), t.Description, t.Creator, t.Assignee, t.DependsOn, t.Order,
		nullTime(t.DueDate), string(t.Recurrence), nullTime(t.LastRunDate), string(props),
		t.UpdatedAt, nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return expectRow(res, "task", t.ID)
}

// DeleteTask soft-deletes a task.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return expectRow(res, "task", id)
}

// ListTasks returns tasks matching the filter ordered by ascending order,
// then insertion time.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if !filter.IncludeDeleted {
		q.WriteString(" AND deleted_at IS NULL")
	}
	if filter.ProjectID != "" {
		q.WriteString(" AND project_id=?")
		args = append(args, filter.ProjectID)
	}
	if filter.Type != nil {
		q.WriteString(" AND type=?")
		args = append(args, string(*filter.Type))
	}
	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.Assignee != "" {
		q.WriteString(" AND assignee=?")
		args = append(args, filter.Assignee)
	}
	if filter.DependsOn != "" {
		q.WriteString(" AND depends_on=?")
		args = append(args, filter.DependsOn)
	}
	q.WriteString(" ORDER BY sort_order ASC, created_at ASC, rowid ASC")

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MaxOrder returns the highest task order in the project, or -1.
func (s *SQLiteStore) MaxOrder(ctx context.Context, projectID string) (int, error) {
	var highest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sort_order) FROM tasks WHERE project_id=? AND deleted_at IS NULL`, projectID,
	).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("max order: %w", err)
	}
	if !highest.Valid {
		return -1, nil
	}
	return int(highest.Int64), nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (*Project, error) {
	var p Project
	var metaJSON string
	var deletedAt sql.NullTime
	if err := s.Scan(&p.ID, &p.Name, &metaJSON, &p.CreatedAt, &p.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode project %s metadata: %w", p.ID, err)
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.Time
	}
	return &p, nil
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var typ, status, recurrence, propsJSON string
	var dueDate, lastRun, completedAt, deletedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.ProjectID, &typ, &status, &t.Description, &t.Creator, &t.Assignee, &t.DependsOn,
		&t.Order, &dueDate, &recurrence, &lastRun, &propsJSON,
		&t.CreatedAt, &t.UpdatedAt, &completedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	t.Status = Status(status)
	t.Recurrence = Recurrence(recurrence)
	if err := json.Unmarshal([]byte(propsJSON), &t.Props); err != nil {
		return nil, fmt.Errorf("decode task %s props: %w", t.ID, err)
	}
	t.DueDate = timePtr(dueDate)
	t.LastRunDate = timePtr(lastRun)
	t.CompletedAt = timePtr(completedAt)
	t.DeletedAt = timePtr(deletedAt)
	return &t, nil
}

func expectRow(res sql.Result, kind, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
