package taskstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for projects, tasks and generations.
// These rows are the source of truth across restarts.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite works best with a single writer, and :memory: is per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertProject inserts or updates a project
func (s *Store) UpsertProject(ctx context.Context, p *domain.Project) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name, repo_owner, repo_name, default_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			repo_owner = excluded.repo_owner,
			repo_name = excluded.repo_name,
			default_branch = excluded.default_branch,
			updated_at = excluded.updated_at
	`, p.ID, p.OwnerID, p.Name, p.RepoOwner, p.RepoName, p.DefaultBranch, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, repo_owner, repo_name, default_branch, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.OwnerID, &p.Name, &p.RepoOwner, &p.RepoName, &p.DefaultBranch, &p.CreatedAt, &p.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const taskColumns = `id, project_id, title, description, column_name, branch_name, pr_url, pr_number, build_status, created_at, updated_at`

// UpsertTask inserts or updates a task's descriptive fields. Workflow
// fields (column, branch, PR, build status) have dedicated setters.
func (s *Store) UpsertTask(ctx context.Context, task *domain.Task) error {
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Column == "" {
		task.Column = domain.ColumnResearch
	}
	if task.BuildStatus == "" {
		task.BuildStatus = domain.BuildPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			updated_at = excluded.updated_at
	`,
		task.ID,
		task.ProjectID,
		task.Title,
		task.Description,
		string(task.Column),
		task.BranchName,
		task.PRURL,
		task.PRNumber,
		string(task.BuildStatus),
		task.CreatedAt,
		task.UpdatedAt,
	)
	return err
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("task", id)
	}
	return task, err
}

// ListTasks returns the tasks of a project, oldest first
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SetTaskColumn moves a task to another kanban column
func (s *Store) SetTaskColumn(ctx context.Context, id string, column domain.Column) error {
	return s.updateTask(ctx, id, `column_name = ?`, string(column))
}

// SetTaskBranch records the task's VCS branch
func (s *Store) SetTaskBranch(ctx context.Context, id, branch string) error {
	return s.updateTask(ctx, id, `branch_name = ?`, branch)
}

// SetTaskPR records the task's pull request
func (s *Store) SetTaskPR(ctx context.Context, id, url string, number int) error {
	return s.updateTask(ctx, id, `pr_url = ?, pr_number = ?`, url, number)
}

// SetTaskBuildStatus advances a task's build status. Only the transitions
// allowed by BuildStatus.CanTransition are applied; anything else returns
// an Invalid error and leaves the row untouched.
func (s *Store) SetTaskBuildStatus(ctx context.Context, id string, next domain.BuildStatus) error {
	var from []interface{}
	for _, st := range []domain.BuildStatus{domain.BuildPending, domain.BuildGenerating, domain.BuildReady, domain.BuildFailed} {
		if st.CanTransition(next) {
			from = append(from, string(st))
		}
	}
	if len(from) == 0 {
		return errors.Invalid("build status %s cannot be entered", next)
	}

	query := `UPDATE tasks SET build_status = ?, updated_at = ? WHERE id = ? AND build_status IN (?` + repeatPlaceholder(len(from)-1) + `)`
	args := append([]interface{}{string(next), time.Now(), id}, from...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.BuildStatus == next {
		return nil
	}
	return errors.Invalid("task %s: build status %s cannot move to %s", id, task.BuildStatus, next)
}

// ResetBuildStatus re-queues a task for a new generation
func (s *Store) ResetBuildStatus(ctx context.Context, id string) error {
	return s.updateTask(ctx, id, `build_status = ?`, string(domain.BuildPending))
}

func (s *Store) updateTask(ctx context.Context, id, set string, args ...interface{}) error {
	args = append(args, time.Now(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("task", id)
	}
	return nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var column, buildStatus string
	var description sql.NullString

	err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &description, &column, &task.BranchName,
		&task.PRURL, &task.PRNumber, &buildStatus, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	task.Column = domain.Column(column)
	task.BuildStatus = domain.BuildStatus(buildStatus)
	if description.Valid {
		task.Description = description.String
	}
	return &task, nil
}
