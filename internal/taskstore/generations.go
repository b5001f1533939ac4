package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
)

const generationColumns = `id, project_id, task_id, prompt, status, sandbox_id, sandbox_url, files_created, commit_sha, commit_url, error_message, created_at, updated_at, completed_at`

// CreateGeneration persists a new generation
func (s *Store) CreateGeneration(ctx context.Context, g *domain.Generation) error {
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = domain.GenerationRunning
	}

	files, err := json.Marshal(nonNil(g.FilesCreated))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generations (`+generationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		g.ID, g.ProjectID, g.TaskID, g.Prompt, string(g.Status), g.SandboxID, g.SandboxURL,
		string(files), g.CommitSHA, g.CommitURL, g.ErrorMessage, g.CreatedAt, g.UpdatedAt, g.CompletedAt,
	)
	return err
}

// GetGeneration retrieves a generation by ID
func (s *Store) GetGeneration(ctx context.Context, id string) (*domain.Generation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("generation", id)
	}
	return g, err
}

// ListTaskGenerations returns a task's generations, oldest first
func (s *Store) ListTaskGenerations(ctx context.Context, taskID string) ([]*domain.Generation, error) {
	return s.queryGenerations(ctx, `WHERE task_id = ? ORDER BY created_at, id`, taskID)
}

// ListGenerationsByStatus returns all generations in a status
func (s *Store) ListGenerationsByStatus(ctx context.Context, status domain.GenerationStatus) ([]*domain.Generation, error) {
	return s.queryGenerations(ctx, `WHERE status = ? ORDER BY created_at, id`, string(status))
}

// AttachSandbox records the sandbox a generation runs in
func (s *Store) AttachSandbox(ctx context.Context, generationID, sandboxID string) error {
	return s.updateGeneration(ctx, generationID, `sandbox_id = ?`, sandboxID)
}

// ReplaceSandboxID rewrites every generation that named oldID to newID.
// Sandbox ids are last-known hints, so a substituted sandbox must be
// propagated to all durable references.
func (s *Store) ReplaceSandboxID(ctx context.Context, oldID, newID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE generations SET sandbox_id = ?, updated_at = ? WHERE sandbox_id = ?`,
		newID, time.Now(), oldID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetGenerationSandboxURL records the preview URL
func (s *Store) SetGenerationSandboxURL(ctx context.Context, id, url string) error {
	return s.updateGeneration(ctx, id, `sandbox_url = ?`, url)
}

// CompleteGeneration marks a generation completed with its final file list
func (s *Store) CompleteGeneration(ctx context.Context, id string, files []string) error {
	data, err := json.Marshal(nonNil(files))
	if err != nil {
		return err
	}
	return s.updateGeneration(ctx, id, `status = ?, files_created = ?, completed_at = ?`,
		string(domain.GenerationCompleted), string(data), time.Now())
}

// FailGeneration marks a generation failed, keeping any files already recorded
func (s *Store) FailGeneration(ctx context.Context, id, message string, files []string) error {
	data, err := json.Marshal(nonNil(files))
	if err != nil {
		return err
	}
	return s.updateGeneration(ctx, id, `status = ?, error_message = ?, files_created = ?, completed_at = ?`,
		string(domain.GenerationFailed), message, string(data), time.Now())
}

// SetGenerationCommit records the VCS commit made from a generation
func (s *Store) SetGenerationCommit(ctx context.Context, id, sha, url string) error {
	return s.updateGeneration(ctx, id, `commit_sha = ?, commit_url = ?`, sha, url)
}

func (s *Store) updateGeneration(ctx context.Context, id, set string, args ...interface{}) error {
	args = append(args, time.Now(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE generations SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("generation", id)
	}
	return nil
}

func (s *Store) queryGenerations(ctx context.Context, where string, args ...interface{}) ([]*domain.Generation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+generationColumns+` FROM generations `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []*domain.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

func scanGeneration(row scanner) (*domain.Generation, error) {
	var g domain.Generation
	var status, files string
	var completed sql.NullTime

	err := row.Scan(&g.ID, &g.ProjectID, &g.TaskID, &g.Prompt, &status, &g.SandboxID, &g.SandboxURL,
		&files, &g.CommitSHA, &g.CommitURL, &g.ErrorMessage, &g.CreatedAt, &g.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}

	g.Status = domain.GenerationStatus(status)
	if completed.Valid {
		t := completed.Time
		g.CompletedAt = &t
	}
	if files != "" && files != "null" {
		if err := json.Unmarshal([]byte(files), &g.FilesCreated); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

func nonNil(files []string) []string {
	if files == nil {
		return []string{}
	}
	return files
}
