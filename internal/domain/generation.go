package domain

import "time"

// Generation is one run of the code generation pipeline
type Generation struct {
	ID           string           `json:"id"`
	ProjectID    string           `json:"project_id"`
	TaskID       string           `json:"task_id,omitempty"` // empty for project-level generations
	Prompt       string           `json:"prompt"`
	Status       GenerationStatus `json:"status"`
	SandboxID    string           `json:"sandbox_id,omitempty"` // last known id; resolve through the sandbox manager
	SandboxURL   string           `json:"sandbox_url,omitempty"`
	FilesCreated []string         `json:"files_created"`
	CommitSHA    string           `json:"commit_sha,omitempty"`
	CommitURL    string           `json:"commit_url,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// IsTerminal returns true once the generation completed or failed
func (g *Generation) IsTerminal() bool {
	return g.Status == GenerationCompleted || g.Status == GenerationFailed
}

// FileChange ferries file content from a sandbox into a VCS commit
type FileChange struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}
