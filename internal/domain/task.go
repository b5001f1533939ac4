package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// maxSlugLength keeps branch names readable in the VCS UI
const maxSlugLength = 40

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Task is a kanban work item. Its column encodes the pipeline stage.
type Task struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Column      Column      `json:"column"`
	BranchName  string      `json:"branch_name,omitempty"`
	PRURL       string      `json:"pr_url,omitempty"`
	PRNumber    int         `json:"pr_number,omitempty"`
	BuildStatus BuildStatus `json:"build_status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// HasBranch returns true if a VCS branch has been recorded for the task
func (t *Task) HasBranch() bool {
	return t.BranchName != ""
}

// HasPR returns true if a pull request has been recorded for the task
func (t *Task) HasPR() bool {
	return t.PRNumber > 0
}

// Prompt returns the generation prompt derived from the task
func (t *Task) Prompt() string {
	if strings.TrimSpace(t.Description) == "" {
		return t.Title
	}
	return t.Title + "\n\n" + t.Description
}

// Slugify lowercases s and collapses everything that is not a letter or
// digit into single dashes.
func Slugify(s string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "untitled"
	}
	return slug
}

// TaskBranchName returns the deterministic branch name for a task
func TaskBranchName(taskID, title string) string {
	return fmt.Sprintf("task/%s/%s", taskID, Slugify(title))
}
