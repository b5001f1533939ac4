package domain

import (
	"fmt"
	"time"
)

// Project groups tasks and optionally links them to a VCS repository
type Project struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id,omitempty"`
	Name          string    `json:"name"`
	RepoOwner     string    `json:"repo_owner,omitempty"`
	RepoName      string    `json:"repo_name,omitempty"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsVCSLinked returns true if the project is connected to a repository
func (p *Project) IsVCSLinked() bool {
	return p.RepoOwner != "" && p.RepoName != ""
}

// RepoFullName returns "owner/name"
func (p *Project) RepoFullName() string {
	return fmt.Sprintf("%s/%s", p.RepoOwner, p.RepoName)
}

// BaseBranch returns the default branch, falling back to main
func (p *Project) BaseBranch() string {
	if p.DefaultBranch == "" {
		return "main"
	}
	return p.DefaultBranch
}
