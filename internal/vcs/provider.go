// Package vcs implements the branch-per-task workflow on top of a hosted
// version control provider.
package vcs

import (
	"context"
	stderrors "errors"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
)

// ErrMergeConflict is returned by MergeBranch when head cannot be merged
// into base without conflicts.
var ErrMergeConflict = stderrors.New("merge conflict")

// RepoRef names a repository
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// RepoOf returns the repository a project is linked to
func RepoOf(p *domain.Project) RepoRef {
	return RepoRef{Owner: p.RepoOwner, Name: p.RepoName}
}

// Repo is a remote repository
type Repo struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	URL           string `json:"url"`
}

// TreeEntry is one entry of a recursive tree listing
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // blob or tree
	SHA  string `json:"sha"`
}

// Commit is a created commit
type Commit struct {
	SHA    string `json:"sha"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// PullRequest is an open or merged pull request
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Head   string `json:"head,omitempty"`
	Merged bool   `json:"merged"`
}

// CommitInput describes one commit of whole-file contents
type CommitInput struct {
	Branch  string
	Message string
	Files   []domain.FileChange
}

// PRInput describes a pull request to open
type PRInput struct {
	Head  string
	Base  string
	Title string
	Body  string
}

// Provider is the hosted VCS surface the integrator needs. Implementations
// return errors.NotFound for missing repositories, refs and pull requests.
type Provider interface {
	GetRepo(ctx context.Context, repo RepoRef) (*Repo, error)
	CreateRepo(ctx context.Context, repo RepoRef, private bool) (*Repo, error)

	// BranchSHA returns the commit a branch points at
	BranchSHA(ctx context.Context, repo RepoRef, branch string) (string, error)
	// CreateBranch creates branch at sha. An existing branch is not an error.
	CreateBranch(ctx context.Context, repo RepoRef, branch, sha string) error
	DeleteBranch(ctx context.Context, repo RepoRef, branch string) error

	ListTree(ctx context.Context, repo RepoRef, ref string) ([]TreeEntry, error)
	GetBlob(ctx context.Context, repo RepoRef, sha string) ([]byte, error)

	// CommitFiles creates a single commit on top of branch and advances it
	CommitFiles(ctx context.Context, repo RepoRef, in CommitInput) (*Commit, error)

	CreatePullRequest(ctx context.Context, repo RepoRef, in PRInput) (*PullRequest, error)
	GetPullRequest(ctx context.Context, repo RepoRef, number int) (*PullRequest, error)
	// MergePullRequest always squash-merges
	MergePullRequest(ctx context.Context, repo RepoRef, number int, title string) error

	// MergeBranch merges head into base, returning ErrMergeConflict on conflicts
	MergeBranch(ctx context.Context, repo RepoRef, base, head, message string) error
}
