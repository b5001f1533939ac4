package vcs

import (
	"context"
	"fmt"
	"sync"

	"github.com/hochfrequenz/sandbox-builder/internal/errors"
)

// fakeProvider is an in-memory hosted repository
type fakeProvider struct {
	mu        sync.Mutex
	repos     map[string]*Repo
	branches  map[string]string            // branch -> head sha
	files     map[string]map[string][]byte // branch -> path -> content
	prs       map[int]*PullRequest
	conflicts map[string]bool // head branches that conflict on merge
	calls     map[string]int
	commits   []CommitInput
	nextSHA   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		repos:     map[string]*Repo{"acme/site": {Owner: "acme", Name: "site", DefaultBranch: "main"}},
		branches:  map[string]string{"main": "sha0"},
		files:     map[string]map[string][]byte{"main": {}},
		prs:       make(map[int]*PullRequest),
		conflicts: make(map[string]bool),
		calls:     make(map[string]int),
	}
}

func (f *fakeProvider) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProvider) sha() string {
	f.nextSHA++
	return fmt.Sprintf("sha%d", f.nextSHA)
}

func (f *fakeProvider) GetRepo(ctx context.Context, repo RepoRef) (*Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetRepo"]++
	r, ok := f.repos[repo.String()]
	if !ok {
		return nil, errors.NotFound("repo", repo.String())
	}
	return r, nil
}

func (f *fakeProvider) CreateRepo(ctx context.Context, repo RepoRef, private bool) (*Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateRepo"]++
	r := &Repo{Owner: repo.Owner, Name: repo.Name, DefaultBranch: "main"}
	f.repos[repo.String()] = r
	return r, nil
}

func (f *fakeProvider) BranchSHA(ctx context.Context, repo RepoRef, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["BranchSHA"]++
	sha, ok := f.branches[branch]
	if !ok {
		return "", errors.NotFound("branch", branch)
	}
	return sha, nil
}

func (f *fakeProvider) CreateBranch(ctx context.Context, repo RepoRef, branch, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateBranch"]++
	if _, ok := f.branches[branch]; ok {
		return nil
	}
	f.branches[branch] = sha
	f.files[branch] = make(map[string][]byte)
	return nil
}

func (f *fakeProvider) DeleteBranch(ctx context.Context, repo RepoRef, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteBranch"]++
	delete(f.branches, branch)
	delete(f.files, branch)
	return nil
}

func (f *fakeProvider) ListTree(ctx context.Context, repo RepoRef, ref string) ([]TreeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListTree"]++
	if _, ok := f.branches[ref]; !ok {
		return nil, errors.NotFound("github resource", ref)
	}
	var entries []TreeEntry
	for p := range f.files[ref] {
		entries = append(entries, TreeEntry{Path: p, Type: "blob", SHA: ref + ":" + p})
	}
	entries = append(entries, TreeEntry{Path: "src", Type: "tree", SHA: "tree1"})
	return entries, nil
}

func (f *fakeProvider) GetBlob(ctx context.Context, repo RepoRef, sha string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetBlob"]++
	for branch, files := range f.files {
		for p, data := range files {
			if branch+":"+p == sha {
				return data, nil
			}
		}
	}
	return nil, errors.NotFound("blob", sha)
}

func (f *fakeProvider) CommitFiles(ctx context.Context, repo RepoRef, in CommitInput) (*Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CommitFiles"]++
	if _, ok := f.branches[in.Branch]; !ok {
		return nil, errors.NotFound("branch", in.Branch)
	}
	for _, file := range in.Files {
		f.files[in.Branch][file.Path] = file.Content
	}
	sha := f.sha()
	f.branches[in.Branch] = sha
	f.commits = append(f.commits, in)
	return &Commit{SHA: sha, URL: "https://github.com/acme/site/commit/" + sha, Branch: in.Branch}, nil
}

func (f *fakeProvider) CreatePullRequest(ctx context.Context, repo RepoRef, in PRInput) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreatePullRequest"]++
	n := len(f.prs) + 1
	pr := &PullRequest{Number: n, URL: fmt.Sprintf("https://github.com/acme/site/pull/%d", n), Head: in.Head}
	f.prs[n] = pr
	return pr, nil
}

func (f *fakeProvider) GetPullRequest(ctx context.Context, repo RepoRef, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetPullRequest"]++
	pr, ok := f.prs[number]
	if !ok {
		return nil, errors.NotFound("pull request", fmt.Sprint(number))
	}
	cp := *pr
	return &cp, nil
}

func (f *fakeProvider) MergePullRequest(ctx context.Context, repo RepoRef, number int, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["MergePullRequest"]++
	pr, ok := f.prs[number]
	if !ok {
		return errors.NotFound("pull request", fmt.Sprint(number))
	}
	pr.Merged = true
	// gh pr merge --delete-branch
	delete(f.branches, pr.Head)
	delete(f.files, pr.Head)
	return nil
}

func (f *fakeProvider) MergeBranch(ctx context.Context, repo RepoRef, base, head, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["MergeBranch"]++
	if f.conflicts[head] {
		return fmt.Errorf("merging %s: %w", head, ErrMergeConflict)
	}
	for p, data := range f.files[head] {
		f.files[base][p] = data
	}
	f.branches[base] = f.sha()
	return nil
}

var _ Provider = (*fakeProvider)(nil)
