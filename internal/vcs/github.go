package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/sandbox-builder/internal/errors"
)

// Runner executes gh with the given arguments, feeding stdin when non-nil
type Runner func(ctx context.Context, stdin []byte, args ...string) ([]byte, error)

var httpStatusRe = regexp.MustCompile(`HTTP (\d{3})`)

// blobConcurrency bounds parallel blob uploads in CommitFiles
const blobConcurrency = 6

// GitHub talks to GitHub through the gh CLI, so authentication is whatever
// `gh auth` already has.
type GitHub struct {
	run    Runner
	logger *slog.Logger
}

// NewGitHub creates a provider that runs the gh binary at ghPath
func NewGitHub(ghPath string, logger *slog.Logger) *GitHub {
	if ghPath == "" {
		ghPath = "gh"
	}
	return NewGitHubWithRunner(execRunner(ghPath), logger)
}

// NewGitHubWithRunner creates a provider with a custom command runner
func NewGitHubWithRunner(run Runner, logger *slog.Logger) *GitHub {
	return &GitHub{run: run, logger: logger.With("component", "github")}
}

func execRunner(ghPath string) Runner {
	return func(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, ghPath, args...)
		if stdin != nil {
			cmd.Stdin = bytes.NewReader(stdin)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("gh %s: %s: %w", strings.Join(args[:min(2, len(args))], " "),
				strings.TrimSpace(stderr.String()), err)
		}
		return stdout.Bytes(), nil
	}
}

// httpStatus extracts the HTTP status gh reports on failure, or 0
func httpStatus(err error) int {
	if err == nil {
		return 0
	}
	m := httpStatusRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// api performs a REST call. body, when non-nil, is sent as JSON on stdin.
func (g *GitHub) api(ctx context.Context, method, endpoint string, body, out interface{}) error {
	args := []string{"api", "-X", method, endpoint}
	var stdin []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", endpoint, err)
		}
		stdin = data
		args = append(args, "--input", "-")
	}

	g.logger.Debug("gh api", "method", method, "endpoint", endpoint)
	data, err := g.run(ctx, stdin, args...)
	if err != nil {
		if httpStatus(err) == 404 {
			return errors.NotFound("github resource", endpoint)
		}
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

type repoResponse struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (r *repoResponse) repo() *Repo {
	return &Repo{Owner: r.Owner.Login, Name: r.Name, DefaultBranch: r.DefaultBranch, URL: r.HTMLURL}
}

func (g *GitHub) GetRepo(ctx context.Context, repo RepoRef) (*Repo, error) {
	var resp repoResponse
	if err := g.api(ctx, "GET", "repos/"+repo.String(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.repo(), nil
}

// CreateRepo creates the repository under an organization, falling back to
// the authenticated user's account when owner is not an organization.
func (g *GitHub) CreateRepo(ctx context.Context, repo RepoRef, private bool) (*Repo, error) {
	body := map[string]interface{}{
		"name":      repo.Name,
		"private":   private,
		"auto_init": true,
	}
	var resp repoResponse
	err := g.api(ctx, "POST", "orgs/"+repo.Owner+"/repos", body, &resp)
	if errors.IsKind(err, errors.KindNotFound) {
		err = g.api(ctx, "POST", "user/repos", body, &resp)
	}
	if err != nil {
		return nil, err
	}
	return resp.repo(), nil
}

type refResponse struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

func (g *GitHub) BranchSHA(ctx context.Context, repo RepoRef, branch string) (string, error) {
	var resp refResponse
	if err := g.api(ctx, "GET", fmt.Sprintf("repos/%s/git/ref/heads/%s", repo, branch), nil, &resp); err != nil {
		return "", err
	}
	return resp.Object.SHA, nil
}

func (g *GitHub) CreateBranch(ctx context.Context, repo RepoRef, branch, sha string) error {
	body := map[string]string{"ref": "refs/heads/" + branch, "sha": sha}
	err := g.api(ctx, "POST", fmt.Sprintf("repos/%s/git/refs", repo), body, nil)
	if httpStatus(err) == 422 && strings.Contains(err.Error(), "already exists") {
		g.logger.Debug("branch already exists", "repo", repo.String(), "branch", branch)
		return nil
	}
	return err
}

func (g *GitHub) DeleteBranch(ctx context.Context, repo RepoRef, branch string) error {
	return g.api(ctx, "DELETE", fmt.Sprintf("repos/%s/git/refs/heads/%s", repo, branch), nil, nil)
}

func (g *GitHub) ListTree(ctx context.Context, repo RepoRef, ref string) ([]TreeEntry, error) {
	var resp struct {
		Tree      []TreeEntry `json:"tree"`
		Truncated bool        `json:"truncated"`
	}
	if err := g.api(ctx, "GET", fmt.Sprintf("repos/%s/git/trees/%s?recursive=1", repo, ref), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Truncated {
		g.logger.Warn("tree listing truncated", "repo", repo.String(), "ref", ref)
	}
	return resp.Tree, nil
}

func (g *GitHub) GetBlob(ctx context.Context, repo RepoRef, sha string) ([]byte, error) {
	var resp struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := g.api(ctx, "GET", fmt.Sprintf("repos/%s/git/blobs/%s", repo, sha), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Encoding != "base64" {
		return []byte(resp.Content), nil
	}
	// GitHub wraps base64 content at 60 columns
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decoding blob %s: %w", sha, err)
	}
	return data, nil
}

type treeItem struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// CommitFiles uploads blobs, builds a tree on top of the branch head,
// creates the commit and fast-forwards the branch to it.
func (g *GitHub) CommitFiles(ctx context.Context, repo RepoRef, in CommitInput) (*Commit, error) {
	if len(in.Files) == 0 {
		return nil, errors.Invalid("commit on %s has no files", in.Branch)
	}

	head, err := g.BranchSHA(ctx, repo, in.Branch)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", in.Branch, err)
	}
	var parent struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := g.api(ctx, "GET", fmt.Sprintf("repos/%s/git/commits/%s", repo, head), nil, &parent); err != nil {
		return nil, fmt.Errorf("reading head commit: %w", err)
	}

	items := make([]treeItem, len(in.Files))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(blobConcurrency)
	for i, f := range in.Files {
		eg.Go(func() error {
			var blob struct {
				SHA string `json:"sha"`
			}
			body := map[string]string{
				"content":  base64.StdEncoding.EncodeToString(f.Content),
				"encoding": "base64",
			}
			if err := g.api(egctx, "POST", fmt.Sprintf("repos/%s/git/blobs", repo), body, &blob); err != nil {
				return fmt.Errorf("uploading %s: %w", f.Path, err)
			}
			items[i] = treeItem{Path: f.Path, Mode: "100644", Type: "blob", SHA: blob.SHA}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	treeBody := map[string]interface{}{"base_tree": parent.Tree.SHA, "tree": items}
	if err := g.api(ctx, "POST", fmt.Sprintf("repos/%s/git/trees", repo), treeBody, &tree); err != nil {
		return nil, fmt.Errorf("creating tree: %w", err)
	}

	var commit struct {
		SHA     string `json:"sha"`
		HTMLURL string `json:"html_url"`
	}
	commitBody := map[string]interface{}{
		"message": in.Message,
		"tree":    tree.SHA,
		"parents": []string{head},
	}
	if err := g.api(ctx, "POST", fmt.Sprintf("repos/%s/git/commits", repo), commitBody, &commit); err != nil {
		return nil, fmt.Errorf("creating commit: %w", err)
	}

	refBody := map[string]interface{}{"sha": commit.SHA, "force": false}
	if err := g.api(ctx, "PATCH", fmt.Sprintf("repos/%s/git/refs/heads/%s", repo, in.Branch), refBody, nil); err != nil {
		return nil, fmt.Errorf("updating %s: %w", in.Branch, err)
	}

	return &Commit{SHA: commit.SHA, URL: commit.HTMLURL, Branch: in.Branch}, nil
}

// CreatePullRequest opens a PR with `gh pr create`, which prints its URL
func (g *GitHub) CreatePullRequest(ctx context.Context, repo RepoRef, in PRInput) (*PullRequest, error) {
	out, err := g.run(ctx, nil, "pr", "create",
		"--repo", repo.String(),
		"--head", in.Head,
		"--base", in.Base,
		"--title", in.Title,
		"--body", in.Body,
	)
	if err != nil {
		return nil, err
	}

	url := lastNonEmptyLine(string(out))
	num := extractPRNumber(url)
	if num == 0 {
		return nil, fmt.Errorf("gh pr create: unexpected output %q", url)
	}
	return &PullRequest{Number: num, URL: url, Head: in.Head}, nil
}

func (g *GitHub) GetPullRequest(ctx context.Context, repo RepoRef, number int) (*PullRequest, error) {
	out, err := g.run(ctx, nil, "pr", "view", strconv.Itoa(number),
		"--repo", repo.String(),
		"--json", "number,url,state,headRefName",
	)
	if err != nil {
		if strings.Contains(err.Error(), "Could not resolve") {
			return nil, errors.NotFound("pull request", strconv.Itoa(number))
		}
		return nil, err
	}

	var resp struct {
		Number      int    `json:"number"`
		URL         string `json:"url"`
		State       string `json:"state"`
		HeadRefName string `json:"headRefName"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decoding pr view: %w", err)
	}
	return &PullRequest{
		Number: resp.Number,
		URL:    resp.URL,
		Head:   resp.HeadRefName,
		Merged: resp.State == "MERGED",
	}, nil
}

func (g *GitHub) MergePullRequest(ctx context.Context, repo RepoRef, number int, title string) error {
	args := []string{"pr", "merge", strconv.Itoa(number),
		"--repo", repo.String(),
		"--squash",
		"--delete-branch",
	}
	if title != "" {
		args = append(args, "--subject", title)
	}
	_, err := g.run(ctx, nil, args...)
	return err
}

// MergeBranch uses the repository merges endpoint. GitHub answers 409 on
// conflicts and 204 when head is already contained in base.
func (g *GitHub) MergeBranch(ctx context.Context, repo RepoRef, base, head, message string) error {
	body := map[string]string{"base": base, "head": head, "commit_message": message}
	err := g.api(ctx, "POST", fmt.Sprintf("repos/%s/merges", repo), body, nil)
	if httpStatus(err) == 409 {
		return fmt.Errorf("merging %s into %s: %w", head, base, ErrMergeConflict)
	}
	return err
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func extractPRNumber(url string) int {
	// URL format: https://github.com/owner/repo/pull/123
	parts := strings.Split(strings.TrimRight(url, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "pull" {
		return 0
	}
	num, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return num
}

var _ Provider = (*GitHub)(nil)
