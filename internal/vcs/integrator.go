package vcs

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/prompts"
	"github.com/hochfrequenz/sandbox-builder/internal/sandbox"
)

// CombinedBranchPrefix names throwaway integration branches
const CombinedBranchPrefix = "combined/"

// downloadConcurrency bounds parallel blob reads in DownloadTaskFiles
const downloadConcurrency = 8

// Store is the durable state the integrator reads and updates
type Store interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	SetTaskBranch(ctx context.Context, id, branch string) error
	SetTaskPR(ctx context.Context, id, url string, number int) error
	GetGeneration(ctx context.Context, id string) (*domain.Generation, error)
	ListTaskGenerations(ctx context.Context, taskID string) ([]*domain.Generation, error)
	SetGenerationCommit(ctx context.Context, id, sha, url string) error
}

// Sandboxes resolves and reads generation sandboxes
type Sandboxes interface {
	ReconnectOrCreate(ctx context.Context, id, projectID string) (*sandbox.Handle, error)
	ListFilesRecursive(ctx context.Context, id, dir string) ([]string, error)
	ReadFiles(ctx context.Context, id, dir string, paths []string) ([]domain.FileChange, error)
}

// CombinedResult is the outcome of CreateCombinedPullRequest
type CombinedResult struct {
	PullRequest
	Branch string `json:"branch"`
}

// Integrator implements the branch-per-task workflow
type Integrator struct {
	provider  Provider
	store     Store
	sandboxes Sandboxes
	prompts   *prompts.Loader
	logger    *slog.Logger

	// AppDir is the sandbox directory holding generated files, relative
	// to the sandbox working directory.
	AppDir string

	flight singleflight.Group
}

// NewIntegrator creates an integrator
func NewIntegrator(provider Provider, store Store, sandboxes Sandboxes, loader *prompts.Loader, logger *slog.Logger) *Integrator {
	if loader == nil {
		loader = prompts.NewLoader()
	}
	return &Integrator{
		provider:  provider,
		store:     store,
		sandboxes: sandboxes,
		prompts:   loader,
		logger:    logger.With("component", "vcs"),
		AppDir:    ".",
	}
}

// linkedProject loads a project and requires a linked repository
func (i *Integrator) linkedProject(ctx context.Context, id string) (*domain.Project, error) {
	project, err := i.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if !project.IsVCSLinked() {
		return nil, errors.Invalid("project %s is not linked to a repository", id)
	}
	return project, nil
}

// EnsureRepository returns the project's repository, creating it when it
// does not exist yet.
func (i *Integrator) EnsureRepository(ctx context.Context, projectID string) (*Repo, error) {
	project, err := i.linkedProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	repo, err := i.provider.GetRepo(ctx, RepoOf(project))
	if err == nil {
		return repo, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, errors.VCS("get repository", err)
	}

	repo, err = i.provider.CreateRepo(ctx, RepoOf(project), true)
	if err != nil {
		return nil, errors.VCS("create repository", err)
	}
	i.logger.Info("repository created", "project", projectID, "repo", RepoOf(project).String())
	return repo, nil
}

// EnsureTaskBranch returns the task's branch, creating it from the default
// branch on first use. Concurrent calls for one task share a single creation.
func (i *Integrator) EnsureTaskBranch(ctx context.Context, taskID string) (string, error) {
	v, err, _ := i.flight.Do("branch:"+taskID, func() (interface{}, error) {
		return i.ensureTaskBranch(ctx, taskID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (i *Integrator) ensureTaskBranch(ctx context.Context, taskID string) (string, error) {
	task, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	project, err := i.linkedProject(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}
	repo := RepoOf(project)

	if task.HasBranch() {
		exists, err := i.branchExists(ctx, repo, task.BranchName)
		if err != nil {
			return "", errors.VCS("branch", err)
		}
		if exists {
			return task.BranchName, nil
		}
		// squash merges delete the branch; the recorded PR is finished
		i.logger.Info("task branch gone, recreating", "task", task.ID, "branch", task.BranchName, "pr", task.PRNumber)
		if task.HasPR() {
			if err := i.store.SetTaskPR(ctx, task.ID, "", 0); err != nil {
				return "", fmt.Errorf("clearing merged pull request: %w", err)
			}
		}
	}

	branch := domain.TaskBranchName(task.ID, task.Title)

	sha, err := i.provider.BranchSHA(ctx, repo, project.BaseBranch())
	if err != nil {
		return "", errors.VCS("branch", fmt.Errorf("resolving %s: %w", project.BaseBranch(), err))
	}
	if err := i.provider.CreateBranch(ctx, repo, branch, sha); err != nil {
		return "", errors.VCS("branch", err)
	}
	if err := i.store.SetTaskBranch(ctx, task.ID, branch); err != nil {
		return "", fmt.Errorf("recording branch: %w", err)
	}

	i.logger.Info("task branch created", "task", task.ID, "branch", branch)
	return branch, nil
}

// CommitGeneratedFiles commits every file in the generation's sandbox as one
// commit on the task branch, or on the default branch for project-level
// generations.
func (i *Integrator) CommitGeneratedFiles(ctx context.Context, generationID string) (*Commit, error) {
	gen, err := i.store.GetGeneration(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if gen.SandboxID == "" {
		return nil, errors.Invalid("generation %s has no sandbox", generationID)
	}
	project, err := i.linkedProject(ctx, gen.ProjectID)
	if err != nil {
		return nil, err
	}

	var task *domain.Task
	branch := project.BaseBranch()
	if gen.TaskID != "" {
		if task, err = i.store.GetTask(ctx, gen.TaskID); err != nil {
			return nil, err
		}
		if branch, err = i.EnsureTaskBranch(ctx, gen.TaskID); err != nil {
			return nil, err
		}
	}

	h, err := i.sandboxes.ReconnectOrCreate(ctx, gen.SandboxID, gen.ProjectID)
	if err != nil {
		return nil, errors.VCS("commit", fmt.Errorf("sandbox unreachable: %w", err))
	}
	paths, err := i.sandboxes.ListFilesRecursive(ctx, h.ID, i.AppDir)
	if err != nil {
		return nil, errors.VCS("commit", err)
	}
	if len(paths) == 0 {
		return nil, errors.VCS("commit", fmt.Errorf("no files found in sandbox %s", h.ID))
	}
	files, err := i.sandboxes.ReadFiles(ctx, h.ID, i.AppDir, paths)
	if err != nil {
		return nil, errors.VCS("commit", err)
	}

	commit, err := i.provider.CommitFiles(ctx, RepoOf(project), CommitInput{
		Branch:  branch,
		Message: CommitMessage(task, gen.Prompt, paths),
		Files:   files,
	})
	if err != nil {
		return nil, errors.VCS("commit", err)
	}
	if err := i.store.SetGenerationCommit(ctx, gen.ID, commit.SHA, commit.URL); err != nil {
		return nil, fmt.Errorf("recording commit: %w", err)
	}

	i.logger.Info("generated files committed",
		"generation", gen.ID, "branch", branch, "sha", commit.SHA, "files", len(files))
	return commit, nil
}

func (i *Integrator) branchExists(ctx context.Context, repo RepoRef, branch string) (bool, error) {
	_, err := i.provider.BranchSHA(ctx, repo, branch)
	switch {
	case err == nil:
		return true, nil
	case errors.IsKind(err, errors.KindNotFound):
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", branch, err)
}

// CreatePullRequest opens a PR from the task branch to the default branch.
// A task that already has a PR gets the recorded one back.
func (i *Integrator) CreatePullRequest(ctx context.Context, taskID string) (*PullRequest, error) {
	task, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.HasPR() {
		return &PullRequest{Number: task.PRNumber, URL: task.PRURL, Head: task.BranchName}, nil
	}
	if !task.HasBranch() {
		return nil, errors.Invalid("task %s has no branch", taskID)
	}
	project, err := i.linkedProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	gens, err := i.store.ListTaskGenerations(ctx, taskID)
	if err != nil {
		return nil, err
	}
	data := prompts.PRData{
		TaskID:          task.ID,
		TaskTitle:       task.Title,
		TaskDescription: task.Description,
		Branch:          task.BranchName,
	}
	for _, g := range gens {
		data.Generations = append(data.Generations, prompts.GenerationSummary{
			ID:     g.ID,
			Prompt: g.Prompt,
			Files:  g.FilesCreated,
			Commit: g.CommitSHA,
		})
	}
	title, err := i.prompts.BuildPRTitle(data)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = task.Title
	}
	body, err := i.prompts.BuildPRBody(data)
	if err != nil {
		return nil, err
	}

	pr, err := i.provider.CreatePullRequest(ctx, RepoOf(project), PRInput{
		Head:  task.BranchName,
		Base:  project.BaseBranch(),
		Title: title,
		Body:  body,
	})
	if err != nil {
		return nil, errors.VCS("pull request", err)
	}
	if err := i.store.SetTaskPR(ctx, task.ID, pr.URL, pr.Number); err != nil {
		return nil, fmt.Errorf("recording pull request: %w", err)
	}

	i.logger.Info("pull request opened", "task", task.ID, "pr", pr.Number, "url", pr.URL)
	return pr, nil
}

// MergeTaskToMain squash-merges the task's PR, opening one first when none
// is recorded. Merging an already merged PR is a no-op.
func (i *Integrator) MergeTaskToMain(ctx context.Context, taskID string) (*PullRequest, error) {
	pr, err := i.CreatePullRequest(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := i.linkedProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	repo := RepoOf(project)

	current, err := i.provider.GetPullRequest(ctx, repo, pr.Number)
	if err != nil {
		return nil, errors.VCS("merge", err)
	}
	if current.Merged {
		i.logger.Debug("pull request already merged", "task", taskID, "pr", pr.Number)
		return current, nil
	}

	if err := i.provider.MergePullRequest(ctx, repo, pr.Number, task.Title); err != nil {
		return nil, errors.VCS("merge", err)
	}
	current.Merged = true

	i.logger.Info("task merged", "task", taskID, "pr", pr.Number)
	return current, nil
}

// CreateCombinedPullRequest merges every task branch into a fresh
// integration branch and opens one PR for all of them. A conflict on any
// task aborts the whole operation, removes the integration branch and names
// the task.
func (i *Integrator) CreateCombinedPullRequest(ctx context.Context, projectID string, taskIDs []string) (*CombinedResult, error) {
	if len(taskIDs) == 0 {
		return nil, errors.Invalid("no tasks to combine")
	}
	project, err := i.linkedProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	repo := RepoOf(project)

	tasks := make([]*domain.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		task, err := i.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.ProjectID != projectID {
			return nil, errors.Invalid("task %s does not belong to project %s", id, projectID)
		}
		if !task.HasBranch() {
			return nil, errors.Invalid("task %s has no branch", id)
		}
		exists, err := i.branchExists(ctx, repo, task.BranchName)
		if err != nil {
			return nil, errors.VCS("combine", err)
		}
		if !exists {
			return nil, errors.Invalid("task %s: branch %s no longer exists (already merged?)", id, task.BranchName)
		}
		tasks = append(tasks, task)
	}

	branch := CombinedBranchPrefix + uuid.NewString()[:8]
	sha, err := i.provider.BranchSHA(ctx, repo, project.BaseBranch())
	if err != nil {
		return nil, errors.VCS("combine", fmt.Errorf("resolving %s: %w", project.BaseBranch(), err))
	}
	if err := i.provider.CreateBranch(ctx, repo, branch, sha); err != nil {
		return nil, errors.VCS("combine", err)
	}

	data := prompts.CombinedPRData{ProjectName: project.Name, Branch: branch}
	for _, task := range tasks {
		msg := fmt.Sprintf("Merge %s (%s)", task.BranchName, task.Title)
		if err := i.provider.MergeBranch(ctx, repo, branch, task.BranchName, msg); err != nil {
			i.discardBranch(ctx, repo, branch)
			if stderrors.Is(err, ErrMergeConflict) {
				return nil, errors.Conflict(task.ID, err)
			}
			return nil, errors.VCS("combine", err)
		}
		data.Tasks = append(data.Tasks, prompts.CombinedTask{
			ID:     task.ID,
			Title:  task.Title,
			Branch: task.BranchName,
			PRURL:  task.PRURL,
		})
	}

	title, err := i.prompts.BuildCombinedPRTitle(data)
	if err == nil && title == "" {
		title = fmt.Sprintf("Combine %d tasks", len(tasks))
	}
	var body string
	if err == nil {
		body, err = i.prompts.BuildCombinedPRBody(data)
	}
	if err != nil {
		i.discardBranch(ctx, repo, branch)
		return nil, err
	}

	pr, err := i.provider.CreatePullRequest(ctx, repo, PRInput{
		Head:  branch,
		Base:  project.BaseBranch(),
		Title: title,
		Body:  body,
	})
	if err != nil {
		i.discardBranch(ctx, repo, branch)
		return nil, errors.VCS("combine", err)
	}

	i.logger.Info("combined pull request opened", "project", projectID, "tasks", len(tasks), "pr", pr.Number)
	return &CombinedResult{PullRequest: *pr, Branch: branch}, nil
}

// discardBranch removes an integration branch; failures are only logged
func (i *Integrator) discardBranch(ctx context.Context, repo RepoRef, branch string) {
	if err := i.provider.DeleteBranch(ctx, repo, branch); err != nil {
		i.logger.Warn("failed to delete integration branch", "branch", branch, "error", err)
	}
}

// DownloadTaskFiles reads every file on the task's branch. It is used to
// seed a scratch directory so follow-up generations extend earlier work.
func (i *Integrator) DownloadTaskFiles(ctx context.Context, taskID string) ([]domain.FileChange, error) {
	task, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.HasBranch() {
		return nil, nil
	}
	project, err := i.linkedProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	repo := RepoOf(project)

	entries, err := i.provider.ListTree(ctx, repo, task.BranchName)
	if errors.IsKind(err, errors.KindNotFound) {
		// merged and deleted; EnsureTaskBranch starts it over
		return nil, nil
	}
	if err != nil {
		return nil, errors.VCS("download", err)
	}
	var blobs []TreeEntry
	for _, e := range entries {
		if e.Type == "blob" {
			blobs = append(blobs, e)
		}
	}

	files := make([]domain.FileChange, len(blobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for n, e := range blobs {
		g.Go(func() error {
			data, err := i.provider.GetBlob(gctx, repo, e.SHA)
			if err != nil {
				return fmt.Errorf("reading %s: %w", e.Path, err)
			}
			files[n] = domain.FileChange{Path: e.Path, Content: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.VCS("download", err)
	}
	return files, nil
}
