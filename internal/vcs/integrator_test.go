package vcs

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/logging"
	"github.com/hochfrequenz/sandbox-builder/internal/sandbox"
	"github.com/hochfrequenz/sandbox-builder/internal/taskstore"
)

type testEnv struct {
	store      *taskstore.Store
	provider   *fakeProvider
	sandboxes  *sandbox.MockProvider
	manager    *sandbox.Manager
	integrator *Integrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.UpsertProject(ctx, &domain.Project{ID: "p1", Name: "Site", RepoOwner: "acme", RepoName: "site"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertProject(ctx, &domain.Project{ID: "local", Name: "Local"}); err != nil {
		t.Fatal(err)
	}
	for _, task := range []*domain.Task{
		{ID: "t1", ProjectID: "p1", Title: "Todo app", Description: "with dark mode"},
		{ID: "t2", ProjectID: "p1", Title: "Contact form"},
	} {
		if err := store.UpsertTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	mock := sandbox.NewMockProvider()
	manager := sandbox.NewManager(mock, store, sandbox.Options{}, logging.Nop())
	provider := newFakeProvider()

	return &testEnv{
		store:      store,
		provider:   provider,
		sandboxes:  mock,
		manager:    manager,
		integrator: NewIntegrator(provider, store, manager, nil, logging.Nop()),
	}
}

// seedGeneration creates a generation whose sandbox holds files
func (e *testEnv) seedGeneration(t *testing.T, id, taskID string, files map[string]string) *domain.Generation {
	t.Helper()
	ctx := context.Background()

	gen := &domain.Generation{ID: id, ProjectID: "p1", TaskID: taskID, Prompt: "build a todo app"}
	if err := e.store.CreateGeneration(ctx, gen); err != nil {
		t.Fatal(err)
	}
	h, err := e.manager.Create(ctx, sandbox.CreateOptions{ProjectID: "p1", GenerationID: id})
	if err != nil {
		t.Fatal(err)
	}
	for p, content := range files {
		if err := e.manager.WriteFile(ctx, h.ID, p, []byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	gen.SandboxID = h.ID
	return gen
}

func TestEnsureTaskBranch_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.integrator.EnsureTaskBranch(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.integrator.EnsureTaskBranch(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}

	if first != "task/t1/todo-app" || second != first {
		t.Errorf("branches = %q, %q", first, second)
	}
	if n := env.provider.count("CreateBranch"); n != 1 {
		t.Errorf("CreateBranch called %d times, want 1", n)
	}

	task, _ := env.store.GetTask(ctx, "t1")
	if task.BranchName != first {
		t.Errorf("stored branch = %q", task.BranchName)
	}
}

func TestEnsureTaskBranch_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = env.integrator.EnsureTaskBranch(ctx, "t1")
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r != "task/t1/todo-app" {
			t.Errorf("branch = %q", r)
		}
	}
	task, _ := env.store.GetTask(ctx, "t1")
	if task.BranchName != "task/t1/todo-app" {
		t.Errorf("stored branch = %q", task.BranchName)
	}
}

func TestEnsureTaskBranch_UnlinkedProject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.UpsertTask(ctx, &domain.Task{ID: "t9", ProjectID: "local", Title: "Offline"})

	_, err := env.integrator.EnsureTaskBranch(ctx, "t9")
	if !errors.IsKind(err, errors.KindInvalid) {
		t.Errorf("err = %v, want invalid", err)
	}
	if n := env.provider.count("CreateBranch"); n != 0 {
		t.Errorf("CreateBranch called %d times", n)
	}
}

func TestCommitGeneratedFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.seedGeneration(t, "g1", "t1", map[string]string{
		"index.html":          "<h1>todo</h1>",
		"app.js":              "console.log(1)",
		"node_modules/x/a.js": "skip",
		".cache/state":        "skip",
	})

	commit, err := env.integrator.CommitGeneratedFiles(ctx, gen.ID)
	if err != nil {
		t.Fatal(err)
	}
	if commit.Branch != "task/t1/todo-app" {
		t.Errorf("Branch = %q", commit.Branch)
	}

	files := env.provider.files["task/t1/todo-app"]
	if len(files) != 2 || string(files["index.html"]) != "<h1>todo</h1>" {
		t.Errorf("committed files = %v", files)
	}

	msg := env.provider.commits[0].Message
	if !strings.HasPrefix(msg, "feat: todo app") || !strings.Contains(msg, "with dark mode") {
		t.Errorf("message = %q", msg)
	}

	stored, _ := env.store.GetGeneration(ctx, gen.ID)
	if stored.CommitSHA != commit.SHA || stored.CommitURL == "" {
		t.Errorf("stored commit = %q %q", stored.CommitSHA, stored.CommitURL)
	}
}

func TestCommitGeneratedFiles_ProjectLevelUsesDefaultBranch(t *testing.T) {
	env := newTestEnv(t)
	gen := env.seedGeneration(t, "g1", "", map[string]string{"index.html": "x"})

	commit, err := env.integrator.CommitGeneratedFiles(context.Background(), gen.ID)
	if err != nil {
		t.Fatal(err)
	}
	if commit.Branch != "main" {
		t.Errorf("Branch = %q, want main", commit.Branch)
	}
	if n := env.provider.count("CreateBranch"); n != 0 {
		t.Errorf("CreateBranch called %d times", n)
	}
}

func TestCommitGeneratedFiles_NoFiles(t *testing.T) {
	env := newTestEnv(t)
	gen := env.seedGeneration(t, "g1", "t1", nil)

	_, err := env.integrator.CommitGeneratedFiles(context.Background(), gen.ID)
	if !errors.IsKind(err, errors.KindVCS) {
		t.Fatalf("err = %v, want vcs error", err)
	}
	if n := env.provider.count("CommitFiles"); n != 0 {
		t.Errorf("CommitFiles called %d times", n)
	}
}

func TestCommitGeneratedFiles_ExpiredSandbox(t *testing.T) {
	env := newTestEnv(t)
	gen := env.seedGeneration(t, "g1", "t1", map[string]string{"index.html": "x"})
	env.sandboxes.Expire(gen.SandboxID)

	// the replacement sandbox is empty, so there is nothing to commit
	_, err := env.integrator.CommitGeneratedFiles(context.Background(), gen.ID)
	if err == nil || !strings.Contains(err.Error(), "no files") {
		t.Fatalf("err = %v, want no files error", err)
	}

	stored, _ := env.store.GetGeneration(context.Background(), gen.ID)
	if stored.SandboxID == gen.SandboxID {
		t.Error("generation should point at the replacement sandbox")
	}
}

func TestCreatePullRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.seedGeneration(t, "g1", "t1", map[string]string{"index.html": "x"})
	if _, err := env.integrator.CommitGeneratedFiles(ctx, gen.ID); err != nil {
		t.Fatal(err)
	}
	env.store.CompleteGeneration(ctx, gen.ID, []string{"index.html"})

	pr, err := env.integrator.CreatePullRequest(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if pr.Number != 1 || pr.Head != "task/t1/todo-app" {
		t.Errorf("pr = %+v", pr)
	}

	again, err := env.integrator.CreatePullRequest(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Number != pr.Number {
		t.Errorf("second call returned PR %d", again.Number)
	}
	if n := env.provider.count("CreatePullRequest"); n != 1 {
		t.Errorf("CreatePullRequest called %d times, want 1", n)
	}

	task, _ := env.store.GetTask(ctx, "t1")
	if task.PRNumber != 1 || task.PRURL != pr.URL {
		t.Errorf("stored PR = %d %q", task.PRNumber, task.PRURL)
	}
}

func TestCreatePullRequest_RequiresBranch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.integrator.CreatePullRequest(context.Background(), "t1")
	if !errors.IsKind(err, errors.KindInvalid) {
		t.Errorf("err = %v, want invalid", err)
	}
}

func TestMergeTaskToMain_ExistingPR(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.integrator.EnsureTaskBranch(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	existing, _ := env.provider.CreatePullRequest(ctx, RepoRef{"acme", "site"}, PRInput{Head: "task/t1/todo-app"})
	env.store.SetTaskPR(ctx, "t1", existing.URL, existing.Number)

	pr, err := env.integrator.MergeTaskToMain(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if pr.Number != existing.Number || !pr.Merged {
		t.Errorf("pr = %+v", pr)
	}
	if n := env.provider.count("CreatePullRequest"); n != 1 {
		t.Errorf("CreatePullRequest called %d times, want only the seeded one", n)
	}

	// merging again is a no-op
	if _, err := env.integrator.MergeTaskToMain(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if n := env.provider.count("MergePullRequest"); n != 1 {
		t.Errorf("MergePullRequest called %d times, want 1", n)
	}
}

func TestMergeTaskToMain_OpensPR(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.integrator.EnsureTaskBranch(ctx, "t1")

	pr, err := env.integrator.MergeTaskToMain(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !pr.Merged || env.provider.count("CreatePullRequest") != 1 {
		t.Errorf("pr = %+v, creates = %d", pr, env.provider.count("CreatePullRequest"))
	}
}

func TestEnsureTaskBranch_RecreatesAfterMerge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	branch, err := env.integrator.EnsureTaskBranch(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	merged, err := env.integrator.MergeTaskToMain(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := env.provider.branches[branch]; ok {
		t.Fatal("merge should have deleted the task branch")
	}

	again, err := env.integrator.EnsureTaskBranch(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if again != branch {
		t.Errorf("branch = %q, want %q", again, branch)
	}
	if _, ok := env.provider.branches[branch]; !ok {
		t.Error("branch should exist again on the remote")
	}
	task, _ := env.store.GetTask(ctx, "t1")
	if task.HasPR() || task.PRURL != "" {
		t.Errorf("merged PR #%d still recorded: %+v", merged.Number, task)
	}

	// the next PR is a new one for the new branch
	pr, err := env.integrator.CreatePullRequest(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if pr.Number == merged.Number {
		t.Errorf("got the merged PR #%d back", pr.Number)
	}
}

func TestCreateCombinedPullRequest_MergedTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		if _, err := env.integrator.EnsureTaskBranch(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.integrator.MergeTaskToMain(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	_, err := env.integrator.CreateCombinedPullRequest(ctx, "p1", []string{"t1", "t2"})
	if !errors.IsKind(err, errors.KindInvalid) || !strings.Contains(err.Error(), "task t1") {
		t.Fatalf("err = %v, want invalid naming t1", err)
	}
	if n := env.provider.count("MergeBranch"); n != 0 {
		t.Errorf("MergeBranch called %d times, want 0", n)
	}
	for branch := range env.provider.branches {
		if strings.HasPrefix(branch, CombinedBranchPrefix) {
			t.Errorf("integration branch %q was created", branch)
		}
	}
}

func TestCreateCombinedPullRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		if _, err := env.integrator.EnsureTaskBranch(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	res, err := env.integrator.CreateCombinedPullRequest(ctx, "p1", []string{"t1", "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Branch, CombinedBranchPrefix) {
		t.Errorf("Branch = %q", res.Branch)
	}
	if res.Head != res.Branch {
		t.Errorf("PR head = %q", res.Head)
	}
	if n := env.provider.count("MergeBranch"); n != 2 {
		t.Errorf("MergeBranch called %d times", n)
	}
}

func TestCreateCombinedPullRequest_ConflictNamesTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		if _, err := env.integrator.EnsureTaskBranch(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	env.provider.conflicts["task/t2/contact-form"] = true

	_, err := env.integrator.CreateCombinedPullRequest(ctx, "p1", []string{"t1", "t2"})
	if !errors.IsKind(err, errors.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if errors.SubjectOf(err) != "t2" {
		t.Errorf("conflict subject = %q, want t2", errors.SubjectOf(err))
	}
	if n := env.provider.count("CreatePullRequest"); n != 0 {
		t.Errorf("CreatePullRequest called %d times, want 0", n)
	}
	for branch := range env.provider.branches {
		if strings.HasPrefix(branch, CombinedBranchPrefix) {
			t.Errorf("integration branch %q was left behind", branch)
		}
	}
}

func TestCreateCombinedPullRequest_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		tasks []string
	}{
		{"empty", nil},
		{"no branch", []string{"t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.integrator.CreateCombinedPullRequest(ctx, "p1", tt.tasks)
			if !errors.IsKind(err, errors.KindInvalid) {
				t.Errorf("err = %v, want invalid", err)
			}
		})
	}
}

func TestEnsureRepository(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.integrator.EnsureRepository(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if env.provider.count("CreateRepo") != 0 {
		t.Error("existing repository should not be created")
	}

	env.store.UpsertProject(ctx, &domain.Project{ID: "p2", Name: "New", RepoOwner: "acme", RepoName: "fresh"})
	repo, err := env.integrator.EnsureRepository(ctx, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if repo.Name != "fresh" || env.provider.count("CreateRepo") != 1 {
		t.Errorf("repo = %+v", repo)
	}
}

func TestDownloadTaskFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gen := env.seedGeneration(t, "g1", "t1", map[string]string{"index.html": "<h1>hi</h1>", "css/site.css": "body{}"})
	if _, err := env.integrator.CommitGeneratedFiles(ctx, gen.ID); err != nil {
		t.Fatal(err)
	}

	files, err := env.integrator.DownloadTaskFiles(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]string)
	for _, f := range files {
		got[f.Path] = string(f.Content)
	}
	if len(got) != 2 || got["css/site.css"] != "body{}" {
		t.Errorf("files = %v", got)
	}

	// a task without a branch has nothing to download
	files, err = env.integrator.DownloadTaskFiles(ctx, "t2")
	if err != nil || files != nil {
		t.Errorf("files = %v, err = %v", files, err)
	}

	// nor does one whose branch was merged and deleted
	if _, err := env.integrator.MergeTaskToMain(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	files, err = env.integrator.DownloadTaskFiles(ctx, "t1")
	if err != nil || files != nil {
		t.Errorf("after merge: files = %v, err = %v", files, err)
	}
}
