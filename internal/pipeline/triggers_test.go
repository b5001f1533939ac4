package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
)

func waitJob(t *testing.T, p *Pipeline, id string) error {
	t.Helper()
	job := p.Jobs().Get(id)
	if job == nil {
		t.Fatalf("job %s not found", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return job.Wait(ctx)
}

func TestMoveTask_ToBuildingGeneratesAndCommits(t *testing.T) {
	env := newTestEnv(t, writingRunner(fileWrite{"index.html", "<h1>todo</h1>"}))
	ctx := context.Background()

	res, err := env.pipeline.MoveTask(ctx, "t1", domain.ColumnBuilding)
	if err != nil {
		t.Fatal(err)
	}
	if res.From != domain.ColumnResearch || res.Task.Column != domain.ColumnBuilding {
		t.Errorf("move = %s -> %s", res.From, res.Task.Column)
	}
	if res.Job == nil || res.Job.Kind != "generate" {
		t.Fatalf("Job = %+v, want a generate job", res.Job)
	}
	if err := waitJob(t, env.pipeline, res.Job.ID); err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	task, _ := env.store.GetTask(ctx, "t1")
	if task.BranchName != "task/t1/todo-app" {
		t.Errorf("BranchName = %q", task.BranchName)
	}
	if task.BuildStatus != domain.BuildReady {
		t.Errorf("BuildStatus = %s, want ready", task.BuildStatus)
	}

	gens, _ := env.store.ListTaskGenerations(ctx, "t1")
	if len(gens) != 1 {
		t.Fatalf("got %d generations", len(gens))
	}
	if gens[0].Status != domain.GenerationCompleted || gens[0].CommitSHA == "" || gens[0].SandboxID == "" {
		t.Errorf("generation = %+v", gens[0])
	}

	calls := env.vcs.Calls()
	want := []string{"EnsureTaskBranch t1", "CommitGeneratedFiles " + gens[0].ID}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("VCS calls = %v, want %v", calls, want)
	}
}

func TestMoveTask_SameColumnDoesNothing(t *testing.T) {
	env := newTestEnv(t, writingRunner(fileWrite{"index.html", "x"}))
	ctx := context.Background()
	must(t, env.store.SetTaskColumn(ctx, "t1", domain.ColumnBuilding))

	res, err := env.pipeline.MoveTask(ctx, "t1", domain.ColumnBuilding)
	if err != nil {
		t.Fatal(err)
	}
	if res.Job != nil {
		t.Errorf("Job = %+v, want none", res.Job)
	}
}

func TestMoveTask_TestingToDoneMerges(t *testing.T) {
	env := newTestEnv(t, writingRunner())
	ctx := context.Background()
	must(t, env.store.SetTaskColumn(ctx, "t1", domain.ColumnTesting))
	must(t, env.store.SetTaskPR(ctx, "t1", "https://github.com/acme/site/pull/5", 5))

	res, err := env.pipeline.MoveTask(ctx, "t1", domain.ColumnDone)
	if err != nil {
		t.Fatal(err)
	}
	if res.Job == nil || res.Job.Kind != "merge" {
		t.Fatalf("Job = %+v, want a merge job", res.Job)
	}
	if err := waitJob(t, env.pipeline, res.Job.ID); err != nil {
		t.Fatal(err)
	}
	if calls := env.vcs.Calls(); len(calls) != 1 || calls[0] != "MergeTaskToMain t1" {
		t.Errorf("VCS calls = %v", calls)
	}
}

func TestMoveTask_OtherTransitionsOnlyPersist(t *testing.T) {
	env := newTestEnv(t, writingRunner())
	ctx := context.Background()

	res, err := env.pipeline.MoveTask(ctx, "t1", domain.ColumnDone)
	if err != nil {
		t.Fatal(err)
	}
	if res.Job != nil {
		t.Errorf("research -> done should not start work, got %+v", res.Job)
	}
	task, _ := env.store.GetTask(ctx, "t1")
	if task.Column != domain.ColumnDone {
		t.Errorf("Column = %s", task.Column)
	}
	if len(env.vcs.Calls()) != 0 {
		t.Errorf("VCS calls = %v", env.vcs.Calls())
	}
}

func TestMoveTask_Errors(t *testing.T) {
	env := newTestEnv(t, writingRunner())
	ctx := context.Background()

	if _, err := env.pipeline.MoveTask(ctx, "t1", domain.Column("review")); !errors.IsKind(err, errors.KindInvalid) {
		t.Errorf("unknown column err = %v, want invalid", err)
	}
	if _, err := env.pipeline.MoveTask(ctx, "nope", domain.ColumnBuilding); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("unknown task err = %v, want not found", err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	env := newTestEnv(t, writingRunner())
	ctx := context.Background()

	must(t, env.store.SetTaskBuildStatus(ctx, "t1", domain.BuildGenerating))
	must(t, env.store.CreateGeneration(ctx, &domain.Generation{
		ID: "g1", ProjectID: "p1", TaskID: "t1", Prompt: "x", Status: domain.GenerationRunning,
	}))
	must(t, env.store.CreateGeneration(ctx, &domain.Generation{
		ID: "g2", ProjectID: "local", Prompt: "y", Status: domain.GenerationRunning,
	}))

	n, err := env.pipeline.RecoverOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("recovered %d, want 2", n)
	}

	for _, id := range []string{"g1", "g2"} {
		gen, _ := env.store.GetGeneration(ctx, id)
		if gen.Status != domain.GenerationFailed {
			t.Errorf("%s Status = %s, want failed", id, gen.Status)
		}
	}
	task, _ := env.store.GetTask(ctx, "t1")
	if task.BuildStatus != domain.BuildFailed {
		t.Errorf("BuildStatus = %s, want failed", task.BuildStatus)
	}

	n, err = env.pipeline.RecoverOrphans(ctx)
	if err != nil || n != 0 {
		t.Errorf("second pass = %d, %v", n, err)
	}
}
