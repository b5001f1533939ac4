package pipeline

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/notify"
)

// MoveResult reports what a column transition started
type MoveResult struct {
	Task *domain.Task  `json:"task"`
	From domain.Column `json:"from"`
	Job  *JobInfo      `json:"job,omitempty"`
}

// MoveTask persists a column transition and starts the work it implies:
// entering building starts a generation with auto-commit, testing to done
// merges the task. The work runs as a background job; MoveTask returns as
// soon as it is submitted. Concurrent moves of one task are not
// deduplicated.
func (p *Pipeline) MoveTask(ctx context.Context, taskID string, column domain.Column) (*MoveResult, error) {
	if _, ok := domain.ParseColumn(string(column)); !ok {
		return nil, errors.Invalid("unknown column %q", column)
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	from := task.Column

	if err := p.store.SetTaskColumn(ctx, taskID, column); err != nil {
		return nil, fmt.Errorf("moving task: %w", err)
	}
	task.Column = column
	res := &MoveResult{Task: task, From: from}
	p.logger.Info("task moved", "task", taskID, "from", from, "to", column)

	switch {
	case column == domain.ColumnBuilding && from != domain.ColumnBuilding:
		if err := p.store.ResetBuildStatus(ctx, taskID); err != nil {
			return nil, fmt.Errorf("resetting build status: %w", err)
		}
		task.BuildStatus = domain.BuildPending

		stream, job, err := p.Start(Request{
			Prompt:     task.Prompt(),
			ProjectID:  task.ProjectID,
			TaskID:     task.ID,
			AutoCommit: true,
		})
		if err != nil {
			return nil, err
		}
		// nobody reads this stream; progress is durable and broadcast
		stream.Detach()
		info := job.Info()
		res.Job = &info

	case from == domain.ColumnTesting && column == domain.ColumnDone:
		job, err := p.SubmitMerge(taskID)
		if err != nil {
			return nil, err
		}
		info := job.Info()
		res.Job = &info
	}
	return res, nil
}

// SubmitMerge squash-merges a task as a background job
func (p *Pipeline) SubmitMerge(taskID string) (*Job, error) {
	if p.vcs == nil {
		return nil, errors.Invalid("version control is not configured")
	}
	return p.jobs.Submit("merge", "task "+taskID, func(ctx context.Context) error {
		pr, err := p.vcs.MergeTaskToMain(ctx, taskID)
		if err != nil {
			p.send(notify.Notification{
				Title:   "Merge failed",
				Message: err.Error(),
				Level:   notify.Failure,
				TaskID:  taskID,
			})
			return err
		}
		p.send(notify.Notification{
			Title:   "Task merged",
			Message: fmt.Sprintf("PR #%d squash-merged", pr.Number),
			Level:   notify.Success,
			TaskID:  taskID,
			URL:     pr.URL,
		})
		return nil
	})
}

func (p *Pipeline) send(n notify.Notification) {
	if err := p.notifier.Send(n); err != nil {
		p.logger.Warn("notification failed", "error", err)
	}
}

// RecoverOrphans fails generations a previous process left running, along
// with their tasks' build status, so nothing stays generating forever.
func (p *Pipeline) RecoverOrphans(ctx context.Context) (int, error) {
	gens, err := p.store.ListGenerationsByStatus(ctx, domain.GenerationRunning)
	if err != nil {
		return 0, fmt.Errorf("listing running generations: %w", err)
	}

	for _, g := range gens {
		if err := p.store.FailGeneration(ctx, g.ID, "interrupted by restart", g.FilesCreated); err != nil {
			return 0, fmt.Errorf("failing generation %s: %w", g.ID, err)
		}
		if g.TaskID != "" {
			err := p.store.SetTaskBuildStatus(ctx, g.TaskID, domain.BuildFailed)
			if err != nil && !errors.IsKind(err, errors.KindInvalid) && !errors.IsKind(err, errors.KindNotFound) {
				return 0, fmt.Errorf("failing task %s: %w", g.TaskID, err)
			}
		}
		p.logger.Warn("recovered orphaned generation", "generation", g.ID, "task", g.TaskID, "sandbox", g.SandboxID)
	}
	return len(gens), nil
}
