// Package mcp exposes the generation pipeline and its version control
// operations as MCP tools so agents and IDEs can drive them over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
	"github.com/hochfrequenz/sandbox-builder/internal/sandbox"
	"github.com/hochfrequenz/sandbox-builder/internal/taskstore"
	"github.com/hochfrequenz/sandbox-builder/internal/vcs"
)

// Deps are the services the tools operate on. Integrator may be nil when
// version control is not configured.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Store      *taskstore.Store
	Sandboxes  *sandbox.Manager
	Integrator *vcs.Integrator
	Version    string
}

// NewServer creates an MCP server with all tools registered
func NewServer(deps Deps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer("sandbox-builder", version)

	s.AddTool(mcp.NewTool("generate",
		mcp.WithDescription("Generate code from a prompt in a fresh sandbox and return the live preview URL. Blocks until the generation finishes."),
		mcp.WithString("prompt", mcp.Description("What to build"), mcp.Required()),
		mcp.WithString("project_id", mcp.Description("Project the generation belongs to"), mcp.Required()),
		mcp.WithString("task_id", mcp.Description("Optional task within the project")),
		mcp.WithBoolean("commit", mcp.Description("Commit the files to the task branch (default true)")),
	), generateHandler(deps))

	s.AddTool(mcp.NewTool("move_task",
		mcp.WithDescription("Move a task to another board column. Moving to building starts a generation, testing to done merges the task."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithString("column", mcp.Description("Target column (research|building|testing|done)"), mcp.Required()),
	), moveTaskHandler(deps))

	s.AddTool(mcp.NewTool("create_pull_request",
		mcp.WithDescription("Open a pull request for a task branch, or return the existing one."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
	), createPullRequestHandler(deps))

	s.AddTool(mcp.NewTool("merge_task",
		mcp.WithDescription("Squash-merge a task's pull request into the default branch."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
	), mergeTaskHandler(deps))

	s.AddTool(mcp.NewTool("combine_tasks",
		mcp.WithDescription("Merge several task branches into one integration branch and open a single pull request."),
		mcp.WithString("project_id", mcp.Description("Project ID"), mcp.Required()),
		mcp.WithString("task_ids", mcp.Description("Comma-separated task IDs, merged in order"), mcp.Required()),
	), combineTasksHandler(deps))

	s.AddTool(mcp.NewTool("get_generation",
		mcp.WithDescription("Get a generation record by ID."),
		mcp.WithString("id", mcp.Description("Generation ID"), mcp.Required()),
	), getGenerationHandler(deps))

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List the tasks of a project."),
		mcp.WithString("project_id", mcp.Description("Project ID"), mcp.Required()),
	), listTasksHandler(deps))

	s.AddTool(mcp.NewTool("list_sandboxes",
		mcp.WithDescription("List the sandboxes currently registered with their expiry."),
	), listSandboxesHandler(deps))

	s.AddTool(mcp.NewTool("extend_sandbox",
		mcp.WithDescription("Keep a sandbox and its preview alive longer than its TTL."),
		mcp.WithString("sandbox_id", mcp.Description("Sandbox ID"), mcp.Required()),
		mcp.WithString("duration", mcp.Description("How long from now, e.g. 30m or 2h (default: the configured TTL)")),
	), extendSandboxHandler(deps))

	s.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List recent background generations and merges."),
	), listJobsHandler(deps))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func generateHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := pipeline.Request{
			Prompt:     mcp.ParseString(request, "prompt", ""),
			ProjectID:  mcp.ParseString(request, "project_id", ""),
			TaskID:     mcp.ParseString(request, "task_id", ""),
			AutoCommit: mcp.ParseBoolean(request, "commit", true),
		}

		// the generation runs as a job so a dropped client does not abort it
		stream, _, err := deps.Pipeline.Start(req)
		if err != nil {
			return toolError(err), nil
		}
		defer stream.Detach()

		ev, err := stream.Wait(ctx)
		if err != nil {
			return toolError(err), nil
		}
		if ev.Type == pipeline.EventError {
			return mcp.NewToolResultError(ev.Message), nil
		}
		return jsonResult(ev.Result)
	}
}

func moveTaskHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		column, ok := domain.ParseColumn(mcp.ParseString(request, "column", ""))
		if !ok {
			return mcp.NewToolResultError("column must be one of research, building, testing, done"), nil
		}

		res, err := deps.Pipeline.MoveTask(ctx, taskID, column)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(res)
	}
}

func createPullRequestHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Integrator == nil {
			return mcp.NewToolResultError("version control is not configured"), nil
		}
		pr, err := deps.Integrator.CreatePullRequest(ctx, mcp.ParseString(request, "task_id", ""))
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(pr)
	}
}

func mergeTaskHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		job, err := deps.Pipeline.SubmitMerge(taskID)
		if err != nil {
			return toolError(err), nil
		}
		if err := job.Wait(ctx); err != nil {
			return toolError(err), nil
		}
		task, err := deps.Store.GetTask(ctx, taskID)
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task %s merged: %s", taskID, task.PRURL)), nil
	}
}

func combineTasksHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Integrator == nil {
			return mcp.NewToolResultError("version control is not configured"), nil
		}
		projectID := mcp.ParseString(request, "project_id", "")
		taskIDs := splitList(mcp.ParseString(request, "task_ids", ""))

		res, err := deps.Integrator.CreateCombinedPullRequest(ctx, projectID, taskIDs)
		if err != nil {
			if errors.IsKind(err, errors.KindConflict) {
				return mcp.NewToolResultError(fmt.Sprintf("merge conflict in task %s: %v", errors.SubjectOf(err), err)), nil
			}
			return toolError(err), nil
		}
		return jsonResult(res)
	}
}

func getGenerationHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		gen, err := deps.Store.GetGeneration(ctx, mcp.ParseString(request, "id", ""))
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(gen)
	}
}

func listTasksHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := deps.Store.ListTasks(ctx, mcp.ParseString(request, "project_id", ""))
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func listSandboxesHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]any{"sandboxes": deps.Sandboxes.Handles()})
	}
}

func extendSandboxHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "sandbox_id", "")
		var d time.Duration
		if raw := mcp.ParseString(request, "duration", ""); raw != "" {
			var err error
			if d, err = time.ParseDuration(raw); err != nil || d <= 0 {
				return toolError(errors.Invalid("duration must be positive, e.g. 30m")), nil
			}
		}
		expires, err := deps.Sandboxes.Extend(id, d)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]any{"sandbox_id": id, "expires_at": expires})
	}
}

func listJobsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]any{"jobs": deps.Pipeline.Jobs().List()})
	}
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", errors.KindOf(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
