package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
	"github.com/hochfrequenz/sandbox-builder/web/api"
)

var (
	moveDetach     bool
	projectName    string
	projectRepo    string
	projectBranch  string
	projectCreate  bool
	taskProject    string
	taskTitle      string
	taskDesc       string
	sweepServerURL string
)

func init() {
	moveCmd := &cobra.Command{
		Use:   "move TASK COLUMN",
		Short: "Move a task to research, building, testing or done",
		Long: `Persists the column and runs what the transition implies: entering
building generates and commits, testing to done merges the pull request.`,
		Args: cobra.ExactArgs(2),
		RunE: runMove,
	}
	moveCmd.Flags().BoolVar(&moveDetach, "detach", false, "leave the preview sandbox running and exit")
	rootCmd.AddCommand(moveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "pr TASK",
		Short: "Open (or show) the pull request for a task branch",
		Args:  cobra.ExactArgs(1),
		RunE:  runPR,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "merge TASK",
		Short: "Squash-merge a task into the default branch",
		Args:  cobra.ExactArgs(1),
		RunE:  runMerge,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "combine PROJECT TASK...",
		Short: "Merge several task branches into one pull request",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runCombine,
	})

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Ask a running server to close expired sandboxes now",
		RunE:  runSweep,
	}
	sweepCmd.Flags().StringVar(&sweepServerURL, "server", "", "server URL (default http://web.host:web.port)")
	rootCmd.AddCommand(sweepCmd)

	projectCmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	projectAddCmd := &cobra.Command{
		Use:   "add ID",
		Short: "Create or update a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectAdd,
	}
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "display name")
	projectAddCmd.Flags().StringVar(&projectRepo, "repo", "", "linked repository as owner/name (owner defaults to github.default_owner)")
	projectAddCmd.Flags().StringVar(&projectBranch, "branch", "", "default branch (default main)")
	projectAddCmd.Flags().BoolVar(&projectCreate, "create-repo", false, "create the repository if it does not exist")
	projectCmd.AddCommand(projectAddCmd)
	rootCmd.AddCommand(projectCmd)

	taskCmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	taskAddCmd := &cobra.Command{
		Use:   "add ID",
		Short: "Create or update a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskAdd,
	}
	taskAddCmd.Flags().StringVar(&taskProject, "project", "", "project ID (required)")
	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "description", "", "task description")
	taskAddCmd.MarkFlagRequired("project")
	taskAddCmd.MarkFlagRequired("title")
	taskListCmd := &cobra.Command{
		Use:   "list PROJECT",
		Short: "List a project's tasks",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskList,
	}
	taskCmd.AddCommand(taskAddCmd, taskListCmd)
	rootCmd.AddCommand(taskCmd)
}

func runMove(cmd *cobra.Command, args []string) error {
	column, ok := domain.ParseColumn(args[1])
	if !ok {
		return fmt.Errorf("unknown column %q (research|building|testing|done)", args[1])
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { a.close(!moveDetach) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var generation *pipeline.Result
	a.pipeline.OnEvent(func(ev pipeline.Event) {
		printEvent(os.Stdout, ev)
		if ev.Type == pipeline.EventComplete {
			generation = ev.Result
		}
	})

	res, err := a.pipeline.MoveTask(ctx, args[0], column)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s: %s -> %s\n", res.Task.ID, res.From, res.Task.Column)
	if res.Job == nil {
		return nil
	}

	if err := a.pipeline.Jobs().Get(res.Job.ID).Wait(ctx); err != nil {
		return err
	}
	if generation != nil {
		printResult(os.Stdout, generation)
		genDetach = moveDetach
		return holdPreview(ctx, generation)
	}
	task, err := a.store.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Merged: %s\n", task.PRURL)
	return nil
}

func runPR(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(true)
	if err := a.requireVCS(); err != nil {
		return err
	}

	pr, err := a.integrator.CreatePullRequest(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Pull request #%d: %s\n", pr.Number, pr.URL)
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(true)
	if err := a.requireVCS(); err != nil {
		return err
	}

	pr, err := a.integrator.MergeTaskToMain(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Merged #%d: %s\n", pr.Number, pr.URL)
	return nil
}

func runCombine(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(true)
	if err := a.requireVCS(); err != nil {
		return err
	}

	res, err := a.integrator.CreateCombinedPullRequest(cmd.Context(), args[0], args[1:])
	if err != nil {
		if errors.IsKind(err, errors.KindConflict) {
			return fmt.Errorf("task %s conflicts with the tasks before it: %w", errors.SubjectOf(err), err)
		}
		return err
	}
	fmt.Printf("Combined %d tasks on %s\n", len(args)-1, res.Branch)
	fmt.Printf("Pull request #%d: %s\n", res.Number, res.URL)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	url := sweepServerURL
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		url = fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
	}

	client := &http.Client{Timeout: time.Minute}
	resp, err := client.Post(strings.TrimRight(url, "/")+"/api/sandboxes/sweep", "application/json", nil)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sweep failed: %s", resp.Status)
	}

	var out api.SweepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("Closed %d expired sandboxes, %d still running\n", out.Closed, out.Remaining)
	return nil
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	var a *app
	var err error
	if projectCreate {
		a, err = newApp()
	} else {
		a, err = openStore()
	}
	if err != nil {
		return err
	}
	defer a.close(true)
	ctx := cmd.Context()

	project, err := a.store.GetProject(ctx, args[0])
	if err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
		project = &domain.Project{ID: args[0]}
	}
	if projectName != "" {
		project.Name = projectName
	}
	if project.Name == "" {
		project.Name = args[0]
	}
	if projectRepo != "" {
		owner, name, err := parseRepo(projectRepo, a.cfg.GitHub.DefaultOwner)
		if err != nil {
			return err
		}
		project.RepoOwner, project.RepoName = owner, name
	}
	if projectBranch != "" {
		project.DefaultBranch = projectBranch
	}
	if err := a.store.UpsertProject(ctx, project); err != nil {
		return err
	}
	fmt.Printf("Project %s saved\n", project.ID)

	if projectCreate {
		if err := a.requireVCS(); err != nil {
			return err
		}
		repo, err := a.integrator.EnsureRepository(ctx, project.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Repository: %s\n", repo.URL)
	}
	return nil
}

// parseRepo splits owner/name, falling back to defaultOwner for a bare name
func parseRepo(s, defaultOwner string) (string, string, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok {
		owner, name = defaultOwner, s
	}
	if owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("repository must be owner/name, got %q", s)
	}
	return owner, name, nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close(true)
	ctx := cmd.Context()

	if _, err := a.store.GetProject(ctx, taskProject); err != nil {
		return err
	}
	task, err := a.store.GetTask(ctx, args[0])
	if err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
		task = &domain.Task{ID: args[0], ProjectID: taskProject}
	}
	if task.ProjectID != taskProject {
		return fmt.Errorf("task %s belongs to project %s", task.ID, task.ProjectID)
	}
	task.Title = taskTitle
	if taskDesc != "" {
		task.Description = taskDesc
	}
	if err := a.store.UpsertTask(ctx, task); err != nil {
		return err
	}
	fmt.Printf("Task %s saved (branch would be %s)\n", task.ID, domain.TaskBranchName(task.ID, task.Title))
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close(true)

	tasks, err := a.store.ListTasks(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOLUMN\tBUILD\tBRANCH\tPR\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Column, t.BuildStatus, dash(t.BranchName), dash(t.PRURL), t.Title)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
