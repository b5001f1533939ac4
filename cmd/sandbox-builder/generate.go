package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
	"github.com/hochfrequenz/sandbox-builder/tui"
)

var (
	genProject  string
	genTask     string
	genNoCommit bool
	genTUI      bool
	genDetach   bool
)

func init() {
	generateCmd := &cobra.Command{
		Use:   "generate [PROMPT...]",
		Short: "Generate code from a prompt and print the preview URL",
		Long: `Runs one generation in the foreground. Without a prompt the task's title
and description are used. The preview stays up until Ctrl+C unless --detach
is given, in which case the sandbox is left running until it expires.`,
		RunE: runGenerate,
	}
	generateCmd.Flags().StringVar(&genProject, "project", "", "project ID (required)")
	generateCmd.Flags().StringVar(&genTask, "task", "", "task ID")
	generateCmd.Flags().BoolVar(&genNoCommit, "no-commit", false, "skip committing to the task branch")
	generateCmd.Flags().BoolVar(&genTUI, "tui", false, "follow progress in a terminal UI")
	generateCmd.Flags().BoolVar(&genDetach, "detach", false, "exit after the preview is up and leave the sandbox running")
	generateCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { a.close(!genDetach) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt := strings.Join(args, " ")
	if prompt == "" && genTask != "" {
		task, err := a.store.GetTask(ctx, genTask)
		if err != nil {
			return err
		}
		prompt = task.Prompt()
	}

	req := pipeline.Request{
		Prompt:     prompt,
		ProjectID:  genProject,
		TaskID:     genTask,
		AutoCommit: !genNoCommit,
	}
	stream, job, err := a.pipeline.Start(req)
	if err != nil {
		return err
	}

	if genTUI {
		model := tui.NewModel(tui.ModelConfig{
			Events:    stream.Events(),
			Prompt:    prompt,
			ProjectID: genProject,
			TaskID:    genTask,
		})
		if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
			stream.Detach()
			return err
		}
		// quitting the viewer early does not stop the generation
		stream.Detach()
	} else {
		for ev := range stream.Events() {
			printEvent(os.Stdout, ev)
		}
	}

	if err := job.Wait(ctx); err != nil {
		return err
	}
	ev, err := stream.Wait(ctx)
	if err != nil {
		return err
	}
	printResult(os.Stdout, ev.Result)
	return holdPreview(ctx, ev.Result)
}

// holdPreview keeps the process, and so the sandbox, alive until interrupted
func holdPreview(ctx context.Context, res *pipeline.Result) error {
	if genDetach || res == nil {
		return nil
	}
	fmt.Printf("\nPreview running at %s, press Ctrl+C to stop\n", res.SandboxURL)
	<-ctx.Done()
	return nil
}

func printEvent(w io.Writer, ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventStatus:
		fmt.Fprintf(w, "[%s] %s\n", ev.Stage, ev.Message)
	case pipeline.EventToolStart:
		fmt.Fprintf(w, "  %s %s\n", strings.ToLower(ev.Tool), ev.Path)
	case pipeline.EventToolComplete:
		fmt.Fprintf(w, "  synced %s (+%d -%d)\n", ev.Path, ev.Added, ev.Removed)
	case pipeline.EventError:
		fmt.Fprintf(w, "error: %s\n", ev.Message)
	case pipeline.EventComplete:
		fmt.Fprintf(w, "[done] %s\n", ev.Message)
	}
}

func printResult(w io.Writer, res *pipeline.Result) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "\nGeneration: %s\n", res.GenerationID)
	fmt.Fprintf(w, "Sandbox:    %s\n", res.SandboxID)
	fmt.Fprintf(w, "Preview:    %s\n", res.SandboxURL)
	fmt.Fprintf(w, "Files:      %d\n", len(res.Files))
	if res.CommitSHA != "" {
		fmt.Fprintf(w, "Commit:     %s on %s\n", res.CommitURL, res.Branch)
	}
	if res.Warning != "" {
		fmt.Fprintf(w, "Warning:    version control failed: %s\n", res.Warning)
	}
}
