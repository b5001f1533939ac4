package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hochfrequenz/sandbox-builder/internal/errors"
)

// tailLines is how much output is kept for error extraction
const tailLines = 20

// ClaudeRunner runs Claude Code in non-interactive stream-json mode
type ClaudeRunner struct {
	Command   string
	Model     string
	MaxTurns  int
	ExtraArgs []string
	Logger    *slog.Logger
}

// NewClaudeRunner creates a runner for the given command (usually "claude")
func NewClaudeRunner(command, model string, maxTurns int, extraArgs []string, logger *slog.Logger) *ClaudeRunner {
	if command == "" {
		command = "claude"
	}
	return &ClaudeRunner{
		Command:   command,
		Model:     model,
		MaxTurns:  maxTurns,
		ExtraArgs: extraArgs,
		Logger:    logger.With("component", "agent"),
	}
}

func (r *ClaudeRunner) args(prompt string) []string {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json",
	}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	if r.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.MaxTurns))
	}
	args = append(args, r.ExtraArgs...)
	return append(args, "-p", prompt)
}

// Run starts the agent in req.Dir and streams its events to emit
func (r *ClaudeRunner) Run(ctx context.Context, req Request, emit func(Event)) (*Usage, error) {
	if req.Prompt == "" {
		return nil, errors.Invalid("agent has no prompt")
	}

	cmd := exec.CommandContext(ctx, r.Command, r.args(req.Prompt)...)
	cmd.Dir = req.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.AgentExecution(err)
	}

	var logFile *os.File
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0755); err == nil {
			logFile, _ = os.Create(req.LogPath)
		}
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.AgentExecution(fmt.Errorf("starting %s: %w", r.Command, err))
	}
	r.Logger.Info("agent started", "dir", req.Dir, "pid", cmd.Process.Pid)

	usage, tail, resultErr := consume(stdout, logFile, emit)
	waitErr := cmd.Wait()

	if waitErr != nil {
		msg := extractError(tail)
		if msg == "" {
			msg = lastLine(stderr.String())
		}
		if msg != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, msg)
		}
		return usage, errors.AgentExecution(waitErr)
	}
	if resultErr != "" {
		return usage, errors.AgentExecution(fmt.Errorf("agent reported failure: %s", resultErr))
	}

	if usage != nil {
		r.Logger.Info("agent finished", "turns", usage.Turns, "input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens, "cost_usd", usage.CostUSD)
	}
	return usage, nil
}

// consume reads stream-json lines, emitting events in order. It returns the
// final usage, the tail of the raw output, and the agent's own error
// message if the result line reported one.
func consume(stdout io.Reader, logFile io.Writer, emit func(Event)) (*Usage, []string, string) {
	scanner := bufio.NewScanner(stdout)
	// Write tool inputs carry whole files, so lines can be long
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	var usage *Usage
	var tail []string
	var resultErr string
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			io.WriteString(logFile, line+"\n")
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}

		events, u, msg := parseLine(line)
		if u != nil {
			usage = u
		}
		if msg != nil && msg.Type == "result" && msg.IsError {
			resultErr = extractError([]string{line})
		}
		for _, ev := range events {
			emit(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		tail = append(tail, fmt.Sprintf(`{"type":"error","error":%q}`, err.Error()))
		// keep the pipe drained so the agent can exit
		io.Copy(io.Discard, stdout)
	}
	return usage, tail, resultErr
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
