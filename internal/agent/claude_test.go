package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/logging"
)

// fakeAgent writes a shell script that prints canned stream-json output
func fakeAgent(t *testing.T, output string, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script agent not supported on windows")
	}
	dir := t.TempDir()
	data := filepath.Join(dir, "out.jsonl")
	if err := os.WriteFile(data, []byte(output), 0644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "claude")
	body := "#!/bin/sh\ncat '" + data + "'\nexit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return script
}

func TestClaudeRunner_StreamsEventsInOrder(t *testing.T) {
	output := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"a","name":"Write","input":{"file_path":"index.html"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"a","content":"ok"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"b","name":"Edit","input":{"file_path":"app.js"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"b","content":"ok"}]}}`,
		`{"type":"result","subtype":"success","num_turns":2,"total_cost_usd":0.1,"usage":{"input_tokens":10,"output_tokens":20}}`,
	}, "\n") + "\n"

	runner := NewClaudeRunner(fakeAgent(t, output, 0), "", 0, nil, logging.Nop())
	logPath := filepath.Join(t.TempDir(), "logs", "gen.log")

	var kinds []EventKind
	usage, err := runner.Run(context.Background(), Request{Dir: t.TempDir(), Prompt: "todo app", LogPath: logPath}, func(ev Event) {
		kinds = append(kinds, ev.Kind)
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []EventKind{EventToolUse, EventToolResult, EventToolUse, EventToolResult, EventTurnEnd}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
	if usage == nil || usage.Turns != 2 {
		t.Errorf("usage = %+v", usage)
	}
	if data, err := os.ReadFile(logPath); err != nil || !strings.Contains(string(data), `"type":"result"`) {
		t.Errorf("raw log not written: %v", err)
	}
}

func TestClaudeRunner_FailureCarriesAgentMessage(t *testing.T) {
	output := `{"type":"error","error":"invalid API key"}` + "\n"
	runner := NewClaudeRunner(fakeAgent(t, output, 1), "", 0, nil, logging.Nop())

	_, err := runner.Run(context.Background(), Request{Dir: t.TempDir(), Prompt: "x"}, func(Event) {})
	if !errors.IsKind(err, errors.KindAgentExecution) {
		t.Fatalf("err = %v, want agent execution error", err)
	}
	if !strings.Contains(err.Error(), "invalid API key") {
		t.Errorf("err = %v, want extracted message", err)
	}
}

func TestClaudeRunner_ResultError(t *testing.T) {
	output := `{"type":"result","subtype":"error_max_turns","is_error":true}` + "\n"
	runner := NewClaudeRunner(fakeAgent(t, output, 0), "", 0, nil, logging.Nop())

	_, err := runner.Run(context.Background(), Request{Dir: t.TempDir(), Prompt: "x"}, func(Event) {})
	if !errors.IsKind(err, errors.KindAgentExecution) || !strings.Contains(err.Error(), "error_max_turns") {
		t.Errorf("err = %v", err)
	}
}

func TestClaudeRunner_Args(t *testing.T) {
	r := NewClaudeRunner("claude", "sonnet", 30, []string{"--append-system-prompt", "be brief"}, logging.Nop())
	args := strings.Join(r.args("build it"), " ")
	for _, want := range []string{"--output-format stream-json", "--model sonnet", "--max-turns 30", "--append-system-prompt be brief", "-p build it"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestClaudeRunner_EmptyPrompt(t *testing.T) {
	r := NewClaudeRunner("claude", "", 0, nil, logging.Nop())
	if _, err := r.Run(context.Background(), Request{Dir: t.TempDir()}, func(Event) {}); !errors.IsKind(err, errors.KindInvalid) {
		t.Errorf("err = %v, want invalid", err)
	}
}
