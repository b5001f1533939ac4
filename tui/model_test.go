package tui

import (
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
)

func sized(m Model) Model {
	newModel, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return newModel.(Model)
}

func send(t *testing.T, m Model, evs ...pipeline.Event) Model {
	t.Helper()
	for _, ev := range evs {
		newModel, cmd := m.Update(EventMsg(ev))
		m = newModel.(Model)
		if cmd == nil {
			t.Fatal("event should schedule the next wait")
		}
	}
	return m
}

func TestNewModel(t *testing.T) {
	events := make(chan pipeline.Event)
	model := NewModel(ModelConfig{Events: events, Prompt: "todo app", ProjectID: "p1", TaskID: "t1"})

	if model.projectID != "p1" || model.taskID != "t1" {
		t.Errorf("subject = %s/%s", model.projectID, model.taskID)
	}
	if model.Done() || model.Result() != nil {
		t.Error("new model should not be done")
	}
	if model.View() != "Loading..." {
		t.Errorf("View before size = %q", model.View())
	}
}

func TestModel_TracksFiles(t *testing.T) {
	model := sized(NewModel(ModelConfig{Prompt: "x", ProjectID: "p1"}))

	model = send(t, model,
		pipeline.Event{Type: pipeline.EventStatus, Stage: pipeline.StageAgent, Message: "Running coding agent"},
		pipeline.Event{Type: pipeline.EventToolStart, Tool: "Write", Path: "index.html"},
		pipeline.Event{Type: pipeline.EventToolComplete, Path: "index.html", Added: 10},
		pipeline.Event{Type: pipeline.EventToolStart, Tool: "Write", Path: "app.js"},
		pipeline.Event{Type: pipeline.EventToolStart, Tool: "Edit", Path: "index.html"},
		pipeline.Event{Type: pipeline.EventToolComplete, Path: "index.html", Added: 2, Removed: 1},
	)

	if len(model.files) != 2 {
		t.Fatalf("files = %d, want 2", len(model.files))
	}
	index := model.files[0]
	if index.Path != "index.html" || index.Writes != 2 || index.Added != 2 || index.Removed != 1 || index.Syncing {
		t.Errorf("index.html = %+v", index)
	}
	if !model.files[1].Syncing {
		t.Error("app.js should still be syncing")
	}
	if model.stage != pipeline.StageAgent {
		t.Errorf("stage = %q", model.stage)
	}

	view := model.View()
	for _, want := range []string{"FILES (2)", "index.html", "app.js", "Running coding agent"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_Complete(t *testing.T) {
	model := sized(NewModel(ModelConfig{Prompt: "x", ProjectID: "p1", TaskID: "t1"}))
	model = send(t, model, pipeline.Event{
		Type:    pipeline.EventComplete,
		Message: "Preview ready",
		Result: &pipeline.Result{
			SandboxURL: "https://8000-sb.sandbox.test",
			CommitSHA:  "0123456789abcdef",
			Branch:     "task/t1/x",
			Warning:    "",
		},
	})

	if !model.Done() || model.Result() == nil {
		t.Fatal("model should be done with a result")
	}
	view := model.View()
	for _, want := range []string{"PREVIEW", "https://8000-sb.sandbox.test", "commit 0123456 on task/t1/x", "✓ done"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	newModel, cmd := model.Update(TickMsg(time.Now()))
	if cmd != nil {
		t.Error("ticks should stop once done")
	}
	_ = newModel
}

func TestModel_Error(t *testing.T) {
	model := sized(NewModel(ModelConfig{Prompt: "x", ProjectID: "p1"}))
	model = send(t, model,
		pipeline.Event{Type: pipeline.EventStatus, Stage: pipeline.StageSandbox, Message: "Provisioning sandbox"},
		pipeline.Event{Type: pipeline.EventError, Message: "quota exceeded"},
	)

	if model.Err() != "quota exceeded" || !model.Done() {
		t.Errorf("err = %q, done = %v", model.Err(), model.Done())
	}
	if view := model.View(); !strings.Contains(view, "failed during sandbox") || !strings.Contains(view, "quota exceeded") {
		t.Errorf("view = %s", view)
	}
}

func TestModel_StreamClosed(t *testing.T) {
	events := make(chan pipeline.Event)
	close(events)

	msg := waitForEvent(events)()
	if _, ok := msg.(StreamClosedMsg); !ok {
		t.Fatalf("msg = %T, want StreamClosedMsg", msg)
	}

	model := NewModel(ModelConfig{Events: events})
	newModel, _ := model.Update(msg)
	if !newModel.(Model).Done() {
		t.Error("closed stream should mark the model done")
	}
}

func TestModel_LogScrollAndLimit(t *testing.T) {
	model := sized(NewModel(ModelConfig{}))
	for i := 0; i < maxLogLines+20; i++ {
		model.apply(pipeline.Event{Type: pipeline.EventStatus, Message: fmt.Sprintf("line %d", i)})
	}
	if len(model.log) != maxLogLines {
		t.Fatalf("log = %d lines, want %d", len(model.log), maxLogLines)
	}
	if model.log[0] != "line 20" {
		t.Errorf("oldest line = %q", model.log[0])
	}

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	model = newModel.(Model)
	if model.logScroll != 1 {
		t.Errorf("logScroll = %d, want 1", model.logScroll)
	}
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("G")})
	if newModel.(Model).logScroll != 0 {
		t.Error("G should jump to the newest line")
	}
}

func TestModel_Quit(t *testing.T) {
	model := NewModel(ModelConfig{})
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should produce a quit message")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"a long line of text", 10, "a long ..."},
		{"abc", 2, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
