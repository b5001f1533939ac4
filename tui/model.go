// Package tui renders one generation's status channel in the terminal.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
)

// maxLogLines bounds the status log kept in memory
const maxLogLines = 200

// FileView is one file the agent wrote, as last reported
type FileView struct {
	Path    string
	Added   int
	Removed int
	Writes  int
	Syncing bool
}

// Model is the TUI application model
type Model struct {
	// Data
	events    <-chan pipeline.Event
	prompt    string
	projectID string
	taskID    string

	stage     string
	log       []string
	files     []*FileView
	fileIndex map[string]int
	result    *pipeline.Result
	errMsg    string
	done      bool

	// UI state
	width     int
	height    int
	logScroll int
	frame     int

	started time.Time
	now     time.Time
}

// ModelConfig holds what the viewer follows
type ModelConfig struct {
	Events    <-chan pipeline.Event
	Prompt    string
	ProjectID string
	TaskID    string
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	now := time.Now()
	return Model{
		events:    cfg.Events,
		prompt:    cfg.Prompt,
		projectID: cfg.ProjectID,
		taskID:    cfg.TaskID,
		fileIndex: make(map[string]int),
		started:   now,
		now:       now,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		tickCmd(),
	)
}

// Result returns the completed result, or nil
func (m Model) Result() *pipeline.Result {
	return m.result
}

// Err returns the failure message, or ""
func (m Model) Err() string {
	return m.errMsg
}

// Done reports whether the stream has ended
func (m Model) Done() bool {
	return m.done
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// EventMsg carries one pipeline event
type EventMsg pipeline.Event

// StreamClosedMsg is sent once the event channel is closed
type StreamClosedMsg struct{}

func waitForEvent(events <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg(ev)
	}
}
