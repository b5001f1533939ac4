// Package agent drives an external AI coding agent session and turns its
// streamed output into an ordered sequence of events.
package agent

import "context"

// EventKind classifies an agent event
type EventKind string

const (
	EventText       EventKind = "text"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventTurnEnd    EventKind = "turn_end"
)

// fileWriteTools are the tools whose tool_use carries a file_path that the
// agent creates or modifies
var fileWriteTools = map[string]bool{
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// Event is one item of the agent's ordered output
type Event struct {
	Kind      EventKind `json:"kind"`
	ToolUseID string    `json:"tool_use_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	// FilePath is set on tool_use events of file writing tools
	FilePath string `json:"file_path,omitempty"`
	Text     string `json:"text,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// IsFileWrite returns true for tool_use events that write a file
func (e Event) IsFileWrite() bool {
	return e.Kind == EventToolUse && fileWriteTools[e.ToolName] && e.FilePath != ""
}

// Request describes one agent session
type Request struct {
	Dir    string // scratch directory the agent works in
	Prompt string
	// LogPath, if set, receives the raw output stream
	LogPath string
}

// Usage is the token and cost accounting reported at the end of a session
type Usage struct {
	SessionID    string  `json:"session_id,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Turns        int     `json:"turns"`
}

// Runner runs an agent session. emit is called synchronously, in output
// order, so the caller can act on each event before the next is read.
type Runner interface {
	Run(ctx context.Context, req Request, emit func(Event)) (*Usage, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, req Request, emit func(Event)) (*Usage, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, req Request, emit func(Event)) (*Usage, error) {
	return f(ctx, req, emit)
}
