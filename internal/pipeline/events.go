// Package pipeline runs code generations end to end: sandbox, coding
// agent, file sync, preview and version control.
package pipeline

import "time"

// EventType is the kind of a status event
type EventType string

const (
	EventStatus       EventType = "status"
	EventToolStart    EventType = "tool_start"
	EventToolComplete EventType = "tool_complete"
	EventError        EventType = "error"
	EventComplete     EventType = "complete"
)

// Stage names used on status events
const (
	StageValidate  = "validate"
	StageQueue     = "queue"
	StageSandbox   = "sandbox"
	StageAgent     = "agent"
	StageReconcile = "reconcile"
	StagePreview   = "preview"
	StageCommit    = "commit"
)

// Event is one item of a generation's status channel. A channel always
// ends with exactly one error or complete event.
type Event struct {
	Type         EventType `json:"type"`
	GenerationID string    `json:"generation_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	Message      string    `json:"message,omitempty"`

	// tool events
	Tool    string `json:"tool,omitempty"`
	Path    string `json:"path,omitempty"`
	Added   int    `json:"added,omitempty"`
	Removed int    `json:"removed,omitempty"`

	// set on complete
	Result *Result `json:"result,omitempty"`

	Time time.Time `json:"time"`
}

// IsTerminal returns true for error and complete events
func (e Event) IsTerminal() bool {
	return e.Type == EventError || e.Type == EventComplete
}

// Emitter receives status events
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(Event)

// Emit calls f
func (f EmitterFunc) Emit(ev Event) {
	f(ev)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard is an Emitter that drops everything
var Discard Emitter = discard{}
