package domain

// Column is the kanban column a task sits in. Moving a task between
// columns is what drives the generation and merge workflows.
type Column string

const (
	ColumnResearch Column = "research"
	ColumnBuilding Column = "building"
	ColumnTesting  Column = "testing"
	ColumnDone     Column = "done"
)

// ParseColumn validates a column name
func ParseColumn(s string) (Column, bool) {
	switch c := Column(s); c {
	case ColumnResearch, ColumnBuilding, ColumnTesting, ColumnDone:
		return c, true
	}
	return "", false
}

// BuildStatus represents the state of the most recent generation for a task
type BuildStatus string

const (
	BuildPending    BuildStatus = "pending"
	BuildGenerating BuildStatus = "generating"
	BuildReady      BuildStatus = "ready"
	BuildFailed     BuildStatus = "failed"
)

// IsTerminal returns true for ready and failed
func (s BuildStatus) IsTerminal() bool {
	return s == BuildReady || s == BuildFailed
}

// CanTransition reports whether a build status may move from s to next.
// The order is pending -> generating -> {ready | failed}; a terminal status
// never changes again until the task is re-queued with ResetBuildStatus.
func (s BuildStatus) CanTransition(next BuildStatus) bool {
	switch s {
	case BuildPending:
		return next == BuildGenerating || next == BuildFailed
	case BuildGenerating:
		return next == BuildReady || next == BuildFailed
	default:
		return false
	}
}

// GenerationStatus represents the lifecycle of a single generation
type GenerationStatus string

const (
	GenerationRunning   GenerationStatus = "running"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)
