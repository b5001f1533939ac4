package prompts

import (
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"trim": strings.TrimSpace,
	"inc":  func(i int) int { return i + 1 },
}

// AgentData holds template variables for the coding agent prompt.
type AgentData struct {
	Prompt          string
	TaskTitle       string
	TaskDescription string
	ExistingFiles   []string
	PreviewPort     int
}

// GenerationSummary is one generation listed in a PR body.
type GenerationSummary struct {
	ID     string
	Prompt string
	Files  []string
	Commit string
}

// PRData holds template variables for a task PR.
type PRData struct {
	TaskID          string
	TaskTitle       string
	TaskDescription string
	Branch          string
	Generations     []GenerationSummary
}

// CombinedTask is one task merged into a combined PR.
type CombinedTask struct {
	ID     string
	Title  string
	Branch string
	PRURL  string
}

// CombinedPRData holds template variables for a combined PR.
type CombinedPRData struct {
	ProjectName string
	Branch      string
	Tasks       []CombinedTask
}

// BuildAgentPrompt wraps a user prompt with the sandbox conventions the
// agent must follow.
func (l *Loader) BuildAgentPrompt(data AgentData) (string, error) {
	return l.render("generation/agent.md", data)
}

// BuildPRBody renders the body of a task PR.
func (l *Loader) BuildPRBody(data PRData) (string, error) {
	return l.render("pr/task.md", data)
}

// BuildPRTitle renders the title of a task PR.
func (l *Loader) BuildPRTitle(data PRData) (string, error) {
	return l.renderTitle("pr/task.md", data)
}

// BuildCombinedPRBody renders the body of a combined PR.
func (l *Loader) BuildCombinedPRBody(data CombinedPRData) (string, error) {
	return l.render("pr/combined.md", data)
}

// BuildCombinedPRTitle renders the title of a combined PR.
func (l *Loader) BuildCombinedPRTitle(data CombinedPRData) (string, error) {
	return l.renderTitle("pr/combined.md", data)
}
