package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	addedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	removedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	subject := "project " + m.projectID
	if m.taskID != "" {
		subject += " │ task " + m.taskID
	}
	header := fmt.Sprintf(" sandbox-builder │ %s │ %s ", subject, m.elapsed().Round(time.Second))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(titleStyle.Render(truncate(firstLine(m.prompt), m.width-4)))
	b.WriteString("\n")
	b.WriteString(m.renderStage())
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderFiles()))
	b.WriteString("\n")
	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderLog()))
	b.WriteString("\n")

	if m.result != nil || m.errMsg != "" {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderOutcome()))
		b.WriteString("\n")
	}

	b.WriteString(statusBarStyle.Width(m.width).Render(" q: quit │ j/k: scroll log "))
	return b.String()
}

func (m Model) elapsed() time.Duration {
	d := m.now.Sub(m.started)
	if d < 0 {
		return 0
	}
	return d
}

func (m Model) renderStage() string {
	stage := m.stage
	if stage == "" {
		stage = "starting"
	}
	switch {
	case m.errMsg != "":
		return errorStyle.Render("✗ failed during " + stage)
	case m.result != nil:
		return runningStyle.Render("✓ done")
	case m.done:
		return warningStyle.Render("stream closed")
	default:
		return runningStyle.Render(spinnerFrames[m.frame%len(spinnerFrames)] + " " + stage)
	}
}

func (m Model) renderFiles() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("FILES (%d)\n", len(m.files)))
	if len(m.files) == 0 {
		b.WriteString(dimmedStyle.Render("  none yet"))
		return b.String()
	}

	limit := m.filesHeight()
	start := 0
	if len(m.files) > limit {
		start = len(m.files) - limit
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ... %d more\n", start)))
	}
	for _, f := range m.files[start:] {
		marker := runningStyle.Render("●")
		if f.Syncing {
			marker = warningStyle.Render("○")
		}
		stats := addedStyle.Render(fmt.Sprintf("+%d", f.Added)) + " " + removedStyle.Render(fmt.Sprintf("-%d", f.Removed))
		writes := ""
		if f.Writes > 1 {
			writes = dimmedStyle.Render(fmt.Sprintf(" (%d writes)", f.Writes))
		}
		b.WriteString(fmt.Sprintf("  %s %s %s%s\n", marker, f.Path, stats, writes))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderLog() string {
	var b strings.Builder
	b.WriteString("LOG\n")
	if len(m.log) == 0 {
		b.WriteString(dimmedStyle.Render("  waiting for events"))
		return b.String()
	}

	limit := m.logHeight()
	end := len(m.log) - m.logScroll
	start := end - limit
	if start < 0 {
		start = 0
	}
	for _, line := range m.log[start:end] {
		b.WriteString("  " + truncate(line, m.width-8) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderOutcome() string {
	if m.errMsg != "" {
		return errorStyle.Render("ERROR\n  " + m.errMsg)
	}
	r := m.result
	var b strings.Builder
	b.WriteString(runningStyle.Render("PREVIEW") + "\n")
	b.WriteString("  " + r.SandboxURL + "\n")
	if r.CommitSHA != "" {
		b.WriteString(fmt.Sprintf("  commit %s on %s\n", shortSHA(r.CommitSHA), r.Branch))
	}
	if r.Warning != "" {
		b.WriteString(warningStyle.Render("  version control: "+r.Warning) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) filesHeight() int {
	if m.height == 0 {
		return 10
	}
	return max(3, (m.height-14)/2)
}

func (m Model) logHeight() int {
	if m.height == 0 {
		return 10
	}
	return max(3, m.height-14-m.filesHeight())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
