package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "j", "down":
			if m.logScroll > 0 {
				m.logScroll--
			}
		case "k", "up":
			if m.logScroll < len(m.log)-1 {
				m.logScroll++
			}
		case "G", "end":
			m.logScroll = 0
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.now = time.Time(msg)
		m.frame++
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case EventMsg:
		m.apply(pipeline.Event(msg))
		return m, waitForEvent(m.events)

	case StreamClosedMsg:
		m.done = true
	}

	return m, nil
}

// apply folds one event into the model
func (m *Model) apply(ev pipeline.Event) {
	if !ev.Time.IsZero() {
		m.now = ev.Time
	}
	if ev.Stage != "" {
		m.stage = ev.Stage
	}

	switch ev.Type {
	case pipeline.EventStatus:
		m.appendLog(ev.Message)

	case pipeline.EventToolStart:
		f := m.file(ev.Path)
		f.Syncing = true
		m.appendLog(fmt.Sprintf("%s %s", ev.Tool, ev.Path))

	case pipeline.EventToolComplete:
		f := m.file(ev.Path)
		f.Syncing = false
		f.Writes++
		f.Added = ev.Added
		f.Removed = ev.Removed

	case pipeline.EventError:
		m.errMsg = ev.Message
		m.done = true
		m.appendLog("failed: " + ev.Message)

	case pipeline.EventComplete:
		m.result = ev.Result
		m.done = true
		m.appendLog(ev.Message)
	}
}

func (m *Model) file(path string) *FileView {
	if i, ok := m.fileIndex[path]; ok {
		return m.files[i]
	}
	f := &FileView{Path: path}
	m.fileIndex[path] = len(m.files)
	m.files = append(m.files, f)
	return f
}

func (m *Model) appendLog(line string) {
	if line == "" {
		return
	}
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}
