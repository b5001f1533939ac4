package notify

import (
	"os/exec"
	"runtime"
	"strconv"
)

// Desktop pops up a local notification via notify-send or osascript.
type Desktop struct {
	goos string
	run  func(name string, args ...string) error
}

func NewDesktop() *Desktop {
	return &Desktop{
		goos: runtime.GOOS,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

func (d *Desktop) Send(n Notification) error {
	name, args, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}
	return d.run(name, args...)
}

func desktopCommand(goos string, n Notification) (string, []string, bool) {
	body := n.Message
	if n.URL != "" {
		body += "\n" + n.URL
	}

	switch goos {
	case "linux":
		args := []string{"--app-name", "sandbox-builder", "--icon", icon(n.Level)}
		if n.Level == Failure {
			args = append(args, "--urgency", "critical")
		}
		return "notify-send", append(args, n.Title, body), true
	case "darwin":
		script := "display notification " + strconv.Quote(body) + " with title " + strconv.Quote(n.Title)
		if s := n.Subject(); s != "" {
			script += " subtitle " + strconv.Quote(s)
		}
		return "osascript", []string{"-e", script}, true
	}
	return "", nil, false
}

func icon(l Level) string {
	switch l {
	case Success:
		return "dialog-positive"
	case Warning:
		return "dialog-warning"
	case Failure:
		return "dialog-error"
	}
	return "dialog-information"
}
