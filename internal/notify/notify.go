// Package notify delivers generation and merge outcomes to people.
package notify

import (
	stderrors "errors"

	"github.com/hochfrequenz/sandbox-builder/internal/config"
)

// Level is how good or bad an outcome was.
type Level int

const (
	Info Level = iota
	Success
	Warning
	Failure
)

// Notification is one outcome worth telling someone about.
type Notification struct {
	Title        string
	Message      string
	Level        Level
	TaskID       string
	GenerationID string
	URL          string // preview or PR
}

// Subject names what the notification is about, preferring the task.
func (n Notification) Subject() string {
	switch {
	case n.TaskID != "":
		return "task " + n.TaskID
	case n.GenerationID != "":
		return "generation " + n.GenerationID
	}
	return ""
}

// Notifier delivers notifications.
type Notifier interface {
	Send(n Notification) error
}

// Fanout sends to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Send(n Notification) error {
	var errs []error
	for _, notifier := range f {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// FromConfig builds the notifiers enabled in cfg.
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var f Fanout
	if cfg.Desktop {
		f = append(f, NewDesktop())
	}
	if cfg.SlackWebhook != "" {
		f = append(f, NewSlack(cfg.SlackWebhook))
	}
	if len(f) == 0 {
		return Noop{}
	}
	return f
}

// Noop drops everything.
type Noop struct{}

func (Noop) Send(Notification) error { return nil }
