package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack posts to an incoming webhook.
type Slack struct {
	webhook string
	client  *http.Client
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color     string `json:"color"`
	Title     string `json:"title,omitempty"`
	TitleLink string `json:"title_link,omitempty"`
	Text      string `json:"text"`
	Footer    string `json:"footer"`
}

func NewSlack(webhook string) *Slack {
	return &Slack{webhook: webhook, client: &http.Client{Timeout: 10 * time.Second}}
}

func slackColor(l Level) string {
	switch l {
	case Success:
		return "good"
	case Warning:
		return "warning"
	case Failure:
		return "danger"
	}
	return "#439FE0"
}

func buildSlackPayload(n Notification) slackPayload {
	a := slackAttachment{
		Color:  slackColor(n.Level),
		Title:  n.Subject(),
		Text:   n.Message,
		Footer: "sandbox-builder",
	}
	if n.URL != "" {
		if a.Title == "" {
			a.Title = n.URL
		}
		a.TitleLink = n.URL
	}
	return slackPayload{Text: n.Title, Attachments: []slackAttachment{a}}
}

func (s *Slack) Send(n Notification) error {
	body, err := json.Marshal(buildSlackPayload(n))
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.webhook, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
