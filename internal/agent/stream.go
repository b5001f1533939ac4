package agent

import (
	"encoding/json"
	"strings"
)

// streamMessage is one line of claude --output-format stream-json
type streamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// result messages
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error string `json:"error,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type toolInput struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
}

// parseLine converts one stream-json line into events. Lines that are not
// JSON, or carry nothing the pipeline reacts to, yield no events. A result
// line yields a turn_end event and the session usage.
func parseLine(line string) ([]Event, *Usage, *streamMessage) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil, nil, nil
	}
	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, nil, nil
	}

	var events []Event
	switch msg.Type {
	case "assistant":
		for _, b := range msg.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					events = append(events, Event{Kind: EventText, Text: b.Text})
				}
			case "tool_use":
				ev := Event{Kind: EventToolUse, ToolUseID: b.ID, ToolName: b.Name}
				if fileWriteTools[b.Name] {
					var in toolInput
					if err := json.Unmarshal(b.Input, &in); err == nil {
						ev.FilePath = in.FilePath
						if ev.FilePath == "" {
							ev.FilePath = in.Path
						}
					}
				}
				events = append(events, ev)
			}
		}
	case "user":
		for _, b := range msg.Message.Content {
			if b.Type != "tool_result" {
				continue
			}
			events = append(events, Event{
				Kind:      EventToolResult,
				ToolUseID: b.ToolUseID,
				Text:      resultText(b.Content),
				IsError:   b.IsError,
			})
		}
	case "result":
		cost := msg.TotalCostUSD
		if cost == 0 {
			cost = msg.CostUSD
		}
		usage := &Usage{
			SessionID:    msg.SessionID,
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
			CostUSD:      cost,
			Turns:        msg.NumTurns,
		}
		events = append(events, Event{Kind: EventTurnEnd, Text: msg.Result, IsError: msg.IsError})
		return events, usage, &msg
	}
	return events, nil, &msg
}

// resultText flattens tool_result content, which is either a string or a
// list of text blocks
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// extractError scans the tail of the output for an error the agent
// reported, most recent first
func extractError(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch {
		case msg.Type == "error" && msg.Error != "":
			return msg.Error
		case msg.Type == "result" && msg.IsError:
			if msg.Result != "" {
				return msg.Result
			}
			return msg.Subtype
		}
	}
	return ""
}
