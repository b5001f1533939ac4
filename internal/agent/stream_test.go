package agent

import "testing"

func TestParseLine_Assistant(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Creating the app"},` +
		`{"type":"tool_use","id":"toolu_1","name":"Write","input":{"file_path":"/tmp/s/index.html","content":"<h1>hi</h1>"}},` +
		`{"type":"tool_use","id":"toolu_2","name":"Bash","input":{"command":"ls"}}]}}`

	events, usage, _ := parseLine(line)
	if usage != nil {
		t.Error("assistant line should not carry usage")
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Kind != EventText || events[0].Text != "Creating the app" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if !events[1].IsFileWrite() || events[1].FilePath != "/tmp/s/index.html" || events[1].ToolUseID != "toolu_1" {
		t.Errorf("events[1] = %+v", events[1])
	}
	if events[2].IsFileWrite() {
		t.Errorf("Bash should not be a file write: %+v", events[2])
	}
}

func TestParseLine_ToolResult(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		text    string
		isError bool
	}{
		{
			"string content",
			`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"File created"}]}}`,
			"File created", false,
		},
		{
			"block content with error",
			`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","is_error":true,"content":[{"type":"text","text":"EACCES"}]}]}}`,
			"EACCES", true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, _, _ := parseLine(tt.line)
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			ev := events[0]
			if ev.Kind != EventToolResult || ev.ToolUseID != "toolu_1" || ev.Text != tt.text || ev.IsError != tt.isError {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

func TestParseLine_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","is_error":false,"num_turns":4,"result":"Done","session_id":"abc","total_cost_usd":0.25,"usage":{"input_tokens":1200,"output_tokens":800}}`

	events, usage, _ := parseLine(line)
	if len(events) != 1 || events[0].Kind != EventTurnEnd {
		t.Fatalf("events = %+v", events)
	}
	if usage == nil {
		t.Fatal("expected usage")
	}
	if usage.InputTokens != 1200 || usage.OutputTokens != 800 || usage.CostUSD != 0.25 || usage.Turns != 4 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestParseLine_Ignored(t *testing.T) {
	for _, line := range []string{
		"",
		"plain text",
		"{not json",
		`{"type":"system","subtype":"init"}`,
	} {
		if events, usage, _ := parseLine(line); len(events) != 0 || usage != nil {
			t.Errorf("parseLine(%q) = %v, %v", line, events, usage)
		}
	}
}

func TestExtractError(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{"none", []string{`{"type":"assistant"}`}, ""},
		{"error line", []string{`{"type":"error","error":"rate limited"}`}, "rate limited"},
		{"result error", []string{`{"type":"result","subtype":"error_max_turns","is_error":true}`}, "error_max_turns"},
		{
			"most recent wins",
			[]string{`{"type":"error","error":"first"}`, `{"type":"error","error":"second"}`},
			"second",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractError(tt.lines); got != tt.want {
				t.Errorf("extractError() = %q, want %q", got, tt.want)
			}
		})
	}
}
