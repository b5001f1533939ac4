package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/sandbox-builder/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_TerminalRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "warn"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	logger.Info("hidden")
	logger.Warn("shown", "sandbox", "sb-1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "sandbox=sb-1") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestNew_FanoutToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "builder.log")
	logger, err := New(config.LoggingConfig{Level: "info", JSON: true, File: path}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("generation completed", "files", 3)
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	var terminal map[string]any
	if err := json.Unmarshal(buf.Bytes(), &terminal); err != nil {
		t.Fatalf("terminal output is not JSON: %v", err)
	}
	if terminal["msg"] != "generation completed" {
		t.Errorf("msg = %v", terminal["msg"])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "generation completed") {
		t.Errorf("file log missing record: %q", data)
	}
}

func TestToJournalKey(t *testing.T) {
	if got := toJournalKey("sandbox.id"); got != "SANDBOX_ID" {
		t.Errorf("toJournalKey = %q", got)
	}
}
