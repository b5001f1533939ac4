package filesync

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/sandbox-builder/internal/agent"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/logging"
)

// memTarget is an in-memory sandbox stand-in
type memTarget struct {
	mu     sync.Mutex
	files  map[string]string
	writes []string
	fail   map[string]int // path -> remaining failures
}

func newMemTarget() *memTarget {
	return &memTarget{files: make(map[string]string), fail: make(map[string]int)}
}

func (m *memTarget) WriteFile(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[path] > 0 {
		m.fail[path]--
		return stderrors.New("connection reset")
	}
	m.files[path] = string(data)
	m.writes = append(m.writes, path)
	return nil
}

func (m *memTarget) get(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[path]
}

func writeScratch(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// agentWrite simulates the agent writing a file and the tool reporting back
func agentWrite(t *testing.T, b *Bridge, id, rel, content string) []Change {
	t.Helper()
	ctx := context.Background()
	b.Observe(ctx, agent.Event{Kind: agent.EventToolUse, ToolUseID: id, ToolName: "Write", FilePath: filepath.Join(b.Dir(), rel)})
	writeScratch(t, b.Dir(), rel, content)
	return b.Observe(ctx, agent.Event{Kind: agent.EventToolResult, ToolUseID: id})
}

func TestBridge_LastWriteWins(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()
	b := NewBridge(dir, target, logging.Nop())

	agentWrite(t, b, "1", "index.html", "A")
	agentWrite(t, b, "2", "app.js", "B")
	agentWrite(t, b, "3", "index.html", "A'")

	if got := target.get("index.html"); got != "A'" {
		t.Fatalf("after incremental sync index.html = %q, want A'", got)
	}

	if _, err := b.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := target.get("index.html"); got != "A'" {
		t.Errorf("after reconcile index.html = %q, want A'", got)
	}
	want := []string{"index.html", "app.js", "index.html"}
	if len(target.writes) != len(want) {
		t.Fatalf("writes = %v, want %v", target.writes, want)
	}
	for i := range want {
		if target.writes[i] != want[i] {
			t.Errorf("writes[%d] = %q, want %q", i, target.writes[i], want[i])
		}
	}
}

func TestBridge_ReconcileCorrectsMissedWrites(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()
	target.fail["style.css"] = 1
	b := NewBridge(dir, target, logging.Nop())

	agentWrite(t, b, "1", "style.css", "body{}")
	if got := target.get("style.css"); got != "" {
		t.Fatalf("failed write should not land, got %q", got)
	}

	// written by a shell command, never reported as a write
	writeScratch(t, dir, "src/gen.js", "export {}")
	writeScratch(t, dir, ".cache/junk", "x")
	writeScratch(t, dir, "node_modules/lib/index.js", "x")

	changes, err := b.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Errorf("changes = %+v, want style.css and src/gen.js", changes)
	}
	if target.get("style.css") != "body{}" || target.get("src/gen.js") != "export {}" {
		t.Errorf("target files = %v", target.files)
	}
	if target.get(".cache/junk") != "" || target.get("node_modules/lib/index.js") != "" {
		t.Error("hidden and dependency dirs should not be mirrored")
	}

	files := b.Files()
	if len(files) != 2 || files[0] != "src/gen.js" || files[1] != "style.css" {
		t.Errorf("Files() = %v", files)
	}
}

func TestBridge_ReconcileReportsWriteFailures(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()
	target.fail["a.txt"] = 5
	b := NewBridge(dir, target, logging.Nop())
	writeScratch(t, dir, "a.txt", "x")
	writeScratch(t, dir, "b.txt", "y")

	changes, err := b.Reconcile(context.Background())
	if !errors.IsKind(err, errors.KindSync) {
		t.Errorf("err = %v, want sync error", err)
	}
	if len(changes) != 1 || changes[0].Path != "b.txt" {
		t.Errorf("changes = %+v", changes)
	}
}

func TestBridge_MissingSourceSkipped(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()
	b := NewBridge(dir, target, logging.Nop())
	ctx := context.Background()

	b.Observe(ctx, agent.Event{Kind: agent.EventToolUse, ToolUseID: "1", ToolName: "Write", FilePath: filepath.Join(dir, "tmp.txt")})
	changes := b.Observe(ctx, agent.Event{Kind: agent.EventToolResult, ToolUseID: "1"})
	if len(changes) != 0 {
		t.Errorf("changes = %+v, want none", changes)
	}

	if _, err := b.SyncPaths(ctx, []string{"gone.txt"}); err != nil {
		t.Errorf("missing file should not be an error: %v", err)
	}
}

func TestBridge_ErroredAndUnrelatedEvents(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()
	b := NewBridge(dir, target, logging.Nop())
	ctx := context.Background()
	writeScratch(t, dir, "a.txt", "x")

	b.Observe(ctx, agent.Event{Kind: agent.EventToolUse, ToolUseID: "1", ToolName: "Write", FilePath: "a.txt"})
	b.Observe(ctx, agent.Event{Kind: agent.EventToolUse, ToolUseID: "2", ToolName: "Bash"})
	if b.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", b.Pending())
	}

	b.Observe(ctx, agent.Event{Kind: agent.EventToolResult, ToolUseID: "2"})
	b.Observe(ctx, agent.Event{Kind: agent.EventToolResult, ToolUseID: "1", IsError: true})

	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
	if len(target.writes) != 0 {
		t.Errorf("errored write mirrored: %v", target.writes)
	}
}

func TestBridge_OutsideScratchIgnored(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	os.WriteFile(outside, []byte("x"), 0644)

	target := newMemTarget()
	b := NewBridge(dir, target, logging.Nop())
	ctx := context.Background()

	for _, p := range []string{outside, "../escape.txt"} {
		b.Observe(ctx, agent.Event{Kind: agent.EventToolUse, ToolUseID: "1", ToolName: "Write", FilePath: p})
		b.Observe(ctx, agent.Event{Kind: agent.EventToolResult, ToolUseID: "1"})
	}
	if len(target.writes) != 0 {
		t.Errorf("writes = %v, want none", target.writes)
	}
}

func TestBridge_ResetResyncsEverything(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()
	b := NewBridge(dir, target, logging.Nop())
	ctx := context.Background()
	writeScratch(t, dir, "a.txt", "x")

	b.Reconcile(ctx)
	b.Reconcile(ctx)
	if len(target.writes) != 1 {
		t.Fatalf("unchanged file rewritten: %v", target.writes)
	}

	b.Reset()
	changes, _ := b.Reconcile(ctx)
	if len(target.writes) != 2 || !changes[0].Created {
		t.Errorf("after reset writes = %v, changes = %+v", target.writes, changes)
	}
}

func TestBridge_ChangeStats(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()
	b := NewBridge(dir, target, logging.Nop())

	first := agentWrite(t, b, "1", "a.txt", "one\ntwo\nthree\n")
	if len(first) != 1 || first[0].Added != 3 || first[0].Removed != 0 || !first[0].Created {
		t.Errorf("first = %+v", first)
	}

	second := agentWrite(t, b, "2", "a.txt", "one\n2\nthree\nfour\n")
	if len(second) != 1 || second[0].Added != 2 || second[0].Removed != 1 || second[0].Created {
		t.Errorf("second = %+v", second)
	}
}

func TestBridge_Watch(t *testing.T) {
	dir := t.TempDir()
	target := newMemTarget()
	b := NewBridge(dir, target, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx, 20*time.Millisecond) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	writeScratch(t, dir, "built.html", "<p>built</p>")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if target.get("built.html") == "<p>built</p>" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("watched file was not mirrored")
}
