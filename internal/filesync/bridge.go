// Package filesync mirrors files the coding agent writes in its local
// scratch directory into a sandbox.
//
// Every path goes through one function, syncPaths, which re-reads the file
// fresh, compares it with what was last mirrored, and writes it when it
// differs. It runs once per completed write the agent reports, for a live
// preview, and once over the whole directory when the agent's turn ends,
// which is the authoritative pass.
package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/hochfrequenz/sandbox-builder/internal/agent"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
)

// maxTrackedContent bounds the per-file content kept for line stats
const maxTrackedContent = 512 * 1024

// skippedDirs are never walked during reconciliation
var skippedDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
}

// Target receives mirrored files, addressed by slash-separated paths
// relative to the scratch directory
type Target interface {
	WriteFile(ctx context.Context, path string, data []byte) error
}

// TargetFunc adapts a function to Target
type TargetFunc func(ctx context.Context, path string, data []byte) error

// WriteFile calls f
func (f TargetFunc) WriteFile(ctx context.Context, path string, data []byte) error {
	return f(ctx, path, data)
}

// Change describes one file mirrored into the sandbox
type Change struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

type pendingWrite struct {
	toolUseID string
	path      string
}

type syncedFile struct {
	digest  string
	content string // empty when too large to track
}

// Bridge mirrors one scratch directory into one sandbox target
type Bridge struct {
	dir    string
	target Target
	logger *slog.Logger

	mu      sync.Mutex
	pending []pendingWrite

	// syncMu serializes read-then-write so the last sync always wins
	syncMu sync.Mutex
	synced map[string]syncedFile
}

// NewBridge creates a bridge for dir
func NewBridge(dir string, target Target, logger *slog.Logger) *Bridge {
	return &Bridge{
		dir:    dir,
		target: target,
		logger: logger.With("component", "filesync"),
		synced: make(map[string]syncedFile),
	}
}

// Dir returns the scratch directory
func (b *Bridge) Dir() string {
	return b.dir
}

// Observe feeds one agent event to the bridge. A file-writing tool_use is
// queued; its matching successful tool_result mirrors the file before
// Observe returns.
func (b *Bridge) Observe(ctx context.Context, ev agent.Event) []Change {
	switch ev.Kind {
	case agent.EventToolUse:
		if !ev.IsFileWrite() {
			return nil
		}
		b.mu.Lock()
		b.pending = append(b.pending, pendingWrite{toolUseID: ev.ToolUseID, path: ev.FilePath})
		b.mu.Unlock()
		return nil

	case agent.EventToolResult:
		w, ok := b.dequeue(ev.ToolUseID)
		if !ok {
			return nil
		}
		if ev.IsError {
			b.logger.Debug("skipping failed write", "path", w.path, "error", ev.Text)
			return nil
		}
		rel, ok := b.relative(w.path)
		if !ok {
			b.logger.Warn("ignoring write outside scratch dir", "path", w.path)
			return nil
		}
		changes, _ := b.syncPaths(ctx, []string{rel})
		return changes
	}
	return nil
}

// dequeue removes the pending write for toolUseID, preserving FIFO order
// for the rest
func (b *Bridge) dequeue(toolUseID string) (pendingWrite, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.pending {
		if w.toolUseID == toolUseID {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return w, true
		}
	}
	return pendingWrite{}, false
}

// Pending returns the number of writes awaiting their tool result
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reconcile walks the whole scratch directory and mirrors every file whose
// content differs from what was last synced. The returned error joins the
// per-file failures; files that failed stay unsynced.
func (b *Bridge) Reconcile(ctx context.Context) ([]Change, error) {
	var paths []string
	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if p == b.dir {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || skippedDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(b.dir, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Sync(b.dir, err)
	}
	sort.Strings(paths)
	return b.syncPaths(ctx, paths)
}

// SyncPaths mirrors the given scratch-relative paths
func (b *Bridge) SyncPaths(ctx context.Context, paths []string) ([]Change, error) {
	return b.syncPaths(ctx, paths)
}

func (b *Bridge) syncPaths(ctx context.Context, paths []string) ([]Change, error) {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()

	var changes []Change
	var errs []error
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		full, err := securejoin.SecureJoin(b.dir, rel)
		if err != nil {
			errs = append(errs, errors.Sync(rel, err))
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			if os.IsNotExist(err) {
				// deleted or renamed since the agent wrote it
				b.logger.Debug("source vanished, skipping", "path", rel)
				continue
			}
			b.logger.Warn("reading scratch file", "path", rel, "error", err)
			errs = append(errs, errors.Sync(rel, err))
			continue
		}

		digest := digestOf(data)
		prev, seen := b.synced[rel]
		if seen && prev.digest == digest {
			continue
		}

		if err := b.target.WriteFile(ctx, rel, data); err != nil {
			b.logger.Warn("mirroring file", "path", rel, "error", err)
			errs = append(errs, errors.Sync(rel, err))
			continue
		}

		content := ""
		if len(data) <= maxTrackedContent {
			content = string(data)
		}
		added, removed := lineStats(prev.content, content)
		b.synced[rel] = syncedFile{digest: digest, content: content}
		changes = append(changes, Change{Path: rel, Created: !seen, Added: added, Removed: removed})
	}
	return changes, stderrors.Join(errs...)
}

// Files returns every path mirrored so far, sorted
func (b *Bridge) Files() []string {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	files := make([]string, 0, len(b.synced))
	for p := range b.synced {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// Reset forgets what was synced, so the next Reconcile rewrites everything.
// Used after the sandbox behind the target was substituted.
func (b *Bridge) Reset() {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	b.synced = make(map[string]syncedFile)
}

// relative maps an agent-reported path to a slash-separated path inside
// the scratch directory
func (b *Bridge) relative(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(b.dir, p)
	}
	rel, err := filepath.Rel(b.dir, filepath.Clean(p))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
