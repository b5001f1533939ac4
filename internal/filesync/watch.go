package filesync

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches rapid successive changes to the same files
const DefaultDebounce = 300 * time.Millisecond

// Watch mirrors files changed in the scratch directory by means other than
// the write tools (shell commands, generators) until ctx is done. Changes
// are debounced and go through the same sync path as agent writes.
func (b *Bridge) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := b.addTree(watcher, b.dir); err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
	)
	flush := func() {
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]struct{})
		mu.Unlock()

		if len(paths) == 0 || ctx.Err() != nil {
			return
		}
		sort.Strings(paths)
		if _, err := b.syncPaths(ctx, paths); err != nil {
			b.logger.Warn("watch sync incomplete", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if b.ignored(event.Name) {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				// new directories are watched too; files created in them
				// before the watch lands are caught by reconciliation
				b.addTree(watcher, event.Name)
				continue
			}
			rel, ok := b.relative(event.Name)
			if !ok {
				continue
			}

			mu.Lock()
			pending[rel] = struct{}{}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, flush)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("watch error", "error", err)
		}
	}
}

func (b *Bridge) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != b.dir && b.ignored(p) {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

// ignored reports whether any component of p below the scratch dir is
// hidden or a skipped directory
func (b *Bridge) ignored(p string) bool {
	rel, err := filepath.Rel(b.dir, p)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == "." {
			continue
		}
		if strings.HasPrefix(part, ".") || skippedDirs[part] {
			return true
		}
	}
	return false
}
