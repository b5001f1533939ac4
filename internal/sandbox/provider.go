// Package sandbox manages ephemeral remote execution environments.
//
// A sandbox id is only ever a hint: sandboxes expire, crash, or outlive the
// process that created them. Callers resolve ids through
// Manager.ReconnectOrCreate, which may hand back a replacement with a new id
// and rewrites durable references to the old one.
package sandbox

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"
)

// ErrGone is returned by providers when a sandbox no longer exists remotely
var ErrGone = stderrors.New("sandbox is gone")

// ProviderOptions are passed to Provider.Create
type ProviderOptions struct {
	ProjectID string
	Labels    map[string]string
}

// RunOptions controls a command executed inside a sandbox
type RunOptions struct {
	Background bool
	Timeout    time.Duration
	Dir        string
}

// RunResult holds the result of a foreground command
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK returns true if the command exited with status 0
func (r *RunResult) OK() bool {
	return r != nil && r.ExitCode == 0
}

// FileInfo describes one directory entry inside a sandbox
type FileInfo struct {
	Name  string
	Path  string
	IsDir bool
}

// Provider provisions sandboxes. Implementations must be safe for
// concurrent use and must treat every call as failable.
type Provider interface {
	// Name returns the provider identifier (e.g. "docker")
	Name() string

	// Create provisions a new sandbox
	Create(ctx context.Context, opts ProviderOptions) (Conn, error)

	// Connect attaches to an existing sandbox by id. It fails with an
	// error wrapping ErrGone when the sandbox no longer exists.
	Connect(ctx context.Context, id string) (Conn, error)
}

// Conn is a live connection to one sandbox
type Conn interface {
	ID() string
	Kill(ctx context.Context) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListFiles(ctx context.Context, dir string) ([]FileInfo, error)
	// Run executes cmd with sh -c. A non-zero exit is reported in the
	// result, not as an error.
	Run(ctx context.Context, cmd string, opts RunOptions) (*RunResult, error)
	// Host returns the externally reachable hostname for a port
	Host(port int) string
}

var goneMarkers = []string{
	"not found",
	"no such container",
	"is not running",
	"sandbox was killed",
	"sandbox is gone",
}

// IsGone reports whether err indicates the sandbox no longer exists
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrGone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range goneMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// hostFromPattern expands {port} and {id} in a preview host pattern
func hostFromPattern(pattern string, port int, id string) string {
	r := strings.NewReplacer("{port}", strconv.Itoa(port), "{id}", id)
	return r.Replace(pattern)
}
