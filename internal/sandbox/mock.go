package sandbox

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// MockProvider is an in-memory Provider for testing
type MockProvider struct {
	mu sync.RWMutex

	// Sandboxes tracks every sandbox ever created, alive or not
	Sandboxes map[string]*MockSandbox

	// Errors allows injecting errors for specific operations
	// ("Create", "Connect", "Kill", "ReadFile", "WriteFile", "ListFiles", "Run")
	Errors map[string]error

	// RunFunc, if set, scripts the result of Run for live sandboxes
	RunFunc func(id, cmd string, opts RunOptions) (*RunResult, error)

	// CallLog records all method calls for verification
	CallLog []MockCall

	HostPattern string
	Workdir     string

	seq int
}

// MockSandbox is the state of one mock sandbox
type MockSandbox struct {
	ID        string
	ProjectID string
	Alive     bool
	Files     map[string][]byte
	Writes    []string // paths in write order
	Killed    int
}

// MockCall represents a recorded method call
type MockCall struct {
	Method string
	Args   []interface{}
}

// NewMockProvider creates a new mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Sandboxes:   make(map[string]*MockSandbox),
		Errors:      make(map[string]error),
		CallLog:     make([]MockCall, 0),
		HostPattern: "{port}-{id}.sandbox.test",
		Workdir:     "/home/user/app",
	}
}

func (m *MockProvider) record(method string, args ...interface{}) {
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
}

// SetError sets an error to be returned for a specific operation
func (m *MockProvider) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, operation)
		return
	}
	m.Errors[operation] = err
}

// Expire simulates the remote side killing a sandbox
func (m *MockProvider) Expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.Sandboxes[id]; ok {
		sb.Alive = false
	}
}

// Sandbox returns a snapshot of a sandbox's files, or nil if unknown
func (m *MockProvider) Sandbox(id string) *MockSandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.Sandboxes[id]
	if !ok {
		return nil
	}
	cp := *sb
	cp.Files = make(map[string][]byte, len(sb.Files))
	for k, v := range sb.Files {
		cp.Files[k] = append([]byte(nil), v...)
	}
	cp.Writes = append([]string(nil), sb.Writes...)
	return &cp
}

// Alive returns the ids of live sandboxes, sorted
func (m *MockProvider) Alive() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, sb := range m.Sandboxes {
		if sb.Alive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetCallsFor returns all calls for a specific method
func (m *MockProvider) GetCallsFor(method string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// Name returns the provider identifier
func (m *MockProvider) Name() string {
	return "mock"
}

// Create provisions a new in-memory sandbox
func (m *MockProvider) Create(ctx context.Context, opts ProviderOptions) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Create", opts.ProjectID)

	if err, ok := m.Errors["Create"]; ok {
		return nil, err
	}

	m.seq++
	id := fmt.Sprintf("mock-%d", m.seq)
	m.Sandboxes[id] = &MockSandbox{
		ID:        id,
		ProjectID: opts.ProjectID,
		Alive:     true,
		Files:     make(map[string][]byte),
	}
	return &mockConn{m: m, id: id}, nil
}

// Connect attaches to a live sandbox
func (m *MockProvider) Connect(ctx context.Context, id string) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Connect", id)

	if err, ok := m.Errors["Connect"]; ok {
		return nil, err
	}
	sb, ok := m.Sandboxes[id]
	if !ok || !sb.Alive {
		return nil, fmt.Errorf("sandbox %s: %w", id, ErrGone)
	}
	return &mockConn{m: m, id: id}, nil
}

type mockConn struct {
	m  *MockProvider
	id string
}

func (c *mockConn) ID() string {
	return c.id
}

// live returns the sandbox, failing like a real provider when it is dead.
// Callers must hold c.m.mu.
func (c *mockConn) live(op string) (*MockSandbox, error) {
	if err, ok := c.m.Errors[op]; ok {
		return nil, err
	}
	sb, ok := c.m.Sandboxes[c.id]
	if !ok || !sb.Alive {
		return nil, fmt.Errorf("%s %s: sandbox was killed: %w", op, c.id, ErrGone)
	}
	return sb, nil
}

func (c *mockConn) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.m.Workdir, p)
}

func (c *mockConn) Kill(ctx context.Context) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.record("Kill", c.id)

	if err, ok := c.m.Errors["Kill"]; ok {
		return err
	}
	if sb, ok := c.m.Sandboxes[c.id]; ok {
		sb.Alive = false
		sb.Killed++
	}
	return nil
}

func (c *mockConn) ReadFile(ctx context.Context, p string) ([]byte, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.record("ReadFile", c.id, p)

	sb, err := c.live("ReadFile")
	if err != nil {
		return nil, err
	}
	data, ok := sb.Files[c.resolve(p)]
	if !ok {
		return nil, fmt.Errorf("read %s: no such file", p)
	}
	return append([]byte(nil), data...), nil
}

func (c *mockConn) WriteFile(ctx context.Context, p string, data []byte) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.record("WriteFile", c.id, p)

	sb, err := c.live("WriteFile")
	if err != nil {
		return err
	}
	full := c.resolve(p)
	sb.Files[full] = append([]byte(nil), data...)
	sb.Writes = append(sb.Writes, full)
	return nil
}

func (c *mockConn) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.record("ListFiles", c.id, dir)

	sb, err := c.live("ListFiles")
	if err != nil {
		return nil, err
	}

	full := c.resolve(dir)
	prefix := strings.TrimSuffix(full, "/") + "/"
	seen := make(map[string]bool)
	var files []FileInfo
	for p := range sb.Files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, FileInfo{Name: name, Path: path.Join(full, name), IsDir: nested})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (c *mockConn) Run(ctx context.Context, cmd string, opts RunOptions) (*RunResult, error) {
	c.m.mu.Lock()
	c.m.record("Run", c.id, cmd)
	_, err := c.live("Run")
	runFunc := c.m.RunFunc
	c.m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if runFunc != nil {
		return runFunc(c.id, cmd, opts)
	}
	return &RunResult{}, nil
}

func (c *mockConn) Host(port int) string {
	return hostFromPattern(c.m.HostPattern, port, c.id)
}

var _ Provider = (*MockProvider)(nil)
