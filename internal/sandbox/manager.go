package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
)

// DefaultTTL is how long a sandbox lives unless extended
const DefaultTTL = time.Hour

// References are the durable records that name sandboxes by id
type References interface {
	AttachSandbox(ctx context.Context, generationID, sandboxID string) error
	ReplaceSandboxID(ctx context.Context, oldID, newID string) (int64, error)
}

// Options configures a Manager
type Options struct {
	TTL                time.Duration
	SweepSchedule      string
	ProbeTimeout       time.Duration
	PreviewSettleDelay time.Duration
	// ReadConcurrency bounds parallel file reads in ReadFiles
	ReadConcurrency int
}

// CreateOptions are passed to Manager.Create
type CreateOptions struct {
	ProjectID    string
	GenerationID string // when set, the new id is persisted onto the generation
}

// excludedNames are never listed by ListFilesRecursive
var excludedNames = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"__pycache__":  true,
	"venv":         true,
}

// Manager owns the sandbox registry and every remote sandbox call.
// It is constructed explicitly and driven by Start and Shutdown.
type Manager struct {
	provider Provider
	registry *Registry
	refs     References
	opts     Options
	logger   *slog.Logger

	flight singleflight.Group
	cron   *cron.Cron
	mu     sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a sandbox manager. refs may be nil.
func NewManager(provider Provider, refs References, opts Options, logger *slog.Logger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = "@every 5m"
	}
	if opts.ReadConcurrency <= 0 {
		opts.ReadConcurrency = 8
	}
	return &Manager{
		provider: provider,
		registry: NewRegistry(),
		refs:     refs,
		opts:     opts,
		logger:   logger.With("component", "sandbox"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Provider returns the underlying provider name
func (m *Manager) Provider() string {
	return m.provider.Name()
}

// Start schedules the periodic expiry sweep
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(m.opts.SweepSchedule, func() {
		if n := m.Sweep(context.Background()); n > 0 {
			m.logger.Info("expired sandboxes closed", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", m.opts.SweepSchedule, err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("sandbox manager started", "provider", m.provider.Name(), "sweep", m.opts.SweepSchedule, "ttl", m.opts.TTL)
	return nil
}

// Shutdown stops the sweep and closes every registered sandbox
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	for _, h := range m.registry.All() {
		m.Close(ctx, h.ID)
	}
}

// Create provisions and registers a new sandbox
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Handle, error) {
	h, err := m.provision(ctx, opts.ProjectID)
	if err != nil {
		return nil, err
	}

	if opts.GenerationID != "" && m.refs != nil {
		if err := m.refs.AttachSandbox(ctx, opts.GenerationID, h.ID); err != nil {
			m.Close(ctx, h.ID)
			return nil, fmt.Errorf("recording sandbox on generation %s: %w", opts.GenerationID, err)
		}
	}
	return h, nil
}

func (m *Manager) provision(ctx context.Context, projectID string) (*Handle, error) {
	conn, err := m.provider.Create(ctx, ProviderOptions{ProjectID: projectID})
	if err != nil {
		return nil, errors.Provisioning("create", err)
	}
	now := m.now()
	h := &Handle{
		ID:        conn.ID(),
		ProjectID: projectID,
		Conn:      conn,
		CreatedAt: now,
		expiresAt: now.Add(m.opts.TTL),
	}
	m.registry.Register(h)
	m.logger.Info("sandbox created", "sandbox", h.ID, "project", projectID, "expires_at", h.expiresAt)
	return h, nil
}

// Get is a pure in-memory lookup; it returns nil for unknown ids
func (m *Manager) Get(id string) *Handle {
	return m.registry.Get(id)
}

// Handles returns a snapshot of all registered sandboxes
func (m *Manager) Handles() []HandleInfo {
	all := m.registry.All()
	infos := make([]HandleInfo, 0, len(all))
	for _, h := range all {
		infos = append(infos, h.Info())
	}
	return infos
}

// ReconnectOrCreate resolves a last-known sandbox id to a usable handle.
// A registered, responsive handle is returned as is. Otherwise the provider
// is asked to reconnect by id, and failing that a new sandbox is provisioned
// and every durable reference to id is rewritten to the new id.
func (m *Manager) ReconnectOrCreate(ctx context.Context, id, projectID string) (*Handle, error) {
	if id == "" {
		return m.provision(ctx, projectID)
	}
	v, err, _ := m.flight.Do(id, func() (interface{}, error) {
		return m.reconnectOrCreate(ctx, id, projectID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (m *Manager) reconnectOrCreate(ctx context.Context, id, projectID string) (*Handle, error) {
	stale := m.registry.Get(id)
	if stale != nil {
		if m.probe(ctx, stale) {
			return stale, nil
		}
		m.logger.Warn("sandbox unresponsive, reconnecting", "sandbox", id)
		if projectID == "" {
			projectID = stale.ProjectID
		}
	}

	conn, err := m.provider.Connect(ctx, id)
	if err == nil {
		now := m.now()
		h := &Handle{
			ID:        conn.ID(),
			ProjectID: projectID,
			Conn:      conn,
			CreatedAt: now,
			expiresAt: now.Add(m.opts.TTL),
		}
		if stale != nil {
			// same sandbox: keep its age, expiry and lineage
			h.CreatedAt = stale.CreatedAt
			h.expiresAt = stale.ExpiresAt()
			h.ReplacedID = stale.ReplacedID
		}
		if m.probe(ctx, h) {
			m.registry.Register(h)
			m.logger.Info("sandbox reconnected", "sandbox", id)
			return h, nil
		}
		if stale == nil {
			m.kill(ctx, h)
		}
	} else {
		m.logger.Debug("sandbox reconnect failed", "sandbox", id, "error", err)
	}

	// the old sandbox is only torn down once it is certain to be replaced
	if stale != nil && m.registry.unregisterIf(id, stale) {
		m.kill(ctx, stale)
	}
	return m.replace(ctx, id, projectID)
}

// replace provisions a substitute for oldID and repoints durable references
func (m *Manager) replace(ctx context.Context, oldID, projectID string) (*Handle, error) {
	h, err := m.provision(ctx, projectID)
	if err != nil {
		return nil, err
	}
	h.ReplacedID = oldID

	if m.refs != nil {
		n, err := m.refs.ReplaceSandboxID(ctx, oldID, h.ID)
		if err != nil {
			m.logger.Error("rewriting sandbox references", "old", oldID, "new", h.ID, "error", err)
		} else {
			m.logger.Info("sandbox replaced", "old", oldID, "new", h.ID, "references", n)
		}
	}
	return h, nil
}

func (m *Manager) probe(ctx context.Context, h *Handle) bool {
	res, err := h.Conn.Run(ctx, "true", RunOptions{Timeout: m.opts.ProbeTimeout})
	return err == nil && res.OK()
}

// Close tears a sandbox down. It never fails: errors are logged, since
// cleanup must not block any other flow.
func (m *Manager) Close(ctx context.Context, id string) {
	h := m.registry.Unregister(id)
	if h == nil {
		m.logger.Debug("close of unknown sandbox", "sandbox", id)
		return
	}
	m.kill(ctx, h)
}

func (m *Manager) kill(ctx context.Context, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic closing sandbox", "sandbox", h.ID, "panic", r)
		}
	}()
	if err := h.Conn.Kill(ctx); err != nil {
		m.logger.Warn("closing sandbox", "sandbox", h.ID, "error", err)
		return
	}
	m.logger.Info("sandbox closed", "sandbox", h.ID)
}

// Sweep closes every sandbox past its expiry and returns how many it closed
func (m *Manager) Sweep(ctx context.Context) int {
	closed := 0
	for _, h := range m.registry.Expired(m.now()) {
		// Extend may have raced us; only close what is still expired
		if !h.Expired(m.now()) {
			continue
		}
		if !m.registry.unregisterIf(h.ID, h) {
			continue
		}
		m.kill(ctx, h)
		closed++
	}
	return closed
}

// Extend keeps a sandbox alive for d from now, or for the configured TTL
// when d is not positive. It returns the new expiry.
func (m *Manager) Extend(id string, d time.Duration) (time.Time, error) {
	h := m.registry.Get(id)
	if h == nil {
		return time.Time{}, errors.NotFound("sandbox", id)
	}
	if d <= 0 {
		d = m.opts.TTL
	}
	expires := m.now().Add(d)
	h.SetExpiresAt(expires)
	m.logger.Info("sandbox extended", "sandbox", id, "expires_at", expires)
	return expires, nil
}

func (m *Manager) conn(id string) (Conn, error) {
	h := m.registry.Get(id)
	if h == nil {
		return nil, errors.NotFound("sandbox", id)
	}
	return h.Conn, nil
}

// WriteFile writes a file into a registered sandbox
func (m *Manager) WriteFile(ctx context.Context, id, p string, data []byte) error {
	c, err := m.conn(id)
	if err != nil {
		return err
	}
	return c.WriteFile(ctx, p, data)
}

// ReadFile reads a file from a registered sandbox
func (m *Manager) ReadFile(ctx context.Context, id, p string) ([]byte, error) {
	c, err := m.conn(id)
	if err != nil {
		return nil, err
	}
	return c.ReadFile(ctx, p)
}

// ListFiles lists one directory of a registered sandbox
func (m *Manager) ListFiles(ctx context.Context, id, dir string) ([]FileInfo, error) {
	c, err := m.conn(id)
	if err != nil {
		return nil, err
	}
	return c.ListFiles(ctx, dir)
}

// RunCommand runs a shell command in a registered sandbox
func (m *Manager) RunCommand(ctx context.Context, id, cmd string, opts RunOptions) (*RunResult, error) {
	c, err := m.conn(id)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, cmd, opts)
}

// ListFilesRecursive returns every file below dir as a path relative to
// dir, skipping hidden entries and build artifacts.
func (m *Manager) ListFilesRecursive(ctx context.Context, id, dir string) ([]string, error) {
	c, err := m.conn(id)
	if err != nil {
		return nil, err
	}

	var files []string
	queue := []string{""}
	for len(queue) > 0 {
		rel := queue[0]
		queue = queue[1:]

		entries, err := c.ListFiles(ctx, path.Join(dir, rel))
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", path.Join(dir, rel), err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name, ".") || excludedNames[e.Name] {
				continue
			}
			child := path.Join(rel, e.Name)
			if e.IsDir {
				queue = append(queue, child)
				continue
			}
			files = append(files, child)
		}
	}
	return files, nil
}

// ReadFiles reads the given paths below dir in parallel, preserving order
func (m *Manager) ReadFiles(ctx context.Context, id, dir string, paths []string) ([]domain.FileChange, error) {
	c, err := m.conn(id)
	if err != nil {
		return nil, err
	}

	changes := make([]domain.FileChange, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ReadConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			data, err := c.ReadFile(gctx, path.Join(dir, p))
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
			changes[i] = domain.FileChange{Path: p, Content: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return changes, nil
}
