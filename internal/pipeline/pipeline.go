package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	"github.com/hochfrequenz/sandbox-builder/internal/agent"
	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/filesync"
	"github.com/hochfrequenz/sandbox-builder/internal/notify"
	"github.com/hochfrequenz/sandbox-builder/internal/observer"
	"github.com/hochfrequenz/sandbox-builder/internal/prompts"
	"github.com/hochfrequenz/sandbox-builder/internal/sandbox"
	"github.com/hochfrequenz/sandbox-builder/internal/vcs"
)

// appDir is where generated files live, relative to the sandbox workdir
const appDir = "."

// Store is the durable state the pipeline reads and records progress in
type Store interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	SetTaskColumn(ctx context.Context, id string, column domain.Column) error
	SetTaskBuildStatus(ctx context.Context, id string, next domain.BuildStatus) error
	ResetBuildStatus(ctx context.Context, id string) error

	CreateGeneration(ctx context.Context, g *domain.Generation) error
	GetGeneration(ctx context.Context, id string) (*domain.Generation, error)
	ListGenerationsByStatus(ctx context.Context, status domain.GenerationStatus) ([]*domain.Generation, error)
	SetGenerationSandboxURL(ctx context.Context, id, url string) error
	CompleteGeneration(ctx context.Context, id string, files []string) error
	FailGeneration(ctx context.Context, id, message string, files []string) error
}

// Sandboxes is the sandbox lifecycle surface the pipeline uses
type Sandboxes interface {
	Create(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Handle, error)
	ReconnectOrCreate(ctx context.Context, id, projectID string) (*sandbox.Handle, error)
	WriteFile(ctx context.Context, id, p string, data []byte) error
	StartPreviewServer(ctx context.Context, id, projectID, dir string, port int) (*sandbox.PreviewResult, error)
	Close(ctx context.Context, id string)
}

// VCS is the version control surface the pipeline uses
type VCS interface {
	EnsureTaskBranch(ctx context.Context, taskID string) (string, error)
	CommitGeneratedFiles(ctx context.Context, generationID string) (*vcs.Commit, error)
	MergeTaskToMain(ctx context.Context, taskID string) (*vcs.PullRequest, error)
	DownloadTaskFiles(ctx context.Context, taskID string) ([]domain.FileChange, error)
}

// Request starts one generation
type Request struct {
	Prompt     string `json:"prompt"`
	ProjectID  string `json:"project_id"`
	TaskID     string `json:"task_id,omitempty"`
	AutoCommit bool   `json:"auto_commit"`
}

// Result is the outcome of a successful generation
type Result struct {
	GenerationID string   `json:"generation_id"`
	SandboxID    string   `json:"sandbox_id"`
	SandboxURL   string   `json:"sandbox_url"`
	Files        []string `json:"files"`
	Branch       string   `json:"branch,omitempty"`
	CommitSHA    string   `json:"commit_sha,omitempty"`
	CommitURL    string   `json:"commit_url,omitempty"`
	// Warning is set when version control failed; the preview is still usable
	Warning string `json:"warning,omitempty"`
}

// Options configures a Pipeline
type Options struct {
	ScratchDir    string
	PreviewPort   int
	MaxConcurrent int
	// Watch mirrors files changed outside Write/Edit tool calls while the
	// agent runs
	Watch         bool
	WatchDebounce time.Duration
	// KeepScratch leaves scratch directories on disk after a generation
	KeepScratch bool
}

// Deps are the collaborators of a Pipeline. VCS, Notifier and Observer
// may be nil.
type Deps struct {
	Store     Store
	Sandboxes Sandboxes
	VCS       VCS
	Runner    agent.Runner
	Prompts   *prompts.Loader
	Notifier  notify.Notifier
	Observer  *observer.Observer
	Logger    *slog.Logger
}

// Pipeline composes sandbox, agent, file sync and version control into one
// generation run.
type Pipeline struct {
	store     Store
	sandboxes Sandboxes
	vcs       VCS
	runner    agent.Runner
	prompts   *prompts.Loader
	notifier  notify.Notifier
	observer  *observer.Observer
	logger    *slog.Logger
	opts      Options

	jobs  *Jobs
	slots chan struct{}

	// watch runs the scratch dir watcher when Options.Watch is set
	watch func(ctx context.Context, b *filesync.Bridge, debounce time.Duration) error

	mu       sync.RWMutex
	onEvents []func(Event)
}

// New creates a pipeline
func New(deps Deps, opts Options) *Pipeline {
	if opts.ScratchDir == "" {
		opts.ScratchDir = filepath.Join(os.TempDir(), "sandbox-builder")
	}
	if opts.PreviewPort == 0 {
		opts.PreviewPort = 8000
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = filesync.DefaultDebounce
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.NewLoader()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	return &Pipeline{
		store:     deps.Store,
		sandboxes: deps.Sandboxes,
		vcs:       deps.VCS,
		runner:    deps.Runner,
		prompts:   deps.Prompts,
		notifier:  deps.Notifier,
		observer:  deps.Observer,
		logger:    deps.Logger.With("component", "pipeline"),
		opts:      opts,
		jobs:      NewJobs(deps.Logger),
		slots:     make(chan struct{}, opts.MaxConcurrent),
		watch: func(ctx context.Context, b *filesync.Bridge, debounce time.Duration) error {
			return b.Watch(ctx, debounce)
		},
	}
}

// Jobs returns the supervisor running background generations and merges
func (p *Pipeline) Jobs() *Jobs {
	return p.jobs
}

// OnEvent registers a hook that sees every event of every generation
func (p *Pipeline) OnEvent(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvents = append(p.onEvents, fn)
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.RLock()
	hooks := p.onEvents
	p.mu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

// Start runs a generation as a supervised background job and returns its
// status stream. The caller is never blocked on the agent run.
func (p *Pipeline) Start(req Request) (*Stream, *Job, error) {
	stream := NewStream()
	job, err := p.jobs.Submit("generate", subjectOf(req), func(ctx context.Context) error {
		_, err := p.Generate(ctx, req, stream)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return stream, job, nil
}

func subjectOf(req Request) string {
	if req.TaskID != "" {
		return "task " + req.TaskID
	}
	return "project " + req.ProjectID
}

// run holds the state of one generation
type run struct {
	p       *Pipeline
	req     Request
	emitter Emitter

	project *domain.Project
	task    *domain.Task
	gen     *domain.Generation
	target  *sandboxTarget
	bridge  *filesync.Bridge
	scratch string
	usage   *agent.Usage

	terminal bool
}

func (r *run) emit(ev Event) {
	if r.terminal {
		return
	}
	if r.gen != nil {
		ev.GenerationID = r.gen.ID
	}
	ev.TaskID = r.req.TaskID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.terminal = ev.IsTerminal()
	r.emitter.Emit(ev)
	r.p.broadcast(ev)
}

func (r *run) status(stage, format string, args ...interface{}) {
	r.emit(Event{Type: EventStatus, Stage: stage, Message: fmt.Sprintf(format, args...)})
}

// Generate runs one generation to completion. On success it emits one
// complete event and returns the result; on a fatal failure it records the
// failure durably, emits one error event and returns the error. Version
// control failures are not fatal and surface as Result.Warning.
func (p *Pipeline) Generate(ctx context.Context, req Request, emitter Emitter) (res *Result, err error) {
	if emitter == nil {
		emitter = Discard
	}
	r := &run{p: p, req: req, emitter: emitter}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("generation panicked: %v", rec)
			res = nil
			r.fail(ctx, err)
		}
	}()

	res, err = r.execute(ctx)
	if err != nil {
		r.fail(ctx, err)
		return nil, err
	}
	return res, nil
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	p := r.p

	// 1. validate
	if err := r.validate(ctx); err != nil {
		return nil, err
	}

	// 2. persist a running generation
	r.gen = &domain.Generation{
		ID:        uuid.NewString(),
		ProjectID: r.project.ID,
		TaskID:    r.req.TaskID,
		Prompt:    r.req.Prompt,
		Status:    domain.GenerationRunning,
	}
	if err := p.store.CreateGeneration(ctx, r.gen); err != nil {
		return nil, fmt.Errorf("recording generation: %w", err)
	}
	if p.observer != nil {
		p.observer.Started(r.gen.ID)
	}
	if r.task != nil {
		if err := r.markGenerating(ctx); err != nil {
			return nil, err
		}
	}
	logger := p.logger.With("generation", r.gen.ID, "project", r.project.ID, "task", r.req.TaskID)
	r.status(StageValidate, "Generation %s started", r.gen.ID)

	select {
	case p.slots <- struct{}{}:
	default:
		r.status(StageQueue, "Waiting for a free generation slot")
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer func() { <-p.slots }()

	// 3. sandbox
	r.status(StageSandbox, "Provisioning sandbox")
	h, err := p.sandboxes.Create(ctx, sandbox.CreateOptions{ProjectID: r.project.ID, GenerationID: r.gen.ID})
	if err != nil {
		return nil, err
	}
	r.target = &sandboxTarget{sandboxes: p.sandboxes, id: h.ID}
	logger.Info("sandbox ready", "sandbox", h.ID)

	// 4. agent session mirrored into the sandbox
	r.scratch = filepath.Join(p.opts.ScratchDir, r.gen.ID)
	if err := os.MkdirAll(r.scratch, 0755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	if !p.opts.KeepScratch {
		defer func() {
			if err := os.RemoveAll(r.scratch); err != nil {
				logger.Warn("failed to remove scratch dir", "dir", r.scratch, "error", err)
			}
		}()
	}
	r.bridge = filesync.NewBridge(r.scratch, r.target, p.logger)

	existing := r.seed(ctx, logger)

	prompt, err := p.prompts.BuildAgentPrompt(prompts.AgentData{
		Prompt:          r.req.Prompt,
		TaskTitle:       taskField(r.task, func(t *domain.Task) string { return t.Title }),
		TaskDescription: taskField(r.task, func(t *domain.Task) string { return t.Description }),
		ExistingFiles:   existing,
		PreviewPort:     p.opts.PreviewPort,
	})
	if err != nil {
		return nil, fmt.Errorf("building agent prompt: %w", err)
	}

	r.status(StageAgent, "Running coding agent")
	agentErr := r.runAgent(ctx, prompt)

	r.status(StageReconcile, "Reconciling files")
	r.resolveSandbox(ctx, logger)
	changes, syncErr := r.bridge.Reconcile(ctx)
	if syncErr != nil {
		logger.Warn("reconciliation left files unsynced", "error", syncErr)
	}
	r.emitChanges(StageReconcile, changes)

	files := r.bridge.Files()
	if agentErr != nil {
		return nil, agentErr
	}
	if len(files) == 0 {
		return nil, errors.AgentExecution(fmt.Errorf("agent produced no files"))
	}

	// 5. completed
	if err := p.store.CompleteGeneration(ctx, r.gen.ID, files); err != nil {
		return nil, fmt.Errorf("completing generation: %w", err)
	}
	r.gen.Status = domain.GenerationCompleted
	r.gen.FilesCreated = files

	// 6. preview
	r.status(StagePreview, "Starting preview server")
	preview, err := p.sandboxes.StartPreviewServer(ctx, r.target.ID(), r.req.ProjectID, appDir, p.opts.PreviewPort)
	if err != nil {
		return nil, err
	}
	if preview.Replaced || preview.SandboxID != r.target.ID() {
		logger.Warn("sandbox replaced during preview startup, re-syncing",
			"old", r.target.ID(), "new", preview.SandboxID)
		r.target.set(preview.SandboxID)
		r.bridge.Reset()
		if _, err := r.bridge.Reconcile(ctx); err != nil {
			logger.Warn("re-sync after replacement left files unsynced", "error", err)
		}
	}
	if err := p.store.SetGenerationSandboxURL(ctx, r.gen.ID, preview.URL); err != nil {
		return nil, fmt.Errorf("recording preview url: %w", err)
	}

	res := &Result{
		GenerationID: r.gen.ID,
		SandboxID:    preview.SandboxID,
		SandboxURL:   preview.URL,
		Files:        files,
	}

	// 7. version control, never fatal
	if r.req.AutoCommit && r.project.IsVCSLinked() && p.vcs != nil {
		r.status(StageCommit, "Committing generated files")
		if err := r.commit(ctx, res); err != nil {
			res.Warning = err.Error()
			logger.Warn("version control failed, preview is still available", "error", err)
			r.status(StageCommit, "Version control failed: %v", err)
		}
	}

	if r.task != nil {
		if err := p.store.SetTaskBuildStatus(ctx, r.task.ID, domain.BuildReady); err != nil {
			logger.Warn("failed to mark task ready", "error", err)
		}
	}

	// 8. done
	logger.Info("generation completed", "files", len(files), "url", res.SandboxURL, "commit", res.CommitSHA)
	r.emit(Event{Type: EventComplete, Message: "Preview ready", Result: res})
	r.finished(res, nil)
	return res, nil
}

// validate loads the project and task
func (r *run) validate(ctx context.Context) error {
	if strings.TrimSpace(r.req.Prompt) == "" {
		return errors.Invalid("prompt is empty")
	}
	project, err := r.p.store.GetProject(ctx, r.req.ProjectID)
	if err != nil {
		return err
	}
	r.project = project

	if r.req.TaskID == "" {
		return nil
	}
	task, err := r.p.store.GetTask(ctx, r.req.TaskID)
	if err != nil {
		return err
	}
	if task.ProjectID != project.ID {
		return errors.Invalid("task %s does not belong to project %s", task.ID, project.ID)
	}
	r.task = task
	return nil
}

// markGenerating moves the task to generating, starting a fresh build when
// a previous one already finished
func (r *run) markGenerating(ctx context.Context) error {
	if r.task.BuildStatus.IsTerminal() {
		if err := r.p.store.ResetBuildStatus(ctx, r.task.ID); err != nil {
			return fmt.Errorf("resetting build status: %w", err)
		}
	}
	if err := r.p.store.SetTaskBuildStatus(ctx, r.task.ID, domain.BuildGenerating); err != nil {
		return fmt.Errorf("marking task generating: %w", err)
	}
	return nil
}

// seed copies files already on the task branch into the scratch dir and the
// sandbox so the agent extends earlier work
func (r *run) seed(ctx context.Context, logger *slog.Logger) []string {
	if r.task == nil || !r.task.HasBranch() || !r.project.IsVCSLinked() || r.p.vcs == nil {
		return nil
	}
	files, err := r.p.vcs.DownloadTaskFiles(ctx, r.task.ID)
	if err != nil {
		logger.Warn("could not download task files, starting empty", "error", err)
		return nil
	}

	var seeded []string
	for _, f := range files {
		full, err := securejoin.SecureJoin(r.scratch, f.Path)
		if err != nil {
			logger.Warn("skipping unsafe path from branch", "path", f.Path, "error", err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			logger.Warn("failed to seed file", "path", f.Path, "error", err)
			continue
		}
		if err := os.WriteFile(full, f.Content, 0644); err != nil {
			logger.Warn("failed to seed file", "path", f.Path, "error", err)
			continue
		}
		seeded = append(seeded, f.Path)
	}
	if len(seeded) > 0 {
		if _, err := r.bridge.Reconcile(ctx); err != nil {
			logger.Warn("seeded files not fully synced", "error", err)
		}
		r.status(StageSandbox, "Loaded %d files from %s", len(seeded), r.task.BranchName)
	}
	return seeded
}

// runAgent runs the coding agent, mirroring each completed write
func (r *run) runAgent(ctx context.Context, prompt string) error {
	p := r.p

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	var watchDone chan struct{}
	if p.opts.Watch {
		watchDone = make(chan struct{})
		go func() {
			defer close(watchDone)
			if err := p.watch(watchCtx, r.bridge, p.opts.WatchDebounce); err != nil {
				p.logger.Warn("file watch failed", "generation", r.gen.ID, "error", err)
			}
		}()
	}

	usage, err := p.runner.Run(ctx, agent.Request{
		Dir:     r.scratch,
		Prompt:  prompt,
		LogPath: filepath.Join(r.scratch, ".agent.log"),
	}, func(ev agent.Event) {
		if ev.IsFileWrite() {
			r.emit(Event{Type: EventToolStart, Stage: StageAgent, Tool: ev.ToolName, Path: r.relative(ev.FilePath)})
		}
		r.emitChanges(StageAgent, r.bridge.Observe(ctx, ev))
	})

	stopWatch()
	if watchDone != nil {
		<-watchDone
	}

	r.usage = usage
	if err != nil {
		if errors.KindOf(err) == errors.KindUnknown {
			err = errors.AgentExecution(err)
		}
		return err
	}
	return nil
}

func (r *run) emitChanges(stage string, changes []filesync.Change) {
	for _, c := range changes {
		msg := "updated"
		if c.Created {
			msg = "created"
		}
		r.emit(Event{
			Type:    EventToolComplete,
			Stage:   stage,
			Path:    c.Path,
			Added:   c.Added,
			Removed: c.Removed,
			Message: msg,
		})
	}
}

func (r *run) relative(p string) string {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(p)
	}
	rel, err := filepath.Rel(r.scratch, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

// resolveSandbox re-resolves the sandbox id before the authoritative sync.
// A substituted sandbox starts empty, so everything is mirrored again.
func (r *run) resolveSandbox(ctx context.Context, logger *slog.Logger) {
	h, err := r.p.sandboxes.ReconnectOrCreate(ctx, r.target.ID(), r.project.ID)
	if err != nil {
		logger.Warn("could not resolve sandbox before reconciliation", "sandbox", r.target.ID(), "error", err)
		return
	}
	if h.ID != r.target.ID() {
		logger.Warn("sandbox substituted during generation", "old", r.target.ID(), "new", h.ID)
		r.target.set(h.ID)
		r.bridge.Reset()
	}
}

func (r *run) commit(ctx context.Context, res *Result) error {
	vc := r.p.vcs
	if r.task != nil {
		branch, err := vc.EnsureTaskBranch(ctx, r.task.ID)
		if err != nil {
			return err
		}
		res.Branch = branch
	}
	commit, err := vc.CommitGeneratedFiles(ctx, r.gen.ID)
	if err != nil {
		return err
	}
	res.CommitSHA = commit.SHA
	res.CommitURL = commit.URL
	if res.Branch == "" {
		res.Branch = commit.Branch
	}
	return nil
}

// fail records a fatal failure durably, closes the sandbox and emits the
// terminal error event. It runs even when ctx is cancelled.
func (r *run) fail(ctx context.Context, cause error) {
	p := r.p
	ctx = context.WithoutCancel(ctx)

	var files []string
	if r.bridge != nil {
		files = r.bridge.Files()
	}

	if r.gen != nil {
		if err := p.store.FailGeneration(ctx, r.gen.ID, cause.Error(), files); err != nil {
			p.logger.Error("failed to record generation failure", "generation", r.gen.ID, "error", err)
		}
	}
	if r.task != nil {
		if err := p.store.SetTaskBuildStatus(ctx, r.task.ID, domain.BuildFailed); err != nil {
			p.logger.Error("failed to mark task failed", "task", r.task.ID, "error", err)
		}
	}
	if r.target != nil {
		p.sandboxes.Close(ctx, r.target.ID())
	}

	p.logger.Error("generation failed",
		"generation", generationID(r.gen), "kind", errors.KindOf(cause), "error", cause)
	r.emit(Event{Type: EventError, Message: cause.Error()})
	r.finished(nil, cause)
}

// finished notifies and records metrics
func (r *run) finished(res *Result, cause error) {
	p := r.p
	n := notify.Notification{
		GenerationID: generationID(r.gen),
		TaskID:       r.req.TaskID,
	}
	out := observer.Outcome{GenerationID: generationID(r.gen), TaskID: r.req.TaskID}
	if r.usage != nil {
		out.TokensInput = r.usage.InputTokens
		out.TokensOutput = r.usage.OutputTokens
		out.CostUSD = r.usage.CostUSD
	}

	switch {
	case cause != nil:
		n.Title = "Generation failed"
		n.Message = cause.Error()
		n.Level = notify.Failure
		out.Failed = true
	case res.Warning != "":
		n.Title = "Generation ready, version control failed"
		n.Message = res.Warning
		n.Level = notify.Warning
		n.URL = res.SandboxURL
		out.Files = len(res.Files)
		out.VCSWarning = true
	default:
		n.Title = "Generation ready"
		n.Message = fmt.Sprintf("%d files", len(res.Files))
		n.Level = notify.Success
		n.URL = res.SandboxURL
		out.Files = len(res.Files)
	}

	if err := p.notifier.Send(n); err != nil {
		p.logger.Warn("notification failed", "error", err)
	}
	if p.observer != nil && r.gen != nil {
		p.observer.Finished(out)
	}
}

func generationID(g *domain.Generation) string {
	if g == nil {
		return ""
	}
	return g.ID
}

func taskField(t *domain.Task, get func(*domain.Task) string) string {
	if t == nil {
		return ""
	}
	return get(t)
}

// sandboxTarget mirrors files into whichever sandbox currently backs the
// generation
type sandboxTarget struct {
	sandboxes Sandboxes
	mu        sync.RWMutex
	id        string
}

func (t *sandboxTarget) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

func (t *sandboxTarget) set(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = id
}

func (t *sandboxTarget) WriteFile(ctx context.Context, p string, data []byte) error {
	return t.sandboxes.WriteFile(ctx, t.ID(), p, data)
}
