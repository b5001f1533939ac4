package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/hochfrequenz/sandbox-builder/internal/agent"
	"github.com/hochfrequenz/sandbox-builder/internal/config"
	"github.com/hochfrequenz/sandbox-builder/internal/logging"
	"github.com/hochfrequenz/sandbox-builder/internal/notify"
	"github.com/hochfrequenz/sandbox-builder/internal/observer"
	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
	"github.com/hochfrequenz/sandbox-builder/internal/prompts"
	"github.com/hochfrequenz/sandbox-builder/internal/sandbox"
	"github.com/hochfrequenz/sandbox-builder/internal/taskstore"
	"github.com/hochfrequenz/sandbox-builder/internal/vcs"
)

// stuckThreshold flags generations running longer than this in status output
const stuckThreshold = 20 * time.Minute

// app holds the wired services for one command invocation
type app struct {
	cfg        *config.Config
	log        *logging.Logger
	store      *taskstore.Store
	sandboxes  *sandbox.Manager
	integrator *vcs.Integrator
	observer   *observer.Observer
	pipeline   *pipeline.Pipeline
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openStore loads config, logging and the task store only
func openStore() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &app{cfg: cfg, log: log, store: store}, nil
}

// newApp wires every service: sandboxes, version control, agent and pipeline
func newApp() (*app, error) {
	a, err := openStore()
	if err != nil {
		return nil, err
	}
	cfg, logger := a.cfg, a.log.Logger

	provider, err := sandbox.NewDockerProvider(cfg.Sandbox.Provider, cfg.Sandbox.Image,
		cfg.Sandbox.Workdir, cfg.Sandbox.PreviewHostPattern, logger)
	if err != nil {
		a.store.Close()
		a.log.Close()
		return nil, err
	}
	a.sandboxes = sandbox.NewManager(provider, a.store, sandbox.Options{
		TTL:                cfg.Sandbox.TTL.Duration,
		SweepSchedule:      cfg.Sandbox.SweepSchedule,
		ProbeTimeout:       cfg.Sandbox.ProbeTimeout.Duration,
		PreviewSettleDelay: cfg.Sandbox.PreviewSettleDelay.Duration,
	}, logger)

	loader := prompts.DefaultLoader(".")
	var vcsDep pipeline.VCS
	if _, err := exec.LookPath(cfg.GitHub.GHPath); err != nil {
		logger.Warn("gh not found, version control disabled", "gh_path", cfg.GitHub.GHPath)
	} else {
		a.integrator = vcs.NewIntegrator(vcs.NewGitHub(cfg.GitHub.GHPath, logger), a.store, a.sandboxes, loader, logger)
		vcsDep = a.integrator
	}

	a.observer = observer.New(stuckThreshold)
	a.pipeline = pipeline.New(pipeline.Deps{
		Store:     a.store,
		Sandboxes: a.sandboxes,
		VCS:       vcsDep,
		Runner:    agent.NewClaudeRunner(cfg.Agent.Command, cfg.Agent.Model, cfg.Agent.MaxTurns, cfg.Agent.ExtraArgs, logger),
		Prompts:   loader,
		Notifier:  notify.FromConfig(cfg.Notifications),
		Observer:  a.observer,
		Logger:    logger,
	}, pipeline.Options{
		ScratchDir:    cfg.General.ScratchDir,
		PreviewPort:   cfg.Sandbox.PreviewPort,
		MaxConcurrent: cfg.General.MaxConcurrentGenerations,
		Watch:         cfg.Sync.Watch,
	})
	return a, nil
}

// close waits for background jobs, then closes sandboxes when asked and the
// store. Jobs are never cancelled; a second interrupt is the way out.
func (a *app) close(closeSandboxes bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if a.pipeline != nil {
		if n := a.pipeline.Jobs().Running(); n > 0 {
			a.log.Info("waiting for background jobs", "running", n)
		}
		if err := a.pipeline.Jobs().Shutdown(ctx); err != nil {
			a.log.Warn("jobs still running at exit", "error", err)
		}
	}
	if a.sandboxes != nil && closeSandboxes {
		a.sandboxes.Shutdown(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing database", "error", err)
	}
	a.log.Close()
}

func (a *app) requireVCS() error {
	if a.integrator == nil {
		return fmt.Errorf("version control is not available: %s not found", a.cfg.GitHub.GHPath)
	}
	return nil
}
