package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrShuttingDown is returned by Submit after Shutdown was called
var ErrShuttingDown = stderrors.New("job supervisor is shutting down")

// defaultJobHistory is how many finished jobs are kept for listing
const defaultJobHistory = 200

// JobStatus is the state of a background job
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobInfo is a snapshot of a job
type JobInfo struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Subject    string     `json:"subject,omitempty"`
	Status     JobStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job is a supervised background task with its own result
type Job struct {
	ID      string
	Kind    string
	Subject string

	mu         sync.Mutex
	status     JobStatus
	err        error
	startedAt  time.Time
	finishedAt *time.Time
	done       chan struct{}
}

// Done is closed when the job finished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finished and returns its error
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the job's error, nil while running or on success
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Info returns a snapshot of the job
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:         j.ID,
		Kind:       j.Kind,
		Subject:    j.Subject,
		Status:     j.status,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	now := time.Now()
	j.finishedAt = &now
	j.err = err
	if err != nil {
		j.status = JobFailed
	} else {
		j.status = JobSucceeded
	}
	j.mu.Unlock()
	close(j.done)
}

// Jobs runs background jobs detached from the submitting request. Each
// job's outcome is recorded and can be listed or awaited; nothing is
// fire-and-forget.
type Jobs struct {
	logger  *slog.Logger
	history int

	// base outlives every submitting request
	base context.Context

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	closing bool
	wg      sync.WaitGroup
}

// NewJobs creates a job supervisor
func NewJobs(logger *slog.Logger) *Jobs {
	return &Jobs{
		logger:  logger.With("component", "jobs"),
		history: defaultJobHistory,
		base:    context.Background(),
		jobs:    make(map[string]*Job),
	}
}

// Submit starts fn in the background
func (s *Jobs) Submit(kind, subject string, fn func(ctx context.Context) error) (*Job, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Subject:   subject,
		status:    JobRunning,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.pruneLocked()
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("job started", "job", job.ID, "kind", kind, "subject", subject)
	go s.run(job, fn)
	return job, nil
}

func (s *Jobs) run(job *Job, fn func(ctx context.Context) error) {
	defer s.wg.Done()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		err = fn(s.base)
	}()

	job.finish(err)
	if err != nil {
		s.logger.Error("job failed", "job", job.ID, "kind", job.Kind, "subject", job.Subject, "error", err)
		return
	}
	s.logger.Info("job finished", "job", job.ID, "kind", job.Kind, "subject", job.Subject)
}

// pruneLocked drops the oldest finished jobs beyond the history limit
func (s *Jobs) pruneLocked() {
	excess := len(s.order) - s.history
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		job := s.jobs[id]
		if excess > 0 && job.Info().Status != JobRunning {
			delete(s.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Get returns a job by id, or nil
func (s *Jobs) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// List returns snapshots of known jobs, newest first
func (s *Jobs) List() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]JobInfo, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		infos = append(infos, s.jobs[s.order[i]].Info())
	}
	return infos
}

// Running returns the number of unfinished jobs
func (s *Jobs) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Info().Status == JobRunning {
			n++
		}
	}
	return n
}

// Shutdown stops accepting jobs and waits for running ones to finish or
// for ctx to expire. Running jobs are not cancelled.
func (s *Jobs) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d jobs: %w", s.Running(), ctx.Err())
	}
}
