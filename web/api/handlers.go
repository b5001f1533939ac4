package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
	"github.com/hochfrequenz/sandbox-builder/internal/observer"
	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Sandboxes   int               `json:"sandboxes"`
	JobsRunning int               `json:"jobs_running"`
	Clients     int               `json:"clients"`
	Metrics     *observer.Metrics `json:"metrics,omitempty"`
	Stuck       []string          `json:"stuck,omitempty"`
}

// GenerateRequest is the body of POST /api/generate
type GenerateRequest struct {
	Prompt     string `json:"prompt"`
	ProjectID  string `json:"project_id"`
	TaskID     string `json:"task_id,omitempty"`
	AutoCommit *bool  `json:"auto_commit,omitempty"`
}

// TaskResponse is a task with its generation history
type TaskResponse struct {
	*domain.Task
	Generations []*domain.Generation `json:"generations"`
}

// MoveRequest is the body of POST /api/tasks/{id}/move
type MoveRequest struct {
	Column string `json:"column"`
}

// CombinedPRRequest is the body of POST /api/projects/{id}/combined-pr
type CombinedPRRequest struct {
	TaskIDs []string `json:"task_ids"`
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := StatusResponse{
			Sandboxes:   len(s.deps.Sandboxes.Handles()),
			JobsRunning: s.deps.Pipeline.Jobs().Running(),
			Clients:     s.hub.Clients(),
		}
		if s.deps.Observer != nil {
			m := s.deps.Observer.GetMetrics()
			status.Metrics = &m
			status.Stuck = s.deps.Observer.Stuck()
		}
		writeJSON(w, status)
	}
}

// generateHandler starts a generation and streams its status channel as
// server-sent events until the terminal event. A client that disconnects
// early detaches; the generation keeps running.
func (s *Server) generateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		if !decode(w, r, &req) {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		autoCommit := true
		if req.AutoCommit != nil {
			autoCommit = *req.AutoCommit
		}
		stream, job, err := s.deps.Pipeline.Start(pipeline.Request{
			Prompt:     req.Prompt,
			ProjectID:  req.ProjectID,
			TaskID:     req.TaskID,
			AutoCommit: autoCommit,
		})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		defer stream.Detach()

		setSSEHeaders(w)
		w.Header().Set("X-Job-ID", job.ID)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				s.logger.Info("generate client disconnected, generation continues", "job", job.ID)
				return
			case ev, ok := <-stream.Events():
				if !ok {
					return
				}
				if err := writeSSE(w, flusher, string(ev.Type), ev); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) getGenerationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gen, err := s.deps.Store.GetGeneration(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, gen)
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.PathValue("id")
		if _, err := s.deps.Store.GetProject(r.Context(), projectID); err != nil {
			writeErr(w, err)
			return
		}
		tasks, err := s.deps.Store.ListTasks(r.Context(), projectID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if tasks == nil {
			tasks = []*domain.Task{}
		}
		writeJSON(w, tasks)
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.deps.Store.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		gens, err := s.deps.Store.ListTaskGenerations(r.Context(), task.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if gens == nil {
			gens = []*domain.Generation{}
		}
		writeJSON(w, TaskResponse{Task: task, Generations: gens})
	}
}

func (s *Server) moveTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MoveRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := s.deps.Pipeline.MoveTask(r.Context(), r.PathValue("id"), domain.Column(req.Column))
		if err != nil {
			writeErr(w, err)
			return
		}
		s.Broadcast(SSEEvent{Type: "task_moved", Data: res.Task})

		code := http.StatusOK
		if res.Job != nil {
			code = http.StatusAccepted
		}
		writeJSONStatus(w, code, res)
	}
}

func (s *Server) pullRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Integrator == nil {
			writeError(w, http.StatusServiceUnavailable, "version control is not configured")
			return
		}
		pr, err := s.deps.Integrator.CreatePullRequest(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, pr)
	}
}

func (s *Server) mergeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Integrator == nil {
			writeError(w, http.StatusServiceUnavailable, "version control is not configured")
			return
		}
		taskID := r.PathValue("id")
		if _, err := s.deps.Store.GetTask(r.Context(), taskID); err != nil {
			writeErr(w, err)
			return
		}
		job, err := s.deps.Pipeline.SubmitMerge(taskID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSONStatus(w, http.StatusAccepted, job.Info())
	}
}

func (s *Server) combinedPRHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Integrator == nil {
			writeError(w, http.StatusServiceUnavailable, "version control is not configured")
			return
		}
		var req CombinedPRRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := s.deps.Integrator.CreateCombinedPullRequest(r.Context(), r.PathValue("id"), req.TaskIDs)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, res)
	}
}

func (s *Server) listSandboxesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.deps.Sandboxes.Handles())
	}
}

// SweepResponse reports how many expired sandboxes a sweep closed
type SweepResponse struct {
	Closed    int `json:"closed"`
	Remaining int `json:"remaining"`
}

func (s *Server) sweepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		closed := s.deps.Sandboxes.Sweep(r.Context())
		writeJSON(w, SweepResponse{Closed: closed, Remaining: len(s.deps.Sandboxes.Handles())})
	}
}

// ExtendRequest is the optional body of POST /api/sandboxes/{id}/extend.
// An empty duration extends by the configured TTL.
type ExtendRequest struct {
	Duration string `json:"duration"`
}

func (s *Server) extendSandboxHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExtendRequest
		if r.ContentLength > 0 && !decode(w, r, &req) {
			return
		}
		var d time.Duration
		if req.Duration != "" {
			var err error
			if d, err = time.ParseDuration(req.Duration); err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "duration must be positive, e.g. \"30m\"")
				return
			}
		}

		id := r.PathValue("id")
		if _, err := s.deps.Sandboxes.Extend(id, d); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, s.deps.Sandboxes.Get(id).Info())
	}
}

func (s *Server) listJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.deps.Pipeline.Jobs().List())
	}
}

func (s *Server) getJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := s.deps.Pipeline.Jobs().Get(r.PathValue("id"))
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, job.Info())
	}
}
