// Package observer keeps in-process metrics about generations.
package observer

import (
	"sort"
	"sync"
	"time"
)

// Observer tracks running generations and aggregates finished ones
type Observer struct {
	stuckThreshold time.Duration

	running     map[string]time.Time
	completions []completion
	mu          sync.RWMutex

	now func() time.Time
}

type completion struct {
	GenerationID string
	TaskID       string
	Duration     time.Duration
	Files        int
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	Failed       bool
	VCSWarning   bool
	CompletedAt  time.Time
}

// Outcome describes one finished generation
type Outcome struct {
	GenerationID string
	TaskID       string
	Files        int
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	Failed       bool
	VCSWarning   bool
}

// Metrics holds aggregated metrics
type Metrics struct {
	Running           int           `json:"running"`
	TotalCompleted    int           `json:"total_completed"`
	TotalFailed       int           `json:"total_failed"`
	TotalVCSWarnings  int           `json:"total_vcs_warnings"`
	TotalFiles        int           `json:"total_files"`
	TotalTokensInput  int           `json:"total_tokens_input"`
	TotalTokensOutput int           `json:"total_tokens_output"`
	TotalCostUSD      float64       `json:"total_cost_usd"`
	AvgDuration       time.Duration `json:"avg_duration"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		running:        make(map[string]time.Time),
		now:            time.Now,
	}
}

// Started marks a generation as running
func (o *Observer) Started(generationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[generationID] = o.now()
}

// Finished records the outcome of a generation started with Started
func (o *Observer) Finished(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	var duration time.Duration
	if started, ok := o.running[out.GenerationID]; ok {
		duration = now.Sub(started)
		delete(o.running, out.GenerationID)
	}

	o.completions = append(o.completions, completion{
		GenerationID: out.GenerationID,
		TaskID:       out.TaskID,
		Duration:     duration,
		Files:        out.Files,
		TokensInput:  out.TokensInput,
		TokensOutput: out.TokensOutput,
		CostUSD:      out.CostUSD,
		Failed:       out.Failed,
		VCSWarning:   out.VCSWarning,
		CompletedAt:  now,
	})
}

// Stuck returns generations running longer than the stuck threshold
func (o *Observer) Stuck() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var stuck []string
	now := o.now()
	for id, started := range o.running {
		if now.Sub(started) > o.stuckThreshold {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{Running: len(o.running)}
	var totalDuration time.Duration

	for _, c := range o.completions {
		if c.Failed {
			metrics.TotalFailed++
		} else {
			metrics.TotalCompleted++
		}
		if c.VCSWarning {
			metrics.TotalVCSWarnings++
		}
		metrics.TotalFiles += c.Files
		metrics.TotalTokensInput += c.TokensInput
		metrics.TotalTokensOutput += c.TokensOutput
		metrics.TotalCostUSD += c.CostUSD
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// GetRecentCompletions returns generation ids finished within since
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.GenerationID)
		}
	}

	return result
}
