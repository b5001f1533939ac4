package observer

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestObserver() (*Observer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	obs := New(5 * time.Minute)
	obs.now = clock.now
	return obs, clock
}

func TestObserver_DetectStuck(t *testing.T) {
	obs, clock := newTestObserver()

	obs.Started("g1")
	clock.t = clock.t.Add(2 * time.Minute)
	obs.Started("g2")

	clock.t = clock.t.Add(4 * time.Minute)

	stuck := obs.Stuck()
	if len(stuck) != 1 || stuck[0] != "g1" {
		t.Errorf("Stuck() = %v, want [g1]", stuck)
	}
}

func TestObserver_FinishedIsNotStuck(t *testing.T) {
	obs, clock := newTestObserver()

	obs.Started("g1")
	obs.Finished(Outcome{GenerationID: "g1"})
	clock.t = clock.t.Add(time.Hour)

	if stuck := obs.Stuck(); len(stuck) != 0 {
		t.Errorf("Stuck() = %v, want none", stuck)
	}
}

func TestObserver_Metrics(t *testing.T) {
	obs, clock := newTestObserver()

	obs.Started("g1")
	obs.Started("g2")
	clock.t = clock.t.Add(5 * time.Minute)
	obs.Finished(Outcome{GenerationID: "g1", Files: 3, TokensInput: 1000, TokensOutput: 500, CostUSD: 0.5})
	clock.t = clock.t.Add(5 * time.Minute)
	obs.Finished(Outcome{GenerationID: "g2", Failed: true, TokensInput: 2000, TokensOutput: 1000})
	obs.Started("g3")

	metrics := obs.GetMetrics()

	if metrics.TotalCompleted != 1 || metrics.TotalFailed != 1 {
		t.Errorf("completed/failed = %d/%d, want 1/1", metrics.TotalCompleted, metrics.TotalFailed)
	}
	if metrics.Running != 1 {
		t.Errorf("Running = %d, want 1", metrics.Running)
	}
	if metrics.TotalTokensInput != 3000 {
		t.Errorf("TotalTokensInput = %d, want 3000", metrics.TotalTokensInput)
	}
	if metrics.AvgDuration != 7*time.Minute+30*time.Second {
		t.Errorf("AvgDuration = %v, want 7m30s", metrics.AvgDuration)
	}
}

func TestObserver_RecentCompletions(t *testing.T) {
	obs, clock := newTestObserver()

	obs.Finished(Outcome{GenerationID: "old"})
	clock.t = clock.t.Add(time.Hour)
	obs.Finished(Outcome{GenerationID: "new"})

	recent := obs.GetRecentCompletions(10 * time.Minute)
	if len(recent) != 1 || recent[0] != "new" {
		t.Errorf("recent = %v", recent)
	}
}
