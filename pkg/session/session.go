// Package session implements the Session Store (spec.md §4.1): a
// process-wide durable key/value map of sessions, serialised as a single
// JSON document with atomic rename-on-write and per-session mutual
// exclusion.
package session

import (
	"time"
)

// Status is a derived label, recomputed on every write as a pure function
// of a session's agent sets (spec.md §3, testable property #2).
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Session is the durable record of one pipeline run against one
// (target, workspace) pair (spec.md §3).
type Session struct {
	ID         string `json:"id"`
	Target     string `json:"target"`
	Workspace  string `json:"workspace"`
	ConfigPath string `json:"configPath,omitempty"`

	Status Status `json:"status"`

	CompletedAgents map[string]bool `json:"completedAgents"`
	SkippedAgents   map[string]bool `json:"skippedAgents"`
	FailedAgents    map[string]bool `json:"failedAgents"`
	RunningAgents   map[string]bool `json:"runningAgents"`

	Checkpoints map[string]string `json:"checkpoints"`

	// PipelineAgents is the full set of agent names this session's
	// pipeline contains (the main, re, or osv agent set), captured at
	// creation time so pipeline-completeness can be decided without a
	// side channel back to the pipeline package.
	PipelineAgents []string `json:"pipelineAgents"`

	// Interrupted is set only by the signal-handling and staleness-sweep
	// paths; it is cleared the next time any agent set changes, since
	// new activity supersedes a prior interruption. This is the one
	// field beyond the four agent sets that participates in the status
	// function: the sets alone cannot tell an interrupted run from a
	// failed one, since interruption moves running agents into failed.
	Interrupted bool `json:"interrupted"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`

	TimingBreakdown map[string]int64   `json:"timingBreakdown"` // agent -> duration ms
	CostBreakdown   map[string]float64 `json:"costBreakdown"`   // agent -> USD
}

// newSession allocates a zero-valued Session with initialised maps.
func newSession(id, target, workspace, configPath string, pipelineAgents []string, now time.Time) *Session {
	return &Session{
		ID:              id,
		Target:          target,
		Workspace:       workspace,
		ConfigPath:      configPath,
		Status:          StatusInProgress,
		CompletedAgents: map[string]bool{},
		SkippedAgents:   map[string]bool{},
		FailedAgents:    map[string]bool{},
		RunningAgents:   map[string]bool{},
		Checkpoints:     map[string]string{},
		PipelineAgents:  pipelineAgents,
		CreatedAt:       now,
		LastActivity:    now,
		TimingBreakdown: map[string]int64{},
		CostBreakdown:   map[string]float64{},
	}
}

// IsPipelineComplete reports whether every pipeline agent is in
// completed ∪ skipped (spec.md §3 invariant).
func (s *Session) IsPipelineComplete() bool {
	for _, name := range s.PipelineAgents {
		if !s.CompletedAgents[name] && !s.SkippedAgents[name] {
			return false
		}
	}
	return true
}

// recomputeStatus is the pure function of a session's state fields,
// applied after every mutation (testable property #2).
func (s *Session) recomputeStatus() {
	if s.IsPipelineComplete() {
		s.Status = StatusCompleted
		return
	}
	if s.Interrupted && len(s.RunningAgents) == 0 {
		s.Status = StatusInterrupted
		return
	}
	if len(s.RunningAgents) > 0 {
		s.Status = StatusRunning
		return
	}
	if len(s.FailedAgents) > 0 {
		s.Status = StatusFailed
		return
	}
	s.Status = StatusInProgress
}

// clone deep-copies a Session for lock-free reads.
func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedAgents = cloneBoolMap(s.CompletedAgents)
	c.SkippedAgents = cloneBoolMap(s.SkippedAgents)
	c.FailedAgents = cloneBoolMap(s.FailedAgents)
	c.RunningAgents = cloneBoolMap(s.RunningAgents)
	c.Checkpoints = make(map[string]string, len(s.Checkpoints))
	for k, v := range s.Checkpoints {
		c.Checkpoints[k] = v
	}
	c.PipelineAgents = append([]string(nil), s.PipelineAgents...)
	c.TimingBreakdown = make(map[string]int64, len(s.TimingBreakdown))
	for k, v := range s.TimingBreakdown {
		c.TimingBreakdown[k] = v
	}
	c.CostBreakdown = make(map[string]float64, len(s.CostBreakdown))
	for k, v := range s.CostBreakdown {
		c.CostBreakdown[k] = v
	}
	return &c
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	c := make(map[string]bool, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// removeFromAllSets removes agent from all four agent sets, establishing
// the disjointness invariant (testable property #1) before the caller
// adds it back to exactly one.
func (s *Session) removeFromAllSets(agent string) {
	delete(s.CompletedAgents, agent)
	delete(s.SkippedAgents, agent)
	delete(s.FailedAgents, agent)
	delete(s.RunningAgents, agent)
}
