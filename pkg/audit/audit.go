// Package audit implements the Audit Log (spec.md §4.2): the source of
// truth for per-agent status, attempts, timing, cost, and checkpoints. The
// session store is only a mirror that may drift and be re-synchronised
// from here.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redcell/kernel/pkg/kernelerrors"
)

// EventKind tags a structured event written to the append-only stream.
type EventKind string

const (
	EventAgentStarted   EventKind = "agent_started"
	EventAgentCompleted EventKind = "agent_completed"
	EventAgentFailed    EventKind = "agent_failed"
	EventAgentSkipped   EventKind = "agent_skipped"
	EventCheckpoint     EventKind = "checkpoint"
	EventRollback       EventKind = "rollback"
	EventToolCall       EventKind = "tool_call"
	EventNudge          EventKind = "nudge"
	EventReconciled     EventKind = "reconciled"
)

// Event is one line of the append-only JSONL event stream.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Kind      EventKind       `json:"kind"`
	Agent     string          `json:"agent,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AttemptStatus is the terminal outcome of one agent attempt.
type AttemptStatus string

const (
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRolledBack AttemptStatus = "rolled-back"
)

// Attempt is one append-only record of a single agent invocation.
type Attempt struct {
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Status        AttemptStatus  `json:"status"`
	Checkpoint    string         `json:"checkpoint,omitempty"`
	CostUSD       float64        `json:"costUsd,omitempty"`
	TokensIn      int            `json:"tokensIn,omitempty"`
	TokensOut     int            `json:"tokensOut,omitempty"`
}

// AgentMetrics is the per-agent rollup exposed by GetMetrics.
type AgentMetrics struct {
	Status          AttemptStatus `json:"status"`
	Attempts        []Attempt     `json:"attempts"`
	TotalCostUSD    float64       `json:"total_cost_usd"`
	FinalDurationMS int64         `json:"final_duration_ms"`
	Checkpoint      string        `json:"checkpoint,omitempty"`
}

// Metrics is the full per-session metrics snapshot (spec.md §4.2).
type Metrics struct {
	Agents map[string]*AgentMetrics `json:"agents"`
}

// Log is the per-session audit log: a JSONL event stream plus a metrics
// snapshot file, both under dir. One Log is opened per session; its
// internal mutex serialises concurrent agent completions within a
// fan-out phase (spec.md §4.7 runs multiple agents concurrently, and
// they all record attempts against the same Log).
type Log struct {
	mu sync.Mutex

	dir         string
	eventsPath  string
	metricsPath string

	metrics *Metrics
}

// Open opens or creates the audit log rooted at dir (one directory per
// session, conventionally "<workspace>/audit-logs/<timestamp>_<sessionID>").
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	l := &Log{
		dir:         dir,
		eventsPath:  filepath.Join(dir, "events.jsonl"),
		metricsPath: filepath.Join(dir, "metrics.json"),
		metrics:     &Metrics{Agents: map[string]*AgentMetrics{}},
	}

	if raw, err := os.ReadFile(l.metricsPath); err == nil {
		if err := json.Unmarshal(raw, l.metrics); err != nil {
			return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
		}
	} else if !os.IsNotExist(err) {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	return l, nil
}

// LogEvent appends a structured event to the JSONL stream.
func (l *Log) LogEvent(kind EventKind, agent string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.Validation, err)
	}
	event := Event{Timestamp: time.Now(), Kind: kind, Agent: agent, Payload: raw}
	line, err := json.Marshal(event)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.Validation, err)
	}

	f, err := os.OpenFile(l.eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	return nil
}

// RecordAttempt appends an attempt to agent's metrics block and updates its
// status and rollups (spec.md §4.2). A rolled-back attempt clears the
// agent's checkpoint.
func (l *Log) RecordAttempt(agent string, start, end time.Time, status AttemptStatus, checkpoint string, costUSD float64, tokensIn, tokensOut int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.metrics.Agents[agent]
	if !ok {
		m = &AgentMetrics{}
		l.metrics.Agents[agent] = m
	}

	attempt := Attempt{
		Start: start, End: end, Status: status,
		Checkpoint: checkpoint, CostUSD: costUSD,
		TokensIn: tokensIn, TokensOut: tokensOut,
	}
	m.Attempts = append(m.Attempts, attempt)
	m.Status = status
	m.TotalCostUSD += costUSD
	m.FinalDurationMS = end.Sub(start).Milliseconds()

	if status == AttemptRolledBack {
		m.Checkpoint = ""
	} else if checkpoint != "" {
		m.Checkpoint = checkpoint
	}

	return l.writeMetricsLocked()
}

// GetMetrics returns a snapshot of the per-session metrics document.
func (l *Log) GetMetrics() *Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := &Metrics{Agents: make(map[string]*AgentMetrics, len(l.metrics.Agents))}
	for name, m := range l.metrics.Agents {
		cp := *m
		cp.Attempts = append([]Attempt(nil), m.Attempts...)
		out.Agents[name] = &cp
	}
	return out
}

// ReportCostBreakdown rolls up per-agent totals into the two maps carried
// forward onto the session record (SPEC_FULL.md §C.1): duration in
// milliseconds and cost in USD, keyed by agent name.
func (l *Log) ReportCostBreakdown() (timing map[string]int64, cost map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timing = make(map[string]int64, len(l.metrics.Agents))
	cost = make(map[string]float64, len(l.metrics.Agents))
	for name, m := range l.metrics.Agents {
		timing[name] = m.FinalDurationMS
		cost[name] = m.TotalCostUSD
	}
	return timing, cost
}

func (l *Log) writeMetricsLocked() error {
	raw, err := json.MarshalIndent(l.metrics, "", "  ")
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.Validation, err)
	}
	tmp := l.metricsPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	return os.Rename(tmp, l.metricsPath)
}

// ReadEvents replays the JSONL event stream in order, for reconciliation
// and CLI inspection.
func (l *Log) ReadEvents() ([]Event, error) {
	f, err := os.Open(l.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, kernelerrors.Wrap(kernelerrors.Validation, fmt.Errorf("corrupt audit event: %w", err))
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	return events, nil
}
