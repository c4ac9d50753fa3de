// Package reconcile implements the Reconciler (spec.md §4.8): the audit
// log is the source of truth for per-agent status, and the session
// record is only a mirror that can drift (a crash between an audit
// write and a session-store write, a rollback that hasn't yet been
// reflected in session.completed). Reconcile replays the audit log and
// brings the session record back in line.
package reconcile

import (
	"time"

	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/session"
)

// defaultStaleRunningAfter is the threshold spec.md §4.8 names for the
// stale-running sweep when config.Kernel.StaleRunningAfter is unset.
const defaultStaleRunningAfter = 30 * time.Minute

// Result reports what Reconcile changed, for the CLI's --status output
// and for tests asserting idempotence (spec.md §8 testable property #6).
type Result struct {
	Promoted     []string
	Demoted      []string
	Failed       []string
	StaleRunning []string
}

// Changed reports whether Reconcile did anything.
func (r Result) Changed() bool {
	return len(r.Promoted) > 0 || len(r.Demoted) > 0 || len(r.Failed) > 0 || len(r.StaleRunning) > 0
}

// latestAttempt returns the status and checkpoint of agent's most recent
// attempt in metrics, and whether it has any attempt at all.
func latestAttempt(metrics *audit.Metrics, agent string) (audit.AttemptStatus, string, time.Time, bool) {
	m, ok := metrics.Agents[agent]
	if !ok || len(m.Attempts) == 0 {
		return "", "", time.Time{}, false
	}
	last := m.Attempts[len(m.Attempts)-1]
	return last.Status, last.Checkpoint, last.End, true
}

// lastEventTime returns the timestamp of the most recent audit event
// concerning agent, or the zero time if there is none.
func lastEventTime(events []audit.Event, agent string) time.Time {
	var last time.Time
	for _, e := range events {
		if e.Agent != agent {
			continue
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last
}

// Reconcile replays log against the session record identified by
// sessionID and applies the four disjoint actions spec.md §4.8
// describes: promotions, demotions, failures, and the stale-running sweep
// (a staleAfter <= 0 uses the 30-minute default). It is idempotent: running it twice in a row
// produces an empty second Result.
func Reconcile(store *session.Store, log *audit.Log, sessionID string, staleAfter time.Duration) (Result, error) {
	if staleAfter <= 0 {
		staleAfter = defaultStaleRunningAfter
	}

	sess, err := store.Get(sessionID)
	if err != nil {
		return Result{}, err
	}

	metrics := log.GetMetrics()
	events, err := log.ReadEvents()
	if err != nil {
		return Result{}, err
	}

	var result Result
	now := time.Now()

	for agent, m := range metrics.Agents {
		switch m.Status {
		case audit.AttemptSuccess:
			if !sess.CompletedAgents[agent] {
				result.Promoted = append(result.Promoted, agent)
			}
		case audit.AttemptRolledBack:
			if sess.CompletedAgents[agent] {
				result.Demoted = append(result.Demoted, agent)
			}
		case audit.AttemptFailed:
			if !sess.FailedAgents[agent] {
				result.Failed = append(result.Failed, agent)
			}
		}
	}

	for agent := range sess.RunningAgents {
		last := lastEventTime(events, agent)
		if last.IsZero() || now.Sub(last) > staleAfter {
			result.StaleRunning = append(result.StaleRunning, agent)
		}
	}

	if !result.Changed() {
		return result, nil
	}

	_, err = store.Update(sessionID, func(s *session.Session) error {
		for _, agent := range result.Promoted {
			status, checkpoint, _, ok := latestAttempt(metrics, agent)
			if !ok || status != audit.AttemptSuccess {
				continue
			}
			delete(s.SkippedAgents, agent)
			delete(s.FailedAgents, agent)
			delete(s.RunningAgents, agent)
			s.CompletedAgents[agent] = true
			if checkpoint != "" {
				s.Checkpoints[agent] = checkpoint
			}
		}
		for _, agent := range result.Demoted {
			delete(s.CompletedAgents, agent)
			delete(s.Checkpoints, agent)
		}
		for _, agent := range result.Failed {
			delete(s.CompletedAgents, agent)
			delete(s.SkippedAgents, agent)
			delete(s.RunningAgents, agent)
			s.FailedAgents[agent] = true
		}
		for _, agent := range result.StaleRunning {
			delete(s.RunningAgents, agent)
			s.FailedAgents[agent] = true
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if err := log.LogEvent(audit.EventReconciled, "", result); err != nil {
		return Result{}, err
	}

	return result, nil
}
