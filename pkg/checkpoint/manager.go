package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/kernelerrors"
	"github.com/redcell/kernel/pkg/session"
)

// Manager ties a snapshot Provider to the session store and audit log,
// implementing the after-completion checkpoint and rollback contract of
// spec.md §4.6.
type Manager struct {
	provider Provider
	store    *session.Store
	log      *audit.Log
}

// NewManager constructs a Manager over an already-open Provider, Store,
// and audit Log for one session's workspace.
func NewManager(provider Provider, store *session.Store, log *audit.Log) *Manager {
	return &Manager{provider: provider, store: store, log: log}
}

// Checkpoint snapshots the workspace after agent completes and records the
// checkpoint id on the session (spec.md §4.6: "After markCompleted(agent),
// compute a content-addressed snapshot identifier... and store it").
func (m *Manager) Checkpoint(ctx context.Context, sessionID, agent string) (Snapshot, error) {
	snap, err := m.provider.Snapshot(ctx, fmt.Sprintf("checkpoint: %s", agent))
	if err != nil {
		return "", err
	}
	if err := m.log.LogEvent(audit.EventCheckpoint, agent, map[string]string{"checkpoint": string(snap)}); err != nil {
		return "", err
	}
	return snap, nil
}

// RolledBack is the result of RollbackTo: the agents whose completion was
// reverted and the diff report between the old and restored snapshots.
type RolledBack struct {
	Agent        string
	RemovedAgents []string
	Diff         string
}

// RollbackTo restores the workspace to agent's checkpoint and removes both
// agent and every agent that completed after it (in session.PipelineAgents
// order) from completed and from checkpoints (spec.md §4.6, §8 property
// #5: "A and all agents with order > A.order are absent from completed").
// Re-running agent is what produces a fresh checkpoint for it. The audit
// log keeps the old attempts marked rolled-back; it is not rewritten here,
// only appended to — reconciliation is what later demotes session.completed
// to match (spec.md §4.8).
func (m *Manager) RollbackTo(ctx context.Context, sessionID, agent string) (*RolledBack, error) {
	sess, err := m.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	target, ok := sess.Checkpoints[agent]
	if !ok {
		return nil, kernelerrors.Newf(kernelerrors.Validation, "no checkpoint recorded for agent %q", agent)
	}

	laterAgents := agentsAfter(sess.PipelineAgents, agent)

	var before Snapshot
	if len(laterAgents) > 0 {
		if last, ok := sess.Checkpoints[laterAgents[len(laterAgents)-1]]; ok {
			before = Snapshot(last)
		}
	}
	if before == "" {
		before = Snapshot(target)
	}

	if err := m.provider.Restore(ctx, Snapshot(target)); err != nil {
		return nil, err
	}

	diff, diffErr := m.provider.Diff(ctx, before, Snapshot(target))
	if diffErr != nil {
		diff = ""
	}

	_, err = m.store.Update(sessionID, func(s *session.Session) error {
		delete(s.CompletedAgents, agent)
		delete(s.Checkpoints, agent)
		delete(s.SkippedAgents, agent)
		delete(s.FailedAgents, agent)
		for _, later := range laterAgents {
			delete(s.CompletedAgents, later)
			delete(s.Checkpoints, later)
			delete(s.SkippedAgents, later)
			delete(s.FailedAgents, later)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, removed := range append([]string{agent}, laterAgents...) {
		if err := m.log.RecordAttempt(removed, now, now, audit.AttemptRolledBack, "", 0, 0, 0); err != nil {
			return nil, err
		}
	}
	if err := m.log.LogEvent(audit.EventRollback, agent, map[string]any{"removed": laterAgents, "diff": diff}); err != nil {
		return nil, err
	}

	return &RolledBack{Agent: agent, RemovedAgents: laterAgents, Diff: diff}, nil
}

// agentsAfter returns the subset of pipelineAgents that come strictly
// after target in pipeline order.
func agentsAfter(pipelineAgents []string, target string) []string {
	idx := -1
	for i, name := range pipelineAgents {
		if name == target {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	return append([]string(nil), pipelineAgents[idx+1:]...)
}
