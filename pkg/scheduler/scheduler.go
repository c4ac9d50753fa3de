// Package scheduler implements the Phase Scheduler (spec.md §4.7): it
// iterates the fixed phase order, resolves which agents in each phase are
// eligible to run (prerequisites satisfied, not already completed or
// skipped), and drives each eligible agent through the Agent Execution
// Loop — sequentially for ordinary phases, under a bounded-concurrency
// fan-out for vulnerability-analysis and exploitation.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redcell/kernel/pkg/agentloop"
	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/checkpoint"
	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/kernelerrors"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/metrics"
	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/registry"
	"github.com/redcell/kernel/pkg/session"
	"github.com/redcell/kernel/pkg/tool"
)

// defaultParallelLimit is the fan-out concurrency cap used when
// config.Kernel.ParallelLimit is unset (spec.md §4.7: "default 5").
const defaultParallelLimit = 5

// SystemPromptFunc builds the system prompt handed to an agent's loop.
// Kept as an injected function rather than a package-level template so
// the prompt content (which belongs to the operator-facing product, not
// this orchestration core) stays out of this package.
type SystemPromptFunc func(agent pipeline.Agent) string

// Scheduler wires one session's store, audit log, checkpoint manager, LLM
// client, and tool registry together to run a fixed agent/phase set.
type Scheduler struct {
	Store       *session.Store
	Checkpoints *checkpoint.Manager
	Log         *audit.Log
	Cfg         *config.Kernel
	Client      llm.Client
	Tools       *registry.ToolRegistry
	Runtime     *tool.Runtime
	DoneTasks   *agentloop.DoneTaskCache
	SystemPrompt SystemPromptFunc
	Metrics     *metrics.Metrics
	Mirror      *audit.Mirror // optional cross-session cost mirror; nil is fine

	Agents []pipeline.Agent
	Phases []pipeline.Phase
}

// recordAttempt appends agentName's attempt to the session's audit log and,
// if configured, mirrors it into the cross-session SQLite store.
func (s *Scheduler) recordAttempt(ctx context.Context, sessionID, agentName string, start, end time.Time, status audit.AttemptStatus, checkpoint string, costUSD float64, tokensIn, tokensOut int) error {
	if err := s.Log.RecordAttempt(agentName, start, end, status, checkpoint, costUSD, tokensIn, tokensOut); err != nil {
		return err
	}
	if s.Mirror == nil {
		return nil
	}
	return s.Mirror.RecordAttempt(ctx, sessionID, agentName, audit.Attempt{
		Start: start, End: end, Status: status, Checkpoint: checkpoint,
		CostUSD: costUSD, TokensIn: tokensIn, TokensOut: tokensOut,
	})
}

// RunAll runs every phase in order against sessionID (spec.md §4.7
// runAll).
func (s *Scheduler) RunAll(ctx context.Context, sessionID string) error {
	for _, phase := range s.Phases {
		if err := s.RunPhase(ctx, sessionID, phase.Name); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// RunPhase runs one named phase against sessionID (spec.md §4.7 runPhase):
// computes the subset of its agents eligible to run (prerequisites
// satisfied, not already completed/skipped), then dispatches them
// sequentially or under a bounded fan-out depending on phase.FanOut.
func (s *Scheduler) RunPhase(ctx context.Context, sessionID, phaseName string) error {
	phase, ok := pipeline.PhaseByName(s.Phases, phaseName)
	if !ok {
		return kernelerrors.Newf(kernelerrors.Validation, "unknown phase %q", phaseName)
	}

	sess, err := s.Store.Get(sessionID)
	if err != nil {
		return err
	}

	var eligible []pipeline.Agent
	for _, name := range phase.Agents {
		if sess.CompletedAgents[name] || sess.SkippedAgents[name] {
			continue
		}
		agent, ok := pipeline.AgentByName(s.Agents, name)
		if !ok {
			return kernelerrors.Newf(kernelerrors.Validation, "unknown agent %q in phase %q", name, phaseName)
		}
		if s.prerequisitesMet(sess, agent) {
			eligible = append(eligible, agent)
		} else {
			if _, err := s.Store.MarkSkipped(sessionID, name); err != nil {
				return err
			}
			if err := s.Log.LogEvent(audit.EventAgentSkipped, name, map[string]string{"reason": "unmet prerequisites"}); err != nil {
				return err
			}
		}
	}

	if len(eligible) == 0 {
		return nil
	}

	if phase.FanOut {
		return s.runFanOut(ctx, sessionID, eligible)
	}
	for _, agent := range eligible {
		if err := s.RunAgent(ctx, sessionID, agent.Name); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// runFanOut runs agents concurrently under a bounded semaphore (spec.md
// §4.7: "default 5, configurable"; testable property #7). Grounded on the
// teacher's workflowagent.NewParallel, which runs sub-agents concurrently
// via golang.org/x/sync/errgroup; SetLimit gives the concurrency cap this
// package's teacher counterpart did not itself need.
func (s *Scheduler) runFanOut(ctx context.Context, sessionID string, agents []pipeline.Agent) error {
	limit := s.Cfg.ParallelLimit
	if limit <= 0 {
		limit = defaultParallelLimit
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			return s.RunAgent(gctx, sessionID, agent.Name)
		})
	}
	return g.Wait()
}

// RunAgent runs a single agent's execution loop against sessionID (spec.md
// §4.7 runAgent): markRunning -> Agent Execution Loop -> on success
// markCompleted + checkpoint, else markFailed. A fan-out agent's failure
// never aborts its siblings; a sequential phase's failure does not abort
// the phase either — it simply leaves downstream prerequisites unmet, so
// later agents are skipped naturally (spec.md §7 propagation policy).
func (s *Scheduler) RunAgent(ctx context.Context, sessionID, agentName string) error {
	agent, ok := pipeline.AgentByName(s.Agents, agentName)
	if !ok {
		return kernelerrors.Newf(kernelerrors.Validation, "unknown agent %q", agentName)
	}

	if _, err := s.Store.MarkRunning(sessionID, agentName); err != nil {
		return err
	}
	if err := s.Log.LogEvent(audit.EventAgentStarted, agentName, nil); err != nil {
		return err
	}

	start := time.Now()
	loop := &agentloop.Loop{
		Client: s.Client, Tools: s.Tools, Runtime: s.Runtime, Cfg: s.Cfg, Log: s.Log,
		Agent: agent, SessionID: sessionID, DoneTasks: s.DoneTasks, Metrics: s.Metrics,
	}
	result := loop.Run(ctx, s.SystemPrompt(agent))
	end := time.Now()

	s.Metrics.RecordAgentRun(agentName, string(agent.Kind), end.Sub(start), result.Success)

	costUSD := llm.EstimatedCostUSD(result.Usage, s.Cfg.PromptTokenPriceUSD, s.Cfg.CompletionTokenPriceUSD)

	if !result.Success {
		if _, err := s.Store.MarkFailed(sessionID, agentName); err != nil {
			return err
		}
		if err := s.Log.LogEvent(audit.EventAgentFailed, agentName, map[string]string{"error": result.Error}); err != nil {
			return err
		}
		if err := s.recordAttempt(ctx, sessionID, agentName, start, end, audit.AttemptFailed, "", costUSD, result.Usage.PromptTokens, result.Usage.CompletionTokens); err != nil {
			return err
		}
		return nil
	}

	var checkpointID string
	if s.Checkpoints != nil {
		snap, err := s.Checkpoints.Checkpoint(ctx, sessionID, agentName)
		if err != nil {
			return err
		}
		checkpointID = string(snap)
	}

	if _, err := s.Store.MarkCompleted(sessionID, agentName, checkpointID); err != nil {
		return err
	}
	if err := s.Log.LogEvent(audit.EventAgentCompleted, agentName, map[string]string{"checkpoint": checkpointID}); err != nil {
		return err
	}
	return s.recordAttempt(ctx, sessionID, agentName, start, end, audit.AttemptSuccess, checkpointID, costUSD, result.Usage.PromptTokens, result.Usage.CompletionTokens)
}

// prerequisitesMet reports whether every one of agent's prerequisites is
// in sess.CompletedAgents.
func (s *Scheduler) prerequisitesMet(sess *session.Session, agent pipeline.Agent) bool {
	for _, prereq := range agent.Prerequisites {
		if !sess.CompletedAgents[prereq] {
			return false
		}
	}
	return true
}

// ErrInterrupted wraps ctx.Err() with a spec.md §7 Interrupt kind, for
// callers (the CLI's signal handler) that need to distinguish a clean
// cancellation from a genuine failure.
func ErrInterrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return kernelerrors.WrapRetryable(kernelerrors.Interrupt, fmt.Errorf("scheduler cancelled: %w", ctx.Err()), false)
}
