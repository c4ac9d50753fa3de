package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/agentloop"
	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/checkpoint"
	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/registry"
	"github.com/redcell/kernel/pkg/session"
	"github.com/redcell/kernel/pkg/tool"
)

// fakeProvider is a minimal in-memory checkpoint.Provider, mirroring the
// one pkg/checkpoint's own tests use, to avoid a real git repo per test.
type fakeProvider struct{ seq int }

func (f *fakeProvider) Snapshot(ctx context.Context, message string) (checkpoint.Snapshot, error) {
	f.seq++
	return checkpoint.Snapshot(fmt.Sprintf("snap-%d", f.seq)), nil
}
func (f *fakeProvider) Restore(ctx context.Context, snap checkpoint.Snapshot) error { return nil }
func (f *fakeProvider) Diff(ctx context.Context, from, to checkpoint.Snapshot) (string, error) {
	return "", nil
}

// scriptedClient answers every Chat call with a canned response that
// immediately saves every deliverable the calling agent requires, then
// stops — enough to drive RunAgent/RunPhase/RunAll through a success path
// without a real LLM.
type scriptedClient struct{}

func (scriptedClient) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	for _, m := range req.Messages {
		if m.Role == llm.RoleTool {
			return llm.Response{Content: "done"}, nil
		}
	}
	// First turn: if the catalogue offers save_deliverable, call it for
	// every tool definition's implied type via a single generic call;
	// tests register one save_deliverable handler that always succeeds
	// regardless of the type requested, then a second turn finishes.
	for _, d := range req.Tools {
		if d.Name == "save_deliverable" {
			return llm.Response{ToolCalls: []llm.ToolCall{{
				ID: "1", Name: "save_deliverable",
				Arguments: map[string]any{"type": "ANY", "path": "x.md", "content": "x"},
			}}}, nil
		}
	}
	return llm.Response{Content: "done"}, nil
}

func newTestScheduler(t *testing.T, agents []pipeline.Agent, phases []pipeline.Phase) (*Scheduler, *session.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewStore(filepath.Join(dir, "sessions.json"), time.Hour)
	require.NoError(t, err)
	log, err := audit.Open(filepath.Join(dir, "audit"))
	require.NoError(t, err)
	mgr := checkpoint.NewManager(&fakeProvider{}, store, log)
	rt, err := tool.NewRuntime(filepath.Join(dir, "workspace"), "https://example.com")
	require.NoError(t, err)

	reg := registry.NewToolRegistry()
	require.NoError(t, reg.Register(tool.Tool{
		Name:   "save_deliverable",
		Schema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (tool.Result, error) {
			return tool.Success("saved"), nil
		},
	}))

	sched := &Scheduler{
		Store: store, Checkpoints: mgr, Log: log, Cfg: &config.Kernel{
			MaxTurns: 5, AgentMaxTurns: map[string]int{},
			CompressThresholdChars: 1_000_000, MaxPromptChars: 1_000_000,
			ParallelLimit: 2,
		},
		Client: scriptedClient{}, Tools: reg, Runtime: rt, DoneTasks: agentloop.NewDoneTaskCache(),
		SystemPrompt: func(agent pipeline.Agent) string { return "system prompt for " + agent.Name },
		Agents:       agents, Phases: phases,
	}
	return sched, store
}

func TestRunAgentMarksCompletedAndCheckpoints(t *testing.T) {
	// Named so applyDeliverableCoercion's substring match resolves the
	// scriptedClient's generic save_deliverable call to the one type this
	// agent actually requires.
	agents := []pipeline.Agent{{Name: "sqli-vuln", DisplayName: "SQLI Analysis", Phase: "vulnerability-analysis", Kind: pipeline.KindAnalysis,
		RequiredDeliverables: []pipeline.DeliverableType{pipeline.DeliverableSQLIAnalysis}}}
	phases := []pipeline.Phase{{Name: "vulnerability-analysis", Agents: []string{"sqli-vuln"}}}
	sched, store := newTestScheduler(t, agents, phases)

	sess, err := store.Create("t", sched.Runtime.Workspace, "", pipeline.Names(agents))
	require.NoError(t, err)

	require.NoError(t, sched.RunAgent(context.Background(), sess.ID, "sqli-vuln"))

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.CompletedAgents["sqli-vuln"])
	require.NotEmpty(t, after.Checkpoints["sqli-vuln"])
}

func TestRunPhaseSkipsAgentsWithUnmetPrerequisites(t *testing.T) {
	agents := []pipeline.Agent{
		{Name: "pre-recon", DisplayName: "Pre", Phase: "p", Kind: pipeline.KindRecon},
		{Name: "recon", DisplayName: "Recon", Phase: "p", Kind: pipeline.KindRecon, Prerequisites: []string{"pre-recon"}},
	}
	phases := []pipeline.Phase{{Name: "p", Agents: []string{"pre-recon", "recon"}}}
	sched, store := newTestScheduler(t, agents, phases)

	sess, err := store.Create("t", sched.Runtime.Workspace, "", pipeline.Names(agents))
	require.NoError(t, err)

	// pre-recon never runs, so recon's prerequisite is unmet; only recon
	// should be skipped, not failed.
	_, err = sched.Store.MarkFailed(sess.ID, "pre-recon")
	require.NoError(t, err)
	require.NoError(t, sched.RunPhase(context.Background(), sess.ID, "p"))

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.SkippedAgents["recon"])
}

func TestRunFanOutRespectsParallelLimit(t *testing.T) {
	agents := []pipeline.Agent{
		{Name: "a1", DisplayName: "A1", Phase: "vulnerability-analysis", Kind: pipeline.KindAnalysis},
		{Name: "a2", DisplayName: "A2", Phase: "vulnerability-analysis", Kind: pipeline.KindAnalysis},
		{Name: "a3", DisplayName: "A3", Phase: "vulnerability-analysis", Kind: pipeline.KindAnalysis},
	}
	phases := []pipeline.Phase{{Name: "vulnerability-analysis", Agents: []string{"a1", "a2", "a3"}, FanOut: true}}
	sched, store := newTestScheduler(t, agents, phases)

	sess, err := store.Create("t", sched.Runtime.Workspace, "", pipeline.Names(agents))
	require.NoError(t, err)

	require.NoError(t, sched.RunPhase(context.Background(), sess.ID, "vulnerability-analysis"))

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.CompletedAgents["a1"])
	require.True(t, after.CompletedAgents["a2"])
	require.True(t, after.CompletedAgents["a3"])
}

func TestRunAgentMarksFailedOnTurnBudgetExhaustion(t *testing.T) {
	agents := []pipeline.Agent{{Name: "recon", DisplayName: "Recon", Phase: "reconnaissance", Kind: pipeline.KindRecon,
		RequiredDeliverables: []pipeline.DeliverableType{pipeline.DeliverableReconSummary}}}
	phases := []pipeline.Phase{{Name: "reconnaissance", Agents: []string{"recon"}}}
	sched, store := newTestScheduler(t, agents, phases)
	sched.Cfg.MaxTurns = 1
	// Drop save_deliverable so the agent can never satisfy its required
	// deliverable and the loop runs out its (tiny) turn budget.
	sched.Tools = registry.NewToolRegistry()

	sess, err := store.Create("t", sched.Runtime.Workspace, "", pipeline.Names(agents))
	require.NoError(t, err)

	require.NoError(t, sched.RunAgent(context.Background(), sess.ID, "recon"))

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.FailedAgents["recon"])
}
