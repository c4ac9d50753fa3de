package kernel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/pipeline"
)

// fakeClient answers every call with a canned response: it saves the one
// deliverable the OSV pipeline's terminal agent requires as soon as the
// catalogue offers save_deliverable, then stops on the following turn.
type fakeClient struct{}

func (fakeClient) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	for _, m := range req.Messages {
		if m.Role == llm.RoleTool {
			return llm.Response{Content: "done"}, nil
		}
	}
	for _, d := range req.Tools {
		if d.Name == "save_deliverable" {
			return llm.Response{ToolCalls: []llm.ToolCall{{
				ID: "1", Name: "save_deliverable",
				Arguments: map[string]any{
					"type": string(pipeline.DeliverableOSVFindings), "path": "report.md", "content": "findings",
				},
			}}}, nil
		}
	}
	return llm.Response{Content: "done"}, nil
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		Mode:      ModeOSV,
		Workspace: filepath.Join(dir, "workspace"),
		Target:    "https://example.com",
		StateDir:  filepath.Join(dir, "state"),
		Cfg: &config.Kernel{
			MaxTurns: 10, AgentMaxTurns: map[string]int{},
			CompressThresholdChars: 1_000_000, MaxPromptChars: 1_000_000,
			ParallelLimit: 2, SessionStaleAfter: 0,
		},
		Client:        fakeClient{},
		SystemPrompt:  func(agent pipeline.Agent) string { return "system prompt for " + agent.Name },
		EnableMetrics: true,
		EnableMirror:  true,
	}
}

func TestNewAssemblesEveryToolAndScheduler(t *testing.T) {
	k, err := New(testOptions(t))
	require.NoError(t, err)
	defer k.Close()

	require.NotNil(t, k.Scheduler)
	require.Equal(t, pipeline.OSVAgents, k.Agents)
	require.Equal(t, pipeline.OSVPhases, k.Phases)
	require.NotNil(t, k.Metrics)
	require.NotNil(t, k.Mirror)

	for _, name := range []string{"bash", "read_file", "write_file", "save_deliverable", "SubAgent"} {
		_, ok := k.Tools.Resolve(name)
		require.True(t, ok, "expected builtin tool %q to be registered", name)
	}
}

func TestNewRequiresClientAndSystemPrompt(t *testing.T) {
	opts := testOptions(t)
	opts.Client = nil
	_, err := New(opts)
	require.Error(t, err)

	opts = testOptions(t)
	opts.SystemPrompt = nil
	_, err = New(opts)
	require.Error(t, err)
}

func TestKernelRunsOSVPipelineEndToEnd(t *testing.T) {
	k, err := New(testOptions(t))
	require.NoError(t, err)
	defer k.Close()

	sess, err := k.Store.Create("t", k.Runtime.Workspace, "", pipeline.Names(k.Agents))
	require.NoError(t, err)

	require.NoError(t, k.Scheduler.RunAll(context.Background(), sess.ID))

	after, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.CompletedAgents["osv-scan"])
	require.True(t, after.CompletedAgents["osv-triage"])
	require.True(t, after.CompletedAgents["osv-report"])
}
