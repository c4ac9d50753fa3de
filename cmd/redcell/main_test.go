package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/kernel"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/session"
)

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

func testCLI(t *testing.T) *CLI {
	t.Helper()
	dir := t.TempDir()
	return &CLI{StateDir: filepath.Join(dir, "state"), LogLevel: "error", LogFormat: "text"}
}

func TestModeForAgentNamesRecognisesAllThreeModes(t *testing.T) {
	mode, err := modeForAgentNames(pipeline.Names(pipeline.MainAgents))
	require.NoError(t, err)
	require.Equal(t, kernel.ModeMain, mode)

	mode, err = modeForAgentNames(pipeline.Names(pipeline.REAgents))
	require.NoError(t, err)
	require.Equal(t, kernel.ModeRE, mode)

	mode, err = modeForAgentNames(pipeline.Names(pipeline.OSVAgents))
	require.NoError(t, err)
	require.Equal(t, kernel.ModeOSV, mode)

	_, err = modeForAgentNames([]string{"not-a-real-agent"})
	require.Error(t, err)
}

func TestFindOrCreateSessionResumesNonCompletedSession(t *testing.T) {
	cli := testCLI(t)
	cfg := &config.Kernel{SessionStaleAfter: 0}
	store, err := openStore(cli.StateDir, cfg)
	require.NoError(t, err)

	names := pipeline.Names(pipeline.OSVAgents)
	first, err := findOrCreateSession(store, "target", "/ws", names)
	require.NoError(t, err)

	second, err := findOrCreateSession(store, "target", "/ws", names)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	_, err = store.Update(first.ID, func(s *session.Session) error {
		for _, n := range names {
			s.CompletedAgents[n] = true
		}
		return nil
	})
	require.NoError(t, err)

	third, err := findOrCreateSession(store, "target", "/ws", names)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
}

func TestResolveSessionDefaultsToMostRecentlyActive(t *testing.T) {
	cli := testCLI(t)
	cfg := &config.Kernel{SessionStaleAfter: 0}
	store, err := openStore(cli.StateDir, cfg)
	require.NoError(t, err)

	_, err = store.Create("a", "/ws-a", "", pipeline.Names(pipeline.OSVAgents))
	require.NoError(t, err)
	second, err := store.Create("b", "/ws-b", "", pipeline.Names(pipeline.OSVAgents))
	require.NoError(t, err)

	resolved, err := resolveSession(store, "")
	require.NoError(t, err)
	require.Equal(t, second.ID, resolved.ID)

	byID, err := resolveSession(store, second.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, byID.ID)
}

func TestRunPipelineRunsOSVEndToEnd(t *testing.T) {
	cli := testCLI(t)
	origNewHTTPClient := newHTTPClientFn
	newHTTPClientFn = func(cfg *config.Kernel) llm.Client { return fakeClient{} }
	defer func() { newHTTPClientFn = origNewHTTPClient }()

	workspace := filepath.Join(t.TempDir(), "workspace")
	err := runPipeline(cli, kernel.ModeOSV, "https://example.com/repo", workspace, "", false)
	require.NoError(t, err)

	store, err := openStore(cli.StateDir, &config.Kernel{SessionStaleAfter: 0})
	require.NoError(t, err)
	sessions, err := store.List()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].CompletedAgents["osv-report"])
}

func TestListAgentsCmdListsOSVAgents(t *testing.T) {
	agents, _, err := agentsAndPhasesForMode(kernel.ModeOSV)
	require.NoError(t, err)
	require.Equal(t, pipeline.OSVAgents, agents)
}
