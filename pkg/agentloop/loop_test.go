package agentloop

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/registry"
	"github.com/redcell/kernel/pkg/tool"
)

// scriptedLoopClient returns queued responses in order, recording every
// request it was sent.
type scriptedLoopClient struct {
	responses []llm.Response
	calls     int
}

func (c *scriptedLoopClient) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		return c.responses[len(c.responses)-1], nil
	}
	return c.responses[i], nil
}

func reconAgent() pipeline.Agent {
	a, _ := pipeline.AgentByName(pipeline.MainAgents, "recon")
	return a
}

func testRegistryWithSave(t *testing.T) *registry.ToolRegistry {
	t.Helper()
	reg := registry.NewToolRegistry()
	require.NoError(t, reg.Register(tool.Tool{
		Name:        "save_deliverable",
		Description: "save a deliverable",
		Schema:      map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (tool.Result, error) {
			return tool.Success("saved"), nil
		},
	}))
	return reg
}

func testLoopCfg() *config.Kernel {
	return &config.Kernel{
		MaxTurns:               10,
		AgentMaxTurns:          map[string]int{},
		CompressThresholdChars: 1_000_000,
		MaxPromptChars:         1_000_000,
	}
}

func TestLoopRunCompletesWhenDeliverableSaved(t *testing.T) {
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)

	client := &scriptedLoopClient{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "save_deliverable", Arguments: map[string]any{
			"type": string(pipeline.DeliverableReconSummary), "path": "recon.md", "content": "findings",
		}}}},
		{Content: "done"},
	}}

	l := &Loop{
		Client: client, Tools: testRegistryWithSave(t), Runtime: rt, Cfg: testLoopCfg(),
		Agent: reconAgent(), DoneTasks: NewDoneTaskCache(),
	}

	result := l.Run(context.Background(), "system prompt")
	require.True(t, result.Success)
	require.Equal(t, 2, result.Turns)
}

func TestLoopRunFailsOnTurnBudgetExhaustion(t *testing.T) {
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)

	client := &scriptedLoopClient{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "bash", Arguments: map[string]any{"command": "ls"}}}},
	}}
	reg := testRegistryWithSave(t)
	require.NoError(t, reg.Register(tool.Tool{
		Name: "bash",
		Handler: func(ctx context.Context, args map[string]any) (tool.Result, error) {
			return tool.Success("."), nil
		},
	}))

	cfg := testLoopCfg()
	cfg.MaxTurns = 3
	l := &Loop{
		Client: client, Tools: reg, Runtime: rt, Cfg: cfg,
		Agent: reconAgent(), DoneTasks: NewDoneTaskCache(),
	}

	result := l.Run(context.Background(), "system prompt")
	require.False(t, result.Success)
	require.Contains(t, result.Error, "turn budget exhausted")
}

func TestLoopRunGrantsExtraTurnsWhenDeliverableOwed(t *testing.T) {
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)

	client := &scriptedLoopClient{responses: []llm.Response{
		{Content: "I think I'm done"},
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "save_deliverable", Arguments: map[string]any{
			"type": string(pipeline.DeliverableReconSummary), "path": "recon.md", "content": "findings",
		}}}},
		{Content: "now really done"},
	}}

	cfg := testLoopCfg()
	cfg.MaxTurns = 2
	l := &Loop{
		Client: client, Tools: testRegistryWithSave(t), Runtime: rt, Cfg: cfg,
		Agent: reconAgent(), DoneTasks: NewDoneTaskCache(),
	}

	result := l.Run(context.Background(), "system prompt")
	require.True(t, result.Success, "deliverable debt should grant extra turns rather than fail at the nominal budget")

	var sawCriticalNudge bool
	for _, m := range result.Messages {
		if m.Role == llm.RoleUser && strings.Contains(m.Content, "CRITICAL") {
			sawCriticalNudge = true
		}
	}
	require.True(t, sawCriticalNudge)
}

func TestLoopRunFailsStuckInSilenceAfterTwoNudges(t *testing.T) {
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)

	client := &scriptedLoopClient{responses: []llm.Response{
		{Content: ""},
		{Content: "  "},
		{Content: ""},
	}}

	cfg := testLoopCfg()
	l := &Loop{
		Client: client, Tools: testRegistryWithSave(t), Runtime: rt, Cfg: cfg,
		Agent: reconAgent(), DoneTasks: NewDoneTaskCache(),
	}

	result := l.Run(context.Background(), "system prompt")
	require.False(t, result.Success)
	require.Contains(t, result.Error, "stuck in silence")
	require.Equal(t, 3, result.Turns)

	var nudges int
	for _, m := range result.Messages {
		if m.Role == llm.RoleUser && strings.Contains(m.Content, "empty and called no tool") {
			nudges++
		}
	}
	require.Equal(t, 2, nudges)
}

func TestLoopRunRecoversFromSilenceWhenModelRespondsAgain(t *testing.T) {
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)

	client := &scriptedLoopClient{responses: []llm.Response{
		{Content: ""},
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "save_deliverable", Arguments: map[string]any{
			"type": string(pipeline.DeliverableReconSummary), "path": "recon.md", "content": "findings",
		}}}},
		{Content: "done"},
	}}

	l := &Loop{
		Client: client, Tools: testRegistryWithSave(t), Runtime: rt, Cfg: testLoopCfg(),
		Agent: reconAgent(), DoneTasks: NewDoneTaskCache(),
	}

	result := l.Run(context.Background(), "system prompt")
	require.True(t, result.Success)
}
