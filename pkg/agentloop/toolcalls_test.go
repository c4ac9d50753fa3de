package agentloop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/llm"
)

func TestExtractToolCallsPrefersNative(t *testing.T) {
	resp := llm.Response{
		Content:   `{"command": "ls"}`,
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "bash", Arguments: map[string]any{"command": "pwd"}}},
	}
	calls := extractToolCalls(resp)
	require.Len(t, calls, 1)
	require.Equal(t, "pwd", calls[0].Arguments["command"])
}

func TestExtractToolCallsClassifiesSmuggledShapes(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"deliverable", `{"type": "SQLI_ANALYSIS", "path": "a.md", "content": "x"}`, "save_deliverable"},
		{"bash", `{"command": "ls -la"}`, "bash"},
		{"todo", `{"mission": "recon", "content": "[ ] a"}`, "TodoWrite"},
		{"subagent", `{"task": "check login", "input": "target"}`, "SubAgent"},
		{"explicit-tool-wrapper", `{"tool": "bash", "command": "whoami"}`, "bash"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			calls := extractToolCalls(llm.Response{Content: c.content})
			require.Len(t, calls, 1)
			require.Equal(t, c.want, calls[0].Name)
		})
	}
}

func TestExtractToolCallsRepairsTruncatedSmuggledJSON(t *testing.T) {
	resp := llm.Response{Content: "```json\n{\"command\": \"ls -la /tmp\n```"}
	calls := extractToolCalls(resp)
	require.Len(t, calls, 1)
	require.Equal(t, "bash", calls[0].Name)
}

func TestExtractToolCallsIgnoresUnrecognisedShape(t *testing.T) {
	calls := extractToolCalls(llm.Response{Content: `{"foo": "bar"}`})
	require.Empty(t, calls)
}
