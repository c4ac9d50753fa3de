package agentloop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/llm"
)

func TestStripUnmatchedToolPairsDropsOrphanedToolMessage(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleTool, Content: "orphan", ToolCallID: "missing"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1", Name: "bash"}}},
		{Role: llm.RoleTool, Content: "ok", ToolCallID: "1"},
	}
	out := stripUnmatchedToolPairs(messages)
	require.Len(t, out, 3)
	for _, m := range out {
		require.NotEqual(t, "orphan", m.Content)
	}
}

func TestCoalesceSameRoleMergesConsecutiveUserMessages(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "a"},
		{Role: llm.RoleUser, Content: "b"},
		{Role: llm.RoleAssistant, Content: "c"},
	}
	out := coalesceSameRole(messages)
	require.Len(t, out, 2)
	require.Contains(t, out[0].Content, "a")
	require.Contains(t, out[0].Content, "b")
}

func TestStripControlTokensRemovesMarkersAndControlBytes(t *testing.T) {
	messages := []llm.Message{{Role: llm.RoleAssistant, Content: "<|im_start|>hello\x07world"}}
	out := stripControlTokens(messages)
	require.Equal(t, "helloworld", out[0].Content)
}

func TestShrinkToBudgetSlidesWindowThenTruncatesContent(t *testing.T) {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: "sys"}}
	for i := 0; i < 50; i++ {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: strings.Repeat("x", 500)})
	}
	out := shrinkToBudget(messages, 2000)

	total := 0
	for _, m := range out {
		total += countTokens(m.Content)
	}
	require.LessOrEqual(t, total, 2000/charsPerToken+50)
	require.Equal(t, llm.RoleSystem, out[0].Role)
}

func TestPrepareMessagesIsIdempotentOnCleanTranscript(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "hello"},
	}
	out := prepareMessages(messages, 0)
	require.Equal(t, messages, out)
}
