package agentloop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/pipeline"
)

func TestDetectLoopFlagsRepeatedFingerprint(t *testing.T) {
	st := &loopState{}
	call := llm.ToolCall{Name: "bash", Arguments: map[string]any{"command": "ls"}}
	st.toolHistory = []llm.ToolCall{call, call}

	nudge, ok := detectLoop(nil, pipeline.KindRecon, st)
	require.True(t, ok)
	require.Contains(t, nudge, "loop")
}

func TestDetectLoopIgnoresDifferentCalls(t *testing.T) {
	st := &loopState{}
	st.toolHistory = []llm.ToolCall{
		{Name: "bash", Arguments: map[string]any{"command": "ls"}},
		{Name: "bash", Arguments: map[string]any{"command": "pwd"}},
	}
	_, ok := detectLoop(nil, pipeline.KindRecon, st)
	require.False(t, ok)
}

func TestDetectLoopFlagsExcessiveSearchChurn(t *testing.T) {
	st := &loopState{}
	var messages []llm.Message
	for i := 0; i < defaultSearchThreshold+2; i++ {
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{Name: "search_files", Arguments: map[string]any{"pattern": "x"}}},
		})
	}
	nudge, ok := detectLoop(messages, pipeline.KindRecon, st)
	require.True(t, ok)
	require.Contains(t, nudge, "search")
}

func TestDetectLoopCooldownSuppressesImmediateRefire(t *testing.T) {
	st := &loopState{}
	call := llm.ToolCall{Name: "bash", Arguments: map[string]any{"command": "ls"}}
	st.toolHistory = []llm.ToolCall{call, call}

	_, ok := detectLoop(nil, pipeline.KindRecon, st)
	require.True(t, ok)

	_, ok = detectLoop(nil, pipeline.KindRecon, st)
	require.False(t, ok, "cooldown should suppress immediate refire")
}

func TestDetectLoopFlagsReportAgentRereadingFiles(t *testing.T) {
	st := &loopState{}
	for i := 0; i < 3; i++ {
		st.toolHistory = append(st.toolHistory, llm.ToolCall{Name: "read_file", Arguments: map[string]any{"path": "report.md"}})
	}
	nudge, ok := detectLoop(nil, pipeline.KindReporting, st)
	require.True(t, ok)
	require.Contains(t, nudge, "report.md")
}
