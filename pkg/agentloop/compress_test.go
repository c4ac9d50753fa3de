package agentloop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/tool"
)

func newTestRuntime(t *testing.T) *tool.Runtime {
	t.Helper()
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)
	return rt
}

func TestCompressKeepsFirstMessageAndRecentWindow(t *testing.T) {
	rt := newTestRuntime(t)
	messages := []llm.Message{{Role: llm.RoleSystem, Content: "system prompt"}}
	for i := 0; i < 20; i++ {
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: "assistant turn"},
			llm.Message{Role: llm.RoleTool, Content: "tool result"},
		)
	}

	out := compress(messages, 3, "test-mission", rt)

	require.Equal(t, llm.RoleSystem, out[0].Role)
	require.Contains(t, out[1].Content, "context compressed")

	assistantCount := 0
	for _, m := range out {
		if m.Role == llm.RoleAssistant {
			assistantCount++
		}
	}
	require.Equal(t, 3, assistantCount)
}

func TestStatusMarkerIncludesTodoAndStagedFiles(t *testing.T) {
	rt := newTestRuntime(t)
	dir, err := rt.ResolvePath(missionDir("test-mission"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "todo.txt"), []byte("[ ] do the thing"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "finding_x.md"), []byte("# x"), 0o644))

	marker := statusMarker("test-mission", rt)
	require.Contains(t, marker, "do the thing")
	require.Contains(t, marker, "finding_x.md")
}
