package agentloop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/tool"
)

func TestEnsureMissionTodoWritesDefaultChecklistOnlyOnce(t *testing.T) {
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)
	agent := sqliAgent()

	require.NoError(t, ensureMissionTodo(rt, "sqli-vuln", agent))
	path, err := rt.ResolvePath(filepath.Join(missionDir("sqli-vuln"), "todo.txt"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), string(pipeline.DeliverableSQLIAnalysis))

	require.NoError(t, os.WriteFile(path, []byte("custom content"), 0o644))
	require.NoError(t, ensureMissionTodo(rt, "sqli-vuln", agent))
	data2, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "custom content", string(data2))
}

func TestBuildResumeBlockReturnsFalseWhenNoPriorProgress(t *testing.T) {
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)
	require.NoError(t, ensureMissionTodo(rt, "sqli-vuln", sqliAgent()))

	_, ok := buildResumeBlock(rt, "sqli-vuln")
	require.False(t, ok)
}

func TestBuildResumeBlockSummarisesStagedFilesAndTickedTodo(t *testing.T) {
	rt, err := tool.NewRuntime(t.TempDir(), "https://example.com")
	require.NoError(t, err)
	dir, err := rt.ResolvePath(missionDir("sqli-vuln"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "todo.txt"), []byte("[x] did a thing\n[ ] do another"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "finding_a.md"), []byte("# a"), 0o644))

	block, ok := buildResumeBlock(rt, "sqli-vuln")
	require.True(t, ok)
	require.Contains(t, block, "finding_a.md")
	require.Contains(t, block, "do another")
}
