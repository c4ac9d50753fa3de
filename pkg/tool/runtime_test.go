package tool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePathAllowsWithinWorkspace(t *testing.T) {
	rt, err := NewRuntime(t.TempDir(), "")
	require.NoError(t, err)

	resolved, err := rt.ResolvePath("deliverables/report.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(rt.Workspace, "deliverables", "report.md"), resolved)
}

func TestResolvePathRejectsEscape(t *testing.T) {
	rt, err := NewRuntime(t.TempDir(), "")
	require.NoError(t, err)

	_, err = rt.ResolvePath("../../etc/passwd")
	require.Error(t, err)
}

func TestResolvePathRejectsAbsoluteEscape(t *testing.T) {
	rt, err := NewRuntime(t.TempDir(), "")
	require.NoError(t, err)

	_, err = rt.ResolvePath("/etc/passwd")
	require.Error(t, err)
}
