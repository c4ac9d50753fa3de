package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) (*GitProvider, string) {
	t.Helper()
	root := t.TempDir()
	workspace := filepath.Join(root, "ws")
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	provider, err := NewGitProvider(workspace, GitDir(workspace))
	require.NoError(t, err)
	return provider, workspace
}

func TestSnapshotAndRestore(t *testing.T) {
	provider, workspace := newTestProvider(t)
	ctx := t.Context()

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("v1"), 0o644))
	snap1, err := provider.Snapshot(ctx, "first")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("v2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "b.txt"), []byte("new"), 0o644))
	_, err = provider.Snapshot(ctx, "second")
	require.NoError(t, err)

	require.NoError(t, provider.Restore(ctx, snap1))

	content, err := os.ReadFile(filepath.Join(workspace, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))

	_, err = os.Stat(filepath.Join(workspace, "b.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestSnapshotIdempotentWhenUnchanged(t *testing.T) {
	provider, workspace := newTestProvider(t)
	ctx := t.Context()

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("v1"), 0o644))
	snap1, err := provider.Snapshot(ctx, "first")
	require.NoError(t, err)

	snap2, err := provider.Snapshot(ctx, "first again")
	require.NoError(t, err)

	require.Equal(t, snap1, snap2)
}
