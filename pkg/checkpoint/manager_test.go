package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/session"
)

// fakeProvider is a minimal in-memory Provider for manager-level tests,
// avoiding the cost of a real git repo per test.
type fakeProvider struct {
	seq       int
	snapshots map[Snapshot]map[string]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{snapshots: map[Snapshot]map[string]string{}}
}

func (f *fakeProvider) Snapshot(ctx context.Context, message string) (Snapshot, error) {
	f.seq++
	id := Snapshot(fmt.Sprintf("snap-%d", f.seq))
	f.snapshots[id] = map[string]string{"message": message}
	return id, nil
}

func (f *fakeProvider) Restore(ctx context.Context, snap Snapshot) error {
	if _, ok := f.snapshots[snap]; !ok {
		return fmt.Errorf("no such snapshot %s", snap)
	}
	return nil
}

func (f *fakeProvider) Diff(ctx context.Context, from, to Snapshot) (string, error) {
	return fmt.Sprintf("%s..%s", from, to), nil
}

func newTestManager(t *testing.T) (*Manager, *session.Store, *fakeProvider) {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"), time.Hour)
	require.NoError(t, err)
	log, err := audit.Open(t.TempDir())
	require.NoError(t, err)
	provider := newFakeProvider()
	return NewManager(provider, store, log), store, provider
}

func TestRollbackRemovesLaterAgents(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := t.Context()

	sess, err := store.Create("t", "/ws", "", []string{"recon", "api-fuzzer", "sqli-vuln"})
	require.NoError(t, err)

	for _, agent := range []string{"recon", "api-fuzzer", "sqli-vuln"} {
		snap, err := mgr.Checkpoint(ctx, sess.ID, agent)
		require.NoError(t, err)
		_, err = store.MarkCompleted(sess.ID, agent, string(snap))
		require.NoError(t, err)
	}

	result, err := mgr.RollbackTo(ctx, sess.ID, "recon")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"api-fuzzer", "sqli-vuln"}, result.RemovedAgents)

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.False(t, after.CompletedAgents["recon"])
	require.False(t, after.CompletedAgents["api-fuzzer"])
	require.False(t, after.CompletedAgents["sqli-vuln"])
	require.NotContains(t, after.Checkpoints, "recon")
	require.NotContains(t, after.Checkpoints, "api-fuzzer")
	require.NotContains(t, after.Checkpoints, "sqli-vuln")
}

func TestRollbackToTargetItselfLeavesNoLaterCompletion(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := t.Context()

	agents := []string{"pre-recon", "login-check", "recon", "recon-verify"}
	sess, err := store.Create("t", "/ws", "", agents)
	require.NoError(t, err)

	for _, agent := range agents {
		snap, err := mgr.Checkpoint(ctx, sess.ID, agent)
		require.NoError(t, err)
		_, err = store.MarkCompleted(sess.ID, agent, string(snap))
		require.NoError(t, err)
	}

	_, err = mgr.RollbackTo(ctx, sess.ID, "recon")
	require.NoError(t, err)

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.CompletedAgents["pre-recon"])
	require.True(t, after.CompletedAgents["login-check"])
	require.False(t, after.CompletedAgents["recon"])
	require.False(t, after.CompletedAgents["recon-verify"])
	require.NotContains(t, after.Checkpoints, "recon")
	require.NotContains(t, after.Checkpoints, "recon-verify")
}
