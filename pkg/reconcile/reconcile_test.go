package reconcile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/session"
)

func newTestFixture(t *testing.T) (*session.Store, *audit.Log, *session.Session) {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewStore(filepath.Join(dir, "sessions.json"), time.Hour)
	require.NoError(t, err)
	log, err := audit.Open(filepath.Join(dir, "audit"))
	require.NoError(t, err)
	sess, err := store.Create("t", "/ws", "", []string{"recon", "api-fuzzer", "sqli-vuln"})
	require.NoError(t, err)
	return store, log, sess
}

func TestReconcilePromotesSuccessfulAgentNotYetCompleted(t *testing.T) {
	store, log, sess := newTestFixture(t)
	now := time.Now()
	require.NoError(t, log.RecordAttempt("recon", now, now, audit.AttemptSuccess, "snap-1", 0, 0, 0))

	result, err := Reconcile(store, log, sess.ID, time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"recon"}, result.Promoted)

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.CompletedAgents["recon"])
	require.Equal(t, "snap-1", after.Checkpoints["recon"])
}

func TestReconcileDemotesRolledBackAgentStillCompleted(t *testing.T) {
	store, log, sess := newTestFixture(t)
	now := time.Now()
	require.NoError(t, log.RecordAttempt("recon", now, now, audit.AttemptSuccess, "snap-1", 0, 0, 0))
	_, err := store.MarkCompleted(sess.ID, "recon", "snap-1")
	require.NoError(t, err)

	require.NoError(t, log.RecordAttempt("recon", now, now, audit.AttemptRolledBack, "", 0, 0, 0))

	result, err := Reconcile(store, log, sess.ID, time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"recon"}, result.Demoted)

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.False(t, after.CompletedAgents["recon"])
	require.NotContains(t, after.Checkpoints, "recon")
}

func TestReconcileAddsFailedAgentNotYetInFailedSet(t *testing.T) {
	store, log, sess := newTestFixture(t)
	now := time.Now()
	require.NoError(t, log.RecordAttempt("api-fuzzer", now, now, audit.AttemptFailed, "", 0, 0, 0))

	result, err := Reconcile(store, log, sess.ID, time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"api-fuzzer"}, result.Failed)

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.FailedAgents["api-fuzzer"])
}

func TestReconcileMovesStaleRunningAgentToFailed(t *testing.T) {
	store, log, sess := newTestFixture(t)
	_, err := store.MarkRunning(sess.ID, "sqli-vuln")
	require.NoError(t, err)
	require.NoError(t, log.LogEvent(audit.EventAgentStarted, "sqli-vuln", nil))

	result, err := Reconcile(store, log, sess.ID, 1*time.Nanosecond)
	require.NoError(t, err)
	require.Equal(t, []string{"sqli-vuln"}, result.StaleRunning)

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.True(t, after.FailedAgents["sqli-vuln"])
	require.False(t, after.RunningAgents["sqli-vuln"])
}

func TestReconcileIsIdempotent(t *testing.T) {
	store, log, sess := newTestFixture(t)
	now := time.Now()
	require.NoError(t, log.RecordAttempt("recon", now, now, audit.AttemptSuccess, "snap-1", 0, 0, 0))

	first, err := Reconcile(store, log, sess.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, first.Changed())

	second, err := Reconcile(store, log, sess.ID, time.Hour)
	require.NoError(t, err)
	require.False(t, second.Changed())
}
