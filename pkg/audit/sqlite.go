package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/redcell/kernel/pkg/kernelerrors"
)

// metricsMirrorSchemaSQL creates the queryable mirror of per-agent attempt
// records, kept alongside the authoritative JSONL/JSON files so cost and
// timing can be reported with SQL instead of re-reading every session's
// metrics.json (SPEC_FULL.md §C.1).
const metricsMirrorSchemaSQL = `
CREATE TABLE IF NOT EXISTS attempts (
    session_id   TEXT NOT NULL,
    agent        TEXT NOT NULL,
    start_ts     DATETIME NOT NULL,
    end_ts       DATETIME NOT NULL,
    status       TEXT NOT NULL,
    checkpoint   TEXT,
    cost_usd     REAL NOT NULL DEFAULT 0,
    tokens_in    INTEGER NOT NULL DEFAULT 0,
    tokens_out   INTEGER NOT NULL DEFAULT 0
)`

const attemptsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id, agent)`

// Mirror is a queryable SQLite mirror of audit attempt records across all
// sessions, used for cross-session cost/timing reports (e.g. "total spend
// this week"). It is a mirror, never authoritative: the JSONL event stream
// and metrics.json remain the source of truth per session.
type Mirror struct {
	db *sql.DB
}

// OpenMirror opens (or creates) the shared SQLite database at path.
func OpenMirror(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range []string{metricsMirrorSchemaSQL, attemptsIndexSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, kernelerrors.Wrap(kernelerrors.Filesystem, fmt.Errorf("init metrics mirror schema: %w", err))
		}
	}
	return &Mirror{db: db}, nil
}

// Close closes the underlying database handle.
func (m *Mirror) Close() error { return m.db.Close() }

// RecordAttempt mirrors one attempt record into the queryable store. Called
// alongside Log.RecordAttempt; failures here are non-fatal to the caller
// since the JSONL stream remains authoritative.
func (m *Mirror) RecordAttempt(ctx context.Context, sessionID, agent string, a Attempt) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO attempts (session_id, agent, start_ts, end_ts, status, checkpoint, cost_usd, tokens_in, tokens_out)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, agent, a.Start, a.End, string(a.Status), a.Checkpoint, a.CostUSD, a.TokensIn, a.TokensOut)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.Filesystem, err)
	}
	return nil
}

// CostBreakdownRow is one row of a ReportCostBreakdown query result.
type CostBreakdownRow struct {
	SessionID  string
	Agent      string
	TotalCost  float64
	TotalMS    int64
	Attempts   int
}

// ReportCostBreakdown aggregates cost and duration per (session, agent)
// across the mirror, optionally filtered to a single session id (empty
// string means all sessions). This backs the CLI's cost-reporting surface
// (SPEC_FULL.md §C.1) without re-parsing every session's metrics.json.
func (m *Mirror) ReportCostBreakdown(ctx context.Context, sessionID string) ([]CostBreakdownRow, error) {
	query := `
		SELECT session_id, agent, SUM(cost_usd), CAST(SUM((julianday(end_ts) - julianday(start_ts)) * 86400000) AS INTEGER), COUNT(*)
		FROM attempts`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " GROUP BY session_id, agent ORDER BY session_id, agent"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.Filesystem, err)
	}
	defer rows.Close()

	var out []CostBreakdownRow
	for rows.Next() {
		var r CostBreakdownRow
		if err := rows.Scan(&r.SessionID, &r.Agent, &r.TotalCost, &r.TotalMS, &r.Attempts); err != nil {
			return nil, kernelerrors.Wrap(kernelerrors.Filesystem, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
