package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redcell/kernel/pkg/kernelerrors"
)

// document is the on-disk shape: a single JSON document mapping session id
// to session record (spec.md §4.1).
type document struct {
	Sessions map[string]*Session `json:"sessions"`
}

// Store is the process-wide durable Session Store.
//
// Persistence is one file on disk; writes go to a sibling temp file then
// os.Rename, so readers observe either the old or the new complete
// document, never a partial one (testable property #3).
//
// Concurrency: all mutations go through a per-session mutex obtained from
// sessionLocks (a sync.Map keyed by session id, mirroring the per-session
// lock pattern used for summarization in the pack's agent-loop
// implementations); a single docMu additionally serialises the
// read-modify-write of the backing file itself, since two sessions could
// be mutated concurrently but must not race on the same file.
type Store struct {
	path string

	docMu sync.Mutex

	sessionLocks sync.Map // session id -> *sync.Mutex

	staleAfter time.Duration

	workspaceCleanup func(workspace, sessionID string) []error
}

// NewStore opens (or creates) the session store file at path.
func NewStore(path string, staleAfter time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	s := &Store{path: path, staleAfter: staleAfter, workspaceCleanup: defaultWorkspaceCleanup}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeDocument(&document{Sessions: map[string]*Session{}}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	v, _ := s.sessionLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Store) readDocument() (*document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]*Session{}
	}
	return &doc, nil
}

// writeDocument serialises doc to a sibling temp file then renames it into
// place, so the store file is always valid JSON (testable property #3).
func (s *Store) writeDocument(doc *document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}

	tmp := s.path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return kernelerrors.WrapRetryable(kernelerrors.Filesystem, err, false)
	}
	return nil
}

// withDocument serialises access to the backing file across the whole
// process: it reads the document, lets fn mutate it, and writes it back
// atomically. The per-session lock obtained by the caller still governs
// logical ownership of one session's data; docMu only protects the shared
// file from torn concurrent writes.
func (s *Store) withDocument(fn func(*document) error) error {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.writeDocument(doc)
}

// Create creates a new session for (target, workspace), or reuses an
// existing non-pipeline-complete one, per spec.md §4.1.
func (s *Store) Create(target, workspace, configPath string, pipelineAgents []string) (*Session, error) {
	var result *Session

	err := s.withDocument(func(doc *document) error {
		now := time.Now()

		// Staleness sweep: demote stale in-progress/running sessions
		// before deciding whether to reuse one.
		for _, sess := range doc.Sessions {
			if sess.Status == StatusCompleted || sess.Status == StatusFailed || sess.Status == StatusInterrupted {
				continue
			}
			if now.Sub(sess.LastActivity) > s.staleAfter {
				sess.Interrupted = true
				for agent := range sess.RunningAgents {
					sess.FailedAgents[agent] = true
				}
				sess.RunningAgents = map[string]bool{}
				sess.recomputeStatus()
			}
		}

		for _, sess := range doc.Sessions {
			if sess.Target == target && sess.Workspace == workspace && !sess.IsPipelineComplete() {
				sess.Interrupted = false
				sess.LastActivity = now
				sess.recomputeStatus()
				result = sess.clone()
				return nil
			}
		}

		id := uuid.NewString()
		sess := newSession(id, target, workspace, configPath, pipelineAgents, now)
		doc.Sessions[id] = sess
		result = sess.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (*Session, error) {
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	sess, ok := doc.Sessions[id]
	if !ok {
		return nil, kernelerrors.Newf(kernelerrors.Validation, "no such session %q", id)
	}
	return sess.clone(), nil
}

// List returns copies of all sessions.
func (s *Store) List() ([]*Session, error) {
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(doc.Sessions))
	for _, sess := range doc.Sessions {
		out = append(out, sess.clone())
	}
	return out, nil
}

// Update performs an atomic read-modify-write of session id, recomputing
// status and stamping LastActivity after patch runs.
func (s *Store) Update(id string, patch func(*Session) error) (*Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var result *Session
	err := s.withDocument(func(doc *document) error {
		sess, ok := doc.Sessions[id]
		if !ok {
			return kernelerrors.Newf(kernelerrors.Validation, "no such session %q", id)
		}
		if err := patch(sess); err != nil {
			return err
		}
		sess.recomputeStatus()
		sess.LastActivity = time.Now()
		result = sess.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// markSet moves agent into exactly one of the four sets, clearing the
// other three first (testable property #1), optionally clearing
// Interrupted (new activity supersedes a prior interruption).
func (s *Store) markSet(id, agent string, target func(*Session), clearsInterrupted bool) (*Session, error) {
	return s.Update(id, func(sess *Session) error {
		sess.removeFromAllSets(agent)
		target(sess)
		if clearsInterrupted {
			sess.Interrupted = false
		}
		return nil
	})
}

// MarkRunning moves agent into RunningAgents.
func (s *Store) MarkRunning(id, agent string) (*Session, error) {
	return s.markSet(id, agent, func(sess *Session) { sess.RunningAgents[agent] = true }, true)
}

// MarkCompleted moves agent into CompletedAgents and records its checkpoint.
func (s *Store) MarkCompleted(id, agent, checkpointID string) (*Session, error) {
	return s.Update(id, func(sess *Session) error {
		sess.removeFromAllSets(agent)
		sess.CompletedAgents[agent] = true
		if checkpointID != "" {
			sess.Checkpoints[agent] = checkpointID
		}
		return nil
	})
}

// MarkFailed moves agent into FailedAgents.
func (s *Store) MarkFailed(id, agent string) (*Session, error) {
	return s.markSet(id, agent, func(sess *Session) { sess.FailedAgents[agent] = true }, false)
}

// MarkSkipped moves agent into SkippedAgents.
func (s *Store) MarkSkipped(id, agent string) (*Session, error) {
	return s.markSet(id, agent, func(sess *Session) { sess.SkippedAgents[agent] = true }, false)
}

// MarkInterrupted migrates all running agents to failed and marks the
// session interrupted, for use by the signal handler (spec.md §5).
func (s *Store) MarkInterrupted(id string) (*Session, error) {
	return s.Update(id, func(sess *Session) error {
		for agent := range sess.RunningAgents {
			sess.FailedAgents[agent] = true
		}
		sess.RunningAgents = map[string]bool{}
		sess.Interrupted = true
		return nil
	})
}

// SetBreakdowns overwrites the aggregate timing/cost breakdowns carried
// forward from the audit log at completion.
func (s *Store) SetBreakdowns(id string, timing map[string]int64, cost map[string]float64) (*Session, error) {
	return s.Update(id, func(sess *Session) error {
		sess.TimingBreakdown = timing
		sess.CostBreakdown = cost
		return nil
	})
}

// Delete removes the session record and its associated workspace
// deliverables/outputs and audit directory (testable property #4).
// Filesystem cleanup failures are logged as warnings but the record is
// still removed.
func (s *Store) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var target *Session
	err := s.withDocument(func(doc *document) error {
		sess, ok := doc.Sessions[id]
		if !ok {
			return kernelerrors.Newf(kernelerrors.Validation, "no such session %q", id)
		}
		target = sess
		delete(doc.Sessions, id)
		return nil
	})
	if err != nil {
		return err
	}

	for _, cleanupErr := range s.workspaceCleanup(target.Workspace, id) {
		slog.Warn("session cleanup failed", "session_id", id, "error", cleanupErr)
	}
	s.sessionLocks.Delete(id)
	return nil
}

// DeleteAll removes every session record and its associated on-disk state.
func (s *Store) DeleteAll() error {
	sessions, err := s.List()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := s.Delete(sess.ID); err != nil {
			return err
		}
	}
	return nil
}

func defaultWorkspaceCleanup(workspace, sessionID string) []error {
	var errs []error
	if workspace != "" {
		if err := os.RemoveAll(filepath.Join(workspace, "deliverables")); err != nil {
			errs = append(errs, fmt.Errorf("remove deliverables: %w", err))
		}
		if err := os.RemoveAll(filepath.Join(workspace, "outputs")); err != nil {
			errs = append(errs, fmt.Errorf("remove outputs: %w", err))
		}
	}
	auditDir, globErr := filepath.Glob(filepath.Join("audit-logs", "*_"+sessionID))
	if globErr == nil {
		for _, dir := range auditDir {
			if err := os.RemoveAll(dir); err != nil {
				errs = append(errs, fmt.Errorf("remove audit dir %s: %w", dir, err))
			}
		}
	}
	return errs
}
