// Package kernel assembles one explicit, non-global handle to every
// stateful subsystem a pipeline run needs: session store, audit log and
// its optional cross-session mirror, checkpoint manager, tool registry,
// metrics sink, and the resulting Phase Scheduler. cmd/redcell constructs
// at most one Kernel per invocation and hands it to the command that
// runs, rather than reaching for package-level singletons the way a
// long-lived server process might; commands that only read or clear
// stored state (status, cleanup) open the store and audit log directly.
package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/redcell/kernel/pkg/agentloop"
	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/checkpoint"
	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/metrics"
	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/registry"
	"github.com/redcell/kernel/pkg/scheduler"
	"github.com/redcell/kernel/pkg/session"
	"github.com/redcell/kernel/pkg/subagent"
	"github.com/redcell/kernel/pkg/tool"
)

// Mode selects which of the three fixed agent/phase sets spec.md §3
// defines a Kernel drives: the main assessment pipeline, the standalone
// reverse-engineering pipeline, or the standalone OSV pipeline.
type Mode string

const (
	ModeMain Mode = "main"
	ModeRE   Mode = "re"
	ModeOSV  Mode = "osv"
)

func agentsAndPhasesFor(mode Mode) ([]pipeline.Agent, []pipeline.Phase, error) {
	switch mode {
	case ModeMain:
		return pipeline.MainAgents, pipeline.MainPhases, nil
	case ModeRE:
		return pipeline.REAgents, pipeline.REPhases, nil
	case ModeOSV:
		return pipeline.OSVAgents, pipeline.OSVPhases, nil
	default:
		return nil, nil, fmt.Errorf("unknown pipeline mode %q", mode)
	}
}

// Options configures New. Workspace and StateDir are required. New
// returns an error when Mode is unknown or Client or SystemPrompt is nil;
// a nil Cfg is replaced by config.FromEnv(), and EnableMetrics and
// EnableMirror stay off unless set.
type Options struct {
	Mode      Mode
	Workspace string
	Target    string
	StateDir  string // holds sessions.json, audit-logs/, checkpoints-git/, metrics.sqlite3

	// SessionID scopes the audit log to one session's own directory,
	// "<sanitized-hostname>_<session-id>" under StateDir/audit-logs
	// (spec.md §6 persisted state layout), so two sessions' event
	// streams and metrics.json never collide. Left empty, the audit log
	// falls back to a flat StateDir/audit-logs directory — used by
	// commands (list-agents, cleanup) that never run an agent loop.
	SessionID string

	Cfg          *config.Kernel
	Client       llm.Client
	SystemPrompt scheduler.SystemPromptFunc
	EnableMetrics bool
	EnableMirror  bool
}

// AuditDirFor resolves the per-session audit directory spec.md §6 names,
// falling back to a flat shared directory when sessionID is unset. It is
// exported so callers that only need the audit log (no full Kernel, e.g.
// a CLI status command) can open it the same way New does.
func AuditDirFor(stateDir, sessionID string) string {
	if sessionID == "" {
		return filepath.Join(stateDir, "audit-logs")
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return filepath.Join(stateDir, "audit-logs", sanitizeForPath(host)+"_"+sessionID)
}

var nonPathSafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeForPath(s string) string {
	return nonPathSafe.ReplaceAllString(s, "_")
}

// Kernel is the assembled set of subsystems one pipeline run needs.
type Kernel struct {
	Cfg         *config.Kernel
	Store       *session.Store
	Log         *audit.Log
	Mirror      *audit.Mirror
	Checkpoints *checkpoint.Manager
	Tools       *registry.ToolRegistry
	Runtime     *tool.Runtime
	Metrics     *metrics.Metrics
	Client      llm.Client

	Agents []pipeline.Agent
	Phases []pipeline.Phase

	Scheduler *scheduler.Scheduler
}

// New wires one Kernel from opts. The caller owns its lifetime: Close
// releases the SQLite mirror handle, if one was opened.
func New(opts Options) (*Kernel, error) {
	if opts.Cfg == nil {
		opts.Cfg = config.FromEnv()
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("kernel: Options.Client is required")
	}
	if opts.SystemPrompt == nil {
		return nil, fmt.Errorf("kernel: Options.SystemPrompt is required")
	}

	agents, phases, err := agentsAndPhasesFor(opts.Mode)
	if err != nil {
		return nil, err
	}

	store, err := session.NewStore(filepath.Join(opts.StateDir, "sessions.json"), opts.Cfg.SessionStaleAfter)
	if err != nil {
		return nil, fmt.Errorf("kernel: open session store: %w", err)
	}

	log, err := audit.Open(AuditDirFor(opts.StateDir, opts.SessionID))
	if err != nil {
		return nil, fmt.Errorf("kernel: open audit log: %w", err)
	}

	var mirror *audit.Mirror
	if opts.EnableMirror {
		mirror, err = audit.OpenMirror(filepath.Join(opts.StateDir, "metrics.sqlite3"))
		if err != nil {
			return nil, fmt.Errorf("kernel: open audit mirror: %w", err)
		}
	}

	provider, err := checkpoint.NewGitProvider(opts.Workspace, filepath.Join(opts.StateDir, "checkpoints-git"))
	if err != nil {
		return nil, fmt.Errorf("kernel: open checkpoint provider: %w", err)
	}
	checkpoints := checkpoint.NewManager(provider, store, log)

	runtime, err := tool.NewRuntime(opts.Workspace, opts.Target)
	if err != nil {
		return nil, fmt.Errorf("kernel: open runtime: %w", err)
	}

	var m *metrics.Metrics
	if opts.EnableMetrics {
		m = metrics.New()
	}

	tools := registry.NewToolRegistry().WithMetrics(m)
	for _, t := range tool.Builtins(runtime, opts.Cfg.ShellTimeout) {
		if err := tools.Register(t); err != nil {
			return nil, fmt.Errorf("kernel: register builtin tool %q: %w", t.Name, err)
		}
	}

	subExec := subagent.NewExecutor(opts.Client, tools, opts.Cfg.SubAgentMaxTurns, opts.Cfg.SubAgentTruncateBytes)
	if err := tools.Register(subagent.AsTool(subExec)); err != nil {
		return nil, fmt.Errorf("kernel: register SubAgent tool: %w", err)
	}

	sched := &scheduler.Scheduler{
		Store: store, Checkpoints: checkpoints, Log: log, Cfg: opts.Cfg,
		Client: opts.Client, Tools: tools, Runtime: runtime,
		DoneTasks: agentloop.NewDoneTaskCache(), SystemPrompt: opts.SystemPrompt,
		Metrics: m, Mirror: mirror,
		Agents: agents, Phases: phases,
	}

	return &Kernel{
		Cfg: opts.Cfg, Store: store, Log: log, Mirror: mirror, Checkpoints: checkpoints,
		Tools: tools, Runtime: runtime, Metrics: m, Client: opts.Client,
		Agents: agents, Phases: phases, Scheduler: sched,
	}, nil
}

// Close releases resources the Kernel opened that outlive a single call
// (currently just the optional SQLite mirror handle).
func (k *Kernel) Close() error {
	if k.Mirror == nil {
		return nil
	}
	return k.Mirror.Close()
}
