// Command redcell is the CLI for the security-assessment orchestration
// kernel. It wires one pkg/kernel.Kernel per invocation and drives it
// through the commands spec.md §6 names: run the full pipeline, resume
// it phase by phase or agent by agent, inspect reconciled status, roll
// back to a checkpoint, and clean up finished sessions. "re" and "osv"
// run the two standalone pipelines over the same CLI shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/kernel"
	"github.com/redcell/kernel/pkg/kernelerrors"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/logger"
	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/reconcile"
	"github.com/redcell/kernel/pkg/scheduler"
	"github.com/redcell/kernel/pkg/session"
)

// CLI is the top-level command set.
type CLI struct {
	Run         RunCmd         `cmd:"" help:"Create or resume a session and run the main pipeline end to end."`
	Status      StatusCmd      `cmd:"" help:"Print reconciled session status."`
	RunPhase    RunPhaseCmd    `cmd:"run-phase" help:"Run one phase of a session's pipeline."`
	Rerun       RerunCmd       `cmd:"" help:"Re-run one agent (clears its failed/completed state first)."`
	RunAll      RunAllCmd      `cmd:"run-all" help:"Run every remaining phase of a session."`
	RollbackTo  RollbackToCmd  `cmd:"rollback-to" help:"Roll the workspace back to an agent's checkpoint."`
	ListAgents  ListAgentsCmd  `cmd:"list-agents" help:"List the fixed agent set for a pipeline mode."`
	Cleanup     CleanupCmd     `cmd:"" help:"Delete one session, or prompt to delete all."`
	RE          RECmd          `cmd:"" help:"Run the standalone reverse-engineering pipeline over a binary."`
	OSV         OSVCmd         `cmd:"" help:"Run the standalone OSV dependency-scan pipeline over a repository."`

	StateDir  string `name:"state-dir" help:"Directory holding sessions.json, audit-logs/, checkpoints-git/." default:"." type:"path"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `name:"log-format" help:"Log format (text or json)." default:"text"`
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("redcell"),
		kong.Description("Autonomous security-assessment orchestration kernel."),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	err := ctx.Run(&cli)
	if err == nil {
		os.Exit(0)
	}
	if kernelerrors.Is(err, kernelerrors.Interrupt) {
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "error [%s] (retryable=%v): %v\n", kernelerrors.KindOf(err), kernelerrors.IsRetryable(err), err)
	os.Exit(1)
}

// runWithSignals returns a context cancelled on SIGINT/SIGTERM and a
// restore function the caller should defer. On cancellation the session,
// if any, is marked interrupted so status/reconcile reflects a clean stop
// rather than a crash (spec.md §7 Interrupt kind, exit 0).
func runWithSignals(store *session.Store, sessionID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		if store != nil && sessionID != "" {
			_, _ = store.MarkInterrupted(sessionID)
		}
		cancel()
	}()
	return ctx, cancel
}

// newHTTPClientFn is overridden in tests to inject a fake llm.Client
// without standing up a real HTTP endpoint.
var newHTTPClientFn = func(cfg *config.Kernel) llm.Client { return newHTTPClient(cfg) }

func openStore(stateDir string, cfg *config.Kernel) (*session.Store, error) {
	return session.NewStore(filepath.Join(stateDir, "sessions.json"), cfg.SessionStaleAfter)
}

// findOrCreateSession resumes the most recently active non-completed
// session against (target, workspace), or creates a new one.
func findOrCreateSession(store *session.Store, target, workspace string, pipelineAgents []string) (*session.Session, error) {
	sessions, err := store.List()
	if err != nil {
		return nil, err
	}
	var best *session.Session
	for _, s := range sessions {
		if s.Target != target || s.Workspace != workspace || s.Status == session.StatusCompleted {
			continue
		}
		if best == nil || s.LastActivity.After(best.LastActivity) {
			best = s
		}
	}
	if best != nil {
		return best, nil
	}
	return store.Create(target, workspace, "", pipelineAgents)
}

// resolveSession picks sessionID if given, else the most recently active
// session across the whole store.
func resolveSession(store *session.Store, sessionID string) (*session.Session, error) {
	if sessionID != "" {
		return store.Get(sessionID)
	}
	sessions, err := store.List()
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, kernelerrors.New(kernelerrors.Validation, "no sessions recorded; pass --session or run a pipeline first")
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].LastActivity.After(sessions[j].LastActivity) })
	return sessions[0], nil
}

// modeForAgentNames maps a session's recorded pipeline agent set back to
// the fixed Mode that produced it.
func modeForAgentNames(names []string) (kernel.Mode, error) {
	join := func(ns []string) string {
		s := ""
		for _, n := range ns {
			s += n + ","
		}
		return s
	}
	want := join(names)
	if want == join(pipeline.Names(pipeline.MainAgents)) {
		return kernel.ModeMain, nil
	}
	if want == join(pipeline.Names(pipeline.REAgents)) {
		return kernel.ModeRE, nil
	}
	if want == join(pipeline.Names(pipeline.OSVAgents)) {
		return kernel.ModeOSV, nil
	}
	return "", kernelerrors.Newf(kernelerrors.Validation, "session's agent set does not match any known pipeline mode")
}

// openKernelForSession assembles a Kernel scoped to sess's own mode,
// workspace, target, and audit directory.
func openKernelForSession(stateDir string, cfg *config.Kernel, sess *session.Session) (*kernel.Kernel, error) {
	mode, err := modeForAgentNames(sess.PipelineAgents)
	if err != nil {
		return nil, err
	}
	return kernel.New(kernel.Options{
		Mode: mode, Workspace: sess.Workspace, Target: sess.Target,
		StateDir: stateDir, SessionID: sess.ID,
		Cfg: cfg, Client: newHTTPClientFn(cfg), SystemPrompt: buildSystemPrompt,
		EnableMetrics: true, EnableMirror: true,
	})
}

func printStatus(sess *session.Session, rec reconcile.Result) {
	fmt.Printf("session %s: %s (target=%s workspace=%s)\n", sess.ID, sess.Status, sess.Target, sess.Workspace)
	fmt.Printf("  completed: %d  failed: %d  running: %d  skipped: %d\n",
		len(sess.CompletedAgents), len(sess.FailedAgents), len(sess.RunningAgents), len(sess.SkippedAgents))
	if rec.Changed() {
		fmt.Printf("  reconciled: promoted=%v demoted=%v failed=%v stale=%v\n",
			rec.Promoted, rec.Demoted, rec.Failed, rec.StaleRunning)
	}
}

// RunCmd implements `redcell run <target> <workspace>`.
type RunCmd struct {
	Target        string `arg:"" help:"Assessment target (URL, host, etc)."`
	Workspace     string `arg:"" help:"Workspace directory for this session." type:"path"`
	ConfigPath    string `name:"config" help:"Path to a config file (recorded on the session, not yet parsed)." type:"path"`
	DisableLoader bool   `name:"disable-loader" help:"Skip the pre-recon loader step (reserved for future use)."`
	SetupOnly     bool   `name:"setup-only" help:"Create the session and workspace layout, then exit without running agents."`
}

func (c *RunCmd) Run(cli *CLI) error {
	return runPipeline(cli, kernel.ModeMain, c.Target, c.Workspace, c.ConfigPath, c.SetupOnly)
}

// RECmd implements the standalone `redcell re <binary-path> <workspace>` pipeline.
type RECmd struct {
	BinaryPath string `arg:"" help:"Path to the binary to analyse." type:"path"`
	Workspace  string `arg:"" help:"Workspace directory for this session." type:"path"`
	SetupOnly  bool   `name:"setup-only" help:"Create the session and workspace layout, then exit without running agents."`
}

func (c *RECmd) Run(cli *CLI) error {
	if err := copyBinaryIntoWorkspace(c.BinaryPath, c.Workspace); err != nil {
		return kernelerrors.Wrap(kernelerrors.Filesystem, err)
	}
	return runPipeline(cli, kernel.ModeRE, c.BinaryPath, c.Workspace, "", c.SetupOnly)
}

// OSVCmd implements the standalone `redcell osv <repo-path> <workspace>` pipeline.
type OSVCmd struct {
	RepoPath  string `arg:"" help:"Path to the repository to scan." type:"path"`
	Workspace string `arg:"" help:"Workspace directory for this session." type:"path"`
	SetupOnly bool   `name:"setup-only" help:"Create the session and workspace layout, then exit without running agents."`
}

func (c *OSVCmd) Run(cli *CLI) error {
	return runPipeline(cli, kernel.ModeOSV, c.RepoPath, c.Workspace, "", c.SetupOnly)
}

func copyBinaryIntoWorkspace(binaryPath, workspace string) error {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return err
	}
	dest := filepath.Join(workspace, filepath.Base(binaryPath))
	return os.WriteFile(dest, data, 0o755)
}

func runPipeline(cli *CLI, mode kernel.Mode, target, workspace, configPath string, setupOnly bool) error {
	cfg := config.FromEnv()

	store, err := openStore(cli.StateDir, cfg)
	if err != nil {
		return err
	}

	agents, _, err := agentsAndPhasesForMode(mode)
	if err != nil {
		return err
	}

	sess, err := findOrCreateSession(store, target, workspace, pipeline.Names(agents))
	if err != nil {
		return err
	}
	if configPath != "" {
		if _, err := store.Update(sess.ID, func(s *session.Session) error { s.ConfigPath = configPath; return nil }); err != nil {
			return err
		}
	}

	if setupOnly {
		fmt.Printf("session %s created (setup only)\n", sess.ID)
		return nil
	}

	k, err := kernel.New(kernel.Options{
		Mode: mode, Workspace: workspace, Target: target,
		StateDir: cli.StateDir, SessionID: sess.ID,
		Cfg: cfg, Client: newHTTPClientFn(cfg), SystemPrompt: buildSystemPrompt,
		EnableMetrics: true, EnableMirror: true,
	})
	if err != nil {
		return err
	}
	defer k.Close()

	if _, err := reconcile.Reconcile(k.Store, k.Log, sess.ID, cfg.StaleRunningAfter); err != nil {
		return err
	}

	ctx, cancel := runWithSignals(k.Store, sess.ID)
	defer cancel()

	if err := k.Scheduler.RunAll(ctx, sess.ID); err != nil {
		if ctx.Err() != nil {
			return scheduler.ErrInterrupted(ctx)
		}
		return err
	}

	after, err := k.Store.Get(sess.ID)
	if err != nil {
		return err
	}
	printStatus(after, reconcile.Result{})
	return nil
}

// StatusCmd implements `redcell status [--session <id>]`.
type StatusCmd struct {
	Session string `help:"Session id; defaults to the most recently active session."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	cfg := config.FromEnv()
	store, err := openStore(cli.StateDir, cfg)
	if err != nil {
		return err
	}
	sess, err := resolveSession(store, c.Session)
	if err != nil {
		return err
	}
	log, err := openAuditLogFor(cli.StateDir, sess.ID)
	if err != nil {
		return err
	}
	rec, err := reconcile.Reconcile(store, log, sess.ID, cfg.StaleRunningAfter)
	if err != nil {
		return err
	}
	sess, err = store.Get(sess.ID)
	if err != nil {
		return err
	}
	printStatus(sess, rec)
	return nil
}

// RunPhaseCmd implements `redcell run-phase <phase-name> [--session <id>]`.
type RunPhaseCmd struct {
	PhaseName string `arg:""`
	Session   string `help:"Session id; defaults to the most recently active session."`
}

func (c *RunPhaseCmd) Run(cli *CLI) error {
	return withSessionKernel(cli, c.Session, func(k *kernel.Kernel, sess *session.Session) error {
		ctx, cancel := runWithSignals(k.Store, sess.ID)
		defer cancel()
		if err := k.Scheduler.RunPhase(ctx, sess.ID, c.PhaseName); err != nil {
			if ctx.Err() != nil {
				return scheduler.ErrInterrupted(ctx)
			}
			return err
		}
		return nil
	})
}

// RerunCmd implements `redcell rerun <agent-name> [--session <id>]`.
type RerunCmd struct {
	AgentName string `arg:""`
	Session   string `help:"Session id; defaults to the most recently active session."`
}

func (c *RerunCmd) Run(cli *CLI) error {
	return withSessionKernel(cli, c.Session, func(k *kernel.Kernel, sess *session.Session) error {
		if _, err := k.Store.Update(sess.ID, func(s *session.Session) error {
			delete(s.CompletedAgents, c.AgentName)
			delete(s.FailedAgents, c.AgentName)
			delete(s.SkippedAgents, c.AgentName)
			return nil
		}); err != nil {
			return err
		}
		ctx, cancel := runWithSignals(k.Store, sess.ID)
		defer cancel()
		if err := k.Scheduler.RunAgent(ctx, sess.ID, c.AgentName); err != nil {
			if ctx.Err() != nil {
				return scheduler.ErrInterrupted(ctx)
			}
			return err
		}
		return nil
	})
}

// RunAllCmd implements `redcell run-all [--session <id>]`.
type RunAllCmd struct {
	Session string `help:"Session id; defaults to the most recently active session."`
}

func (c *RunAllCmd) Run(cli *CLI) error {
	return withSessionKernel(cli, c.Session, func(k *kernel.Kernel, sess *session.Session) error {
		ctx, cancel := runWithSignals(k.Store, sess.ID)
		defer cancel()
		if err := k.Scheduler.RunAll(ctx, sess.ID); err != nil {
			if ctx.Err() != nil {
				return scheduler.ErrInterrupted(ctx)
			}
			return err
		}
		return nil
	})
}

// RollbackToCmd implements `redcell rollback-to <agent-name> [--session <id>]`.
type RollbackToCmd struct {
	AgentName string `arg:""`
	Session   string `help:"Session id; defaults to the most recently active session."`
}

func (c *RollbackToCmd) Run(cli *CLI) error {
	return withSessionKernel(cli, c.Session, func(k *kernel.Kernel, sess *session.Session) error {
		rb, err := k.Checkpoints.RollbackTo(context.Background(), sess.ID, c.AgentName)
		if err != nil {
			return err
		}
		fmt.Printf("rolled back to %q; removed completion of: %v\n", rb.Agent, rb.RemovedAgents)
		if rb.Diff != "" {
			fmt.Println(rb.Diff)
		}
		return nil
	})
}

// ListAgentsCmd implements `redcell list-agents [--mode <mode>]`.
type ListAgentsCmd struct {
	Mode string `help:"Pipeline mode: main, re, or osv." default:"main"`
}

func (c *ListAgentsCmd) Run(cli *CLI) error {
	agents, _, err := agentsAndPhasesForMode(kernel.Mode(c.Mode))
	if err != nil {
		return err
	}
	for _, a := range agents {
		fmt.Printf("%-16s %-30s phase=%-22s kind=%-20s order=%d prereqs=%v deliverables=%v\n",
			a.Name, a.DisplayName, a.Phase, a.Kind, a.Order, a.Prerequisites, a.RequiredDeliverables)
	}
	return nil
}

// CleanupCmd implements `redcell cleanup [<session-id>]`.
type CleanupCmd struct {
	SessionID string `arg:"" optional:"" help:"Session id to delete; if omitted, prompts to delete all sessions."`
}

func (c *CleanupCmd) Run(cli *CLI) error {
	cfg := config.FromEnv()
	store, err := openStore(cli.StateDir, cfg)
	if err != nil {
		return err
	}
	if c.SessionID != "" {
		return store.Delete(c.SessionID)
	}

	sessions, err := store.List()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions to delete")
		return nil
	}
	fmt.Printf("delete all %d sessions? [y/N] ", len(sessions))
	var answer string
	_, _ = fmt.Scanln(&answer)
	if answer != "y" && answer != "Y" {
		fmt.Println("aborted")
		return nil
	}
	return store.DeleteAll()
}

// agentsAndPhasesForMode mirrors pkg/kernel's unexported table, since the
// CLI needs the agent set before it has enough to construct a Kernel
// (session creation, list-agents).
func agentsAndPhasesForMode(mode kernel.Mode) ([]pipeline.Agent, []pipeline.Phase, error) {
	switch mode {
	case kernel.ModeMain:
		return pipeline.MainAgents, pipeline.MainPhases, nil
	case kernel.ModeRE:
		return pipeline.REAgents, pipeline.REPhases, nil
	case kernel.ModeOSV:
		return pipeline.OSVAgents, pipeline.OSVPhases, nil
	default:
		return nil, nil, kernelerrors.Newf(kernelerrors.Validation, "unknown pipeline mode %q", mode)
	}
}

// withSessionKernel resolves sessionID (or the most recently active
// session), reconciles it, assembles a Kernel scoped to it, and runs fn.
func withSessionKernel(cli *CLI, sessionID string, fn func(k *kernel.Kernel, sess *session.Session) error) error {
	cfg := config.FromEnv()
	store, err := openStore(cli.StateDir, cfg)
	if err != nil {
		return err
	}
	sess, err := resolveSession(store, sessionID)
	if err != nil {
		return err
	}

	k, err := openKernelForSession(cli.StateDir, cfg, sess)
	if err != nil {
		return err
	}
	defer k.Close()

	if _, err := reconcile.Reconcile(k.Store, k.Log, sess.ID, cfg.StaleRunningAfter); err != nil {
		return err
	}
	sess, err = k.Store.Get(sess.ID)
	if err != nil {
		return err
	}

	return fn(k, sess)
}

func openAuditLogFor(stateDir, sessionID string) (*audit.Log, error) {
	return audit.Open(kernel.AuditDirFor(stateDir, sessionID))
}
