// Package agentloop implements the Agent Execution Loop (spec.md §4.5),
// described there as "the hardest part of the system": for a single
// agent invocation it drives a finite, bounded LLM conversation through
// nudge injection, history compression, loop detection, message
// preparation, tool-call extraction (native and smuggled), pre-execute
// policy, dispatch, and deliverable-enforced completion detection.
package agentloop

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redcell/kernel/pkg/audit"
	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/metrics"
	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/registry"
	"github.com/redcell/kernel/pkg/tool"
)

// extraTurnsOnDeliverableDebt is how many turns past the nominal budget
// the loop grants an agent that would otherwise be cut off owing a
// required deliverable (spec.md §4.5 step 10).
const extraTurnsOnDeliverableDebt = 5

// Result is what one agent invocation reports to its caller (the Phase
// Scheduler).
type Result struct {
	Success  bool
	Messages []llm.Message
	Usage    llm.Usage
	Error    string
	Turns    int
	Duration time.Duration
}

// Loop drives one agent's bounded conversation. One Loop is constructed
// per agent invocation; DoneTasks and the registry/runtime are shared
// across the session's agents.
type Loop struct {
	Client  llm.Client
	Tools   *registry.ToolRegistry
	Runtime *tool.Runtime
	Cfg     *config.Kernel
	Log     *audit.Log

	Agent     pipeline.Agent
	SessionID string

	DoneTasks *DoneTaskCache
	Metrics   *metrics.Metrics
}

// Run drives the conversation to completion or failure.
func (l *Loop) Run(ctx context.Context, systemPrompt string) Result {
	start := time.Now()

	maxTurns := l.maxTurns()
	mission := missionName(l.Agent)

	if err := ensureMissionTodo(l.Runtime, mission, l.Agent); err != nil {
		return Result{Success: false, Error: err.Error(), Duration: time.Since(start)}
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}
	if resume, ok := buildResumeBlock(l.Runtime, mission); ok {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: resume})
	}

	st := &loopState{
		savedTypes:  map[pipeline.DeliverableType]bool{},
		sentNudges:  map[float64]bool{},
		toolHistory: nil,
	}

	var usage llm.Usage
	turn := 0
	extraGranted := 0

	for {
		turn++
		effectiveMax := maxTurns + extraGranted
		if turn > effectiveMax {
			return Result{
				Success: false, Messages: messages, Usage: usage, Turns: turn - 1,
				Error:    "turn budget exhausted without required deliverables",
				Duration: time.Since(start),
			}
		}

		if nudge, ok := budgetNudge(l.Agent.Kind, turn, effectiveMax, st.sentNudges); ok {
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: nudge})
		}

		if totalSize(messages) > l.Cfg.CompressThresholdChars {
			messages = compress(messages, windowFor(l.Agent.Kind, l.Cfg), mission, l.Runtime)
		}

		if nudge, ok := detectLoop(messages, l.Agent.Kind, st); ok {
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: nudge})
		}

		prepared := prepareMessages(messages, l.Cfg.MaxPromptChars)

		resp, err := l.callLLM(ctx, prepared)
		if err != nil {
			return Result{Success: false, Messages: messages, Usage: usage, Turns: turn, Error: err.Error(), Duration: time.Since(start)}
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		calls := extractToolCalls(resp)
		if len(calls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				st.silenceStreak++
				if st.silenceStreak > 2 {
					return Result{
						Success: false, Messages: messages, Usage: usage, Turns: turn,
						Error:    "stuck in silence: LLM returned an empty message with no tool calls after two nudges",
						Duration: time.Since(start),
					}
				}
				messages = append(messages, llm.Message{Role: llm.RoleUser, Content: silenceNudge()})
				continue
			}
			st.silenceStreak = 0

			if owed := missingDeliverables(l.Agent, st.savedTypes); len(owed) > 0 {
				if extraGranted == 0 {
					extraGranted = extraTurnsOnDeliverableDebt
				}
				messages = append(messages, llm.Message{Role: llm.RoleUser, Content: criticalDeliverableNudge(owed)})
				continue
			}
			return Result{Success: true, Messages: messages, Usage: usage, Turns: turn, Duration: time.Since(start)}
		}
		st.silenceStreak = 0

		for _, call := range calls {
			messages = append(messages, l.dispatch(ctx, call, st, mission)...)
			st.toolHistory = append(st.toolHistory, call)
		}
	}
}

func (l *Loop) maxTurns() int {
	if override, ok := l.Cfg.AgentMaxTurns[l.Agent.Name]; ok && override > 0 {
		return override
	}
	if l.Cfg.MaxTurns > 0 {
		return l.Cfg.MaxTurns
	}
	return 60
}

// callLLM makes the primary tool_choice=auto call, falling back once to
// tool_choice=none with a corrective system message on a tool-call parse
// failure from the backend (spec.md §4.5 step 5).
func (l *Loop) callLLM(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	defs := toolDefinitions(l.Tools)

	start := time.Now()
	resp, err := llm.ChatWithRetry(ctx, l.Client, llm.Request{
		Messages:    messages,
		Tools:       defs,
		ToolChoice:  llm.ToolChoiceAuto,
		Temperature: l.Cfg.Temperature,
	}, nil)
	if err == nil {
		l.Metrics.RecordLLMCall(l.Cfg.LLMModel, time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		return resp, nil
	}
	if !isToolCallParseError(err) {
		return llm.Response{}, err
	}

	retryMessages := append(append([]llm.Message(nil), messages...), llm.Message{
		Role:    llm.RoleSystem,
		Content: "Your previous tool call could not be parsed. Emit exactly one tool call as a fenced ```json block and nothing else.",
	})
	start = time.Now()
	resp, err = llm.ChatWithRetry(ctx, l.Client, llm.Request{
		Messages:    retryMessages,
		Tools:       defs,
		ToolChoice:  llm.ToolChoiceNone,
		Temperature: l.Cfg.Temperature,
	}, nil)
	if err == nil {
		l.Metrics.RecordLLMCall(l.Cfg.LLMModel, time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp, err
}

// toolDefinitions adapts the registry's LLM catalogue shape to this
// package's llm.ToolDefinition.
func toolDefinitions(reg *registry.ToolRegistry) []llm.ToolDefinition {
	entries := reg.AsLLMCatalog()
	defs := make([]llm.ToolDefinition, 0, len(entries))
	for _, e := range entries {
		defs = append(defs, llm.ToolDefinition{Name: e.Name, Description: e.Description, Parameters: e.Parameters})
	}
	return defs
}

func isToolCallParseError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tool call") && strings.Contains(msg, "parse")
}

// missingDeliverables returns the required deliverable types for agent
// not yet present in saved.
func missingDeliverables(agent pipeline.Agent, saved map[pipeline.DeliverableType]bool) []pipeline.DeliverableType {
	var owed []pipeline.DeliverableType
	for _, req := range agent.RequiredDeliverables {
		if !saved[req] {
			owed = append(owed, req)
		}
	}
	return owed
}

// silenceNudge is injected when a turn returns neither content nor a tool
// call — the model has nothing to say and nothing to do, which left alone
// would just ride out the turn budget (spec.md §8 silence boundary).
func silenceNudge() string {
	return "Your last message was empty and called no tool. Either call a tool to keep working, or call save_deliverable and finish if you are done."
}

func criticalDeliverableNudge(owed []pipeline.DeliverableType) string {
	names := make([]string, len(owed))
	for i, o := range owed {
		names[i] = string(o)
	}
	return fmt.Sprintf("CRITICAL: you are about to stop but still owe these deliverables: %s. Call save_deliverable now for each of them before finishing.", strings.Join(names, ", "))
}

// missionName derives the on-disk findings directory name for an agent.
func missionName(agent pipeline.Agent) string {
	return agent.Name
}

func totalSize(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

func windowFor(kind pipeline.Kind, cfg *config.Kernel) int {
	if kind == pipeline.KindExploit {
		if cfg.CompressWindowTurnsExploit > 0 {
			return cfg.CompressWindowTurnsExploit
		}
		return 30
	}
	if cfg.CompressWindowTurns > 0 {
		return cfg.CompressWindowTurns
	}
	return 15
}

// missionDir is the workspace-relative findings directory for mission.
func missionDir(mission string) string {
	return filepath.Join("deliverables", "findings", mission)
}
