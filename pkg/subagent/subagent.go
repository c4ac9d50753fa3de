// Package subagent implements the Sub-Agent Executor (spec.md §4.4): a
// short, bounded LLM conversation with a restricted tool set (no
// save_deliverable, so a sub-agent can never itself signal phase
// completion) that returns one textual summary to its caller.
package subagent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/registry"
	"github.com/redcell/kernel/pkg/tool"
)

// Status is the sub-agent's terminal disposition.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	StatusError      Status = "error"
)

// excludedTools are never dispatched for a sub-agent, regardless of what
// the parent registry exposes (spec.md §4.4: "no save_deliverable, to
// prevent it from signalling phase completion").
var excludedTools = map[string]bool{
	"save_deliverable": true,
	"SubAgent":         true, // sub-agents do not recurse through this executor
}

const (
	defaultMaxTurns      = 12
	defaultTruncateBytes = 8_000
	maxToolOutputsKept   = 10
)

// Input is one sub-agent invocation request.
type Input struct {
	Task  string
	Input string
}

// Output is the sub-agent's reply to its caller.
type Output struct {
	Status            Status
	Result            string
	Turns             int
	NeedsContinuation bool
	ContinueReason    string
	IsComplete        bool
}

// Executor drives one sub-agent conversation per Run call.
type Executor struct {
	Client        llm.Client
	Tools         *registry.ToolRegistry
	MaxTurns      int
	TruncateBytes int
}

// NewExecutor constructs an Executor with spec.md's configured bounds.
func NewExecutor(client llm.Client, tools *registry.ToolRegistry, maxTurns, truncateBytes int) *Executor {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	if truncateBytes <= 0 {
		truncateBytes = defaultTruncateBytes
	}
	return &Executor{Client: client, Tools: tools, MaxTurns: maxTurns, TruncateBytes: truncateBytes}
}

var summaryMarkerPattern = regexp.MustCompile(`(?s)##\s*Summary\s*\n(.*)$`)
var continueMarkerPattern = regexp.MustCompile(`(?m)^CONTINUE:\s*(.+)$`)

func extractSummary(content string) (string, bool) {
	m := summaryMarkerPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func extractContinueReason(content string) (string, bool) {
	m := continueMarkerPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func systemPrompt() string {
	return "You are a focused sub-agent. Rules: no package installs, no long-running servers. " +
		"When you are done, end your reply with a line '## Summary' followed by your findings. " +
		"If you cannot finish in the turns you have left, end your reply with a line " +
		"'CONTINUE: <reason>' explaining what remains."
}

// Run drives the bounded conversation for one Input (spec.md §4.4 protocol).
func (e *Executor) Run(ctx context.Context, in Input) (Output, error) {
	maxTurns := e.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt()},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Task: %s\nInput: %s", in.Task, in.Input)},
	}
	catalog := e.catalog()

	var toolOutputs []string
	turn := 0

	for turn = 1; turn <= maxTurns; turn++ {
		resp, err := llm.ChatWithRetry(ctx, e.Client, llm.Request{
			Messages:   messages,
			Tools:      catalog,
			ToolChoice: llm.ToolChoiceAuto,
		}, nil)
		if err != nil {
			return Output{Status: StatusError, Result: err.Error(), Turns: turn}, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		if summary, ok := extractSummary(resp.Content); ok {
			return e.complete(ctx, summary, toolOutputs, turn), nil
		}
		if reason, ok := extractContinueReason(resp.Content); ok {
			return Output{
				Status:            StatusIncomplete,
				Result:            Sanitize(resp.Content, e.TruncateBytes),
				Turns:             turn,
				NeedsContinuation: true,
				ContinueReason:    reason,
			}, nil
		}

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				break
			}
			continue
		}

		for _, tc := range resp.ToolCalls {
			out := e.dispatch(ctx, tc)
			toolOutputs = append(toolOutputs, out)
			if len(toolOutputs) > maxToolOutputsKept {
				toolOutputs = toolOutputs[len(toolOutputs)-maxToolOutputsKept:]
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    out,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
	}

	// Neither marker appeared before the loop ended (turn limit, or a
	// silent empty reply): synthesise, falling back to truncation
	// (spec.md §4.4: "the executor synthesises a summary from the last
	// ≤10 tool outputs via a second short LLM call. If that fails too,
	// it returns a truncation of the most recent tool result").
	if len(toolOutputs) == 0 {
		return Output{
			Status:            StatusIncomplete,
			Turns:             turn,
			NeedsContinuation: true,
			ContinueReason:    "turn limit reached with no tool output to summarise",
		}, nil
	}

	summary, err := e.synthesize(ctx, toolOutputs)
	if err != nil || strings.TrimSpace(summary) == "" {
		return Output{
			Status:            StatusIncomplete,
			Result:            Sanitize(truncateWithMarker(toolOutputs[len(toolOutputs)-1], e.TruncateBytes), e.TruncateBytes),
			Turns:             turn,
			NeedsContinuation: true,
			ContinueReason:    "turn limit reached",
		}, nil
	}

	return e.complete(ctx, summary, toolOutputs, turn), nil
}

// complete finalises a successful run: sanitise, then — if the result is
// still over budget — run one more compression pass before falling back
// to truncation (spec.md §4.4 item on oversized results).
func (e *Executor) complete(ctx context.Context, raw string, toolOutputs []string, turn int) Output {
	result := Sanitize(raw, e.TruncateBytes)
	if len(result) <= e.TruncateBytes {
		return Output{Status: StatusComplete, Result: result, Turns: turn, IsComplete: true}
	}

	compressed, err := e.synthesize(ctx, []string{result})
	if err == nil && strings.TrimSpace(compressed) != "" && len(compressed) <= e.TruncateBytes {
		return Output{Status: StatusComplete, Result: Sanitize(compressed, e.TruncateBytes), Turns: turn, IsComplete: true}
	}

	return Output{Status: StatusComplete, Result: Sanitize(truncateWithMarker(result, e.TruncateBytes), e.TruncateBytes), Turns: turn, IsComplete: true}
}

// synthesize makes one short follow-up LLM call asking for a plain-text
// summary of the given tool outputs, with no tools offered.
func (e *Executor) synthesize(ctx context.Context, toolOutputs []string) (string, error) {
	var b strings.Builder
	b.WriteString("Summarise the following tool output into a concise plain-text result. Do not include markers.\n\n")
	for i, out := range toolOutputs {
		fmt.Fprintf(&b, "--- output %d ---\n%s\n", i+1, truncateWithMarker(out, e.TruncateBytes))
	}

	resp, err := llm.ChatWithRetry(ctx, e.Client, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You write short, factual summaries of tool output."},
			{Role: llm.RoleUser, Content: b.String()},
		},
		ToolChoice: llm.ToolChoiceNone,
	}, nil)
	if err != nil {
		return "", err
	}
	if summary, ok := extractSummary(resp.Content); ok {
		return summary, nil
	}
	return resp.Content, nil
}

// dispatch resolves and runs one tool call, refusing excluded tools
// without ever reaching the LLM (spec.md §4.4: "restricted tool set").
func (e *Executor) dispatch(ctx context.Context, tc llm.ToolCall) string {
	resolved, ok := e.Tools.Resolve(tc.Name)
	if ok && excludedTools[resolved.Name] {
		return fmt.Sprintf("error: tool %q is not permitted for a sub-agent", tc.Name)
	}

	result, err := e.Tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if !result.OK {
		return fmt.Sprintf("error: %s", result.Error)
	}
	return result.Value
}

// catalog is the parent registry's LLM catalogue with excluded tools
// removed.
func (e *Executor) catalog() []llm.ToolDefinition {
	entries := e.Tools.AsLLMCatalog()
	defs := make([]llm.ToolDefinition, 0, len(entries))
	for _, entry := range entries {
		if excludedTools[entry.Name] {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        entry.Name,
			Description: entry.Description,
			Parameters:  entry.Parameters,
		})
	}
	return defs
}

// AsTool exposes exec as the SubAgent handle the Tool Registry's core set
// carries (spec.md §4.3: "a SubAgent handle").
func AsTool(exec *Executor) tool.Tool {
	return tool.Tool{
		Name:        "SubAgent",
		Description: "Delegate a focused task to a restricted-tool sub-agent and return its summary.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task":  map[string]any{"type": "string"},
				"input": map[string]any{"type": "string"},
			},
			"required": []string{"task", "input"},
		},
		Handler: func(ctx context.Context, args map[string]any) (tool.Result, error) {
			task, _ := args["task"].(string)
			input, _ := args["input"].(string)

			out, err := exec.Run(ctx, Input{Task: task, Input: input})
			if err != nil {
				return tool.Failure(err.Error()), nil
			}

			metadata := map[string]any{
				"status":             string(out.Status),
				"turns":              out.Turns,
				"needs_continuation": out.NeedsContinuation,
				"continue_reason":    out.ContinueReason,
				"is_complete":        out.IsComplete,
			}
			if out.Status == StatusError {
				return tool.Result{OK: false, Error: out.Result, Metadata: metadata}, nil
			}
			return tool.Result{OK: true, Value: out.Result, Metadata: metadata}, nil
		},
	}
}
