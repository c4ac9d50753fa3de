package agentloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redcell/kernel/pkg/jsonrepair"
	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/tool"
)

// largeReadStageThreshold is the content size past which a read_file
// result is staged to disk instead of placed inline in the transcript
// (spec.md §4.5 step 9: "large open_file results").
const largeReadStageThreshold = 20_000

var bashPrefixes = []string{"command:", "bash:", "sh:", "$ "}

// dispatch runs spec.md §4.5 steps 8-9 for one tool call: pre-execute
// policy, execution, and post-dispatch persistence side effects. It
// returns the tool-result message(s) to append to the transcript (almost
// always exactly one).
func (l *Loop) dispatch(ctx context.Context, call llm.ToolCall, st *loopState, mission string) []llm.Message {
	resolved, ok := l.Tools.Resolve(call.Name)
	canonical := call.Name
	if ok {
		canonical = resolved.Name
	}

	switch canonical {
	case "save_deliverable":
		applyDeliverableCoercion(l.Agent, call.Arguments)
	case "bash":
		applyBashPolicy(call.Arguments)
		if blocked, reason := l.blockedLocalhostCall(call.Arguments); blocked {
			return []llm.Message{toolResultMessage(call, fmt.Sprintf("error: %s", reason))}
		}
	case "SubAgent":
		if task, _ := call.Arguments["task"].(string); task != "" && l.DoneTasks != nil {
			if cached, ok := l.DoneTasks.Get(task); ok {
				return []llm.Message{toolResultMessage(call, "already complete (cached): "+cached)}
			}
		}
	}

	result, err := l.Tools.Execute(ctx, call.Name, call.Arguments)
	content := resultContent(result, err)

	switch canonical {
	case "save_deliverable":
		if result.OK {
			if typ, _ := call.Arguments["type"].(string); typ != "" {
				st.savedTypes[pipeline.DeliverableType(typ)] = true
			}
		}
	case "SubAgent":
		if result.OK {
			if task, _ := call.Arguments["task"].(string); task != "" && l.DoneTasks != nil {
				l.DoneTasks.Set(task, result.Value)
			}
			persistFinding(l.Runtime, mission, call, result.Value)
			autoTickTodo(l.Runtime, mission, call.Arguments["task"])
		}
	case "read_file", "open_file", "cat_file":
		if result.OK && len(result.Value) > largeReadStageThreshold {
			content = stageLargeRead(l.Runtime, mission, call, result.Value)
		}
	}

	return []llm.Message{toolResultMessage(call, content)}
}

func toolResultMessage(call llm.ToolCall, content string) llm.Message {
	return llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}

func resultContent(result tool.Result, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	if !result.OK {
		return "error: " + result.Error
	}
	return result.Value
}

// applyDeliverableCoercion forces save_deliverable.type to the type
// pipeline.CoerceDeliverableType computes for agent, so it can never
// mis-file an artifact under the wrong type (spec.md §4.5 step 8).
func applyDeliverableCoercion(agent pipeline.Agent, args map[string]any) {
	category := "analysis"
	if typ, _ := args["type"].(string); strings.Contains(strings.ToLower(typ), "queue") {
		category = "queue"
	} else if path, _ := args["path"].(string); strings.Contains(strings.ToLower(path), "queue") {
		category = "queue"
	}

	coerced := pipeline.CoerceDeliverableType(agent, category)
	if coerced != "" {
		args["type"] = string(coerced)
	}
}

// applyBashPolicy strips hallucinated command prefixes and unwraps a
// JSON-wrapped command payload in place (spec.md §4.5 step 8).
func applyBashPolicy(args map[string]any) {
	cmd, _ := args["command"].(string)
	if cmd == "" {
		return
	}
	cmd = unwrapJSONCommand(cmd)
	cmd = stripBashPrefixes(cmd)
	args["command"] = cmd
}

func stripBashPrefixes(cmd string) string {
	trimmed := strings.TrimSpace(cmd)
	for _, prefix := range bashPrefixes {
		if strings.HasPrefix(strings.ToLower(trimmed), prefix) {
			trimmed = strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return trimmed
}

// unwrapJSONCommand unwraps a command payload that is itself a bare JSON
// object (e.g. a model re-wrapping {"command": "ls"} around its own
// command string).
func unwrapJSONCommand(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed[0] != '{' {
		return s
	}
	obj, _, err := jsonrepair.ParseObject(trimmed)
	if err != nil {
		return s
	}
	if v, ok := obj["command"].(string); ok {
		return v
	}
	return s
}

// blockedLocalhostCall implements spec.md §4.5 step 8's api-fuzzer
// localhost block: a bash call targeting localhost/127.0.0.1 is refused
// when the agent is api-fuzzing a genuinely remote target.
func (l *Loop) blockedLocalhostCall(args map[string]any) (bool, string) {
	if l.Agent.Kind != pipeline.KindAPIFuzz {
		return false, ""
	}
	if isLocalTarget(l.Runtime.Target) {
		return false, ""
	}
	cmd, _ := args["command"].(string)
	if mentionsLocalhost(cmd) {
		return true, "refusing to target localhost/127.0.0.1: this session's real target is remote (" + l.Runtime.Target + ")"
	}
	return false, ""
}

func isLocalTarget(target string) bool {
	t := strings.ToLower(target)
	return t == "" || strings.Contains(t, "localhost") || strings.Contains(t, "127.0.0.1")
}

func mentionsLocalhost(cmd string) bool {
	c := strings.ToLower(cmd)
	return strings.Contains(c, "localhost") || strings.Contains(c, "127.0.0.1")
}

// persistFinding writes a finding_*.md deliverable for a completed
// SubAgent call, grounded on the session's mission findings directory
// (spec.md §4.5 step 9).
func persistFinding(rt *tool.Runtime, mission string, call llm.ToolCall, summary string) {
	task, _ := call.Arguments["task"].(string)
	resolved, err := rt.ResolvePath(filepath.Join(missionDir(mission), fmt.Sprintf("finding_%s.md", slug(task, call.ID))))
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return
	}
	body := fmt.Sprintf("# %s\n\n%s\n", task, summary)
	_ = os.WriteFile(resolved, []byte(body), 0o644)
}

// stageLargeRead writes result to a staged_source_*.md file and returns a
// short pointer message in its place, so the transcript doesn't carry
// the full content forward (spec.md §4.5 step 9).
func stageLargeRead(rt *tool.Runtime, mission string, call llm.ToolCall, content string) string {
	path, _ := call.Arguments["path"].(string)
	name := fmt.Sprintf("staged_source_%s.md", slug(path, call.ID))
	resolved, err := rt.ResolvePath(filepath.Join(missionDir(mission), name))
	if err != nil {
		return content
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return content
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return content
	}
	return fmt.Sprintf("(staged %d bytes to deliverables/findings/%s/%s — read it with read_file if you need the content again)", len(content), mission, name)
}

// autoTickTodo marks the best-matching line of the mission's todo.txt
// done, by substring overlap with task (spec.md §4.5 step 9).
func autoTickTodo(rt *tool.Runtime, mission string, task any) {
	taskStr, _ := task.(string)
	if taskStr == "" {
		return
	}
	path, err := rt.ResolvePath(filepath.Join(missionDir(mission), "todo.txt"))
	if err != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := strings.Split(string(data), "\n")
	best, bestScore := -1, 0
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "[x]") {
			continue
		}
		score := overlapScore(line, taskStr)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best == -1 || bestScore == 0 {
		return
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(lines[best]), "[ ]")
	lines[best] = "[x]" + trimmed
	_ = os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

func overlapScore(line, task string) int {
	lineWords := strings.Fields(strings.ToLower(line))
	taskWords := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(task)) {
		taskWords[w] = true
	}
	score := 0
	for _, w := range lineWords {
		if taskWords[w] {
			score++
		}
	}
	return score
}

func slug(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		s = fallback
	}
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 40 {
		out = out[:40]
	}
	if out == "" {
		out = fmt.Sprintf("item-%d", time.Now().UnixNano())
	}
	return out
}
