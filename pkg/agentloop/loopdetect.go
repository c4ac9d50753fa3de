package agentloop

import (
	"fmt"
	"sort"
	"strings"

	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/pipeline"
)

// defaultSearchThreshold is the default number of search/open/read-class
// calls allowed within the lookback window before a loop is suspected
// (spec.md §4.5 step 3b). Deep-analysis agents (exploitation/analysis)
// get a larger allowance and a larger lookback window.
const (
	defaultLookbackTurns   = 12
	deepAnalysisLookback   = 25
	defaultSearchThreshold = 8
	deepAnalysisThreshold  = 16
)

var searchOpenReadTools = map[string]bool{
	"search_files": true, "grep": true, "rg": true,
	"read_file": true, "open_file": true, "cat_file": true,
	"list_files": true, "ls": true,
}

// detectLoop implements spec.md §4.5 step 3: identical tool-call
// fingerprints repeating, excessive search/open/read churn, or a
// reporting agent re-reading the same files. Returns a single nudge to
// append when any heuristic fires; a cooldown on loopState prevents
// firing again on the next two turns.
func detectLoop(messages []llm.Message, kind pipeline.Kind, st *loopState) (string, bool) {
	if st.loopNudgeCooldown > 0 {
		st.loopNudgeCooldown--
		return "", false
	}

	if reason, ok := repeatedFingerprint(st.toolHistory); ok {
		st.loopNudgeCooldown = 2
		return loopNudge(reason), true
	}

	lookback, threshold := defaultLookbackTurns, defaultSearchThreshold
	if kind == pipeline.KindAnalysis || kind == pipeline.KindExploit {
		lookback, threshold = deepAnalysisLookback, deepAnalysisThreshold
	}
	if reason, ok := excessiveSearchChurn(assistantToolCalls(messages, lookback), threshold); ok {
		st.loopNudgeCooldown = 2
		return loopNudge(reason), true
	}

	if kind == pipeline.KindReporting {
		if reason, ok := repeatedFileReads(st.toolHistory, lookback); ok {
			st.loopNudgeCooldown = 2
			return loopNudge(reason), true
		}
	}

	return "", false
}

func loopNudge(reason string) string {
	return fmt.Sprintf("You appear to be stuck in a loop (%s). Stop repeating yourself: synthesise what you already know and move to your next deliverable.", reason)
}

// fingerprint reduces a tool call to a comparable signature: name plus a
// sorted, stable rendering of its arguments.
func fingerprint(call llm.ToolCall) string {
	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(call.Name)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, call.Arguments[k])
	}
	return b.String()
}

// repeatedFingerprint reports whether the last 2 or 3 tool calls are
// identical (spec.md §4.5 step 3a).
func repeatedFingerprint(history []llm.ToolCall) (string, bool) {
	n := len(history)
	if n < 2 {
		return "", false
	}
	last := fingerprint(history[n-1])
	if fingerprint(history[n-2]) != last {
		return "", false
	}
	if n >= 3 && fingerprint(history[n-3]) == last {
		return "identical tool call repeated three times running", true
	}
	return "identical tool call repeated twice running", true
}

// assistantToolCalls flattens the tool calls made by the last
// lookbackTurns assistant messages.
func assistantToolCalls(messages []llm.Message, lookbackTurns int) []llm.ToolCall {
	var out []llm.ToolCall
	seen := 0
	for i := len(messages) - 1; i >= 0 && seen < lookbackTurns; i-- {
		if messages[i].Role != llm.RoleAssistant {
			continue
		}
		seen++
		out = append(out, messages[i].ToolCalls...)
	}
	return out
}

// excessiveSearchChurn counts search/open/read-class calls among calls
// and reports whether it exceeds threshold.
func excessiveSearchChurn(calls []llm.ToolCall, threshold int) (string, bool) {
	n := 0
	for _, c := range calls {
		if searchOpenReadTools[c.Name] {
			n++
		}
	}
	if n > threshold {
		return fmt.Sprintf("%d search/open/read calls in the recent window (limit %d)", n, threshold), true
	}
	return "", false
}

// repeatedFileReads reports whether a reporting agent has re-read the
// same file path 3+ times within the lookback window (spec.md §4.5 step
// 3c: "a report agent re-reading the same files repeatedly").
func repeatedFileReads(history []llm.ToolCall, lookbackCalls int) (string, bool) {
	start := 0
	if len(history) > lookbackCalls {
		start = len(history) - lookbackCalls
	}
	counts := map[string]int{}
	for _, c := range history[start:] {
		if c.Name != "read_file" && c.Name != "open_file" && c.Name != "cat_file" {
			continue
		}
		path, _ := c.Arguments["path"].(string)
		if path == "" {
			continue
		}
		counts[path]++
		if counts[path] >= 3 {
			return fmt.Sprintf("re-read %q %d times", path, counts[path]), true
		}
	}
	return "", false
}
