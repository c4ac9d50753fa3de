package agentloop

import (
	"strings"
	"unicode"

	"github.com/redcell/kernel/pkg/llm"
)

// charsPerToken approximates the conversion from the configured
// maxPromptChars budget to a token ceiling for countTokens, since the
// configured knob is expressed in characters (spec.md §4.5 step 4) but
// the shrink pass measures with the tokenizer for accuracy.
const charsPerToken = 4

// prepareMessages implements spec.md §4.5 step 4: strip unmatched
// tool-call/result pairs, coalesce consecutive same-role non-tool
// messages, strip control tokens, then shrink to the prompt-character
// budget by shortening message contents and sliding the window.
func prepareMessages(messages []llm.Message, maxPromptChars int) []llm.Message {
	out := stripUnmatchedToolPairs(messages)
	out = coalesceSameRole(out)
	out = stripControlTokens(out)
	if maxPromptChars > 0 {
		out = shrinkToBudget(out, maxPromptChars)
	}
	return out
}

// stripUnmatchedToolPairs removes a RoleTool message whose ToolCallID
// doesn't correspond to any preceding assistant tool call still present
// in the transcript (can happen after compression truncates the
// assistant message that issued it), and drops an assistant tool call
// whose paired result was itself dropped.
func stripUnmatchedToolPairs(messages []llm.Message) []llm.Message {
	knownCallIDs := map[string]bool{}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			knownCallIDs[tc.ID] = true
		}
	}

	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleTool && !knownCallIDs[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}

	answered := map[string]bool{}
	for _, m := range out {
		if m.Role == llm.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	for i, m := range out {
		var kept []llm.ToolCall
		for _, tc := range m.ToolCalls {
			if answered[tc.ID] {
				kept = append(kept, tc)
			}
		}
		if len(kept) != len(m.ToolCalls) {
			out[i].ToolCalls = kept
		}
	}
	return out
}

// coalesceSameRole merges consecutive messages of the same non-tool role
// (system/user messages injected back to back by nudges, resume blocks,
// and status markers) into one, joined by blank lines.
func coalesceSameRole(messages []llm.Message) []llm.Message {
	if len(messages) == 0 {
		return messages
	}
	out := make([]llm.Message, 0, len(messages))
	cur := messages[0]
	for _, m := range messages[1:] {
		if m.Role == cur.Role && m.Role != llm.RoleTool && len(m.ToolCalls) == 0 && len(cur.ToolCalls) == 0 {
			cur.Content = cur.Content + "\n\n" + m.Content
			continue
		}
		out = append(out, cur)
		cur = m
	}
	out = append(out, cur)
	return out
}

// controlTokenMarkers strips model-specific control tokens that
// sometimes leak into content (e.g. a model echoing its own chat-template
// delimiters back), alongside raw control bytes.
var controlTokenMarkers = []string{
	"<|im_start|>", "<|im_end|>", "<|endoftext|>", "<|eot_id|>", "<|start_header_id|>", "<|end_header_id|>",
}

func stripControlTokens(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		content := m.Content
		for _, marker := range controlTokenMarkers {
			content = strings.ReplaceAll(content, marker, "")
		}
		content = stripControlRunes(content)
		m.Content = content
		out[i] = m
	}
	return out
}

func stripControlRunes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// shrinkToBudget trims the oldest non-system messages and, if that's
// still not enough, truncates individual message contents until the
// transcript's token count fits within maxPromptChars/charsPerToken.
func shrinkToBudget(messages []llm.Message, maxPromptChars int) []llm.Message {
	budget := maxPromptChars / charsPerToken
	if budget <= 0 {
		return messages
	}

	total := func(msgs []llm.Message) int {
		n := 0
		for _, m := range msgs {
			n += countTokens(m.Content)
		}
		return n
	}

	out := append([]llm.Message(nil), messages...)
	for total(out) > budget && len(out) > 2 {
		// Slide the window: drop the oldest non-system message.
		cut := 1
		if out[0].Role != llm.RoleSystem {
			cut = 0
		}
		out = append(out[:cut], out[cut+1:]...)
	}

	for total(out) > budget && len(out) > 0 {
		longest := 0
		for i, m := range out {
			if i == 0 && m.Role == llm.RoleSystem {
				continue
			}
			if len(m.Content) > len(out[longest].Content) {
				longest = i
			}
		}
		if len(out[longest].Content) < 200 {
			break
		}
		out[longest].Content = out[longest].Content[:len(out[longest].Content)/2] + "\n...(truncated to fit prompt budget)"
	}

	return out
}
