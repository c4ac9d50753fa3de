// Package jsonrepair isolates the agent execution loop's one piece of
// non-deterministic-output handling: finding a JSON object smuggled inside
// an LLM's assistant-role text (a fenced code block, or a bare object
// mixed into prose) and, when that JSON was cut off mid-stream, doing a
// best-effort structural repair before parsing it.
//
// spec.md calls this out explicitly: "the JSON-in-content extractor and
// the truncated-JSON repair ... must be isolated in a dedicated module
// with its own exhaustive tests; never let these heuristics leak into
// business logic." Nothing in this package knows about tool names,
// deliverable types, or the agent loop — it only turns messy text into a
// clean JSON object, or reports that it couldn't.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlockPattern = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)```")

// ExtractObjects returns every candidate JSON-object substring found in
// text: first the contents of any ```json fenced block (fences win over
// bare braces, since a model that bothered to fence its output is
// explicit about the boundary), then every top-level {...} span found by
// brace-depth scanning outside of fences. All fenced candidates come
// before all brace-scanned ones; within each group, order is the order
// the objects appear in text.
func ExtractObjects(text string) []string {
	var candidates []string

	fenceSpans := fencedBlockPattern.FindAllStringSubmatchIndex(text, -1)
	consumed := make([]bool, len(text)+1)
	for _, span := range fenceSpans {
		inner := strings.TrimSpace(text[span[2]:span[3]])
		if inner != "" {
			candidates = append(candidates, inner)
		}
		for i := span[0]; i < span[1] && i < len(consumed); i++ {
			consumed[i] = true
		}
	}

	candidates = append(candidates, braceScan(text, consumed)...)
	return candidates
}

// braceScan finds top-level {...} spans in text, skipping any byte marked
// consumed (already claimed by a fenced block) and respecting string
// literals so a brace inside a JSON string value never miscounts depth.
func braceScan(text string, consumed []bool) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		if i < len(consumed) && consumed[i] {
			continue
		}
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// ParseObject parses s as a JSON object, first as-is, then — if that
// fails — after Repair. It returns the decoded object and whether a
// repair was needed.
func ParseObject(s string) (obj map[string]any, repaired bool, err error) {
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj, false, nil
	}

	fixed := Repair(s)
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		return nil, true, err
	}
	return obj, true, nil
}

// Repair attempts to turn a truncated or mildly malformed JSON object/array
// string into something that parses: it closes an unterminated string
// literal, then balances any unclosed `{`/`[` by appending the matching
// closers in the correct (reverse) order. It does not attempt to fix
// anything beyond truncation — a structurally invalid document (mismatched
// brace/bracket kinds, a trailing comma inside an otherwise complete
// value) is returned unchanged beyond string-closing and trailing-bracket
// balancing; ParseObject's caller is expected to treat a still-failing
// parse as unrecoverable.
func Repair(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}

	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	body := s
	if inString {
		body += `"`
	}
	body = dropTrailingComma(body)

	var b strings.Builder
	b.WriteString(body)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}

	return b.String()
}

// dropTrailingComma strips a trailing comma left dangling by truncation
// (e.g. `{"a": 1,`) so the appended closers don't produce `{"a":1,}`.
func dropTrailingComma(s string) string {
	trimmed := strings.TrimRight(s, " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		return strings.TrimRight(trimmed[:len(trimmed)-1], " \t\r\n")
	}
	return s
}
