package subagent

import (
	"fmt"
	"strings"

	"github.com/redcell/kernel/pkg/jsonrepair"
)

const repeatCollapseThreshold = 5

// Sanitize prepares a sub-agent's raw textual result for its caller:
// collapsing runs of identical consecutive lines, stripping control
// characters that aren't plain whitespace, unwrapping a JSON-wrapped
// command/content object if that's all the text is, and finally
// truncating to maxBytes with a trailing marker.
func Sanitize(s string, maxBytes int) string {
	s = unwrapJSONCommand(s)
	s = stripControlChars(s)
	s = collapseRepeatedLines(s)
	if maxBytes > 0 && len(s) > maxBytes {
		s = truncateWithMarker(s, maxBytes)
	}
	return s
}

// collapseRepeatedLines replaces any run of >= repeatCollapseThreshold
// identical consecutive lines with a single copy plus a count marker, so
// a sub-agent that got stuck in an output loop doesn't blow the size
// budget on repetition alone.
func collapseRepeatedLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string

	i := 0
	for i < len(lines) {
		j := i + 1
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		run := j - i
		if run >= repeatCollapseThreshold {
			out = append(out, lines[i], fmt.Sprintf("... (%d more identical lines collapsed)", run-1))
		} else {
			out = append(out, lines[i:j]...)
		}
		i = j
	}
	return strings.Join(out, "\n")
}

// stripControlChars removes C0 control bytes other than tab, newline, and
// carriage return (spec.md §4.4 sanitisation rule).
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unwrapJSONCommand handles a sub-agent result that is itself a JSON
// object wrapping the text that matters (a model echoing back
// {"command": "..."} or {"content": "..."} instead of plain prose): if
// the whole string parses as one such object, the wrapped field's value
// is returned in its place. Anything else is returned unchanged.
func unwrapJSONCommand(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed[0] != '{' {
		return s
	}

	obj, _, err := jsonrepair.ParseObject(trimmed)
	if err != nil {
		return s
	}
	for _, key := range []string{"command", "content", "result", "output", "text"} {
		if v, ok := obj[key].(string); ok && len(obj) <= 2 {
			return v
		}
	}
	return s
}

// truncateWithMarker cuts s to at most maxBytes bytes and appends a
// marker noting truncation happened.
func truncateWithMarker(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	const marker = "\n... (truncated)"
	cut := maxBytes - len(marker)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + marker
}
