package agentloop

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/tool"
)

// compress implements spec.md §4.5 step 2: keep the first message, a
// recent window of turns (a "turn" bounded by one assistant message),
// plus a synthesised status marker listing completed tasks and staged-
// deliverable filenames recovered from disk, dropping everything older.
func compress(messages []llm.Message, windowTurns int, mission string, rt *tool.Runtime) []llm.Message {
	if len(messages) == 0 {
		return messages
	}

	first := messages[0]
	rest := messages[1:]

	cut := cutIndexForWindow(rest, windowTurns)
	kept := rest[cut:]

	marker := llm.Message{Role: llm.RoleUser, Content: statusMarker(mission, rt)}

	out := make([]llm.Message, 0, len(kept)+2)
	out = append(out, first, marker)
	out = append(out, kept...)
	return out
}

// cutIndexForWindow returns the index into rest where the last
// windowTurns assistant messages' worth of history begins.
func cutIndexForWindow(rest []llm.Message, windowTurns int) int {
	if windowTurns <= 0 {
		return 0
	}
	assistantSeen := 0
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role == llm.RoleAssistant {
			assistantSeen++
			if assistantSeen > windowTurns {
				return i + 1
			}
		}
	}
	return 0
}

// statusMarker synthesises the replacement-context message: what's
// staged on disk for mission, so compression never silently loses track
// of deliverables an agent already wrote.
func statusMarker(mission string, rt *tool.Runtime) string {
	var b strings.Builder
	b.WriteString("[context compressed — older turns removed]\n")

	todoPath, err := rt.ResolvePath(filepath.Join(missionDir(mission), "todo.txt"))
	if err == nil {
		if data, readErr := os.ReadFile(todoPath); readErr == nil {
			b.WriteString("Current todo list:\n")
			b.WriteString(string(data))
			b.WriteString("\n")
		}
	}

	staged := stagedFiles(rt, mission)
	if len(staged) > 0 {
		sort.Strings(staged)
		b.WriteString("Staged files on disk: ")
		b.WriteString(strings.Join(staged, ", "))
		b.WriteString("\n")
	}

	return b.String()
}

// stagedFiles lists finding_*.md / staged_source_*.md files already
// written under mission's findings directory.
func stagedFiles(rt *tool.Runtime, mission string) []string {
	dir, err := rt.ResolvePath(missionDir(mission))
	if err != nil {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "finding_") || strings.HasPrefix(name, "staged_source_") {
			out = append(out, name)
		}
	}
	return out
}
