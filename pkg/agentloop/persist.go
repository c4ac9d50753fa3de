package agentloop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redcell/kernel/pkg/pipeline"
	"github.com/redcell/kernel/pkg/tool"
)

// ensureMissionTodo implements spec.md §4.5's mission-persistence rule:
// on first turn the loop ensures workspace/deliverables/findings/<mission>/
// todo.txt exists, writing a default checklist derived from the agent's
// identity if it's missing.
func ensureMissionTodo(rt *tool.Runtime, mission string, agent pipeline.Agent) error {
	path, err := rt.ResolvePath(filepath.Join(missionDir(mission), "todo.txt"))
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(defaultChecklist(agent)), 0o644)
}

func defaultChecklist(agent pipeline.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", agent.DisplayName)
	b.WriteString("[ ] review prior phase outputs relevant to this agent\n")
	b.WriteString("[ ] carry out the agent's core task\n")
	for _, req := range agent.RequiredDeliverables {
		fmt.Fprintf(&b, "[ ] save_deliverable: %s\n", req)
	}
	return b.String()
}

// buildResumeBlock returns the RESUME block injected when a mission
// directory already has staged files or ticked ("[x]") todo lines from a
// prior run (spec.md §4.5: "On resume, the loop injects a RESUME block
// summarising staged files and the current todo").
func buildResumeBlock(rt *tool.Runtime, mission string) (string, bool) {
	dir, err := rt.ResolvePath(missionDir(mission))
	if err != nil {
		return "", false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var staged []string
	for _, e := range entries {
		name := e.Name()
		if name == "todo.txt" {
			continue
		}
		if strings.HasPrefix(name, "finding_") || strings.HasPrefix(name, "staged_source_") {
			staged = append(staged, name)
		}
	}

	todoPath := filepath.Join(dir, "todo.txt")
	todoData, _ := os.ReadFile(todoPath)
	ticked := strings.Count(string(todoData), "[x]")

	if len(staged) == 0 && ticked == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteString("RESUME: this mission has prior progress from an earlier run.\n")
	if len(staged) > 0 {
		fmt.Fprintf(&b, "Staged files already on disk: %s\n", strings.Join(staged, ", "))
	}
	if len(todoData) > 0 {
		b.WriteString("Current todo list:\n")
		b.Write(todoData)
		b.WriteString("\n")
	}
	b.WriteString("Do not redo completed work; continue from where this left off.\n")
	return b.String(), true
}
