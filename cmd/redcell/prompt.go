package main

import (
	"fmt"
	"strings"

	"github.com/redcell/kernel/pkg/pipeline"
)

// buildSystemPrompt renders the per-agent system prompt handed to the
// Agent Execution Loop. The prompt content is this CLI's responsibility,
// not the orchestration core's (scheduler.SystemPromptFunc's doc comment
// explains why); it names the agent's role and, when the agent carries
// required deliverables, spells out the save_deliverable contract the
// Agent Execution Loop enforces before accepting the agent as complete.
func buildSystemPrompt(agent pipeline.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %q agent in an automated security assessment pipeline.\n", agent.DisplayName)
	fmt.Fprintf(&b, "Phase: %s. Role kind: %s.\n", agent.Phase, agent.Kind)
	b.WriteString("Use the tools available to you to make concrete progress; do not ask the operator for anything — the workspace, target, and tool catalogue are all you get.\n")

	if len(agent.RequiredDeliverables) > 0 {
		b.WriteString("Before you finish, call save_deliverable for each of the following types: ")
		for i, d := range agent.RequiredDeliverables {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(d))
		}
		b.WriteString(". Your run is not accepted as complete until every one of them has been saved.\n")
	}

	if len(agent.Prerequisites) > 0 {
		b.WriteString("Earlier agents have already produced deliverables under <workspace>/deliverables — read what you need from there before starting fresh work.\n")
	}

	return b.String()
}
