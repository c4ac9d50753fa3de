package agentloop

import "github.com/redcell/kernel/pkg/pipeline"

// budgetFractions are the points in the turn budget at which the loop
// injects a pre-written nudge (spec.md §4.5 "Turn budgets"). Sub-agent
// runs never reach this code path since pkg/subagent drives its own
// marker-protocol loop instead of pkg/agentloop.
var budgetFractions = []float64{0.50, 0.70, 0.85, 0.90, 0.95, 1.00}

// budgetNudge returns the nudge text for the first not-yet-sent fraction
// whose threshold turn has been reached, keyed by the agent's Kind
// (SPEC_FULL.md §D.1: "agent-kind-aware nudges", resolving the
// description-driven-nudges open question since the static Agent
// descriptor has no free-text description field to key off of).
func budgetNudge(kind pipeline.Kind, turn, maxTurns int, sent map[float64]bool) (string, bool) {
	if maxTurns <= 0 {
		return "", false
	}
	progress := float64(turn) / float64(maxTurns)

	for _, frac := range budgetFractions {
		if sent[frac] || progress < frac {
			continue
		}
		sent[frac] = true
		return nudgeText(kind, frac), true
	}
	return "", false
}

func nudgeText(kind pipeline.Kind, frac float64) string {
	subject := subjectFor(kind)
	switch frac {
	case 0.50:
		return "You are halfway through your turn budget. Take stock of " + subject + " found so far and keep moving with purpose."
	case 0.70:
		return "You are at 70% of your turn budget. Start organising findings and wrapping up open threads rather than starting new ones."
	case 0.85:
		return "You are at 85% of your turn budget. Begin writing your summary/deliverable now; do not start new lines of investigation."
	case 0.90:
		return "You are at 90% of your turn budget. Close out any open investigations and finalise " + subject + "."
	case 0.95:
		return "EMERGENCY: you are at 95% of your turn budget. Finalise immediately; do not run further tool calls except to save your deliverable."
	default:
		return "You have reached your turn budget. Call save_deliverable now with whatever you have; do not run any other tool."
	}
}

func subjectFor(kind pipeline.Kind) string {
	switch kind {
	case pipeline.KindRecon:
		return "reconnaissance data"
	case pipeline.KindAPIFuzz:
		return "the fuzzing queue"
	case pipeline.KindAnalysis:
		return "vulnerability candidates"
	case pipeline.KindExploit:
		return "exploitation evidence"
	case pipeline.KindReporting:
		return "the final report"
	case pipeline.KindReverseEng:
		return "reverse-engineering findings"
	case pipeline.KindOSV:
		return "dependency findings"
	default:
		return "your findings"
	}
}
