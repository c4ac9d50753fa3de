package agentloop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcell/kernel/pkg/pipeline"
)

func TestBudgetNudgeFiresOncePerFraction(t *testing.T) {
	sent := map[float64]bool{}

	_, ok := budgetNudge(pipeline.KindRecon, 4, 10, sent)
	require.False(t, ok) // 40% < 50%

	text, ok := budgetNudge(pipeline.KindRecon, 5, 10, sent)
	require.True(t, ok)
	require.Contains(t, text, "halfway")

	_, ok = budgetNudge(pipeline.KindRecon, 6, 10, sent)
	require.False(t, ok, "50%% nudge must not refire once sent")

	text, ok = budgetNudge(pipeline.KindRecon, 7, 10, sent)
	require.True(t, ok)
	require.Contains(t, text, "organising")
}

func TestNudgeTextForEachFraction(t *testing.T) {
	for _, frac := range budgetFractions {
		text := nudgeText(pipeline.KindRecon, frac)
		require.NotEmpty(t, text)
	}
	require.Contains(t, nudgeText(pipeline.KindRecon, 1.00), "save_deliverable now")
}

func TestBudgetNudgeVariesBySubject(t *testing.T) {
	reconText, _ := budgetNudge(pipeline.KindRecon, 5, 10, map[float64]bool{})
	exploitText, _ := budgetNudge(pipeline.KindExploit, 5, 10, map[float64]bool{})
	require.NotEqual(t, reconText, exploitText)
}
