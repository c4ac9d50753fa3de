package agentloop

import (
	"sync"

	"github.com/redcell/kernel/pkg/llm"
	"github.com/redcell/kernel/pkg/pipeline"
)

// loopState is the per-invocation mutable state threaded through one
// Loop.Run call (spec.md §4.5 "State: messages, turn, savedTypes,
// cumulativeUsage").
type loopState struct {
	savedTypes map[pipeline.DeliverableType]bool
	sentNudges map[float64]bool

	// toolHistory is every tool call dispatched so far, in order, used
	// by loop detection's fingerprinting and search/open/read counting.
	toolHistory []llm.ToolCall

	// loopNudgeCooldown suppresses re-firing the loop-detection nudge on
	// the two turns after one was already injected, so one
	// detection doesn't spam a nudge every turn while the agent works
	// through it.
	loopNudgeCooldown int

	// silenceStreak counts consecutive turns that returned an empty
	// assistant message and no tool calls. It resets on any turn with
	// content or a tool call; two such turns in a row get a nudge, a
	// third fails the loop outright (spec.md §8 silence boundary).
	silenceStreak int
}

// DoneTaskCache is the persisted "doneTasks" set spec.md §4.5 step 8
// describes: a SubAgent call whose task has already been completed this
// session short-circuits to the cached result instead of re-running the
// sub-agent. Shared across every agent invocation in one session.
type DoneTaskCache struct {
	mu    sync.Mutex
	tasks map[string]string
}

// NewDoneTaskCache constructs an empty cache.
func NewDoneTaskCache() *DoneTaskCache {
	return &DoneTaskCache{tasks: map[string]string{}}
}

// Get returns the cached result for task, if any.
func (c *DoneTaskCache) Get(task string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.tasks[task]
	return v, ok
}

// Set records task as complete with the given result.
func (c *DoneTaskCache) Set(task, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task] = result
}
