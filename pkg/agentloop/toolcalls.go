package agentloop

import (
	"fmt"

	"github.com/redcell/kernel/pkg/jsonrepair"
	"github.com/redcell/kernel/pkg/llm"
)

// extractToolCalls implements spec.md §4.5 step 7: native tool_calls plus
// any JSON object smuggled into assistant content, classified by shape
// and attributed to a canonical tool name. Smuggled objects are only
// considered when the model made no native tool calls, since a model
// that both called a tool natively and echoed JSON prose is describing
// the call it already made, not issuing a second one.
func extractToolCalls(resp llm.Response) []llm.ToolCall {
	if len(resp.ToolCalls) > 0 {
		return resp.ToolCalls
	}

	var calls []llm.ToolCall
	for i, raw := range jsonrepair.ExtractObjects(resp.Content) {
		obj, repaired, err := jsonrepair.ParseObject(raw)
		if err != nil {
			continue
		}
		name, args, ok := classifyShape(obj)
		if !ok {
			continue
		}
		id := fmt.Sprintf("smuggled-%d", i)
		calls = append(calls, llm.ToolCall{ID: id, Name: name, Arguments: args, RawArgs: raw})
		_ = repaired
	}
	return calls
}

// classifyShape maps a bare JSON object's key shape to a canonical tool
// name and its argument map (spec.md §4.5 step 7).
func classifyShape(obj map[string]any) (name string, args map[string]any, ok bool) {
	// An explicit {"tool": "...", ...} or {"name": "...", ...} wrapper
	// names its own tool; unwrap it.
	if toolName, hasTool := stringField(obj, "tool", "name"); hasTool {
		rest := make(map[string]any, len(obj))
		for k, v := range obj {
			if k == "tool" || k == "name" {
				continue
			}
			rest[k] = v
		}
		if nested, isMap := rest["args"].(map[string]any); isMap && len(rest) == 1 {
			rest = nested
		} else if nested, isMap := rest["arguments"].(map[string]any); isMap && len(rest) == 1 {
			rest = nested
		}
		return toolName, rest, true
	}

	if _, hasType := obj["type"]; hasType {
		if _, hasPath := obj["path"]; hasPath {
			return "save_deliverable", obj, true
		}
	}
	if _, hasTask := obj["task"]; hasTask {
		if _, hasInput := obj["input"]; hasInput {
			return "SubAgent", obj, true
		}
	}
	if _, hasMission := obj["mission"]; hasMission {
		if _, hasContent := obj["content"]; hasContent {
			return "TodoWrite", obj, true
		}
	}
	if _, hasCommand := obj["command"]; hasCommand {
		return "bash", obj, true
	}

	return "", nil, false
}

func stringField(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
