// Package llm defines the narrow surface the agent execution loop needs
// from a language-model backend: chat messages with tool calls and a
// token-usage count. Everything else about a provider's wire format
// (streaming deltas, structured-output modes, provider-specific request
// shapes) is out of scope here — spec.md explicitly marks the LLM wire
// protocol beyond "chat with tool calls and token usage" as not this
// system's concern (SPEC_FULL.md §9).
package llm

import "context"

// Role mirrors the four roles the teacher's llms.Message and this
// kernel's conversation transcript both use.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one function call the model requested, grounded on the
// teacher's llms.ToolCall shape (ID + name + parsed args + raw JSON, so a
// parse failure downstream can still fall back to the raw string).
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	RawArgs   string
}

// Message is one turn in the conversation transcript.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on a RoleTool message, pairs it to its ToolCall.ID
	Name       string // tool name, set on a RoleTool message
}

// ToolDefinition is one entry of the function-calling catalogue offered
// to the model (spec.md §6: "name, description, and parameters").
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoice selects whether the model may, must, or must not call a tool.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// Usage is the token accounting the audit log and cost reports need.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StopReason classifies how generation ended.
type StopReason string

const (
	StopNatural   StopReason = "stop"
	StopToolCalls StopReason = "tool_calls"
	StopMaxTokens StopReason = "max_tokens"
)

// Request is one call to the model.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
	Temperature float64
}

// Response is the model's answer to one Request.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason StopReason
}

// Client is the provider-agnostic chat surface the agent loop drives.
// A concrete implementation adapts one backend's wire format to this
// shape; none is vendored here since the wire protocol itself is out of
// scope for this kernel.
type Client interface {
	Chat(ctx context.Context, req Request) (Response, error)
}

// EstimatedCostUSD prices a Usage at the configured per-1K-token rates
// (spec.md §6: "prompt/completion token prices").
func EstimatedCostUSD(u Usage, promptPricePer1K, completionPricePer1K float64) float64 {
	return float64(u.PromptTokens)/1000*promptPricePer1K + float64(u.CompletionTokens)/1000*completionPricePer1K
}
