package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redcell/kernel/pkg/config"
	"github.com/redcell/kernel/pkg/kernelerrors"
	"github.com/redcell/kernel/pkg/llm"
)

// httpClient adapts an OpenAI-compatible chat/completions endpoint to
// llm.Client. The wire protocol itself is explicitly out of scope for
// this kernel (spec.md §1: "the LLM wire protocol beyond chat with
// tool-calls and token usage"), so this is deliberately the minimal
// shape that satisfies that contract against the one wire format common
// enough across providers to need no per-provider SDK, rather than a
// vendored provider client.
type httpClient struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

func newHTTPClient(cfg *config.Kernel) *httpClient {
	return &httpClient{
		baseURL: cfg.LLMBaseURL,
		model:   cfg.LLMModel,
		apiKey:  cfg.LLMAPIKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function wireToolCallFn  `json:"function"`
}

type wireToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type wireChoice struct {
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat implements llm.Client.
func (c *httpClient) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	wireMessages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wireMessages = append(wireMessages, wireMessage{
			Role: string(m.Role), Content: m.Content,
			ToolCallID: m.ToolCallID, Name: m.Name,
		})
	}

	wireTools := make([]wireTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		wireTools = append(wireTools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			},
		})
	}

	toolChoice := ""
	switch req.ToolChoice {
	case llm.ToolChoiceAuto:
		toolChoice = "auto"
	case llm.ToolChoiceNone:
		toolChoice = "none"
	}

	body, err := json.Marshal(wireRequest{
		Model: c.model, Messages: wireMessages, Tools: wireTools,
		ToolChoice: toolChoice, Temperature: req.Temperature,
	})
	if err != nil {
		return llm.Response{}, kernelerrors.Wrap(kernelerrors.Validation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, kernelerrors.Wrap(kernelerrors.Config, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return llm.Response{}, kernelerrors.WrapRetryable(kernelerrors.NetworkTransient, err, true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, kernelerrors.WrapRetryable(kernelerrors.NetworkTransient, err, true)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return llm.Response{}, kernelerrors.New(kernelerrors.NetworkFatal, fmt.Sprintf("llm endpoint returned %d: %s", resp.StatusCode, string(raw)))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return llm.Response{}, kernelerrors.WrapRetryable(kernelerrors.NetworkTransient, fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, string(raw)), true)
	}
	if resp.StatusCode >= 400 {
		return llm.Response{}, kernelerrors.New(kernelerrors.NetworkFatal, fmt.Sprintf("llm endpoint returned %d: %s", resp.StatusCode, string(raw)))
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return llm.Response{}, kernelerrors.Wrap(kernelerrors.NetworkTransient, err)
	}
	if wr.Error != nil {
		return llm.Response{}, kernelerrors.New(kernelerrors.NetworkFatal, wr.Error.Message)
	}
	if len(wr.Choices) == 0 {
		return llm.Response{}, kernelerrors.New(kernelerrors.NetworkTransient, "llm endpoint returned no choices")
	}

	choice := wr.Choices[0]
	toolCalls := make([]llm.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		toolCalls = append(toolCalls, llm.ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Arguments: args, RawArgs: tc.Function.Arguments,
		})
	}

	stop := llm.StopNatural
	switch choice.FinishReason {
	case "tool_calls":
		stop = llm.StopToolCalls
	case "length":
		stop = llm.StopMaxTokens
	}

	return llm.Response{
		Content:    choice.Message.Content,
		ToolCalls:  toolCalls,
		Usage:      llm.Usage{PromptTokens: wr.Usage.PromptTokens, CompletionTokens: wr.Usage.CompletionTokens},
		StopReason: stop,
	}, nil
}
