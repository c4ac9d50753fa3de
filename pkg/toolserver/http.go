package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// httpTransport speaks JSON-RPC 2.0 over HTTP, one POST per call, with
// optional text/event-stream responses (spec.md §4.3: "an HTTP/SSE
// endpoint"). Retries on transient failure use an exponential backoff
// rather than the teacher's hand-rolled retry loop, since this module
// already depends on cenkalti/backoff for LLM-call retry.
type httpTransport struct {
	cfg    Endpoint
	client *http.Client

	sessionMu sync.RWMutex
	sessionID string
}

func newHTTPTransport(cfg Endpoint) *httpTransport {
	return &httpTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.callTimeout()},
	}
}

func (t *httpTransport) connect(ctx context.Context) ([]remoteTool, error) {
	initResp, err := t.request(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "redcell", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		return nil, fmt.Errorf("initialize: %s", initResp.Error.Message)
	}

	listResp, err := t.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	if listResp.Error != nil {
		return nil, fmt.Errorf("tools/list: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tools/list: unexpected result shape")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("tools/list: missing tools array")
	}

	tools := make([]remoteTool, 0, len(rawTools))
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		schema, _ := m["inputSchema"].(map[string]any)
		tools = append(tools, remoteTool{Name: name, Description: desc, Schema: schema})
	}
	return tools, nil
}

func (t *httpTransport) call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	resp, err := t.request(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return map[string]any{"result": resp.Result}, nil
	}

	if isErr, _ := resultMap["isError"].(bool); isErr {
		return map[string]any{"error": firstText(resultMap, "unknown error")}, nil
	}

	texts := collectTexts(resultMap)
	switch len(texts) {
	case 0:
		return map[string]any{}, nil
	case 1:
		return map[string]any{"result": texts[0]}, nil
	default:
		return map[string]any{"results": texts}, nil
	}
}

func (t *httpTransport) close() error { return nil }

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// request sends one JSON-RPC call, retrying transport-level failures
// (connection refused, reset, timeout) and 5xx statuses with exponential
// backoff, at most 3 retries within ctx's deadline. Any other non-200
// HTTP status or a well-formed JSON-RPC error response is not retried —
// those are answers, not transport failures.
func (t *httpTransport) request(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var resp *jsonRPCResponse
	op := func() error {
		r, err := t.do(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *httpTransport) do(ctx context.Context, body []byte) (*jsonRPCResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, err // transient network error: retry
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.sessionMu.Lock()
		t.sessionID = newSessionID
		t.sessionMu.Unlock()
	}

	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error %d", httpResp.StatusCode) // retry
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, backoff.Permanent(fmt.Errorf("http %d: %s", httpResp.StatusCode, string(respBody)))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		resp, err := readSSEResponse(httpResp.Body, t.cfg.callTimeout())
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("read response: %w", err))
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse response: %w", err))
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC event off an SSE
// stream, bounded by timeout so a server that opens a stream and never
// writes cannot hang the caller forever.
func readSSEResponse(body io.Reader, timeout time.Duration) (*jsonRPCResponse, error) {
	type outcome struct {
		resp *jsonRPCResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var data strings.Builder

		flush := func() (*jsonRPCResponse, bool) {
			if data.Len() == 0 {
				return nil, false
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
				data.Reset()
				return nil, false
			}
			return &resp, true
		}

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				if resp, ok := flush(); ok {
					done <- outcome{resp: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if resp, ok := flush(); ok {
			done <- outcome{resp: resp}
			return
		}
		done <- outcome{err: fmt.Errorf("sse stream ended without a complete message")}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout reading sse response after %v", timeout)
	}
}

func firstText(resultMap map[string]any, fallback string) string {
	content, ok := resultMap["content"].([]any)
	if !ok {
		return fallback
	}
	for _, c := range content {
		if cm, ok := c.(map[string]any); ok {
			if text, ok := cm["text"].(string); ok {
				return text
			}
		}
	}
	return fallback
}

func collectTexts(resultMap map[string]any) []string {
	content, ok := resultMap["content"].([]any)
	if !ok {
		return nil
	}
	var texts []string
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok || cm["type"] != "text" {
			continue
		}
		if text, ok := cm["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return texts
}
