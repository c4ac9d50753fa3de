package toolserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMCPServer implements just enough JSON-RPC to exercise the HTTP
// transport's initialize / tools/list / tools/call round trip.
func fakeMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "initialize":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
		case "tools/list":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "scan-host",
						"description": "scans a host",
						"inputSchema": map[string]any{
							"$schema":    "http://json-schema.org/draft-07/schema#",
							"type":       "object",
							"properties": map[string]any{"host": map[string]any{"type": "string"}},
							"required":   []any{"host"},
						},
					},
				},
			}})
		case "tools/call":
			params, _ := req.Params.(map[string]any)
			args, _ := params["arguments"].(map[string]any)
			if args["host"] == "fail" {
				json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
					"isError": true,
					"content": []any{map[string]any{"type": "text", "text": "boom"}},
				}})
				return
			}
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "ok"}},
			}})
		default:
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonRPCError{Code: -32601, Message: "method not found"}})
		}
	}))
}

func TestHTTPProxyDiscoversNamespacedTools(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	proxy, err := NewProxy(Endpoint{Name: "nmap", Transport: "http", URL: srv.URL})
	require.NoError(t, err)

	tools, err := proxy.Tools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	got := tools[0]
	require.Equal(t, "nmap__scan-host", got.Name)
	require.Contains(t, got.Aliases, "nmap__scan_host")
	require.NotContains(t, got.Schema, "$schema")
	require.Equal(t, "object", got.Schema["type"])
}

func TestHTTPProxyCallSucceeds(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	proxy, err := NewProxy(Endpoint{Name: "nmap", Transport: "http", URL: srv.URL})
	require.NoError(t, err)

	tools, err := proxy.Tools(t.Context())
	require.NoError(t, err)

	result, err := tools[0].Handler(t.Context(), map[string]any{"host": "example.com"})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, "ok", result.Value)
}

func TestHTTPProxyCallSurfacesRemoteErrorAsFailure(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	proxy, err := NewProxy(Endpoint{Name: "nmap", Transport: "http", URL: srv.URL})
	require.NoError(t, err)

	tools, err := proxy.Tools(t.Context())
	require.NoError(t, err)

	result, err := tools[0].Handler(t.Context(), map[string]any{"host": "fail"})
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "boom", result.Error)
}

func TestFilterRestrictsDiscoveredTools(t *testing.T) {
	srv := fakeMCPServer(t)
	defer srv.Close()

	proxy, err := NewProxy(Endpoint{Name: "nmap", Transport: "http", URL: srv.URL, Filter: []string{"nonexistent"}})
	require.NoError(t, err)

	tools, err := proxy.Tools(t.Context())
	require.NoError(t, err)
	require.Empty(t, tools)
}

func TestNewProxyValidatesConfig(t *testing.T) {
	_, err := NewProxy(Endpoint{Transport: "http", URL: "http://x"})
	require.Error(t, err)

	_, err = NewProxy(Endpoint{Name: "x", Transport: "bogus"})
	require.Error(t, err)

	_, err = NewProxy(Endpoint{Name: "x", Transport: "stdio"})
	require.Error(t, err)

	_, err = NewProxy(Endpoint{Name: "x", Transport: "http"})
	require.Error(t, err)
}

func TestCleanSchemaStripsMetaSchemaReference(t *testing.T) {
	cleaned := cleanSchema(map[string]any{"$schema": "http://json-schema.org/draft-07/schema#", "type": "object"})
	require.NotContains(t, cleaned, "$schema")
	require.Equal(t, "object", cleaned["type"])
}
