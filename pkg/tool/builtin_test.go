package tool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func findTool(tools []Tool, name string) Tool {
	for _, tl := range tools {
		if tl.Name == name {
			return tl
		}
	}
	return Tool{}
}

func TestBashToolRunsWithinWorkspace(t *testing.T) {
	rt, err := NewRuntime(t.TempDir(), "")
	require.NoError(t, err)
	bash := findTool(Builtins(rt, time.Second*5), "bash")

	result, err := bash.Handler(t.Context(), map[string]any{"command": "pwd"})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Contains(t, result.Value, filepath.Base(rt.Workspace))
}

func TestWriteThenReadFile(t *testing.T) {
	rt, err := NewRuntime(t.TempDir(), "")
	require.NoError(t, err)
	tools := Builtins(rt, time.Second*5)

	write := findTool(tools, "write_file")
	res, err := write.Handler(t.Context(), map[string]any{"path": "notes.txt", "content": "hello"})
	require.NoError(t, err)
	require.True(t, res.OK)

	read := findTool(tools, "read_file")
	res, err = read.Handler(t.Context(), map[string]any{"path": "notes.txt"})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Value)
}

func TestReadFileRejectsEscape(t *testing.T) {
	rt, err := NewRuntime(t.TempDir(), "")
	require.NoError(t, err)
	read := findTool(Builtins(rt, time.Second*5), "read_file")

	res, err := read.Handler(t.Context(), map[string]any{"path": "../outside.txt"})
	require.NoError(t, err)
	require.False(t, res.OK)
}

func TestSaveDeliverableWritesUnderDeliverables(t *testing.T) {
	rt, err := NewRuntime(t.TempDir(), "")
	require.NoError(t, err)
	save := findTool(Builtins(rt, time.Second*5), "save_deliverable")

	res, err := save.Handler(t.Context(), map[string]any{
		"type": "RECON_SUMMARY", "path": "recon_summary.md", "content": "# Recon",
	})
	require.NoError(t, err)
	require.True(t, res.OK)

	data, err := os.ReadFile(filepath.Join(rt.Workspace, "deliverables", "recon_summary.md"))
	require.NoError(t, err)
	require.Equal(t, "# Recon", string(data))
}

func TestGenerateTOTPIsDeterministicPerTimestep(t *testing.T) {
	// RFC 6238 test secret "12345678901234567890" base32-encoded.
	secret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	fixed := time.Unix(59, 0)

	code1, err := GenerateTOTP(secret, fixed)
	require.NoError(t, err)
	require.Len(t, code1, 6)

	code2, err := GenerateTOTP(secret, fixed)
	require.NoError(t, err)
	require.Equal(t, code1, code2)

	code3, err := GenerateTOTP(secret, fixed.Add(31*time.Second))
	require.NoError(t, err)
	require.NotEqual(t, code1, code3)
}

func TestBuildThenParseHTTPRequest(t *testing.T) {
	rt, err := NewRuntime(t.TempDir(), "")
	require.NoError(t, err)
	tools := Builtins(rt, time.Second*5)

	build := findTool(tools, "build_http_request")
	res, err := build.Handler(t.Context(), map[string]any{
		"method": "post", "url": "http://example.com/api", "body": `{"a":1}`,
		"headers": map[string]any{"Content-Type": "application/json"},
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Contains(t, res.Value, "Content-Length: 7")

	parse := findTool(tools, "parse_http_request")
	res, err = parse.Handler(t.Context(), map[string]any{"raw": res.Value})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Contains(t, res.Value, "POST /api")
}
