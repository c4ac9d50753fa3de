package tool

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"net/http/httputil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultShellTimeout  = 60 * time.Second
	maxShellOutputBytes  = 10 * 1024 * 1024
)

// Builtins returns the core tool set registered by every kernel instance
// (spec.md §4.3): shell execution, file read/write/search/list,
// save_deliverable, generate_totp, HTTP build/parse request, and the
// todo-list updater. SubAgent is registered separately by pkg/subagent,
// since it needs a live executor, not just a Runtime.
func Builtins(rt *Runtime, shellTimeout time.Duration) []Tool {
	if shellTimeout <= 0 {
		shellTimeout = defaultShellTimeout
	}

	return []Tool{
		bashTool(rt, shellTimeout),
		readFileTool(rt),
		writeFileTool(rt),
		searchFilesTool(rt),
		listFilesTool(rt),
		saveDeliverableTool(rt),
		generateTOTPTool(),
		buildHTTPRequestTool(),
		parseHTTPRequestTool(),
		todoWriteTool(rt),
	}
}

// bashTool runs a shell command rooted at the workspace, grounded on the
// teacher's CommandTool (pkg/tools/command.go): exec.CommandContext with
// "sh -c", a bounded timeout, and combined stdout/stderr.
func bashTool(rt *Runtime, timeout time.Duration) Tool {
	return Tool{
		Name:        "bash",
		Description: "Run a shell command inside the session workspace.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
		Aliases: []string{"shell", "run_command", "execute_command"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return Failure("command parameter is required"), nil
			}

			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "sh", "-c", command)
			cmd.Dir = rt.Workspace
			cmd.Env = shellEnv(rt)

			var out bytes.Buffer
			cmd.Stdout = &limitedWriter{buf: &out, limit: maxShellOutputBytes}
			cmd.Stderr = cmd.Stdout

			err := cmd.Run()
			output := out.String()

			if err == nil {
				return Success(output), nil
			}
			if exitErr, ok := err.(*exec.ExitError); ok {
				// A ripgrep-style "no match" exit code (1) with empty
				// output is a successful empty result, not a failure
				// (spec.md §4.3 resource policy).
				if exitErr.ExitCode() == 1 && strings.TrimSpace(output) == "" {
					return Success(""), nil
				}
				return Result{OK: false, Value: output, Error: err.Error(), Metadata: map[string]any{"exit_code": exitErr.ExitCode()}}, nil
			}
			return Failure(err.Error()), nil
		},
	}
}

type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	return w.buf.Write(p)
}

func shellEnv(rt *Runtime) []string {
	env := os.Environ()
	if rt.HTTPProxy != "" {
		env = append(env, "http_proxy="+rt.HTTPProxy, "HTTP_PROXY="+rt.HTTPProxy)
	}
	if rt.HTTPSProxy != "" {
		env = append(env, "https_proxy="+rt.HTTPSProxy, "HTTPS_PROXY="+rt.HTTPSProxy)
	}
	return env
}

func readFileTool(rt *Runtime) Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read a file inside the session workspace.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
		Aliases: []string{"open_file", "cat_file"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			path, _ := args["path"].(string)
			resolved, err := rt.ResolvePath(path)
			if err != nil {
				return Failure(err.Error()), nil
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return Failure(err.Error()), nil
			}
			return Success(string(data)), nil
		},
	}
}

func writeFileTool(rt *Runtime) Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write a file inside the session workspace, creating parent directories as needed.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			resolved, err := rt.ResolvePath(path)
			if err != nil {
				return Failure(err.Error()), nil
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return Failure(err.Error()), nil
			}
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return Failure(err.Error()), nil
			}
			return Success(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
		},
	}
}

func searchFilesTool(rt *Runtime) Tool {
	return Tool{
		Name:        "search_files",
		Description: "Search files under the workspace for a ripgrep regular-expression pattern; requires rg on PATH.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
				"path":    map[string]any{"type": "string"},
			},
			"required": []string{"pattern"},
		},
		Aliases: []string{"grep", "rg"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			pattern, _ := args["pattern"].(string)
			if pattern == "" {
				return Failure("pattern parameter is required"), nil
			}
			sub, _ := args["path"].(string)
			if sub == "" {
				sub = "."
			}
			resolved, err := rt.ResolvePath(sub)
			if err != nil {
				return Failure(err.Error()), nil
			}

			execCtx, cancel := context.WithTimeout(ctx, defaultShellTimeout)
			defer cancel()
			cmd := exec.CommandContext(execCtx, "rg", "-n", "--", pattern, resolved)
			out, err := cmd.Output()
			if err == nil {
				return Success(string(out)), nil
			}
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return Success(""), nil
			}
			return Failure(err.Error()), nil
		},
	}
}

func listFilesTool(rt *Runtime) Tool {
	return Tool{
		Name:        "list_files",
		Description: "List files under a workspace-relative directory.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		},
		Aliases: []string{"ls"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			sub, _ := args["path"].(string)
			if sub == "" {
				sub = "."
			}
			resolved, err := rt.ResolvePath(sub)
			if err != nil {
				return Failure(err.Error()), nil
			}
			entries, err := os.ReadDir(resolved)
			if err != nil {
				return Failure(err.Error()), nil
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					b.WriteString(e.Name() + "/\n")
				} else {
					b.WriteString(e.Name() + "\n")
				}
			}
			return Success(b.String()), nil
		},
	}
}

// saveDeliverableTool writes a typed artifact under
// workspace/deliverables/. The agent-loop's pre-execute policy coerces
// "type" before the handler ever sees it (spec.md §4.5 item 8), so the
// handler itself just validates non-empty type/path and persists.
func saveDeliverableTool(rt *Runtime) Tool {
	return Tool{
		Name:        "save_deliverable",
		Description: "Persist a required deliverable artifact for this agent.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type":    map[string]any{"type": "string"},
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"type", "path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			var a struct {
				Type    string `mapstructure:"type"`
				Path    string `mapstructure:"path"`
				Content string `mapstructure:"content"`
			}
			if err := decodeArgs(args, &a); err != nil {
				return Failure(err.Error()), nil
			}
			if a.Type == "" || a.Path == "" {
				return Failure("type and path are required"), nil
			}

			resolved, err := rt.ResolvePath(filepath.Join("deliverables", a.Path))
			if err != nil {
				return Failure(err.Error()), nil
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return Failure(err.Error()), nil
			}
			if err := os.WriteFile(resolved, []byte(a.Content), 0o644); err != nil {
				return Failure(err.Error()), nil
			}
			return Result{OK: true, Value: fmt.Sprintf("saved %s deliverable to %s", a.Type, a.Path), Metadata: map[string]any{"type": a.Type}}, nil
		},
	}
}

// generateTOTPTool produces an RFC 6238 time-based one-time password from
// a base32 secret — there is no pack library for TOTP generation, so this
// is the one core tool built directly on crypto/hmac + crypto/sha1
// (justified in DESIGN.md: no third-party TOTP library appears anywhere
// in the example pack).
func generateTOTPTool() Tool {
	return Tool{
		Name:        "generate_totp",
		Description: "Generate an RFC 6238 time-based one-time password from a base32 secret.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"secret": map[string]any{"type": "string"}},
			"required":   []string{"secret"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			var a struct {
				Secret string `mapstructure:"secret"`
			}
			if err := decodeArgs(args, &a); err != nil {
				return Failure(err.Error()), nil
			}
			code, err := GenerateTOTP(a.Secret, time.Now())
			if err != nil {
				return Failure(err.Error()), nil
			}
			return Success(code), nil
		},
	}
}

// GenerateTOTP computes the 6-digit RFC 6238 code for secret at t, using a
// 30-second time step and SHA-1 HMAC per the standard.
func GenerateTOTP(secret string, t time.Time) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("decode TOTP secret: %w", err)
	}

	counter := uint64(t.Unix() / 30)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	code := truncated % uint32(math.Pow10(6))
	return fmt.Sprintf("%06d", code), nil
}

func buildHTTPRequestTool() Tool {
	return Tool{
		Name:        "build_http_request",
		Description: "Render a well-formed raw HTTP/1.1 request with a byte-accurate Content-Length header.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"method":  map[string]any{"type": "string"},
				"url":     map[string]any{"type": "string"},
				"headers": map[string]any{"type": "object"},
				"body":    map[string]any{"type": "string"},
			},
			"required": []string{"method", "url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			var a struct {
				Method  string            `mapstructure:"method"`
				URL     string            `mapstructure:"url"`
				Headers map[string]string `mapstructure:"headers"`
				Body    string            `mapstructure:"body"`
			}
			if err := decodeArgs(args, &a); err != nil {
				return Failure(err.Error()), nil
			}

			req, err := http.NewRequest(strings.ToUpper(a.Method), a.URL, strings.NewReader(a.Body))
			if err != nil {
				return Failure(err.Error()), nil
			}
			for k, v := range a.Headers {
				req.Header.Set(k, v)
			}
			req.ContentLength = int64(len(a.Body))

			var b bytes.Buffer
			if err := req.Write(&b); err != nil {
				return Failure(err.Error()), nil
			}
			return Success(b.String()), nil
		},
	}
}

func parseHTTPRequestTool() Tool {
	return Tool{
		Name:        "parse_http_request",
		Description: "Parse a raw HTTP request into method, URL, headers, and body.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"raw": map[string]any{"type": "string"}},
			"required":   []string{"raw"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			var a struct {
				Raw string `mapstructure:"raw"`
			}
			if err := decodeArgs(args, &a); err != nil {
				return Failure(err.Error()), nil
			}
			req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(a.Raw)))
			if err != nil {
				return Failure(err.Error()), nil
			}
			dump, err := httputil.DumpRequest(req, true)
			if err != nil {
				return Failure(err.Error()), nil
			}
			return Success(string(dump)), nil
		},
	}
}

func todoWriteTool(rt *Runtime) Tool {
	return Tool{
		Name:        "TodoWrite",
		Description: "Persist the agent's current todo list to its mission directory.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"mission": map[string]any{"type": "string"}, "content": map[string]any{"type": "string"}},
			"required":   []string{"mission", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			var a struct {
				Mission string `mapstructure:"mission"`
				Content string `mapstructure:"content"`
			}
			if err := decodeArgs(args, &a); err != nil {
				return Failure(err.Error()), nil
			}
			if a.Mission == "" {
				return Failure("mission is required"), nil
			}
			resolved, err := rt.ResolvePath(filepath.Join("deliverables", "findings", a.Mission, "todo.txt"))
			if err != nil {
				return Failure(err.Error()), nil
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return Failure(err.Error()), nil
			}
			if err := os.WriteFile(resolved, []byte(a.Content), 0o644); err != nil {
				return Failure(err.Error()), nil
			}
			return Success("todo updated"), nil
		},
	}
}
