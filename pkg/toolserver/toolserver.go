// Package toolserver implements spec.md §4.3's remote-tool proxying: a
// tool-registry endpoint backed by an external process over line-delimited
// JSON-RPC (stdio) or an HTTP/SSE endpoint, rather than an in-process
// handler. On connect, a Proxy asks the endpoint for its tool catalogue and
// hands back ordinary tool.Tool values the registry can register like any
// other — the remote hop is hidden behind the Handler closure.
package toolserver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redcell/kernel/pkg/tool"
)

const (
	// DefaultCallTimeout is the per-RPC-call ceiling (spec.md §4.3: "a
	// per-call timeout (≈60s) ... must not hang forever").
	DefaultCallTimeout = 60 * time.Second

	// DefaultInitTimeout bounds the initialize + tools/list handshake.
	DefaultInitTimeout = 60 * time.Second
)

// Endpoint configures one remote tool server.
type Endpoint struct {
	// Name namespaces this endpoint's tools as {Name}__{tool}.
	Name string

	// Transport is "stdio" or "http" (HTTP also covers SSE responses).
	Transport string

	// Command/Args/Env configure the stdio child process.
	Command string
	Args    []string
	Env     map[string]string

	// URL is the HTTP/SSE endpoint.
	URL string

	// Filter, if non-empty, limits which remote tool names are exposed.
	Filter []string

	CallTimeout time.Duration
	InitTimeout time.Duration
}

func (e Endpoint) callTimeout() time.Duration {
	if e.CallTimeout > 0 {
		return e.CallTimeout
	}
	return DefaultCallTimeout
}

func (e Endpoint) initTimeout() time.Duration {
	if e.InitTimeout > 0 {
		return e.InitTimeout
	}
	return DefaultInitTimeout
}

// remoteTool is the endpoint's view of one tool before namespacing.
type remoteTool struct {
	Name        string
	Description string
	Schema      map[string]any
}

// transport is the thing a Proxy drives: connect once, list the catalogue,
// call a named remote tool. stdioTransport and httpTransport implement it.
type transport interface {
	connect(ctx context.Context) ([]remoteTool, error)
	call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	close() error
}

// Proxy is a lazily-connected handle to one remote tool server. Tools()
// triggers the connection on first use, matching the teacher's mcptoolset
// lazy-init pattern so an endpoint configured but never invoked never pays
// a startup cost.
type Proxy struct {
	cfg Endpoint

	mu        sync.Mutex
	transport transport
	connected bool
	remote    []remoteTool
	filterSet map[string]bool
}

// NewProxy constructs a Proxy for endpoint cfg.
func NewProxy(cfg Endpoint) (*Proxy, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("toolserver: endpoint name is required")
	}
	if cfg.Transport != "stdio" && cfg.Transport != "http" {
		return nil, fmt.Errorf("toolserver: unknown transport %q", cfg.Transport)
	}
	if cfg.Transport == "stdio" && cfg.Command == "" {
		return nil, fmt.Errorf("toolserver: stdio endpoint %q requires a command", cfg.Name)
	}
	if cfg.Transport == "http" && cfg.URL == "" {
		return nil, fmt.Errorf("toolserver: http endpoint %q requires a url", cfg.Name)
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	return &Proxy{cfg: cfg, filterSet: filterSet}, nil
}

func (p *Proxy) ensureConnected(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}

	initCtx, cancel := context.WithTimeout(ctx, p.cfg.initTimeout())
	defer cancel()

	var tr transport
	if p.cfg.Transport == "stdio" {
		tr = newStdioTransport(p.cfg)
	} else {
		tr = newHTTPTransport(p.cfg)
	}

	tools, err := tr.connect(initCtx)
	if err != nil {
		return fmt.Errorf("toolserver %s: connect: %w", p.cfg.Name, err)
	}

	if p.filterSet != nil {
		filtered := tools[:0]
		for _, t := range tools {
			if p.filterSet[t.Name] {
				filtered = append(filtered, t)
			}
		}
		tools = filtered
	}

	p.transport = tr
	p.remote = tools
	p.connected = true
	return nil
}

// Tools returns the proxy's tool catalogue, namespaced as {server}__{tool}
// with an underscore alias when the canonical name contains a hyphen
// (spec.md §4.3: "an alias that replaces hyphens with underscores").
func (p *Proxy) Tools(ctx context.Context) ([]tool.Tool, error) {
	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	remote := p.remote
	p.mu.Unlock()

	out := make([]tool.Tool, 0, len(remote))
	for _, rt := range remote {
		rt := rt
		canonical := p.cfg.Name + "__" + rt.Name

		var aliases []string
		if underscored := strings.ReplaceAll(canonical, "-", "_"); underscored != canonical {
			aliases = append(aliases, underscored)
		}

		out = append(out, tool.Tool{
			Name:        canonical,
			Description: rt.Description,
			Schema:      cleanSchema(rt.Schema),
			Aliases:     aliases,
			Handler: func(ctx context.Context, args map[string]any) (tool.Result, error) {
				return p.call(ctx, rt.Name, args)
			},
		})
	}
	return out, nil
}

// call invokes the named remote tool, surfacing "isError" results as a
// failed tool.Result rather than a Go error (spec.md §4.3).
func (p *Proxy) call(ctx context.Context, remoteName string, args map[string]any) (tool.Result, error) {
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr == nil {
		return tool.Result{}, fmt.Errorf("toolserver %s: not connected", p.cfg.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.callTimeout())
	defer cancel()

	result, err := tr.call(callCtx, remoteName, args)
	if err != nil {
		return tool.Result{}, fmt.Errorf("toolserver %s: call %s: %w", p.cfg.Name, remoteName, err)
	}

	if errMsg, ok := result["error"].(string); ok && errMsg != "" {
		return tool.Failure(errMsg), nil
	}
	if text, ok := result["result"].(string); ok {
		return tool.Success(text), nil
	}
	return tool.Success(fmt.Sprintf("%v", result["results"])), nil
}

// Close releases the underlying connection, if one was established.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || p.transport == nil {
		return nil
	}
	err := p.transport.close()
	p.connected = false
	p.transport = nil
	p.remote = nil
	return err
}

// cleanSchema strips the meta-schema reference a remote server may embed
// (spec.md §4.3: "Schemas reported by remote servers are cleaned (the
// meta-schema reference is stripped)") so the result is a plain
// JSON-Schema-style object the registry's validator understands.
func cleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	cleaned := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "$schema" {
			continue
		}
		cleaned[k] = v
	}
	return cleaned
}
