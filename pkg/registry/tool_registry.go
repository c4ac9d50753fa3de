package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redcell/kernel/pkg/metrics"
	"github.com/redcell/kernel/pkg/tool"
)

// ToolRegistry is the spec.md §4.3 registry: the canonical-name table of
// every tool visible to an agent, with alias resolution and schema
// validation in front of dispatch.
type ToolRegistry struct {
	base    *BaseRegistry[tool.Tool]
	aliases *BaseRegistry[string] // alias -> canonical name
	metrics *metrics.Metrics
}

// NewToolRegistry constructs an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		base:    NewBaseRegistry[tool.Tool](),
		aliases: NewBaseRegistry[string](),
	}
}

// WithMetrics attaches a metrics sink that Execute records dispatch counts
// and durations to; a nil sink (the default) makes recording a no-op.
func (r *ToolRegistry) WithMetrics(m *metrics.Metrics) *ToolRegistry {
	r.metrics = m
	return r
}

// Register adds t under its canonical name and every declared alias
// (spec.md §4.3: "Common aliases are registered pointing at the
// canonical handler").
func (r *ToolRegistry) Register(t tool.Tool) error {
	if err := r.base.Register(t.Name, t); err != nil {
		return err
	}
	for _, alias := range t.Aliases {
		if err := r.aliases.Register(alias, t.Name); err != nil {
			return fmt.Errorf("register alias %q for %q: %w", alias, t.Name, err)
		}
	}
	return nil
}

// Resolve maps a tool name or alias to its canonical registered Tool.
func (r *ToolRegistry) Resolve(name string) (tool.Tool, bool) {
	if t, ok := r.base.Get(name); ok {
		return t, true
	}
	if canonical, ok := r.aliases.Get(name); ok {
		return r.base.Get(canonical)
	}
	return tool.Tool{}, false
}

// AsLLMCatalog returns the catalogue of tools the LLM's tool-calling
// surface sees (spec.md §4.3's asLLMCatalog).
func (r *ToolRegistry) AsLLMCatalog() []tool.CatalogEntry {
	tools := r.base.List()
	entries := make([]tool.CatalogEntry, 0, len(tools))
	for _, t := range tools {
		entries = append(entries, tool.CatalogEntry{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	return entries
}

// Execute resolves name (canonical or alias), validates args against its
// schema, and dispatches to its handler (spec.md §4.3).
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (tool.Result, error) {
	t, ok := r.Resolve(name)
	if !ok {
		return tool.Failure(fmt.Sprintf("unknown tool %q", name)), nil
	}

	if t.Schema != nil {
		if err := ValidateArgs(t.Schema, args); err != nil {
			return tool.Failure(err.Error()), nil
		}
	}

	start := time.Now()
	result, err := t.Handler(ctx, args)
	r.metrics.RecordToolCall(t.Name, time.Since(start))
	return result, err
}

// Count returns the number of canonically registered tools (aliases not
// counted).
func (r *ToolRegistry) Count() int { return r.base.Count() }
