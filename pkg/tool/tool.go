// Package tool defines the Tool interface the Tool Registry dispatches
// against (spec.md §4.3): a named, schema-validated, synchronously
// callable capability.
package tool

import (
	"context"
)

// Result is the outcome of one tool invocation (spec.md §4.3:
// "{ok, value | error}").
type Result struct {
	OK      bool
	Value   string
	Error   string
	Metadata map[string]any
}

// Success builds an OK Result.
func Success(value string) Result { return Result{OK: true, Value: value} }

// Failure builds a failed Result.
func Failure(errMsg string) Result { return Result{OK: false, Error: errMsg} }

// Handler executes a tool call whose arguments have already passed
// schema validation. ctx carries the per-invocation deadline (shell
// timeout, remote RPC timeout, etc., per spec.md §4.3's resource policy).
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Tool is one entry in the registry: a name, description, JSON-schema-like
// parameter object, and its handler.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler

	// Aliases are additional names that resolve to this same tool
	// (spec.md §4.3: "Common aliases are registered pointing at the
	// canonical handler").
	Aliases []string
}

// CatalogEntry is the shape exposed to the LLM's tool-calling surface via
// asLLMCatalog (spec.md §4.3).
type CatalogEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
