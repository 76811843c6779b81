// Package tools defines the executable tool abstraction, tool providers
// that supply them, and the builtin tools shipped with the engine.
package tools

import (
	"context"
	"encoding/json"

	"github.com/strandloop/strand/pkg/models"
)

// Tool is one callable capability exposed to the LLM.
//
// Execute returns an error only for infrastructure faults (bad arguments,
// transport failures). Domain-level failure is expressed as a ToolResult
// with Success=false so the LLM can react to it.
type Tool interface {
	// Definition returns the provider-neutral description of the tool.
	// The name must satisfy the tool-name grammar.
	Definition() models.ToolDefinition

	// Execute runs the tool. args is the raw JSON argument object from
	// the LLM; inv carries request-scoped state.
	Execute(ctx context.Context, args json.RawMessage, inv *Invocation) (*models.ToolResult, error)
}

// Invocation is the request-scoped state a tool may consult during one
// execution. It is never retained across calls.
type Invocation struct {
	RunID    string
	ThreadID string
	StepID   string
	CallID   string

	// AuthOverrides are per-request credential overlays keyed by
	// provider id. Tools that talk to external APIs consult them;
	// they never mutate static provider authentication.
	AuthOverrides map[string]models.AuthOverride

	// RequestContext is opaque caller data (tenant, locale, claims).
	RequestContext map[string]any
}

// AuthOverrideFor returns the overlay for a provider id, if any.
func (inv *Invocation) AuthOverrideFor(providerID string) (models.AuthOverride, bool) {
	if inv == nil || inv.AuthOverrides == nil {
		return models.AuthOverride{}, false
	}
	ov, ok := inv.AuthOverrides[providerID]
	return ov, ok
}

// Provider supplies a set of tools. Providers may be lazy: expensive
// construction (fetching an API document, LLM-based grouping) happens in
// EnsureInitialized, which must be idempotent and safe for concurrent use.
type Provider interface {
	// Name identifies the provider for logging and dedup diagnostics.
	Name() string

	// EnsureInitialized performs deferred setup. Calling it more than
	// once is a no-op after the first success.
	EnsureInitialized(ctx context.Context) error

	// Tools returns all tools the provider offers.
	Tools(ctx context.Context) ([]Tool, error)

	// Tool resolves one tool by name.
	Tool(ctx context.Context, name string) (Tool, bool)
}
