package models

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolParameter describes one parameter of a tool definition. Schema,
// when present, is a JSON Schema fragment for the parameter value.
type ToolParameter struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ToolDefinition is the provider-neutral shape of a callable tool.
// Names must match the tool-name grammar: [A-Za-z0-9_-], at most 64
// characters.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// ParametersSchema assembles the parameters into a single JSON Schema
// object suitable for LLM function calling and argument validation.
func (d ToolDefinition) ParametersSchema() json.RawMessage {
	props := make(map[string]json.RawMessage, len(d.Parameters))
	required := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		if len(p.Schema) > 0 {
			props[p.Name] = p.Schema
		} else {
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			frag, _ := json.Marshal(map[string]string{
				"type":        typ,
				"description": p.Description,
			})
			props[p.Name] = frag
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	out, _ := json.Marshal(schema)
	return out
}

// ToolSetMetadata records where a toolset came from and how it was formed.
type ToolSetMetadata struct {
	SourceID     string `json:"source_id"`
	ProviderType string `json:"provider_type"`
	APITitle     string `json:"api_title,omitempty"`
	OriginalTag  string `json:"original_tag,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	LogicalGroup string `json:"logical_group,omitempty"`

	// LLM-splitting provenance. SplitFallback names the reason a split
	// was not applied (no_llm_client, llm_json_parse_failure, ...).
	LLMGroupName  string `json:"llm_group_name,omitempty"`
	LLMModelUsed  string `json:"llm_model_used,omitempty"`
	SplitFallback string `json:"split_fallback,omitempty"`
}

// ToolSetInfo is the descriptive view of a toolset, safe to hand to an
// LLM or an API client without exposing executable tools.
type ToolSetInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ToolCount   int             `json:"tool_count"`
	Metadata    ToolSetMetadata `json:"metadata"`
}

const maxToolNameLen = 64

var toolNameStrip = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeToolName maps an arbitrary identifier into the tool-name
// grammar [A-Za-z0-9_-]{1,64}. Disallowed runes become underscores, the
// result is truncated, and empty input becomes "unnamed_id". The
// function is idempotent.
func SanitizeToolName(name string) string {
	s := toolNameStrip.ReplaceAllString(name, "_")
	if len(s) > maxToolNameLen {
		s = s[:maxToolNameLen]
	}
	if s == "" {
		return "unnamed_id"
	}
	return s
}

// ValidToolName reports whether name already satisfies the grammar.
func ValidToolName(name string) bool {
	return name != "" && len(name) <= maxToolNameLen && !toolNameStrip.MatchString(name)
}

// Reserved tool names used by the engine.
const (
	// DelegateToolName is the planner's single tool.
	DelegateToolName = "delegateToSpecialistAgent"

	// RouteToolName is the alternative router tool.
	RouteToolName = "routeToToolset"

	// GenericHTTPToolName is the escape hatch exposed when an OpenAPI
	// document yields no operations.
	GenericHTTPToolName = "genericHttpRequest"
)

// TrimForPrompt truncates s for inclusion in synthesized prompts.
func TrimForPrompt(s string, max int) string {
	s = strings.TrimSpace(s)
	if max > 0 && len(s) > max {
		return s[:max] + "..."
	}
	return s
}
