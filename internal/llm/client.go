// Package llm abstracts chat-completion providers behind a small client
// interface: non-streaming generation, streaming deltas, tool formatting,
// and token counting.
package llm

import (
	"context"

	"github.com/strandloop/strand/pkg/models"
)

// Client is the provider boundary the agent loop talks to.
//
// Implementations must be safe for concurrent use; multiple runs may call
// Generate and Stream simultaneously.
type Client interface {
	// Generate performs a blocking completion and returns the full result.
	Generate(ctx context.Context, req *Request) (*Completion, error)

	// Stream performs a streaming completion. The returned channel is
	// closed when the stream ends; transport failures arrive as a final
	// chunk with Err set.
	Stream(ctx context.Context, req *Request) (<-chan *StreamChunk, error)

	// FormatTools converts neutral tool definitions into the provider's
	// function-calling shape.
	FormatTools(defs []models.ToolDefinition) []Tool

	// CountTokens estimates the prompt size of msgs for model.
	CountTokens(msgs []models.Message, model string) (int, error)
}

// Request contains all parameters for one completion call.
type Request struct {
	Model    string           `json:"model"`
	System   string           `json:"system,omitempty"`
	Messages []models.Message `json:"messages"`

	Tools      []Tool            `json:"tools,omitempty"`
	ToolChoice models.ToolChoice `json:"tool_choice"`

	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Tool is a provider-formatted function definition. Parameters holds the
// JSON Schema for the arguments object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Completion is the full result of a non-streaming call.
type Completion struct {
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        Usage             `json:"usage"`
}

// StreamChunk is one delta from a streaming completion.
//
// Providers stream tool calls incrementally: the first delta for an index
// carries the ID and function name, later deltas append argument
// fragments. The parser in the agent package reassembles them; the client
// passes the raw deltas through.
type StreamChunk struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`

	// FinishReason is set on the chunk that ends a choice ("stop",
	// "tool_calls", "length").
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage is populated on the final chunk when the provider reports it.
	Usage *Usage `json:"usage,omitempty"`

	// Err terminates the stream. The channel is closed after an Err chunk.
	Err error `json:"-"`
}

// ToolCallDelta is an incremental tool-call fragment keyed by Index.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)
