// Package models provides the domain types shared across the Strand engine:
// threads, messages, runs, tools, and the agent event stream.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Metadata keys reserved by the engine. Everything else in a message's
// metadata map is passed through untouched.
const (
	// MetaToolCalls holds []ToolCall on assistant messages that requested tools.
	MetaToolCalls = "tool_calls"

	// MetaToolCallID links a tool-role message to the call it answers.
	MetaToolCallID = "tool_call_id"

	// MetaToolName is the tool name on tool-role messages.
	MetaToolName = "tool_name"

	// MetaRunID back-references the run that produced the message.
	MetaRunID = "run_id"

	// MetaStepID back-references the loop step that produced the message.
	MetaStepID = "step_id"

	// MetaSummary marks a system-role message as a rolling history summary.
	// The context manager preserves it and drops everything older.
	MetaSummary = "strand_summary"

	// MetaInProgress marks an assistant message shell that is still streaming.
	MetaInProgress = "in_progress"
)

// Message is a persisted turn record. Messages are owned by their thread;
// runs hold only id references.
type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolCalls extracts the tool-call records from an assistant message's
// metadata. Both the native []ToolCall form and the JSON-decoded
// []any form (round-tripped through a store) are handled.
func (m *Message) ToolCalls() []ToolCall {
	if m.Metadata == nil {
		return nil
	}
	switch v := m.Metadata[MetaToolCalls].(type) {
	case []ToolCall:
		return v
	case []any:
		calls := make([]ToolCall, 0, len(v))
		for _, raw := range v {
			data, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			var tc ToolCall
			if err := json.Unmarshal(data, &tc); err == nil {
				calls = append(calls, tc)
			}
		}
		return calls
	default:
		return nil
	}
}

// IsSummary reports whether the message is a preserved history summary.
func (m *Message) IsSummary() bool {
	if m.Metadata == nil {
		return false
	}
	marked, _ := m.Metadata[MetaSummary].(bool)
	return marked
}

// ToolCall is an LLM request to execute a tool. Arguments are kept as the
// raw JSON text the model emitted; parsing is the executor's job.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of one tool execution. Tools never propagate
// errors across this boundary; failures become Success=false results.
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Content renders the result as tool-message content: the stringified data
// on success, or an "Error: ..." line on failure.
func (r ToolResult) Content() string {
	if !r.Success {
		return "Error: " + r.Error
	}
	switch v := r.Data.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Thread is a conversation that owns messages.
type Thread struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
