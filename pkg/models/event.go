package models

import (
	"time"
)

// AgentEvent is the unified event model for the run event stream.
//
// Design principles (kept from the first event schema revision):
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence within a run for ordering guarantees
//
// Within a run, events are delivered in production order and exactly one
// terminal event (run.completed, run.failed, run.cancelled) is emitted,
// unless the run pauses at run.requires_action.
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run.
	Sequence uint64 `json:"seq"`

	RunID    string `json:"run_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	// StepID identifies the loop step (one LLM turn) the event belongs to.
	StepID string `json:"step_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Status         *StatusEventPayload         `json:"status,omitempty"`
	Step           *StepEventPayload           `json:"step,omitempty"`
	Message        *MessageEventPayload        `json:"message,omitempty"`
	Delta          *DeltaEventPayload          `json:"delta,omitempty"`
	ToolCall       *ToolCallEventPayload       `json:"tool_call,omitempty"`
	Tool           *ToolExecEventPayload       `json:"tool,omitempty"`
	SubAgent       *SubAgentEventPayload       `json:"sub_agent,omitempty"`
	RequiredAction *RequiredActionEventPayload `json:"required_action,omitempty"`
	Completed      *RunCompletedEventPayload   `json:"completed,omitempty"`
	Error          *ErrorEventPayload          `json:"error,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Run lifecycle
	EventRunCreated        AgentEventType = "run.created"
	EventRunStatusChanged  AgentEventType = "run.status.changed"
	EventRunStepCreated    AgentEventType = "run.step.created"
	EventRunRequiresAction AgentEventType = "run.requires_action"
	EventRunCompleted      AgentEventType = "run.completed"
	EventRunFailed         AgentEventType = "run.failed"
	EventRunCancelled      AgentEventType = "run.cancelled"

	// Message streaming
	EventMessageCreated   AgentEventType = "message.created"
	EventMessageDelta     AgentEventType = "message.delta"
	EventMessageCompleted AgentEventType = "message.completed"

	// Tool-call structure emitted by the LLM
	EventToolCallCreated        AgentEventType = "tool_call.created"
	EventToolCallCompletedByLLM AgentEventType = "tool_call.completed_by_llm"

	// Tool execution
	EventToolExecutionStarted   AgentEventType = "tool.execution.started"
	EventToolExecutionCompleted AgentEventType = "tool.execution.completed"

	// Delegation
	EventSubAgentInvocationCompleted AgentEventType = "sub_agent.invocation.completed"
)

// Terminal reports whether the event type ends a run's stream.
func (t AgentEventType) Terminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	default:
		return false
	}
}

// StatusEventPayload reports an intermediate status transition.
type StatusEventPayload struct {
	CurrentStatus RunStatus `json:"current_status"`
	Details       string    `json:"details,omitempty"`

	// Input is the user input that started the run, set on run.created.
	Input string `json:"input,omitempty"`
}

// StepEventPayload announces the start of an LLM turn.
type StepEventPayload struct {
	StepID  string `json:"step_id"`
	Details string `json:"details,omitempty"`
}

// MessageEventPayload carries a persisted message (possibly a streaming
// shell for message.created; the final state rides message.completed).
type MessageEventPayload struct {
	Message *Message `json:"message"`
}

// DeltaEventPayload is an incremental update to a streaming message.
// Exactly one of ContentChunk / ToolCallsChunk is set.
type DeltaEventPayload struct {
	MessageID      string     `json:"message_id"`
	ContentChunk   string     `json:"content_chunk,omitempty"`
	ToolCallsChunk []ToolCall `json:"tool_calls_chunk,omitempty"`
}

// ToolCallEventPayload carries a finished tool-call structure.
type ToolCallEventPayload struct {
	Call ToolCall `json:"call"`
}

// ToolExecEventPayload describes tool execution start/completion.
type ToolExecEventPayload struct {
	StepID     string      `json:"step_id,omitempty"`
	ToolCallID string      `json:"tool_call_id"`
	ToolName   string      `json:"tool_name"`
	Input      any         `json:"input,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`
}

// SubAgentEventPayload reports a completed delegation.
type SubAgentEventPayload struct {
	PlannerStepID      string      `json:"planner_step_id"`
	ToolCallID         string      `json:"tool_call_id"`
	SpecialistID       string      `json:"specialist_id"`
	SubAgentRunID      string      `json:"sub_agent_run_id"`
	SubTaskDescription string      `json:"sub_task_description,omitempty"`
	Result             *ToolResult `json:"result,omitempty"`
}

// RequiredActionEventPayload carries the tool calls the caller must
// resolve via submit_tool_outputs.
type RequiredActionEventPayload struct {
	Type      string     `json:"type"` // always "submit_tool_outputs"
	ToolCalls []ToolCall `json:"tool_calls"`
}

// RunCompletedEventPayload carries the final messages of a run.
type RunCompletedEventPayload struct {
	FinalMessages []*Message `json:"final_messages"`
}

// ErrorEventPayload standardizes run failures for the stream.
type ErrorEventPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	// Err is the original error (runtime only, not serialized).
	Err error `json:"-"`
}
