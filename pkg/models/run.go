package models

import (
	"context"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a run. Transitions are monotonic:
// queued → in_progress → {completed, failed, cancelled}, with
// requires_action as a pausable intermediate and cancelling as the
// acknowledgement state before cancelled.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Run is one execution of an agent over a thread.
type Run struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	AgentType   string     `json:"agent_type"`
	Status      RunStatus  `json:"status"`
	Config      *RunConfig `json:"config,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// ToolChoiceMode selects how the LLM may use tools on a call.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceForce    ToolChoiceMode = "force"
)

// ToolChoice selects tool usage for an LLM call. ForceTool is only
// consulted when Mode is ToolChoiceForce.
type ToolChoice struct {
	Mode      ToolChoiceMode `json:"mode"`
	ForceTool string         `json:"force_tool,omitempty"`
}

// ExecutionStrategy selects how a batch of tool calls is executed.
type ExecutionStrategy string

const (
	ExecuteSequential ExecutionStrategy = "sequential"
	ExecuteParallel   ExecutionStrategy = "parallel"
)

// ContextConfig bounds the prompt assembled for each LLM turn.
// TokenThreshold must exceed SummaryTargetTokens + ReservedTokens; the
// constructor of the context manager rejects violations.
type ContextConfig struct {
	// TokenThreshold is the budget for the assembled prompt.
	TokenThreshold int `json:"token_threshold" yaml:"token_threshold"`

	// SummaryTargetTokens caps the LLM-generated history summary.
	SummaryTargetTokens int `json:"summary_target_tokens" yaml:"summary_target_tokens"`

	// ReservedTokens is headroom kept free after tail truncation.
	ReservedTokens int `json:"reserved_tokens" yaml:"reserved_tokens"`

	// HistoryWindow is how many recent messages to fetch from the store.
	HistoryWindow int `json:"history_window" yaml:"history_window"`

	// KeepRecentTurns is how many trailing messages stay verbatim when
	// summarizing.
	KeepRecentTurns int `json:"keep_recent_turns" yaml:"keep_recent_turns"`
}

// Validate checks the construction-time precondition.
func (c ContextConfig) Validate() error {
	if c.TokenThreshold <= c.SummaryTargetTokens+c.ReservedTokens {
		return fmt.Errorf("context config: token_threshold (%d) must exceed summary_target_tokens (%d) + reserved_tokens (%d)",
			c.TokenThreshold, c.SummaryTargetTokens, c.ReservedTokens)
	}
	return nil
}

// ExecutorConfig configures the tool executor for a run.
type ExecutorConfig struct {
	Strategy ExecutionStrategy `json:"strategy" yaml:"strategy"`

	// Timeout bounds a single tool invocation (0 = no bound).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// RunConfig is immutable for the duration of a run once accepted.
type RunConfig struct {
	Model        string  `json:"model" yaml:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Temperature  float32 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens    int     `json:"max_tokens,omitempty" yaml:"max_tokens"`

	ToolChoice ToolChoice `json:"tool_choice" yaml:"tool_choice"`

	// MaxToolCallContinuations bounds LLM calls after tool execution
	// within the same run.
	MaxToolCallContinuations int `json:"max_tool_call_continuations" yaml:"max_tool_call_continuations"`

	Executor ExecutorConfig `json:"executor" yaml:"executor"`
	Context  ContextConfig  `json:"context" yaml:"context"`

	// AuthOverrides carries per-provider credential overlays for this
	// request only; keyed by provider id.
	AuthOverrides map[string]AuthOverride `json:"auth_overrides,omitempty" yaml:"-"`

	// RequestContext is opaque request-scoped data tools may consult.
	RequestContext map[string]any `json:"request_context,omitempty" yaml:"-"`
}

// Clone returns a deep-enough copy: maps are copied so a sub-run config
// can diverge without mutating the parent's.
func (c *RunConfig) Clone() *RunConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.AuthOverrides != nil {
		out.AuthOverrides = make(map[string]AuthOverride, len(c.AuthOverrides))
		for k, v := range c.AuthOverrides {
			out.AuthOverrides[k] = v
		}
	}
	if c.RequestContext != nil {
		out.RequestContext = make(map[string]any, len(c.RequestContext))
		for k, v := range c.RequestContext {
			out.RequestContext[k] = v
		}
	}
	return &out
}

// AuthScheme tags an AuthOverride variant.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthBearer AuthScheme = "bearer"
	AuthAPIKey AuthScheme = "api_key"
)

// APIKeyLocation says where an api_key credential is applied.
type APIKeyLocation string

const (
	APIKeyInHeader APIKeyLocation = "header"
	APIKeyInQuery  APIKeyLocation = "query"
)

// TokenSource produces a bearer token at use time, optionally reading
// request-scoped claims from the context.
type TokenSource func(ctx context.Context) (string, error)

// AuthOverride is a per-request credential overlay for one provider.
// Exactly one of the scheme-specific fields is consulted, selected by
// Scheme. It never mutates the provider's static authentication.
type AuthOverride struct {
	Scheme AuthScheme `json:"scheme"`

	// Bearer token, or a deferred source that wins over Token when set.
	Token       string      `json:"token,omitempty"`
	TokenSource TokenSource `json:"-"`

	// api_key fields.
	KeyName  string         `json:"key_name,omitempty"`
	Location APIKeyLocation `json:"location,omitempty"`
	Key      string         `json:"key,omitempty"`
}

// BearerToken resolves the bearer credential, preferring the deferred
// source when present.
func (a AuthOverride) BearerToken(ctx context.Context) (string, error) {
	if a.TokenSource != nil {
		return a.TokenSource(ctx)
	}
	return a.Token, nil
}
