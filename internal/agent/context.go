// Package agent implements the per-run orchestration engine: the response
// parser, tool executor, context-window manager, and the run loop that
// drives an LLM conversation to a terminal state while streaming events.
package agent

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// AgentContext is the passive capability record a run executes against.
// It carries no behavior of its own; per-run construction keeps runs
// independent and lets auth overrides stay request-scoped.
type AgentContext struct {
	LLM      llm.Client
	Tools    tools.Provider
	Messages store.MessageStore
	Threads  store.ThreadStore
	Runs     store.RunStore
	Config   *models.RunConfig
	Logger   *slog.Logger
}

// Validate checks construction-time preconditions. Violations are
// configuration errors and prevent the agent from starting.
func (c *AgentContext) Validate() error {
	if c.LLM == nil {
		return Errorf(ErrCodeConfiguration, "llm client is required")
	}
	if c.Messages == nil || c.Runs == nil {
		return Errorf(ErrCodeConfiguration, "message and run stores are required")
	}
	if c.Config == nil {
		return Errorf(ErrCodeConfiguration, "run config is required")
	}
	if c.Config.Model == "" {
		return Errorf(ErrCodeConfiguration, "model is required")
	}
	if err := c.Config.Context.Validate(); err != nil {
		return NewError(ErrCodeConfiguration, "context config", err)
	}
	return nil
}

// logger returns the configured logger or the process default.
func (c *AgentContext) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// invocation assembles the request-scoped state handed to tools.
func (c *AgentContext) invocation(runID, threadID, stepID, callID string) *tools.Invocation {
	return &tools.Invocation{
		RunID:          runID,
		ThreadID:       threadID,
		StepID:         stepID,
		CallID:         callID,
		AuthOverrides:  c.Config.AuthOverrides,
		RequestContext: c.Config.RequestContext,
	}
}

// emitter stamps and delivers events for one run. Delivery is synchronous
// with production; a slow subscriber backpressures the loop.
type emitter struct {
	ch       chan models.AgentEvent
	seq      atomic.Uint64
	runID    string
	threadID string
}

func newEmitter(runID, threadID string) *emitter {
	return &emitter{
		ch:       make(chan models.AgentEvent),
		runID:    runID,
		threadID: threadID,
	}
}

// emit fills the envelope and delivers ev in production order.
func (e *emitter) emit(ev models.AgentEvent) {
	ev.Version = 1
	ev.Time = time.Now()
	ev.Sequence = e.seq.Add(1)
	ev.RunID = e.runID
	ev.ThreadID = e.threadID
	e.ch <- ev
}

func (e *emitter) close() { close(e.ch) }
