package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/pkg/models"
)

// safetyBuffer pads the continuation bound so a miscounting loop still
// terminates.
const safetyBuffer = 5

// AgentTypeBase identifies the standard tool-calling agent.
const AgentTypeBase = "base"

// ToolOutput is one caller-supplied tool result for resuming a paused run.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Output     string `json:"output"`
}

// Agent is the uniform capability both the base agent and the planner
// implement. Run and Resume return the run record synchronously plus the
// event stream; the stream ends by closing after the terminal event, or
// after run.requires_action when the run pauses.
type Agent interface {
	Run(ctx context.Context, threadID string, input []models.Message) (*models.Run, <-chan models.AgentEvent, error)
	Resume(ctx context.Context, runID string, outputs []ToolOutput) (*models.Run, <-chan models.AgentEvent, error)
	Cancel()
}

// BaseAgent drives one run of the standard agent loop. Instances are
// per-run: the cancellation flag and the event stream belong to a single
// run.
type BaseAgent struct {
	actx      *AgentContext
	agentType string
	ctxMgr    *ContextManager
	executor  *Executor
	logger    *slog.Logger
	cancelled atomic.Bool
}

// NewBaseAgent validates the context and builds a run-ready agent.
// Configuration errors surface here, before any run starts.
func NewBaseAgent(actx *AgentContext) (*BaseAgent, error) {
	return newAgent(actx, AgentTypeBase)
}

func newAgent(actx *AgentContext, agentType string) (*BaseAgent, error) {
	if err := actx.Validate(); err != nil {
		return nil, err
	}
	logger := actx.logger().With("agent_type", agentType)
	ctxMgr, err := NewContextManager(actx.LLM, actx.Messages, actx.Config.Context, actx.Config.Model, logger)
	if err != nil {
		return nil, err
	}
	return &BaseAgent{
		actx:      actx,
		agentType: agentType,
		ctxMgr:    ctxMgr,
		executor:  NewExecutor(actx.Tools, actx.Config.Executor, logger),
		logger:    logger,
	}, nil
}

// Cancel requests cooperative cancellation. The flag is observed at the
// loop top, between parser events, and between tool-execution batches.
func (a *BaseAgent) Cancel() { a.cancelled.Store(true) }

// Run creates a run over threadID and starts the loop with input as the
// first cycle. The run record is persisted before Run returns.
func (a *BaseAgent) Run(ctx context.Context, threadID string, input []models.Message) (*models.Run, <-chan models.AgentEvent, error) {
	if len(input) == 0 {
		return nil, nil, Errorf(ErrCodeValidation, "run requires at least one input message")
	}
	run := &models.Run{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		AgentType: a.agentType,
		Status:    models.RunQueued,
		Config:    a.actx.Config,
		CreatedAt: time.Now(),
	}
	if err := a.actx.Runs.CreateRun(ctx, run); err != nil {
		return nil, nil, NewError(ErrCodeStorage, "creating run", err)
	}

	for i := range input {
		input[i].ThreadID = threadID
	}

	em := newEmitter(run.ID, threadID)
	go a.loop(ctx, em, run, input, true)
	return run, em.ch, nil
}

// Resume re-enters the loop of a run paused at requires_action, feeding
// the supplied outputs as tool-role messages.
func (a *BaseAgent) Resume(ctx context.Context, runID string, outputs []ToolOutput) (*models.Run, <-chan models.AgentEvent, error) {
	run, err := a.actx.Runs.GetRun(ctx, runID)
	if err != nil {
		if err == store.ErrRunNotFound {
			return nil, nil, NewError(ErrCodeInvalidState, runID, ErrRunNotFound)
		}
		return nil, nil, NewError(ErrCodeStorage, "loading run", err)
	}
	if run.Status != models.RunRequiresAction {
		return nil, nil, NewError(ErrCodeInvalidState,
			"run "+runID+" has status "+string(run.Status), ErrRunNotResumable)
	}
	if len(outputs) == 0 {
		return nil, nil, Errorf(ErrCodeValidation, "submit_tool_outputs requires at least one output")
	}

	cycle := make([]models.Message, 0, len(outputs))
	for _, out := range outputs {
		if out.ToolCallID == "" {
			return nil, nil, Errorf(ErrCodeValidation, "tool output missing tool_call_id")
		}
		cycle = append(cycle, models.Message{
			ThreadID: run.ThreadID,
			Role:     models.RoleTool,
			Content:  out.Output,
			Metadata: map[string]any{
				models.MetaToolCallID: out.ToolCallID,
				models.MetaToolName:   out.ToolName,
			},
		})
	}

	em := newEmitter(run.ID, run.ThreadID)
	go a.loop(ctx, em, run, cycle, false)
	return run, em.ch, nil
}

// loop is the per-run state machine. One iteration is one turn: persist
// inputs, assemble the prompt, stream the LLM, then execute tools or
// terminate.
func (a *BaseAgent) loop(ctx context.Context, em *emitter, run *models.Run, cycle []models.Message, fresh bool) {
	defer em.close()

	if err := a.setStatus(ctx, run, models.RunInProgress); err != nil {
		a.fail(ctx, em, run, err)
		return
	}
	if fresh {
		input := ""
		for i := range cycle {
			if cycle[i].Role == models.RoleUser {
				input = cycle[i].Content
			}
		}
		em.emit(models.AgentEvent{
			Type:   models.EventRunCreated,
			Status: &models.StatusEventPayload{CurrentStatus: models.RunInProgress, Input: input},
		})
	} else {
		em.emit(models.AgentEvent{
			Type:   models.EventRunStatusChanged,
			Status: &models.StatusEventPayload{CurrentStatus: models.RunInProgress, Details: "resumed with tool outputs"},
		})
	}

	maxCont := a.actx.Config.MaxToolCallContinuations
	turns := 0
	toolTurns := 0

	for {
		if a.cancelled.Load() {
			a.finishCancelled(ctx, em, run)
			return
		}
		turns++
		if turns > maxCont+1+safetyBuffer {
			a.fail(ctx, em, run, Errorf(ErrCodeIterationLimit,
				"run exceeded %d turns", maxCont+1+safetyBuffer))
			return
		}

		stepID := uuid.NewString()
		em.emit(models.AgentEvent{
			Type:   models.EventRunStepCreated,
			StepID: stepID,
			Step:   &models.StepEventPayload{StepID: stepID},
		})

		// Persist this cycle's inputs.
		for i := range cycle {
			msg := &cycle[i]
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = time.Now()
			}
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]any)
			}
			msg.Metadata[models.MetaRunID] = run.ID
			msg.Metadata[models.MetaStepID] = stepID
			if err := a.actx.Messages.AddMessage(ctx, msg); err != nil {
				a.fail(ctx, em, run, NewError(ErrCodeStorage, "persisting input message", err))
				return
			}
			em.emit(models.AgentEvent{
				Type:    models.EventMessageCreated,
				StepID:  stepID,
				Message: &models.MessageEventPayload{Message: msg},
			})
		}

		var system *models.Message
		if a.actx.Config.SystemPrompt != "" {
			system = &models.Message{Role: models.RoleSystem, Content: a.actx.Config.SystemPrompt}
		}
		prepared, err := a.ctxMgr.PrepareMessages(ctx, run.ThreadID, system, cycle)
		if err != nil {
			a.fail(ctx, em, run, err)
			return
		}

		req := &llm.Request{
			Model:       a.actx.Config.Model,
			Messages:    prepared,
			ToolChoice:  a.actx.Config.ToolChoice,
			Temperature: a.actx.Config.Temperature,
			MaxTokens:   a.actx.Config.MaxTokens,
		}
		if a.actx.Tools != nil {
			list, err := a.actx.Tools.Tools(ctx)
			if err != nil {
				a.fail(ctx, em, run, NewError(ErrCodeConfiguration, "loading tools", err))
				return
			}
			defs := make([]models.ToolDefinition, 0, len(list))
			for _, t := range list {
				defs = append(defs, t.Definition())
			}
			req.Tools = a.actx.LLM.FormatTools(defs)
		}
		if len(req.Tools) == 0 {
			req.ToolChoice = models.ToolChoice{Mode: models.ToolChoiceNone}
		}

		stream, err := a.actx.LLM.Stream(ctx, req)
		if err != nil {
			a.fail(ctx, em, run, NewError(ErrCodeLLM, "starting llm stream", err))
			return
		}

		// Assistant shell: the final state arrives via message.completed.
		msgID := uuid.NewString()
		em.emit(models.AgentEvent{
			Type:   models.EventMessageCreated,
			StepID: stepID,
			Message: &models.MessageEventPayload{Message: &models.Message{
				ID:       msgID,
				ThreadID: run.ThreadID,
				Role:     models.RoleAssistant,
				Metadata: map[string]any{
					models.MetaInProgress: true,
					models.MetaRunID:      run.ID,
					models.MetaStepID:     stepID,
				},
			}},
		})

		var content strings.Builder
		var calls []models.ToolCall
		finish := ""
		interrupted := false

		events := ParseStream(stream)
		for ev := range events {
			if a.cancelled.Load() {
				interrupted = true
				break
			}
			switch ev.Kind {
			case ParsedText:
				content.WriteString(ev.Text)
				em.emit(models.AgentEvent{
					Type:   models.EventMessageDelta,
					StepID: stepID,
					Delta:  &models.DeltaEventPayload{MessageID: msgID, ContentChunk: ev.Text},
				})
			case ParsedToolCall:
				call := *ev.ToolCall
				if call.ID == "" {
					call.ID = uuid.NewString()
				}
				calls = append(calls, call)
				em.emit(models.AgentEvent{
					Type:     models.EventToolCallCreated,
					StepID:   stepID,
					ToolCall: &models.ToolCallEventPayload{Call: call},
				})
				em.emit(models.AgentEvent{
					Type:     models.EventToolCallCompletedByLLM,
					StepID:   stepID,
					ToolCall: &models.ToolCallEventPayload{Call: call},
				})
				em.emit(models.AgentEvent{
					Type:   models.EventMessageDelta,
					StepID: stepID,
					Delta:  &models.DeltaEventPayload{MessageID: msgID, ToolCallsChunk: []models.ToolCall{call}},
				})
			case ParsedStreamEnd:
				finish = ev.FinishReason
			case ParsedError:
				a.fail(ctx, em, run, ev.Err)
				go drain(events)
				return
			}
		}
		if interrupted {
			// The partial assistant message is never marked completed.
			go drain(events)
			a.finishCancelled(ctx, em, run)
			return
		}

		assistant := &models.Message{
			ID:       msgID,
			ThreadID: run.ThreadID,
			Role:     models.RoleAssistant,
			Content:  content.String(),
			Metadata: map[string]any{
				models.MetaRunID:  run.ID,
				models.MetaStepID: stepID,
			},
			CreatedAt: time.Now(),
		}
		if len(calls) > 0 {
			assistant.Metadata[models.MetaToolCalls] = calls
		}
		if err := a.actx.Messages.AddMessage(ctx, assistant); err != nil {
			a.fail(ctx, em, run, NewError(ErrCodeStorage, "persisting assistant message", err))
			return
		}
		em.emit(models.AgentEvent{
			Type:    models.EventMessageCompleted,
			StepID:  stepID,
			Message: &models.MessageEventPayload{Message: assistant},
		})

		switch {
		case finish == llm.FinishToolCalls && len(calls) > 0:
			toolTurns++
			if toolTurns >= maxCont {
				// Out of continuations: hand the calls to the caller and
				// pause. submit_tool_outputs resumes the run.
				if err := a.setStatus(ctx, run, models.RunRequiresAction); err != nil {
					a.fail(ctx, em, run, err)
					return
				}
				em.emit(models.AgentEvent{
					Type:   models.EventRunRequiresAction,
					StepID: stepID,
					RequiredAction: &models.RequiredActionEventPayload{
						Type:      "submit_tool_outputs",
						ToolCalls: calls,
					},
				})
				return
			}

			em.emit(models.AgentEvent{
				Type:   models.EventRunRequiresAction,
				StepID: stepID,
				RequiredAction: &models.RequiredActionEventPayload{
					Type:      "submit_tool_outputs",
					ToolCalls: calls,
				},
			})

			inv := a.actx.invocation(run.ID, run.ThreadID, stepID, "")
			results := a.executor.Execute(ctx, calls, inv)

			if a.cancelled.Load() {
				a.finishCancelled(ctx, em, run)
				return
			}

			cycle = a.emitToolResults(em, run, stepID, results)
			if len(cycle) == 0 {
				a.fail(ctx, em, run, Errorf(ErrCodeAllToolsFailed,
					"all %d tool calls failed without usable output", len(results)))
				return
			}

		case finish == "" || finish == llm.FinishStop:
			now := time.Now()
			if err := a.finishRun(ctx, run, models.RunCompleted, "", &now); err != nil {
				a.fail(ctx, em, run, err)
				return
			}
			em.emit(models.AgentEvent{
				Type:      models.EventRunCompleted,
				StepID:    stepID,
				Completed: &models.RunCompletedEventPayload{FinalMessages: []*models.Message{assistant}},
			})
			return

		default:
			a.fail(ctx, em, run, Errorf(ErrCodeFinishReason,
				"llm finished with reason %q", finish))
			return
		}
	}
}

// emitToolResults publishes execution events in input order and converts
// results into the next cycle's tool-role messages.
func (a *BaseAgent) emitToolResults(em *emitter, run *models.Run, stepID string, results []ExecutionResult) []models.Message {
	var cycle []models.Message
	anyUsable := false

	for _, res := range results {
		em.emit(models.AgentEvent{
			Type:   models.EventToolExecutionStarted,
			StepID: stepID,
			Tool: &models.ToolExecEventPayload{
				StepID:     stepID,
				ToolCallID: res.ToolCallID,
				ToolName:   res.ToolName,
				Input:      res.Input,
			},
		})
		em.emit(models.AgentEvent{
			Type:   models.EventToolExecutionCompleted,
			StepID: stepID,
			Tool: &models.ToolExecEventPayload{
				StepID:     stepID,
				ToolCallID: res.ToolCallID,
				ToolName:   res.ToolName,
				Result:     res.Result,
			},
		})

		// Delegations surface the sub-run outcome as a dedicated event.
		if res.Result != nil && res.Result.Metadata != nil {
			if subRunID, ok := res.Result.Metadata["sub_agent_run_id"].(string); ok {
				specialist, _ := res.Result.Metadata["specialist_id"].(string)
				subTask, _ := res.Result.Metadata["sub_task_description"].(string)
				em.emit(models.AgentEvent{
					Type:   models.EventSubAgentInvocationCompleted,
					StepID: stepID,
					SubAgent: &models.SubAgentEventPayload{
						PlannerStepID:      stepID,
						ToolCallID:         res.ToolCallID,
						SpecialistID:       specialist,
						SubAgentRunID:      subRunID,
						SubTaskDescription: subTask,
						Result:             res.Result,
					},
				})
			}
		}

		content := ""
		if res.Result != nil {
			content = res.Result.Content()
			// A failure with an error message is still usable feedback
			// for the LLM; an empty failure is not.
			if res.Result.Success || res.Result.Error != "" {
				anyUsable = true
			}
		}
		cycle = append(cycle, models.Message{
			ThreadID: run.ThreadID,
			Role:     models.RoleTool,
			Content:  content,
			Metadata: map[string]any{
				models.MetaToolCallID: res.ToolCallID,
				models.MetaToolName:   res.ToolName,
			},
		})
	}

	if !anyUsable {
		return nil
	}
	return cycle
}

func (a *BaseAgent) setStatus(ctx context.Context, run *models.Run, status models.RunStatus) error {
	run.Status = status
	if err := a.actx.Runs.UpdateRun(ctx, run.ID, store.RunPatch{Status: &status}); err != nil {
		return NewError(ErrCodeStorage, "updating run status", err)
	}
	return nil
}

func (a *BaseAgent) finishRun(ctx context.Context, run *models.Run, status models.RunStatus, lastError string, completedAt *time.Time) error {
	run.Status = status
	run.LastError = lastError
	run.CompletedAt = completedAt
	patch := store.RunPatch{Status: &status, CompletedAt: completedAt}
	if lastError != "" {
		patch.LastError = &lastError
	}
	if err := a.actx.Runs.UpdateRun(ctx, run.ID, patch); err != nil {
		return NewError(ErrCodeStorage, "finishing run", err)
	}
	return nil
}

// fail terminates the run with run.failed. The status update is
// best-effort; the event is emitted regardless.
func (a *BaseAgent) fail(ctx context.Context, em *emitter, run *models.Run, err error) {
	code := CodeOf(err)
	if code == "" {
		code = ErrCodeLLM
	}
	a.logger.Error("run failed", "run_id", run.ID, "code", code, "error", err)

	now := time.Now()
	if uerr := a.finishRun(ctx, run, models.RunFailed, err.Error(), &now); uerr != nil {
		a.logger.Warn("failed to persist failure status", "run_id", run.ID, "error", uerr)
	}
	em.emit(models.AgentEvent{
		Type: models.EventRunFailed,
		Error: &models.ErrorEventPayload{
			Code:    string(code),
			Message: err.Error(),
			Err:     err,
		},
	})
}

func (a *BaseAgent) finishCancelled(ctx context.Context, em *emitter, run *models.Run) {
	em.emit(models.AgentEvent{
		Type:   models.EventRunStatusChanged,
		Status: &models.StatusEventPayload{CurrentStatus: models.RunCancelling},
	})
	now := time.Now()
	if err := a.finishRun(ctx, run, models.RunCancelled, "", &now); err != nil {
		a.logger.Warn("failed to persist cancelled status", "run_id", run.ID, "error", err)
	}
	em.emit(models.AgentEvent{
		Type:   models.EventRunCancelled,
		Status: &models.StatusEventPayload{CurrentStatus: models.RunCancelled},
	})
}

// drain discards the remainder of an abandoned parser stream so its
// goroutine can exit.
func drain(events <-chan ParsedEvent) {
	for range events {
	}
}
