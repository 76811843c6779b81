package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// SpecialistDirectory resolves specialist toolsets for delegation. The
// toolset orchestrator implements it.
type SpecialistDirectory interface {
	// Specialist returns the tool provider and descriptive info for one
	// specialist id.
	Specialist(id string) (tools.Provider, *models.ToolSetInfo, bool)

	// Specialists lists all available specialists.
	Specialists() []models.ToolSetInfo
}

// DelegateTool is the planner's single tool: it spawns a worker run over
// a chosen specialist's toolset and returns the worker's final answer.
//
// A sub-run failure is reported as a failed tool result, never as an
// error; the planner decides whether to retry, delegate differently, or
// give up.
type DelegateTool struct {
	directory SpecialistDirectory
	parent    *AgentContext
}

type delegateArgs struct {
	SpecialistID         string `json:"specialist_id"`
	SubTaskDescription   string `json:"sub_task_description"`
	RequiredOutputFormat string `json:"required_output_format,omitempty"`
}

// NewDelegateTool builds the delegation tool against the planner's
// context.
func NewDelegateTool(directory SpecialistDirectory, parent *AgentContext) *DelegateTool {
	return &DelegateTool{directory: directory, parent: parent}
}

func (t *DelegateTool) Definition() models.ToolDefinition {
	var specialists strings.Builder
	for _, info := range t.directory.Specialists() {
		fmt.Fprintf(&specialists, "\n- %s: %s (%d tools)",
			info.ID, models.TrimForPrompt(info.Description, 160), info.ToolCount)
	}
	return models.ToolDefinition{
		Name: models.DelegateToolName,
		Description: "Delegates a sub-task to a specialist agent and returns its final answer. " +
			"Available specialists:" + specialists.String(),
		Parameters: []models.ToolParameter{
			{Name: "specialist_id", Type: "string", Description: "Identifier of the specialist to delegate to", Required: true},
			{Name: "sub_task_description", Type: "string", Description: "Complete, self-contained description of the sub-task", Required: true},
			{Name: "required_output_format", Type: "string", Description: "Optional format the specialist's answer must follow"},
		},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, args json.RawMessage, inv *tools.Invocation) (*models.ToolResult, error) {
	var in delegateArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%s: invalid arguments: %w", models.DelegateToolName, err)
	}
	if in.SpecialistID == "" || in.SubTaskDescription == "" {
		return &models.ToolResult{
			Success: false,
			Error:   "specialist_id and sub_task_description are required",
		}, nil
	}

	provider, info, ok := t.directory.Specialist(in.SpecialistID)
	if !ok {
		return &models.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("unknown specialist %q", in.SpecialistID),
		}, nil
	}

	worker, thread, err := t.buildWorker(ctx, provider, info, inv)
	if err != nil {
		return &models.ToolResult{Success: false, Error: err.Error()}, nil
	}

	task := in.SubTaskDescription
	if in.RequiredOutputFormat != "" {
		task += "\n\nRespond in this format: " + in.RequiredOutputFormat
	}
	run, events, err := worker.Run(ctx, thread, []models.Message{
		{Role: models.RoleUser, Content: task},
	})
	if err != nil {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("starting sub-run: %v", err)}, nil
	}

	meta := map[string]any{
		"sub_agent_run_id":     run.ID,
		"specialist_id":        in.SpecialistID,
		"sub_task_description": in.SubTaskDescription,
	}

	// Drain the sub-run's stream and keep its outcome.
	finalText := ""
	var failure *models.ErrorEventPayload
	for ev := range events {
		switch ev.Type {
		case models.EventRunCompleted:
			for _, msg := range ev.Completed.FinalMessages {
				finalText = msg.Content
			}
		case models.EventRunFailed:
			failure = ev.Error
		case models.EventRunRequiresAction:
			// A worker has no caller to resume it; treat a pause as a
			// failure to produce an answer.
			if failure == nil {
				failure = &models.ErrorEventPayload{
					Code:    string(ErrCodeInvalidState),
					Message: "specialist run paused awaiting tool outputs",
				}
			}
		}
	}

	if failure != nil {
		return &models.ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("specialist %s failed: %s", in.SpecialistID, failure.Message),
			Metadata: meta,
		}, nil
	}
	return &models.ToolResult{Success: true, Data: finalText, Metadata: meta}, nil
}

// buildWorker assembles the sub-run: the specialist's tools, the parent's
// LLM client, stores, and overrides, and a synthesized system prompt. The
// worker gets its own thread so specialist traffic never mixes into the
// planner's history.
func (t *DelegateTool) buildWorker(ctx context.Context, provider tools.Provider, info *models.ToolSetInfo, inv *tools.Invocation) (*BaseAgent, string, error) {
	cfg := t.parent.Config.Clone()
	cfg.SystemPrompt = t.specialistPrompt(ctx, provider, info)

	thread := &models.Thread{
		Title: "specialist: " + info.ID,
		Metadata: map[string]any{
			"parent_thread_id": inv.ThreadID,
			"parent_run_id":    inv.RunID,
		},
	}
	if t.parent.Threads != nil {
		if err := t.parent.Threads.CreateThread(ctx, thread); err != nil {
			return nil, "", fmt.Errorf("creating specialist thread: %w", err)
		}
	}

	worker, err := newAgent(&AgentContext{
		LLM:      t.parent.LLM,
		Tools:    provider,
		Messages: t.parent.Messages,
		Threads:  t.parent.Threads,
		Runs:     t.parent.Runs,
		Config:   cfg,
		Logger:   t.parent.logger().With("specialist", info.ID),
	}, "worker")
	if err != nil {
		return nil, "", fmt.Errorf("building specialist agent: %w", err)
	}
	return worker, thread.ID, nil
}

func (t *DelegateTool) specialistPrompt(ctx context.Context, provider tools.Provider, info *models.ToolSetInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s specialist. %s\n", info.Name, info.Description)
	b.WriteString("Complete the given sub-task using your tools, then state the final answer plainly.\n")
	if list, err := provider.Tools(ctx); err == nil && len(list) > 0 {
		b.WriteString("Your tools:\n")
		for _, tl := range list {
			def := tl.Definition()
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, models.TrimForPrompt(def.Description, 120))
		}
	}
	return b.String()
}
