package agent

import (
	"fmt"
	"strings"

	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// AgentTypePlanner identifies the delegating planner agent.
const AgentTypePlanner = "planner"

// NewPlannerAgent builds an agent with identical loop mechanics to the
// base agent but a different environment: its only tool is the delegation
// tool, and its system prompt instructs it to select specialists and
// assemble final answers from their results.
//
// Delegation depth is bounded indirectly: each delegation consumes one
// tool-call continuation.
func NewPlannerAgent(actx *AgentContext, directory SpecialistDirectory) (*BaseAgent, error) {
	if directory == nil {
		return nil, Errorf(ErrCodeConfiguration, "planner requires a specialist directory")
	}

	cfg := actx.Config.Clone()
	if cfg != nil && cfg.SystemPrompt == "" {
		cfg.SystemPrompt = plannerPrompt(directory)
	}

	pctx := &AgentContext{
		LLM:      actx.LLM,
		Messages: actx.Messages,
		Threads:  actx.Threads,
		Runs:     actx.Runs,
		Config:   cfg,
		Logger:   actx.Logger,
	}

	provider := tools.NewStaticProvider("planner")
	if err := provider.Register(NewDelegateTool(directory, pctx)); err != nil {
		return nil, NewError(ErrCodeConfiguration, "registering delegate tool", err)
	}
	pctx.Tools = provider

	return newAgent(pctx, AgentTypePlanner)
}

func plannerPrompt(directory SpecialistDirectory) string {
	var b strings.Builder
	b.WriteString("You are a planning agent. Break the user's request into sub-tasks, " +
		"delegate each to the best-suited specialist via " + models.DelegateToolName +
		", and assemble the specialists' results into one final answer.\n" +
		"Delegate only when a specialist is needed; answer directly when none is.\n" +
		"Available specialists:\n")
	for _, info := range directory.Specialists() {
		fmt.Fprintf(&b, "- %s: %s\n", info.ID, models.TrimForPrompt(info.Description, 160))
	}
	return b.String()
}
