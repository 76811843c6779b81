package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// fakeLLM replays scripted responses. Each Stream call consumes the next
// chunk script; each Generate call consumes the next completion.
type fakeLLM struct {
	mu          sync.Mutex
	scripts     [][]*llm.StreamChunk
	completions []*llm.Completion
	tokenCounts []int // consumed per CountTokens call; last value repeats

	streamCalls   int
	generateCalls int
	countCalls    int
	requests      []*llm.Request
	genRequests   []*llm.Request
}

func (f *fakeLLM) Stream(ctx context.Context, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	f.mu.Lock()
	if f.streamCalls >= len(f.scripts) {
		f.mu.Unlock()
		return nil, fmt.Errorf("unexpected stream call %d", f.streamCalls+1)
	}
	script := f.scripts[f.streamCalls]
	f.streamCalls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	ch := make(chan *llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range script {
			ch <- chunk
		}
	}()
	return ch, nil
}

func (f *fakeLLM) Generate(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generateCalls >= len(f.completions) {
		return nil, fmt.Errorf("unexpected generate call %d", f.generateCalls+1)
	}
	c := f.completions[f.generateCalls]
	f.generateCalls++
	f.genRequests = append(f.genRequests, req)
	return c, nil
}

func (f *fakeLLM) FormatTools(defs []models.ToolDefinition) []llm.Tool {
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		var params map[string]any
		json.Unmarshal(d.ParametersSchema(), &params)
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, Parameters: params})
	}
	return out
}

func (f *fakeLLM) CountTokens(msgs []models.Message, model string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	if len(f.tokenCounts) == 0 {
		return 10, nil
	}
	n := f.tokenCounts[0]
	if len(f.tokenCounts) > 1 {
		f.tokenCounts = f.tokenCounts[1:]
	}
	return n, nil
}

// fakeTool returns scripted results and records invocations.
type fakeTool struct {
	name    string
	results []*models.ToolResult
	err     error
	panics  bool

	mu    sync.Mutex
	calls []json.RawMessage
}

func (t *fakeTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        t.name,
		Description: "scripted test tool",
		Parameters: []models.ToolParameter{
			{Name: "query", Type: "string", Description: "query", Required: false},
		},
	}
}

func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage, inv *tools.Invocation) (*models.ToolResult, error) {
	if t.panics {
		panic("scripted panic")
	}
	t.mu.Lock()
	t.calls = append(t.calls, args)
	n := len(t.calls)
	t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	if len(t.results) == 0 {
		return &models.ToolResult{Success: true, Data: "ok"}, nil
	}
	if n > len(t.results) {
		n = len(t.results)
	}
	return t.results[n-1], nil
}

func (t *fakeTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func testConfig(maxCont int) *models.RunConfig {
	return &models.RunConfig{
		Model:                    "test-model",
		SystemPrompt:             "You are a test assistant.",
		MaxToolCallContinuations: maxCont,
		Context: models.ContextConfig{
			TokenThreshold:      4000,
			SummaryTargetTokens: 500,
			ReservedTokens:      200,
		},
	}
}

func newTestContext(t *testing.T, client llm.Client, provider tools.Provider, cfg *models.RunConfig) (*AgentContext, *store.MemoryStore, string) {
	t.Helper()
	st := store.NewMemoryStore()
	thread := &models.Thread{Title: "test"}
	if err := st.CreateThread(context.Background(), thread); err != nil {
		t.Fatal(err)
	}
	return &AgentContext{
		LLM:      client,
		Tools:    provider,
		Messages: st,
		Threads:  st,
		Runs:     st,
		Config:   cfg,
	}, st, thread.ID
}

func collect(events <-chan models.AgentEvent) []models.AgentEvent {
	var out []models.AgentEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []models.AgentEvent) []models.AgentEventType {
	out := make([]models.AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func findEvents(events []models.AgentEvent, typ models.AgentEventType) []models.AgentEvent {
	var out []models.AgentEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func toolCallScript(id, name string, argFragments ...string) []*llm.StreamChunk {
	chunks := []*llm.StreamChunk{
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: id, Name: name}}},
	}
	for _, frag := range argFragments {
		chunks = append(chunks, &llm.StreamChunk{
			ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: frag}},
		})
	}
	return append(chunks, &llm.StreamChunk{FinishReason: llm.FinishToolCalls})
}

func textScript(fragments ...string) []*llm.StreamChunk {
	var chunks []*llm.StreamChunk
	for _, f := range fragments {
		chunks = append(chunks, &llm.StreamChunk{Content: f})
	}
	return append(chunks, &llm.StreamChunk{FinishReason: llm.FinishStop})
}
