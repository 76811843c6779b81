package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

func TestTextOnlyTurn(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{textScript("Hi ", "there!")}}
	actx, st, threadID := newTestContext(t, client, nil, testConfig(5))
	agent, err := NewBaseAgent(actx)
	if err != nil {
		t.Fatal(err)
	}

	run, events, err := agent.Run(context.Background(), threadID, []models.Message{
		{Role: models.RoleUser, Content: "Hello."},
	})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)

	want := []models.AgentEventType{
		models.EventRunCreated,
		models.EventRunStepCreated,
		models.EventMessageCreated, // user
		models.EventMessageCreated, // assistant shell
		models.EventMessageDelta,
		models.EventMessageDelta,
		models.EventMessageCompleted,
		models.EventRunCompleted,
	}
	got := eventTypes(all)
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	if all[0].Status == nil || all[0].Status.Input != "Hello." {
		t.Errorf("run.created payload = %+v", all[0].Status)
	}

	completed := findEvents(all, models.EventMessageCompleted)
	if completed[0].Message.Message.Content != "Hi there!" {
		t.Errorf("assistant content = %q", completed[0].Message.Message.Content)
	}

	// Sequence numbers are strictly increasing.
	for i := 1; i < len(all); i++ {
		if all[i].Sequence <= all[i-1].Sequence {
			t.Fatalf("sequence not monotonic at %d: %d then %d", i, all[i-1].Sequence, all[i].Sequence)
		}
	}

	stored, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.RunCompleted || stored.CompletedAt == nil {
		t.Errorf("run = %+v", stored)
	}
}

func TestSingleToolCallAndCompletion(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{
		toolCallScript("call-1", "test_tool", `{"query":`, `"test"}`),
		textScript("Tool executed successfully."),
	}}
	tool := &fakeTool{name: "test_tool", results: []*models.ToolResult{
		{Success: true, Data: map[string]any{"result": "tool_was_called"}},
	}}
	provider := tools.NewStaticProvider("test")
	provider.MustRegister(tool)

	actx, st, threadID := newTestContext(t, client, provider, testConfig(5))
	agent, err := NewBaseAgent(actx)
	if err != nil {
		t.Fatal(err)
	}
	_, events, err := agent.Run(context.Background(), threadID, []models.Message{
		{Role: models.RoleUser, Content: "Use test_tool."},
	})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)

	started := findEvents(all, models.EventToolExecutionStarted)
	if len(started) != 1 {
		t.Fatalf("got %d tool.execution.started", len(started))
	}
	input, _ := started[0].Tool.Input.(map[string]any)
	if input["query"] != "test" {
		t.Errorf("input = %+v", input)
	}
	done := findEvents(all, models.EventToolExecutionCompleted)
	if len(done) != 1 || !done[0].Tool.Result.Success {
		t.Fatalf("tool.execution.completed = %+v", done)
	}

	completed := findEvents(all, models.EventMessageCompleted)
	if len(completed) != 2 {
		t.Fatalf("got %d message.completed, want 2", len(completed))
	}
	if completed[1].Message.Message.Content != "Tool executed successfully." {
		t.Errorf("final text = %q", completed[1].Message.Message.Content)
	}
	if terminal := all[len(all)-1]; terminal.Type != models.EventRunCompleted {
		t.Errorf("terminal = %s", terminal.Type)
	}

	// Persisted turn: user, assistant(with tool_calls), tool, assistant.
	msgs, err := st.GetMessages(context.Background(), threadID, store.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	roles := make([]models.Role, len(msgs))
	for i := range msgs {
		roles[i] = msgs[i].Role
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	for i := range wantRoles {
		if roles[i] != wantRoles[i] {
			t.Fatalf("persisted roles = %v, want %v", roles, wantRoles)
		}
	}
	if calls := msgs[1].ToolCalls(); len(calls) != 1 || calls[0].Name != "test_tool" {
		t.Errorf("assistant tool_calls = %+v", calls)
	}
	if !strings.Contains(msgs[2].Content, "tool_was_called") {
		t.Errorf("tool message content = %q", msgs[2].Content)
	}
}

func TestContinuationExhaustionPausesRun(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{
		toolCallScript("call-1", "test_tool", `{"query":"x"}`),
	}}
	tool := &fakeTool{name: "test_tool"}
	provider := tools.NewStaticProvider("test")
	provider.MustRegister(tool)

	actx, st, threadID := newTestContext(t, client, provider, testConfig(1))
	agent, err := NewBaseAgent(actx)
	if err != nil {
		t.Fatal(err)
	}
	run, events, err := agent.Run(context.Background(), threadID, []models.Message{
		{Role: models.RoleUser, Content: "go"},
	})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)

	last := all[len(all)-1]
	if last.Type != models.EventRunRequiresAction {
		t.Fatalf("last event = %s, want run.requires_action", last.Type)
	}
	if len(last.RequiredAction.ToolCalls) != 1 || last.RequiredAction.ToolCalls[0].ID != "call-1" {
		t.Errorf("required action = %+v", last.RequiredAction)
	}
	if tool.callCount() != 0 {
		t.Errorf("tool executed %d times, want 0", tool.callCount())
	}

	stored, _ := st.GetRun(context.Background(), run.ID)
	if stored.Status != models.RunRequiresAction {
		t.Errorf("run status = %s", stored.Status)
	}

	// Resume with the caller's output; the next turn completes.
	client.mu.Lock()
	client.scripts = append(client.scripts, textScript("Done."))
	client.mu.Unlock()

	_, resumed, err := agent.Resume(context.Background(), run.ID, []ToolOutput{
		{ToolCallID: "call-1", ToolName: "test_tool", Output: "external result"},
	})
	if err != nil {
		t.Fatal(err)
	}
	resumedAll := collect(resumed)
	if terminal := resumedAll[len(resumedAll)-1]; terminal.Type != models.EventRunCompleted {
		t.Fatalf("resumed terminal = %s", terminal.Type)
	}
	stored, _ = st.GetRun(context.Background(), run.ID)
	if stored.Status != models.RunCompleted {
		t.Errorf("resumed run status = %s", stored.Status)
	}
}

func TestResumeRejectsWrongStatus(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{textScript("hi")}}
	actx, st, threadID := newTestContext(t, client, nil, testConfig(5))
	agent, _ := NewBaseAgent(actx)

	run, events, err := agent.Run(context.Background(), threadID, []models.Message{{Role: models.RoleUser, Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	collect(events)

	if _, _, err := agent.Resume(context.Background(), run.ID, []ToolOutput{{ToolCallID: "c", Output: "o"}}); err == nil {
		t.Error("resuming a completed run must fail")
	}
	_ = st
}

func TestToolFailureRecovery(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{
		toolCallScript("call-1", "test_tool", `{"query":"x"}`),
		textScript("Tool failed, but I can continue."),
	}}
	tool := &fakeTool{name: "test_tool", results: []*models.ToolResult{
		{Success: false, Error: "spectacular failure"},
	}}
	provider := tools.NewStaticProvider("test")
	provider.MustRegister(tool)

	actx, _, threadID := newTestContext(t, client, provider, testConfig(2))
	agent, _ := NewBaseAgent(actx)
	_, events, err := agent.Run(context.Background(), threadID, []models.Message{
		{Role: models.RoleUser, Content: "go"},
	})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)

	done := findEvents(all, models.EventToolExecutionCompleted)
	if len(done) != 1 || done[0].Tool.Result.Success || done[0].Tool.Result.Error != "spectacular failure" {
		t.Fatalf("tool.execution.completed = %+v", done)
	}
	completed := findEvents(all, models.EventMessageCompleted)
	final := completed[len(completed)-1].Message.Message
	if final.Content != "Tool failed, but I can continue." {
		t.Errorf("final text = %q", final.Content)
	}
	if all[len(all)-1].Type != models.EventRunCompleted {
		t.Errorf("terminal = %s", all[len(all)-1].Type)
	}
}

func TestEmptyStopYieldsEmptyAssistantMessage(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{
		{{FinishReason: llm.FinishStop}},
	}}
	actx, _, threadID := newTestContext(t, client, nil, testConfig(5))
	agent, _ := NewBaseAgent(actx)
	_, events, err := agent.Run(context.Background(), threadID, []models.Message{{Role: models.RoleUser, Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)
	if all[len(all)-1].Type != models.EventRunCompleted {
		t.Fatalf("terminal = %s", all[len(all)-1].Type)
	}
	completed := findEvents(all, models.EventMessageCompleted)
	if len(completed) != 1 || completed[0].Message.Message.Content != "" {
		t.Errorf("assistant message = %+v", completed[0].Message)
	}
}

func TestStreamEndingMidArgumentsFailsValidation(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "test_tool"}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `{"query":`}}},
			// Stream ends here, no finish.
		},
	}}
	actx, _, threadID := newTestContext(t, client, nil, testConfig(5))
	agent, _ := NewBaseAgent(actx)
	_, events, err := agent.Run(context.Background(), threadID, []models.Message{{Role: models.RoleUser, Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)
	last := all[len(all)-1]
	if last.Type != models.EventRunFailed {
		t.Fatalf("terminal = %s", last.Type)
	}
	if last.Error.Code != string(ErrCodeValidation) {
		t.Errorf("failure code = %s, want validation", last.Error.Code)
	}
}

func TestUnrecoverableFinishReasonFails(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{
		{{Content: "partial"}, {FinishReason: llm.FinishLength}},
	}}
	actx, _, threadID := newTestContext(t, client, nil, testConfig(5))
	agent, _ := NewBaseAgent(actx)
	_, events, err := agent.Run(context.Background(), threadID, []models.Message{{Role: models.RoleUser, Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)
	last := all[len(all)-1]
	if last.Type != models.EventRunFailed || last.Error.Code != string(ErrCodeFinishReason) {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestCancellationBeforeLoop(t *testing.T) {
	client := &fakeLLM{scripts: [][]*llm.StreamChunk{textScript("never")}}
	actx, st, threadID := newTestContext(t, client, nil, testConfig(5))
	agent, _ := NewBaseAgent(actx)
	agent.Cancel()

	run, events, err := agent.Run(context.Background(), threadID, []models.Message{{Role: models.RoleUser, Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)
	last := all[len(all)-1]
	if last.Type != models.EventRunCancelled {
		t.Fatalf("terminal = %s", last.Type)
	}
	if len(findEvents(all, models.EventMessageCompleted)) != 0 {
		t.Error("no message may complete after cancellation")
	}

	deadline := time.Now().Add(time.Second)
	for {
		stored, _ := st.GetRun(context.Background(), run.ID)
		if stored.Status == models.RunCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run status = %s, want cancelled", stored.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIterationGuardTripsOnRunawayLoop(t *testing.T) {
	// Every turn requests another tool call; the guard must stop it.
	var scripts [][]*llm.StreamChunk
	for i := 0; i < 30; i++ {
		scripts = append(scripts, toolCallScript("c", "test_tool", `{"query":"x"}`))
	}
	client := &fakeLLM{scripts: scripts}
	tool := &fakeTool{name: "test_tool"}
	provider := tools.NewStaticProvider("test")
	provider.MustRegister(tool)

	cfg := testConfig(100) // effectively unbounded continuations
	actx, _, threadID := newTestContext(t, client, provider, cfg)
	agent, _ := NewBaseAgent(actx)
	_, events, err := agent.Run(context.Background(), threadID, []models.Message{{Role: models.RoleUser, Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	all := collect(events)
	last := all[len(all)-1]
	// The script pool runs dry before the guard for maxCont=100; either
	// the guard or the llm error terminates, but never a hang.
	if last.Type != models.EventRunFailed {
		t.Fatalf("terminal = %s", last.Type)
	}
}

func TestConfigurationErrorsSurfaceAtConstruction(t *testing.T) {
	client := &fakeLLM{}
	st := store.NewMemoryStore()

	bad := testConfig(5)
	bad.Model = ""
	if _, err := NewBaseAgent(&AgentContext{LLM: client, Messages: st, Runs: st, Config: bad}); err == nil {
		t.Error("missing model must be a construction error")
	}

	bad = testConfig(5)
	bad.Context.TokenThreshold = 100 // below summary+reserved
	if _, err := NewBaseAgent(&AgentContext{LLM: client, Messages: st, Runs: st, Config: bad}); err == nil {
		t.Error("invalid context budget must be a construction error")
	}
}
