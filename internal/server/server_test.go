package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/observability"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/pkg/models"
)

// scriptedLLM replays one chunk script per Stream call.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts [][]*llm.StreamChunk
	calls   int
}

func (f *scriptedLLM) Stream(ctx context.Context, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	f.mu.Lock()
	if f.calls >= len(f.scripts) {
		f.mu.Unlock()
		return nil, fmt.Errorf("unexpected stream call %d", f.calls+1)
	}
	script := f.scripts[f.calls]
	f.calls++
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

func (f *scriptedLLM) Generate(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	return nil, fmt.Errorf("generate not scripted")
}

func (f *scriptedLLM) FormatTools(defs []models.ToolDefinition) []llm.Tool {
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description})
	}
	return out
}

func (f *scriptedLLM) CountTokens(msgs []models.Message, model string) (int, error) {
	return 10, nil
}

func serverConfig(maxCont int) *models.RunConfig {
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

func newTestServer(t *testing.T, client llm.Client, maxCont int) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	srv, err := New(Options{
		Store:      st,
		LLM:        client,
		BaseConfig: serverConfig(maxCont),
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv, st
}

func createThread(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/threads", strings.NewReader(`{"title":"test"}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create thread: %d %s", rec.Code, rec.Body.String())
	}
	var thread models.Thread
	if err := json.Unmarshal(rec.Body.Bytes(), &thread); err != nil {
		t.Fatal(err)
	}
	return thread.ID
}

// decodeFrames parses an SSE body into events.
func decodeFrames(t *testing.T, body string) []models.AgentEvent {
	t.Helper()
	var out []models.AgentEvent
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("frame without data prefix: %q", frame)
		}
		var ev models.AgentEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev); err != nil {
			t.Fatalf("decoding frame %q: %v", frame, err)
		}
		out = append(out, ev)
	}
	return out
}

func startRun(t *testing.T, handler http.Handler, threadID, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/threads/"+threadID+"/runs", strings.NewReader(body))
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedLLM{}, 1)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestThreadLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedLLM{}, 1)
	handler := srv.Handler()
	threadID := createThread(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/threads/"+threadID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get thread: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/threads/"+threadID+"/messages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list messages: %d", rec.Code)
	}
	var listed struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Messages) != 0 {
		t.Errorf("messages = %+v", listed.Messages)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/threads/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing thread: %d", rec.Code)
	}
}

func TestStartRunStreamsSSE(t *testing.T) {
	client := &scriptedLLM{scripts: [][]*llm.StreamChunk{{
		{Content: "Hi "},
		{Content: "there!"},
		{FinishReason: llm.FinishStop},
	}}}
	srv, st := newTestServer(t, client, 1)
	handler := srv.Handler()
	threadID := createThread(t, handler)

	rec := startRun(t, handler, threadID, `{"input":"Hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start run: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("proxy buffering not disabled")
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Error("cache-control not set")
	}

	events := decodeFrames(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatal("no events streamed")
	}
	if events[0].Type != models.EventRunCreated {
		t.Errorf("first event = %s", events[0].Type)
	}
	terminal := 0
	for _, ev := range events {
		if ev.Type.Terminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal events = %d", terminal)
	}
	last := events[len(events)-1]
	if last.Type != models.EventRunCompleted {
		t.Errorf("last event = %s", last.Type)
	}

	// The settled run is no longer addressable for cancel or resume.
	if _, ok := srv.registry.get(last.RunID); ok {
		t.Error("completed run still registered")
	}
	run, err := st.GetRun(context.Background(), last.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("stored status = %s", run.Status)
	}
}

func TestStartRunValidation(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedLLM{}, 1)
	handler := srv.Handler()
	threadID := createThread(t, handler)

	if rec := startRun(t, handler, threadID, `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty input: %d", rec.Code)
	}
	if rec := startRun(t, handler, "missing", `{"input":"Hello"}`); rec.Code != http.StatusNotFound {
		t.Errorf("missing thread: %d", rec.Code)
	}
	if rec := startRun(t, handler, threadID, `{"input":"Hello","agent_type":"wizard"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown agent type: %d", rec.Code)
	}
	if rec := startRun(t, handler, threadID, `{"input":"Hello","agent_type":"planner"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("planner without orchestrator: %d", rec.Code)
	}
}

func TestPauseAndSubmitToolOutputs(t *testing.T) {
	client := &scriptedLLM{scripts: [][]*llm.StreamChunk{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call-1", Name: "lookup", Arguments: `{"q":"x"}`}}},
			{FinishReason: llm.FinishToolCalls},
		},
		{
			{Content: "Answer assembled from your output."},
			{FinishReason: llm.FinishStop},
		},
	}}
	// One continuation means the first tool-call turn pauses.
	srv, st := newTestServer(t, client, 1)
	handler := srv.Handler()
	threadID := createThread(t, handler)

	rec := startRun(t, handler, threadID, `{"input":"Look something up"}`)
	events := decodeFrames(t, rec.Body.String())
	last := events[len(events)-1]
	if last.Type != models.EventRunRequiresAction {
		t.Fatalf("last event = %s", last.Type)
	}
	runID := last.RunID
	if len(last.RequiredAction.ToolCalls) != 1 || last.RequiredAction.ToolCalls[0].ID != "call-1" {
		t.Fatalf("required action = %+v", last.RequiredAction)
	}

	// The paused run stays addressable.
	if _, ok := srv.registry.get(runID); !ok {
		t.Fatal("paused run not registered")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/"+runID+"/submit_tool_outputs",
		strings.NewReader(`{"tool_outputs":[{"tool_call_id":"call-1","tool_name":"lookup","output":"42"}]}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	resumed := decodeFrames(t, rec.Body.String())
	if resumed[len(resumed)-1].Type != models.EventRunCompleted {
		t.Fatalf("resumed last event = %s", resumed[len(resumed)-1].Type)
	}

	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("stored status = %s", run.Status)
	}
}

func TestSubmitToolOutputsValidation(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedLLM{}, 1)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/nope/submit_tool_outputs",
		strings.NewReader(`{"tool_outputs":[{"tool_call_id":"c1","output":"x"}]}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/nope/submit_tool_outputs",
		strings.NewReader(`{"tool_outputs":[]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty outputs: %d", rec.Code)
	}
}

func TestCancelEndpoints(t *testing.T) {
	srv, st := newTestServer(t, &scriptedLLM{}, 1)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/nope/cancel", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: %d", rec.Code)
	}

	// A settled run that left the registry reports its stored status.
	run := &models.Run{ThreadID: "t", AgentType: "base", Status: models.RunCompleted}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.ID+"/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("settled run: %d", rec.Code)
	}
	var got models.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestListToolSetsWithoutOrchestrator(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedLLM{}, 1)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/toolsets", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		ToolSets []models.ToolSetInfo `json:"toolsets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.ToolSets) != 0 {
		t.Errorf("toolsets = %+v", body.ToolSets)
	}
}

func TestGetRun(t *testing.T) {
	srv, st := newTestServer(t, &scriptedLLM{}, 1)
	handler := srv.Handler()

	run := &models.Run{ThreadID: "t", AgentType: "base", Status: models.RunQueued}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run: %d", rec.Code)
	}
}

func TestStartRunWithTracer(t *testing.T) {
	client := &scriptedLLM{scripts: [][]*llm.StreamChunk{{
		{Content: "Hi!"},
		{FinishReason: llm.FinishStop},
	}}}
	tracer, shutdown, err := observability.NewTracer(context.Background(), observability.TraceConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer shutdown(context.Background())

	st := store.NewMemoryStore()
	srv, err := New(Options{
		Store:      st,
		LLM:        client,
		BaseConfig: serverConfig(1),
		Tracer:     tracer,
	})
	if err != nil {
		t.Fatal(err)
	}
	handler := srv.Handler()
	threadID := createThread(t, handler)

	rec := startRun(t, handler, threadID, `{"input":"Hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start run: %d %s", rec.Code, rec.Body.String())
	}
	events := decodeFrames(t, rec.Body.String())
	if len(events) == 0 || events[len(events)-1].Type != models.EventRunCompleted {
		t.Fatalf("events = %+v", events)
	}
}
