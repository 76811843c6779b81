package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/strandloop/strand/internal/agent"
	"github.com/strandloop/strand/internal/observability"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/pkg/models"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeAgentError maps the engine's error taxonomy onto HTTP statuses.
func writeAgentError(w http.ResponseWriter, err error) {
	code := agent.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case agent.ErrCodeValidation, agent.ErrCodeConfiguration:
		status = http.StatusBadRequest
	case agent.ErrCodeInvalidState:
		status = http.StatusConflict
	case agent.ErrCodeToolNotFound:
		status = http.StatusNotFound
	}
	if code == "" {
		code = "internal"
	}
	writeError(w, status, string(code), err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createThreadRequest struct {
	Title    string         `json:"title,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	thread := &models.Thread{
		Title:    req.Title,
		UserID:   req.UserID,
		Metadata: req.Metadata,
	}
	if err := s.store.CreateThread(r.Context(), thread); err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.store.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), threadID); err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}

	opts := store.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	if r.URL.Query().Get("order") == "desc" {
		opts.Descending = true
	}

	msgs, err := s.store.GetMessages(r.Context(), threadID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type startRunRequest struct {
	Input     string `json:"input"`
	AgentType string `json:"agent_type,omitempty"`
	ToolSetID string `json:"toolset_id,omitempty"`

	// Config replaces the server's default run config when present.
	Config *models.RunConfig `json:"config,omitempty"`

	// AuthOverrides apply per-provider credentials for this run only.
	AuthOverrides map[string]models.AuthOverride `json:"auth_overrides,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "input is required")
		return
	}
	if _, err := s.store.GetThread(r.Context(), threadID); err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}

	cfg := req.Config
	if cfg == nil {
		cfg = s.baseConfig.Clone()
	}
	if req.AuthOverrides != nil {
		cfg.AuthOverrides = req.AuthOverrides
	}

	a, err := s.buildAgent(req.AgentType, req.ToolSetID, cfg)
	if err != nil {
		writeAgentError(w, err)
		return
	}

	// The loop persists status even after a client disconnect, so it
	// must not inherit the request's cancellation. WithoutCancel keeps
	// the span in the context so work inside the run can attach to it.
	runCtx := context.WithoutCancel(r.Context())
	var span trace.Span
	if s.tracer != nil {
		agentType := req.AgentType
		if agentType == "" {
			agentType = agent.AgentTypeBase
		}
		var spanCtx context.Context
		spanCtx, span = s.tracer.StartRunSpan(r.Context(), agentType, "", threadID)
		runCtx = context.WithoutCancel(spanCtx)
		defer observability.EndSpan(span, nil)
	}

	run, events, err := a.Run(runCtx, threadID, []models.Message{
		{Role: models.RoleUser, Content: req.Input},
	})
	if err != nil {
		writeAgentError(w, err)
		return
	}
	if span != nil {
		observability.SetRunID(span, run.ID)
	}
	s.registry.add(run.ID, a)
	if s.metrics != nil {
		s.metrics.RunsStarted.WithLabelValues(run.AgentType).Inc()
	}

	s.streamEvents(w, r, run.ID, run.AgentType, events, a.Cancel)
}

type submitToolOutputsRequest struct {
	ToolOutputs []agent.ToolOutput `json:"tool_outputs"`
}

func (s *Server) handleSubmitToolOutputs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req submitToolOutputsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.ToolOutputs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "tool_outputs is required")
		return
	}

	a, ok := s.registry.get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "run is not awaiting tool outputs")
		return
	}

	run, events, err := a.Resume(context.WithoutCancel(r.Context()), runID, req.ToolOutputs)
	if err != nil {
		writeAgentError(w, err)
		return
	}

	s.streamEvents(w, r, runID, run.AgentType, events, a.Cancel)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	a, ok := s.registry.get(runID)
	if !ok {
		// The run may have already settled; report its stored status.
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	a.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(models.RunCancelling),
	})
}

func (s *Server) handleListToolSets(w http.ResponseWriter, r *http.Request) {
	var sets []models.ToolSetInfo
	if s.orch != nil {
		sets = s.orch.Specialists()
	}
	if sets == nil {
		sets = []models.ToolSetInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"toolsets": sets})
}
