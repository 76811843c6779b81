package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/strandloop/strand/internal/agent"
	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/observability"
	"github.com/strandloop/strand/internal/orchestrator"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// Options assembles the HTTP façade. Store, LLM, and BaseConfig are
// required. Orchestrator enables planner runs and named toolsets;
// DefaultTools backs base runs that name no toolset.
type Options struct {
	Store        store.Store
	LLM          llm.Client
	Orchestrator *orchestrator.Orchestrator
	DefaultTools tools.Provider
	BaseConfig   *models.RunConfig
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Logger       *slog.Logger
}

// Server exposes the engine over HTTP: REST for threads, messages, and
// runs, SSE for live run streams.
type Server struct {
	store        store.Store
	llm          llm.Client
	orch         *orchestrator.Orchestrator
	defaultTools tools.Provider
	baseConfig   *models.RunConfig
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	logger       *slog.Logger
	registry     *registry
}

// New validates the options and builds a server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if opts.LLM == nil {
		return nil, fmt.Errorf("server: llm client is required")
	}
	if opts.BaseConfig == nil || opts.BaseConfig.Model == "" {
		return nil, fmt.Errorf("server: base run config with a model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        opts.Store,
		llm:          opts.LLM,
		orch:         opts.Orchestrator,
		defaultTools: opts.DefaultTools,
		baseConfig:   opts.BaseConfig,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       logger.With("component", "server"),
		registry:     newRegistry(),
	}, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleGetThread)
	mux.HandleFunc("GET /v1/threads/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/threads/{id}/runs", s.handleStartRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /v1/runs/{id}/submit_tool_outputs", s.handleSubmitToolOutputs)
	mux.HandleFunc("GET /v1/toolsets", s.handleListToolSets)
	if s.metrics == nil {
		return mux
	}
	return s.withHTTPMetrics(mux)
}

// withHTTPMetrics times every request under its route pattern.
func (s *Server) withHTTPMetrics(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if _, pattern := next.Handler(r); pattern != "" {
			route = pattern
		}
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the response code for metrics. It forwards
// Flush so SSE streaming keeps working behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// buildAgent assembles the agent for one run request.
func (s *Server) buildAgent(agentType, toolSetID string, cfg *models.RunConfig) (agent.Agent, error) {
	actx := &agent.AgentContext{
		LLM:      s.llm,
		Messages: s.store,
		Threads:  s.store,
		Runs:     s.store,
		Config:   cfg,
		Logger:   s.logger,
	}

	switch agentType {
	case agent.AgentTypePlanner:
		if s.orch == nil {
			return nil, agent.Errorf(agent.ErrCodeConfiguration, "planner runs require a toolset orchestrator")
		}
		return agent.NewPlannerAgent(actx, s.orch)

	case "", agent.AgentTypeBase:
		provider := s.defaultTools
		if toolSetID != "" {
			if s.orch == nil {
				return nil, agent.Errorf(agent.ErrCodeConfiguration, "named toolsets require a toolset orchestrator")
			}
			set, ok := s.orch.ToolSet(toolSetID)
			if !ok {
				return nil, agent.Errorf(agent.ErrCodeValidation, "unknown toolset %q", toolSetID)
			}
			provider = set
		}
		if provider == nil {
			provider = tools.NewStaticProvider("none")
		}
		actx.Tools = provider
		return agent.NewBaseAgent(actx)

	default:
		return nil, agent.Errorf(agent.ErrCodeValidation, "unknown agent type %q", agentType)
	}
}
