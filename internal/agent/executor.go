package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// ExecutionResult pairs one tool call with its outcome. The executor
// always produces one record per call; nothing throws across this
// boundary.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string

	// Input is the parsed argument object, nil when parsing failed.
	Input map[string]any

	Result *models.ToolResult
}

// Executor runs a batch of tool calls against a provider. Result order
// always matches input order regardless of strategy.
type Executor struct {
	provider tools.Provider
	strategy models.ExecutionStrategy
	timeout  time.Duration
	logger   *slog.Logger

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewExecutor builds an executor over provider with the given config.
func NewExecutor(provider tools.Provider, cfg models.ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = models.ExecuteSequential
	}
	return &Executor{
		provider: provider,
		strategy: strategy,
		timeout:  cfg.Timeout,
		logger:   logger,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Execute runs calls under the configured strategy. Sequential runs one
// call at a time; failures never halt the batch. Parallel fans all calls
// out and awaits them all.
func (e *Executor) Execute(ctx context.Context, calls []models.ToolCall, inv *tools.Invocation) []ExecutionResult {
	results := make([]ExecutionResult, len(calls))

	if e.strategy == models.ExecuteParallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i := range calls {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = e.executeOne(ctx, calls[i], inv)
			}(i)
		}
		wg.Wait()
		return results
	}

	for i := range calls {
		results[i] = e.executeOne(ctx, calls[i], inv)
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, call models.ToolCall, inv *tools.Invocation) (res ExecutionResult) {
	res = ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	// A panicking tool still yields a result record.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			res.Result = &models.ToolResult{
				Success:  false,
				Error:    fmt.Sprintf("tool panicked: %v", r),
				Metadata: map[string]any{"error_name": "panic"},
			}
		}
	}()

	tool, ok := e.provider.Tool(ctx, call.Name)
	if !ok {
		res.Result = &models.ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("tool %q not found", call.Name),
			Metadata: map[string]any{"error_name": string(ErrCodeToolNotFound)},
		}
		return res
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
		res.Result = &models.ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("invalid tool arguments: %v", err),
			Metadata: map[string]any{"error_name": "validation_error"},
		}
		return res
	}
	res.Input = input

	if err := e.validateArgs(tool, input); err != nil {
		res.Result = &models.ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("arguments do not match tool schema: %v", err),
			Metadata: map[string]any{"error_name": "validation_error"},
		}
		return res
	}

	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if inv != nil {
		inv = &tools.Invocation{
			RunID:          inv.RunID,
			ThreadID:       inv.ThreadID,
			StepID:         inv.StepID,
			CallID:         call.ID,
			AuthOverrides:  inv.AuthOverrides,
			RequestContext: inv.RequestContext,
		}
	}

	result, err := tool.Execute(execCtx, json.RawMessage(call.Arguments), inv)
	if err != nil {
		res.Result = &models.ToolResult{
			Success:  false,
			Error:    err.Error(),
			Metadata: map[string]any{"error_name": errorName(err)},
		}
		return res
	}
	if result == nil {
		result = &models.ToolResult{Success: false, Error: "tool returned no result"}
	}
	res.Result = result
	return res
}

// validateArgs checks input against the tool's parameter schema. Schemas
// are compiled once per tool name.
func (e *Executor) validateArgs(tool tools.Tool, input map[string]any) error {
	def := tool.Definition()
	if len(def.Parameters) == 0 {
		return nil
	}

	e.schemaMu.Lock()
	schema, ok := e.schemas[def.Name]
	if !ok {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.Name+".json", strings.NewReader(string(def.ParametersSchema()))); err == nil {
			schema, _ = compiler.Compile(def.Name + ".json")
		}
		// A schema that will not compile disables validation for the
		// tool rather than failing every call.
		e.schemas[def.Name] = schema
	}
	e.schemaMu.Unlock()

	if schema == nil {
		return nil
	}
	return schema.Validate(anyMap(input))
}

// anyMap converts for the validator, which expects decoded JSON values.
func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func errorName(err error) string {
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	return "tool_error"
}
