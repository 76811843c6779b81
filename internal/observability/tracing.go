package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures OTLP trace export. An empty Endpoint disables
// export and yields a no-op tracer.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string

	// SamplingRate is the recorded fraction of traces, 0..1. Zero means
	// record everything.
	SamplingRate float64

	Insecure bool
}

// Tracer wraps the OTel tracer plus its provider for shutdown.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer per cfg and installs it as the global
// provider. The returned shutdown flushes pending spans; call it on
// process exit.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		t := &Tracer{tracer: trace.NewNoopTracerProvider().Tracer("strand")}
		return t, func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "strand"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("building trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	t := &Tracer{provider: provider, tracer: provider.Tracer("strand")}
	return t, provider.Shutdown, nil
}

// StartRunSpan opens a span for one agent run.
func (t *Tracer) StartRunSpan(ctx context.Context, agentType, runID, threadID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agent.type", agentType),
			attribute.String("run.id", runID),
			attribute.String("thread.id", threadID),
		))
}

// StartToolSpan opens a span for one tool invocation.
func (t *Tracer) StartToolSpan(ctx context.Context, toolName, callID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.call_id", callID),
		))
}

// StartLLMSpan opens a span for one LLM call.
func (t *Tracer) StartLLMSpan(ctx context.Context, model string, streaming bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.Bool("llm.streaming", streaming),
		))
}

// SetRunID stamps the run id on an already-open run span, for callers
// that open the span before the run id is minted.
func SetRunID(span trace.Span, runID string) {
	span.SetAttributes(attribute.String("run.id", runID))
}

// EndSpan closes span, recording err when present.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
