package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const runTracer = "drover/run"

var (
	otelMu       sync.Mutex
	otelProvider *sdktrace.TracerProvider
)

// InitOpenTelemetry installs a process-wide tracer provider. Calling it
// again after a successful init is a no-op.
func InitOpenTelemetry(serviceName string) error {
	otelMu.Lock()
	defer otelMu.Unlock()
	if otelProvider != nil {
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return err
	}

	otelProvider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(otelProvider)
	return nil
}

// ShutdownOpenTelemetry flushes and shuts down the installed provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	otelMu.Lock()
	tp := otelProvider
	otelMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and propagates its trace id into the context
// metadata when none is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// StartJobSpan opens the root span for one job run.
func StartJobSpan(ctx context.Context, jobID, agentID string) (context.Context, trace.Span) {
	return StartSpan(ctx, runTracer, "run.job",
		attribute.String("job.id", jobID),
		attribute.String("agent.id", agentID),
	)
}

// StartModelSpan opens a span for one model-call attempt.
func StartModelSpan(ctx context.Context, model, attemptKind string) (context.Context, trace.Span) {
	return StartSpan(ctx, runTracer, "run.model_call",
		attribute.String("model.name", model),
		attribute.String("attempt.kind", attemptKind),
	)
}

// StartToolSpan opens a span for one tool invocation.
func StartToolSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	return StartSpan(ctx, runTracer, "run.tool",
		attribute.String("tool.name", tool),
	)
}

// FinishSpan ends the span, recording err when the operation failed.
func FinishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
