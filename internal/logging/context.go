package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type runCtxKey struct{}
type stageCtxKey struct{}
type loggerCtxKey struct{}

type runInfo struct {
	runID   string
	batchID string
}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if ri, ok := ctx.Value(runCtxKey{}).(runInfo); ok {
		if ri.runID != "" {
			fields = append(fields, zap.String("run_id", ri.runID))
		}
		if ri.batchID != "" {
			fields = append(fields, zap.String("batch_id", ri.batchID))
		}
	}
	if stage := StageFromContext(ctx); stage != "" {
		fields = append(fields, zap.String("stage", stage))
	}
	return fields
}

// WithRun tags ctx with a run and the batch it processes.
func WithRun(ctx context.Context, runID, batchID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runInfo{runID: runID, batchID: batchID})
}

// RunFromContext returns the run and batch ids set by WithRun.
func RunFromContext(ctx context.Context) (runID, batchID string) {
	ri, _ := ctx.Value(runCtxKey{}).(runInfo)
	return ri.runID, ri.batchID
}

// WithStage tags ctx with the pipeline stage being executed.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, stage)
}

// StageFromContext returns the stage set by WithStage.
func StageFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stageCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
