package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

const instrumentationName = "synthd.orchestrator"

type metrics struct {
	runs          metric.Int64Counter
	stageAttempts metric.Int64Counter
	stageDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &metrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"synthd.pipeline.runs_total",
		metric.WithDescription("Finished runs by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create runs counter", zap.Error(err))
	}

	m.stageAttempts, err = meter.Int64Counter(
		"synthd.pipeline.stage_attempts_total",
		metric.WithDescription("Stage attempts by stage and result"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		logger.Warn("failed to create stage attempts counter", zap.Error(err))
	}

	m.stageDuration, err = meter.Float64Histogram(
		"synthd.pipeline.stage_duration_seconds",
		metric.WithDescription("Stage duration including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		logger.Warn("failed to create stage duration histogram", zap.Error(err))
	}
	return m
}

func (m *metrics) run(ctx context.Context, status string) {
	if m.runs != nil {
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (m *metrics) attempt(ctx context.Context, stage synth.Stage, err error) {
	if m.stageAttempts == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("result", result),
	))
}

func (m *metrics) stage(ctx context.Context, stage synth.Stage, d time.Duration) {
	if m.stageDuration != nil {
		m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", string(stage))))
	}
}
