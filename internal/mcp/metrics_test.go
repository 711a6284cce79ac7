package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/telemetry"
)

func TestMetrics_RecordInvocation(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewMetrics(tel.Meter(instrumentationName), zap.NewNop())
	ctx := context.Background()

	m.RecordInvocation(ctx, "list_runs", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "list_runs", 50*time.Millisecond, errors.New("validation error"))

	tool := attribute.String("tool", "list_runs")
	assert.Equal(t, int64(2), tel.CounterTotal(t, "synthd.mcp.tool.invocations_total", tool))
	assert.Equal(t, int64(1), tel.CounterTotal(t, "synthd.mcp.tool.errors_total", tool,
		attribute.String("reason", "validation_error")))
}

func TestMetrics_ActiveRequests(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewMetrics(tel.Meter(instrumentationName), nil)
	ctx := context.Background()

	m.IncrementActive(ctx, "get_run")
	m.IncrementActive(ctx, "get_run")
	m.DecrementActive(ctx, "get_run")

	assert.Equal(t, int64(1), tel.CounterTotal(t, "synthd.mcp.tool.active_requests"))

	done := m.track(ctx, "get_run")
	assert.Equal(t, int64(2), tel.CounterTotal(t, "synthd.mcp.tool.active_requests"))
	done(nil)
	assert.Equal(t, int64(1), tel.CounterTotal(t, "synthd.mcp.tool.active_requests"))
	assert.Equal(t, int64(1), tel.CounterTotal(t, "synthd.mcp.tool.invocations_total"))
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"missing run", fmt.Errorf("get run-000004: %w", checkpoint.ErrNotFound), "not_found"},
		{"missing directive", directive.ErrNotFound, "not_found"},
		{"duplicate grade", directive.ErrDuplicateGrade, "conflict"},
		{"bad scores", fmt.Errorf("%w: voice 9", directive.ErrInvalidGrade), "validation_error"},
		{"invalid input", errors.New("invalid run id"), "validation_error"},
		{"timeout", errors.New("operation timeout"), "timeout"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"ledger write", errors.New("save ledger: disk full"), "storage_error"},
		{"generic error", errors.New("something went wrong"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categorizeError(tt.err))
		})
	}
}
