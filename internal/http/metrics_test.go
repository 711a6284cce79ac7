package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/synthd/internal/telemetry"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewHTTPMetrics(tel.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "nope")
		}
		return c.String(http.StatusOK, "run")
	})

	for _, id := range []string{"1", "2", "missing"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id, nil))
	}

	route := attribute.String("endpoint", "/api/v1/runs/:id")
	assert.EqualValues(t, 3, tel.CounterTotal(t, "synthd.http.requests_total", route))
	assert.EqualValues(t, 2, tel.CounterTotal(t, "synthd.http.requests_total", route, attribute.Int("status", 200)))
	assert.EqualValues(t, 1, tel.CounterTotal(t, "synthd.http.requests_total", attribute.Int("status", 404)))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/health", "/health"},
		{"/api/v1/runs/:id", "/api/v1/runs/:id"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input))
	}
}
