// Package http provides the synthd HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// Runs reads run records.
type Runs interface {
	Get(ctx context.Context, id synth.RunID) (*checkpoint.RunRecord, error)
	List(ctx context.Context, req *checkpoint.ListRequest) ([]*checkpoint.RunRecord, error)
}

// Knowledge reads the knowledge graph.
type Knowledge interface {
	OpenGaps(ctx context.Context) ([]knowledge.Claim, error)
	Conflicts(ctx context.Context) ([]knowledge.ConflictRecord, error)
	Stats() knowledge.Stats
}

// Ledger reads and grades through the directive ledger.
type Ledger interface {
	RecordGrade(ctx context.Context, g directive.Grade) error
	ActiveDirectives(ctx context.Context, current synth.RunID) []directive.Directive
	Directives(ctx context.Context) []directive.Directive
	Retire(ctx context.Context, id string) error
	Save(path string) error
}

// Deps are the stores the API serves.
type Deps struct {
	Runs      Runs
	Knowledge Knowledge
	Ledger    Ledger
	// LedgerPath is rewritten after every accepted grade or retirement.
	LedgerPath string
	Gatherer   prometheus.Gatherer
	Meter      metric.Meter
}

// Server provides HTTP endpoints for synthd.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
	now    func() time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Runs == nil || deps.Knowledge == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("runs, knowledge and ledger are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(deps.Meter, logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/grade", s.handleGrade)
	v1.GET("/gaps", s.handleGaps)
	v1.GET("/conflicts", s.handleConflicts)
	v1.GET("/directives", s.handleDirectives)
	v1.POST("/directives/:id/retire", s.handleRetire)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListRuns(c echo.Context) error {
	req := &checkpoint.ListRequest{Status: checkpoint.Status(c.QueryParam("status"))}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		req.Limit = n
	}
	switch req.Status {
	case "", checkpoint.StatusRunning, checkpoint.StatusCompleted, checkpoint.StatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}

	recs, err := s.deps.Runs.List(c.Request().Context(), req)
	if err != nil {
		s.logger.Error("listing runs failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing runs failed")
	}
	resp := RunsResponse{Runs: make([]RunSummary, 0, len(recs))}
	for _, rec := range recs {
		resp.Runs = append(resp.Runs, summarize(rec))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) lookupRun(c echo.Context) (*checkpoint.RunRecord, error) {
	id, err := synth.ParseRunID(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := s.deps.Runs.Get(c.Request().Context(), id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s not found", id))
	}
	if err != nil {
		s.logger.Error("reading run failed", zap.Stringer("run_id", id), zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "reading run failed")
	}
	return rec, nil
}

func (s *Server) handleGetRun(c echo.Context) error {
	rec, err := s.lookupRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// handleGrade records a human grade for a completed run.
func (s *Server) handleGrade(c echo.Context) error {
	rec, err := s.lookupRun(c)
	if err != nil {
		return err
	}
	if rec.Status != checkpoint.StatusCompleted {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("%s is %s, only completed runs can be graded", rec.ID, rec.Status))
	}

	var req GradeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid grade request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	grade := directive.Grade{
		RunID:  rec.ID,
		Source: directive.SourceHuman,
		Scores: directive.Scores{
			Synthesis:   req.Synthesis,
			Criticality: req.Criticality,
			Voice:       req.Voice,
		},
		Critique:   strings.TrimSpace(req.Critique),
		RecordedAt: s.now().UTC(),
	}
	switch err := s.deps.Ledger.RecordGrade(ctx, grade); {
	case errors.Is(err, directive.ErrInvalidGrade):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, directive.ErrDuplicateGrade):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("recording grade failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "recording grade failed")
	}
	if err := s.saveLedger(); err != nil {
		return err
	}

	// Directives issued by this grade apply to runs after it.
	var issued []directive.Directive
	for _, d := range s.deps.Ledger.ActiveDirectives(ctx, rec.ID+1) {
		if d.OriginRun == rec.ID {
			issued = append(issued, d)
		}
	}
	s.logger.Info("human grade recorded", zap.Stringer("run_id", rec.ID), zap.Int("directives", len(issued)))
	return c.JSON(http.StatusCreated, GradeResponse{Grade: grade, Directives: issued})
}

func (s *Server) handleGaps(c echo.Context) error {
	gaps, err := s.deps.Knowledge.OpenGaps(c.Request().Context())
	if err != nil {
		s.logger.Error("reading gaps failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reading gaps failed")
	}
	if gaps == nil {
		gaps = []knowledge.Claim{}
	}
	return c.JSON(http.StatusOK, GapsResponse{Gaps: gaps, Stats: s.deps.Knowledge.Stats()})
}

func (s *Server) handleConflicts(c echo.Context) error {
	conflicts, err := s.deps.Knowledge.Conflicts(c.Request().Context())
	if err != nil {
		s.logger.Error("reading conflicts failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reading conflicts failed")
	}
	if conflicts == nil {
		conflicts = []knowledge.ConflictRecord{}
	}
	return c.JSON(http.StatusOK, ConflictsResponse{Conflicts: conflicts})
}

// handleDirectives lists active directives, or the whole ledger with
// ?all=true.
func (s *Server) handleDirectives(c echo.Context) error {
	ctx := c.Request().Context()
	all := s.deps.Ledger.Directives(ctx)
	if c.QueryParam("all") != "true" {
		active := make([]directive.Directive, 0, len(all))
		for _, d := range all {
			if !d.Retired {
				active = append(active, d)
			}
		}
		all = active
	}
	return c.JSON(http.StatusOK, DirectivesResponse{Directives: all})
}

func (s *Server) handleRetire(c echo.Context) error {
	id := c.Param("id")
	err := s.deps.Ledger.Retire(c.Request().Context(), id)
	if errors.Is(err, directive.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("directive %s not found", id))
	}
	if err != nil {
		s.logger.Error("retiring directive failed", zap.String("id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "retiring directive failed")
	}
	if err := s.saveLedger(); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) saveLedger() error {
	if s.deps.LedgerPath == "" {
		return nil
	}
	if err := s.deps.Ledger.Save(s.deps.LedgerPath); err != nil {
		s.logger.Error("saving directive ledger failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "saving directive ledger failed")
	}
	return nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
