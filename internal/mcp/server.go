package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/secrets"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// Runs reads run records.
type Runs interface {
	Get(ctx context.Context, id synth.RunID) (*checkpoint.RunRecord, error)
	List(ctx context.Context, req *checkpoint.ListRequest) ([]*checkpoint.RunRecord, error)
}

// Knowledge reads the claim graph.
type Knowledge interface {
	OpenGaps(ctx context.Context) ([]knowledge.Claim, error)
	History(ctx context.Context, subject, predicate string) ([]knowledge.Claim, error)
	Conflicts(ctx context.Context) ([]knowledge.ConflictRecord, error)
	Stats() knowledge.Stats
}

// Ledger grades runs and manages directives.
type Ledger interface {
	RecordGrade(ctx context.Context, g directive.Grade) error
	ActiveDirectives(ctx context.Context, current synth.RunID) []directive.Directive
	Directives(ctx context.Context) []directive.Directive
	Retire(ctx context.Context, id string) error
	Save(path string) error
}

// Deps are the stores the tools operate on.
type Deps struct {
	Runs      Runs
	Knowledge Knowledge
	Ledger    Ledger
	// LedgerPath is rewritten after a grade or retirement. Empty skips it.
	LedgerPath string
	// Scrubber redacts publication text. Defaults to a no-op.
	Scrubber secrets.Scrubber
	Meter    metric.Meter
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name (default: "synthd").
	Name string

	// Version is the implementation version (default: "1.0.0").
	Version string

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "synthd",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// Server is an MCP server over the synthd stores.
type Server struct {
	mcp      *mcp.Server
	deps     Deps
	scrubber secrets.Scrubber
	registry *ToolRegistry
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewServer creates a server and registers every tool.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if deps.Runs == nil {
		return nil, fmt.Errorf("runs store is required")
	}
	if deps.Knowledge == nil {
		return nil, fmt.Errorf("knowledge store is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("directive ledger is required")
	}
	scrubber := deps.Scrubber
	if scrubber == nil {
		scrubber = secrets.NoopScrubber{}
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		deps:     deps,
		scrubber: scrubber,
		registry: NewToolRegistry(),
		metrics:  NewMetrics(deps.Meter, cfg.Logger),
		logger:   cfg.Logger,
		now:      time.Now,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Registry returns the tool catalog.
func (s *Server) Registry() *ToolRegistry {
	return s.registry
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Run serves MCP on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.registry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close flushes the ledger. The stores are owned by the caller.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server")
	return s.saveLedger()
}

func (s *Server) saveLedger() error {
	if s.deps.LedgerPath == "" {
		return nil
	}
	if err := s.deps.Ledger.Save(s.deps.LedgerPath); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}
