package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/fsutil"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

const instrumentationName = "github.com/fyrsmithlabs/synthd/internal/checkpoint"

var (
	// ErrNotFound is returned by Get for an unknown run.
	ErrNotFound = errors.New("run not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("checkpoint service is closed")
)

// Service stores run records and publications.
type Service interface {
	// Save writes the current state of a run.
	Save(ctx context.Context, rec *RunRecord) error

	// Get loads a run by id.
	Get(ctx context.Context, id synth.RunID) (*RunRecord, error)

	// List returns runs newest first.
	List(ctx context.Context, req *ListRequest) ([]*RunRecord, error)

	// SavePublication writes the publication text of a run and returns
	// its path.
	SavePublication(ctx context.Context, id synth.RunID, text string) (string, error)

	// Close closes the service.
	Close() error
}

// Config configures the checkpoint service.
type Config struct {
	// Dir is the artifacts directory; runs and publications live below it.
	Dir string
}

// service implements Service on top of the artifacts directory.
type service struct {
	runsDir string
	pubDir  string
	logger  *zap.Logger

	tracer      trace.Tracer
	saveCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a file-backed checkpoint service.
func NewService(cfg *Config, logger *zap.Logger) (Service, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, errors.New("artifacts directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &service{
		runsDir: filepath.Join(cfg.Dir, "runs"),
		pubDir:  filepath.Join(cfg.Dir, "publications"),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, d := range []string{s.runsDir, s.pubDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}

	var err error
	s.saveCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"synthd.checkpoint.saves_total",
		metric.WithDescription("Total number of run checkpoints written"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		logger.Warn("failed to create save counter", zap.Error(err))
	}
	return s, nil
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *service) runPath(id synth.RunID) string {
	return filepath.Join(s.runsDir, id.String()+".json")
}

// Save writes rec atomically.
func (s *service) Save(ctx context.Context, rec *RunRecord) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", rec.ID.String()),
		attribute.String("status", string(rec.Status)),
		attribute.Int("stages", len(rec.Stages)),
	)

	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec.ID <= 0 {
		return fmt.Errorf("run record has no id")
	}
	if err := fsutil.WriteJSON(s.runPath(rec.ID), rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checkpointing %s: %w", rec.ID, err)
	}
	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(rec.Status))))
	}
	s.logger.Debug("run checkpointed",
		zap.Stringer("run_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("stages", len(rec.Stages)),
	)
	return nil
}

// Get loads a run record.
func (s *service) Get(ctx context.Context, id synth.RunID) (*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := fsutil.ReadJSON(s.runPath(id), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// List returns runs newest first, optionally filtered by status.
func (s *service) List(ctx context.Context, req *ListRequest) ([]*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil {
		req = &ListRequest{}
	}
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	ids := make([]synth.RunID, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := synth.ParseRunID(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var out []*RunRecord
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.Get(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable run record", zap.Stringer("run_id", id), zap.Error(err))
			continue
		}
		if req.Status != "" && rec.Status != req.Status {
			continue
		}
		out = append(out, rec)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// SavePublication writes publications/run-XXXXXX.md.
func (s *service) SavePublication(ctx context.Context, id synth.RunID, text string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	path := filepath.Join(s.pubDir, id.String()+".md")
	if err := fsutil.WriteFile(path, []byte(text)); err != nil {
		return "", fmt.Errorf("writing publication for %s: %w", id, err)
	}
	return path, nil
}

// Close marks the service closed.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
