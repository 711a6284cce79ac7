package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/memory"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// KnowledgeStore is the part of the knowledge graph a run writes to.
type KnowledgeStore interface {
	AddClaims(ctx context.Context, claims []knowledge.Claim) error
	AddProtocols(ctx context.Context, protocols []knowledge.Protocol) error
	OpenGaps(ctx context.Context) ([]knowledge.Claim, error)
	Save(path string) error
}

// DirectiveLedger supplies directives and takes grades.
type DirectiveLedger interface {
	ActiveDirectives(ctx context.Context, current synth.RunID) []directive.Directive
	RecordGrade(ctx context.Context, g directive.Grade) error
	Withdraw(ctx context.Context, run synth.RunID, source directive.Source) error
	Save(path string) error
}

// Memory is semantic recall over earlier runs.
type Memory interface {
	Upsert(ctx context.Context, id, text string) error
	Query(ctx context.Context, text string, k int) ([]memory.Match, error)
}

// StateStore allocates run ids and keeps per-topic offsets.
type StateStore interface {
	NextRunID(ctx context.Context) (synth.RunID, error)
	Offset(topic string) int
	SetOffset(ctx context.Context, topic string, offset int) error
}

// Config tunes retries and concurrency.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StageTimeout   time.Duration
	Workers        int
	MemoryK        int

	// Artifact paths written at run end. Empty skips the save.
	KnowledgePath string
	LedgerPath    string
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		StageTimeout:   5 * time.Minute,
		Workers:        2,
		MemoryK:        5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MemoryK <= 0 {
		c.MemoryK = d.MemoryK
	}
	return c
}

// Progress reports a stage transition.
type Progress struct {
	RunID      synth.RunID `json:"run_id"`
	BatchID    string      `json:"batch_id"`
	Stage      synth.Stage `json:"stage"`
	Status     string      `json:"status"`
	Message    string      `json:"message"`
	Percentage int         `json:"percentage"`
}

// ProgressCallback receives progress updates. It must not block.
type ProgressCallback func(Progress)
