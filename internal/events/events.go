// Package events publishes run lifecycle events.
//
// Events are JSON on NATS subjects of the form
//
//	synth.runs.{run_id}.started
//	synth.runs.{run_id}.stage
//	synth.runs.{run_id}.completed
//	synth.runs.{run_id}.failed
//
// Publishing is best effort. A pipeline never fails because an event could
// not be delivered.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "synth.runs"

// Kind is the lifecycle transition an event reports.
type Kind string

const (
	KindStarted   Kind = "started"
	KindStage     Kind = "stage"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Event is one lifecycle notification.
type Event struct {
	Kind      Kind        `json:"kind"`
	RunID     synth.RunID `json:"run_id"`
	BatchID   string      `json:"batch_id"`
	Stage     synth.Stage `json:"stage,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
	NoFinding bool        `json:"no_findings,omitempty"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Subject returns the subject ev is published on.
func Subject(prefix string, ev Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s.%s", prefix, ev.RunID, ev.Kind)
}

// NATSPublisher publishes on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("synthd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. Close does not close nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Publish marshals ev and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

// Close flushes pending events and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}

// New returns a NATS publisher for url, or a NopPublisher when url is empty.
func New(url, prefix string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return NopPublisher{}, nil
	}
	return Connect(url, prefix, logger)
}
