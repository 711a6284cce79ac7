package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/synthd/internal/agents"
	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/config"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/events"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/logging"
	"github.com/fyrsmithlabs/synthd/internal/orchestrator"
	"github.com/fyrsmithlabs/synthd/internal/secrets"
	"github.com/fyrsmithlabs/synthd/internal/snapshot"
	"github.com/fyrsmithlabs/synthd/internal/source"
	"github.com/fyrsmithlabs/synthd/internal/telemetry"
)

// Registry provides access to the assembled services.
// Pipeline accessors return nil unless Build was asked for the pipeline.
type Registry interface {
	Config() *config.Config
	Paths() Paths
	Logger() *logging.Logger
	Telemetry() *telemetry.Telemetry

	Runs() checkpoint.Service
	State() *checkpoint.StateStore
	Knowledge() *knowledge.Store
	Ledger() *directive.Ledger
	Scrubber() secrets.Scrubber
	Snapshots() *snapshot.Manager

	Roles() *agents.RoleSet
	Source() source.Source
	Events() events.Publisher
	Orchestrator() *orchestrator.Orchestrator

	// Close releases everything Build opened, newest first.
	Close(ctx context.Context) error
}

// Options configures the registry with service instances.
type Options struct {
	Config    *config.Config
	Paths     Paths
	Logger    *logging.Logger
	Telemetry *telemetry.Telemetry

	Runs      checkpoint.Service
	State     *checkpoint.StateStore
	Knowledge *knowledge.Store
	Ledger    *directive.Ledger
	Scrubber  secrets.Scrubber
	Snapshots *snapshot.Manager

	Roles        *agents.RoleSet
	Source       source.Source
	Events       events.Publisher
	Orchestrator *orchestrator.Orchestrator

	// Closers run in reverse order on Close.
	Closers []Closer
}

// Closer releases one resource.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

type registry struct {
	opts Options
}

// NewRegistry creates a registry over already built services.
func NewRegistry(opts Options) Registry {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &registry{opts: opts}
}

func (r *registry) Config() *config.Config                   { return r.opts.Config }
func (r *registry) Paths() Paths                             { return r.opts.Paths }
func (r *registry) Logger() *logging.Logger                  { return r.opts.Logger }
func (r *registry) Telemetry() *telemetry.Telemetry          { return r.opts.Telemetry }
func (r *registry) Runs() checkpoint.Service                 { return r.opts.Runs }
func (r *registry) State() *checkpoint.StateStore            { return r.opts.State }
func (r *registry) Knowledge() *knowledge.Store              { return r.opts.Knowledge }
func (r *registry) Ledger() *directive.Ledger                { return r.opts.Ledger }
func (r *registry) Scrubber() secrets.Scrubber               { return r.opts.Scrubber }
func (r *registry) Snapshots() *snapshot.Manager             { return r.opts.Snapshots }
func (r *registry) Roles() *agents.RoleSet                   { return r.opts.Roles }
func (r *registry) Source() source.Source                    { return r.opts.Source }
func (r *registry) Events() events.Publisher                 { return r.opts.Events }
func (r *registry) Orchestrator() *orchestrator.Orchestrator { return r.opts.Orchestrator }

func (r *registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.opts.Closers) - 1; i >= 0; i-- {
		c := r.opts.Closers[i]
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", c.Name, err))
		}
	}
	r.opts.Closers = nil
	return errors.Join(errs...)
}
