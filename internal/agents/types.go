package agents

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/memory"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

var (
	// ErrUnparseable is returned when a stage that must yield structured
	// output gets an answer it cannot parse.
	ErrUnparseable = errors.New("unparseable stage output")

	// ErrUnknownStage is returned for a stage with no runner.
	ErrUnknownStage = errors.New("unknown stage")
)

// Context is what a stage may read besides the batch.
type Context struct {
	Prior    []checkpoint.StageOutput
	Memory   []memory.Match
	OpenGaps []knowledge.Claim
}

// Request asks a runner to execute one stage of a run.
type Request struct {
	Stage      synth.Stage
	RunID      synth.RunID
	Batch      synth.Batch
	Context    Context
	Directives []directive.Directive
}

// Runner executes one stage.
type Runner interface {
	Role() synth.Role
	Run(ctx context.Context, req Request) (checkpoint.StageOutput, error)
}

// RoleFor returns the role that runs stage.
func RoleFor(stage synth.Stage) (synth.Role, bool) {
	r, ok := stageRoles[stage]
	return r, ok
}

var stageRoles = map[synth.Stage]synth.Role{
	synth.StageIngestion:       synth.RoleSynthesizer,
	synth.StageAudit:           synth.RoleAuditor,
	synth.StageLogicCheck:      synth.RoleEpistemicMapper,
	synth.StageInvention:       synth.RoleArchitect,
	synth.StageMemoryRetrieval: synth.RolePhilosopher,
	synth.StageDiscussion:      synth.RolePhilosopher,
	synth.StagePublication:     synth.RoleEditor,
	synth.StageEvaluation:      synth.RoleAuditor,
}
