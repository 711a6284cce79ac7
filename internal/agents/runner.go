package agents

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/cache"
	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/llm"
	"github.com/fyrsmithlabs/synthd/internal/logging"
	"github.com/fyrsmithlabs/synthd/internal/memory"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// DefaultConcurrency bounds per-document generations within one stage.
const DefaultConcurrency = 4

// Deps are the collaborators shared by every runner.
type Deps struct {
	Roles       *RoleSet
	Gateway     *cache.Gateway
	Generator   llm.Generator
	Model       string
	MaxTokens   int
	Concurrency int
	Logger      *zap.Logger
}

// PromptRunner runs one stage by rendering its role's templates and
// generating through the cache gateway.
type PromptRunner struct {
	stage  synth.Stage
	role   synth.Role
	deps   Deps
	logger *logging.Logger
	now    func() time.Time
}

// NewRunner returns the runner for stage.
func NewRunner(stage synth.Stage, deps Deps) (*PromptRunner, error) {
	role, ok := RoleFor(stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator cannot be nil")
	}
	if deps.Roles == nil {
		deps.Roles = DefaultRoleSet()
	}
	if deps.Gateway == nil {
		deps.Gateway = cache.NewGateway(nil, cache.Options{Logger: deps.Logger})
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = DefaultConcurrency
	}
	return &PromptRunner{
		stage:  stage,
		role:   role,
		deps:   deps,
		logger: logging.Wrap(deps.Logger).Named("agents").With(zap.String("role", string(role))),
		now:    time.Now,
	}, nil
}

// NewRunners returns a runner for every stage.
func NewRunners(deps Deps) (map[synth.Stage]Runner, error) {
	out := make(map[synth.Stage]Runner, len(stageRoles))
	for _, stage := range synth.AllStages() {
		r, err := NewRunner(stage, deps)
		if err != nil {
			return nil, err
		}
		out[stage] = r
	}
	return out, nil
}

// Role implements Runner.
func (r *PromptRunner) Role() synth.Role { return r.role }

// Run implements Runner.
func (r *PromptRunner) Run(ctx context.Context, req Request) (checkpoint.StageOutput, error) {
	if req.Stage != r.stage {
		return checkpoint.StageOutput{}, fmt.Errorf("%w: runner for %s got %s", ErrUnknownStage, r.stage, req.Stage)
	}
	ctx = logging.WithStage(ctx, string(req.Stage))

	var (
		payload checkpoint.Payload
		err     error
	)
	switch req.Stage {
	case synth.StageIngestion:
		payload, err = r.ingest(ctx, req)
	case synth.StageLogicCheck:
		payload, err = r.logicCheck(ctx, req)
	case synth.StageInvention:
		payload, err = r.invent(ctx, req)
	case synth.StageEvaluation:
		payload, err = r.evaluate(ctx, req)
	case synth.StageMemoryRetrieval:
		if len(req.Context.Memory) == 0 {
			payload = checkpoint.NoFindings()
			break
		}
		payload, err = r.prose(ctx, req, tmplMemory)
	case synth.StageAudit:
		payload, err = r.prose(ctx, req, tmplAudit)
	case synth.StageDiscussion:
		payload, err = r.prose(ctx, req, tmplDiscussion)
	case synth.StagePublication:
		payload, err = r.prose(ctx, req, tmplPublication)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownStage, req.Stage)
	}
	if err != nil {
		return checkpoint.StageOutput{}, err
	}
	if payload.IsEmpty() {
		payload = checkpoint.NoFindings()
	}

	return checkpoint.StageOutput{
		ID:         fmt.Sprintf("%s.%s", req.RunID, req.Stage),
		RunID:      req.RunID,
		BatchID:    req.Batch.ID,
		Stage:      req.Stage,
		ProducedBy: r.role,
		Payload:    payload,
		CreatedAt:  r.now().UTC(),
	}, nil
}

// promptData is what templates see.
type promptData struct {
	Topic     string
	Run       string
	Doc       synth.Document
	Body      string
	Summaries []checkpoint.Summary
	Memory    []memory.Match
	Gaps      []knowledge.Claim
	Claims    []knowledge.Claim
	Protocols []knowledge.Protocol
	Draft     string
	Critique  string
	Prior     map[string]string
}

func newPromptData(req Request) promptData {
	d := promptData{
		Topic:  batchTopic(req.Batch),
		Run:    req.RunID.String(),
		Memory: req.Context.Memory,
		Gaps:   req.Context.OpenGaps,
		Prior:  make(map[string]string, len(req.Context.Prior)),
	}
	for _, out := range req.Context.Prior {
		p := out.Payload
		if !p.NoFindings {
			d.Prior[string(out.Stage)] = p.Text
		}
		d.Summaries = append(d.Summaries, p.Summaries...)
		d.Claims = append(d.Claims, p.Claims...)
		d.Protocols = append(d.Protocols, p.Protocols...)
	}
	return d
}

func (d promptData) forDocument(doc synth.Document) promptData {
	d.Doc = doc
	d.Body = doc.Body()
	return d
}

func batchTopic(b synth.Batch) string {
	for _, d := range b.Documents {
		if d.Topic != "" {
			return d.Topic
		}
	}
	return "the current research batch"
}

// generate renders template name with data and asks the generator, going
// through the cache. step distinguishes the calls of a multi-step stage.
func (r *PromptRunner) generate(ctx context.Context, req Request, name, step string, data promptData) (string, error) {
	return r.generateValid(ctx, req, name, step, data, nil)
}

// generateValid is generate for answers that validate must accept. A
// rejected answer is never cached, so a retry asks the generator again.
func (r *PromptRunner) generateValid(ctx context.Context, req Request, name, step string, data promptData, validate cache.Validator) (string, error) {
	cfg, ok := r.deps.Roles.Role(r.role)
	if !ok {
		return "", fmt.Errorf("no policy for role %s", r.role)
	}
	text, ok := r.deps.Roles.Template(name)
	if !ok {
		return "", fmt.Errorf("no template %q", name)
	}
	tmpl, err := parseTemplate(name, text)
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", name, err)
	}

	system := cfg.systemPrompt()
	if block := directive.Format(req.Directives); block != "" {
		system = strings.TrimRight(system, "\n") + "\n\n" + block
	}
	prompt := llm.Prompt{
		System:      system,
		User:        buf.String(),
		Temperature: cfg.Temperature,
		MaxTokens:   r.deps.MaxTokens,
	}

	key, err := cache.KeyFor(text, map[string]any{
		"role":        r.role,
		"stage":       req.Stage,
		"step":        step,
		"system":      prompt.System,
		"prompt":      prompt.User,
		"model":       r.deps.Model,
		"temperature": prompt.Temperature,
	})
	if err != nil {
		return "", err
	}

	start := time.Now()
	out, err := r.deps.Gateway.GetOrComputeValid(ctx, key, func(ctx context.Context) (string, error) {
		return r.deps.Generator.Generate(ctx, prompt)
	}, validate)
	if err != nil {
		generationsTotal.WithLabelValues(string(r.role), step, "error").Inc()
		return "", fmt.Errorf("%s %s: %w", req.Stage, step, err)
	}
	generationsTotal.WithLabelValues(string(r.role), step, "ok").Inc()
	r.logger.Debug(ctx, "generated",
		zap.String("step", step),
		zap.Int("chars", len(out)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}
