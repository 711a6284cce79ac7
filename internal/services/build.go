package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/agents"
	"github.com/fyrsmithlabs/synthd/internal/cache"
	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/config"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/embeddings"
	"github.com/fyrsmithlabs/synthd/internal/events"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/llm"
	"github.com/fyrsmithlabs/synthd/internal/logging"
	"github.com/fyrsmithlabs/synthd/internal/memory"
	"github.com/fyrsmithlabs/synthd/internal/orchestrator"
	"github.com/fyrsmithlabs/synthd/internal/reranker"
	"github.com/fyrsmithlabs/synthd/internal/sanitize"
	"github.com/fyrsmithlabs/synthd/internal/secrets"
	"github.com/fyrsmithlabs/synthd/internal/snapshot"
	"github.com/fyrsmithlabs/synthd/internal/source"
	"github.com/fyrsmithlabs/synthd/internal/telemetry"
	"github.com/fyrsmithlabs/synthd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/synthd"

// Paths are the artifact files under artifacts.dir.
type Paths struct {
	Dir         string
	Knowledge   string
	Ledger      string
	State       string
	Experiments string
}

// PathsFor derives the artifact layout from cfg.
func PathsFor(cfg *config.Config) Paths {
	dir := cfg.Artifacts.Dir
	return Paths{
		Dir:         dir,
		Knowledge:   filepath.Join(dir, "knowledge_graph.json"),
		Ledger:      filepath.Join(dir, "directives.json"),
		State:       filepath.Join(dir, "pipeline_state.json"),
		Experiments: cfg.Artifacts.ExperimentsDir,
	}
}

// BuildOptions selects what Build assembles.
type BuildOptions struct {
	Version string

	// Pipeline also builds the generator, memory, source, events and
	// orchestrator. Read-only commands leave it off.
	Pipeline bool

	// LogToStderr keeps stdout free for a protocol or a TUI.
	LogToStderr bool

	// ConnectBudget bounds retries when dialing remote stores.
	// Defaults to 30s.
	ConnectBudget time.Duration
}

// Build assembles the services for cfg. On error everything opened so far
// is closed.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (reg Registry, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	if opts.ConnectBudget <= 0 {
		opts.ConnectBudget = 30 * time.Second
	}

	o := Options{Config: cfg, Paths: PathsFor(cfg)}
	defer func() {
		if err != nil {
			_ = NewRegistry(o).Close(context.Background())
		}
	}()

	// Telemetry first so the logger can bridge into it.
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, opts.Version), nil)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	o.Telemetry = tel
	o.Closers = append(o.Closers, Closer{Name: "telemetry", Close: tel.Shutdown})

	logCfg := logging.FromSettings(cfg.Logging)
	logCfg.Output.Stderr = opts.LogToStderr
	logCfg.Output.OTEL = cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	o.Logger = logger
	o.Closers = append(o.Closers, Closer{Name: "logger", Close: func(context.Context) error {
		_ = logger.Sync()
		return nil
	}})
	zl := logger.Underlying()

	if err := openStores(&o, zl); err != nil {
		return nil, err
	}

	o.Scrubber, err = secrets.New(secrets.Config{
		Enabled:       cfg.Secrets.ScrubPrompts,
		AllowlistFile: cfg.Secrets.AllowlistFile,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing secret scrubber: %w", err)
	}
	o.Snapshots = snapshot.New(o.Paths.Dir, o.Paths.Experiments, zl)

	if opts.Pipeline {
		if err := buildPipeline(ctx, &o, opts, zl); err != nil {
			return nil, err
		}
	}

	logger.Info(ctx, "services initialized",
		zap.String("artifacts", o.Paths.Dir),
		zap.Bool("pipeline", opts.Pipeline),
		zap.Int("claims", o.Knowledge.Stats().Claims))
	return NewRegistry(o), nil
}

func openStores(o *Options, zl *zap.Logger) error {
	var err error
	o.Runs, err = checkpoint.NewService(&checkpoint.Config{Dir: o.Paths.Dir}, zl)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	o.Closers = append(o.Closers, Closer{Name: "runs", Close: func(context.Context) error { return o.Runs.Close() }})

	if o.State, err = checkpoint.OpenState(o.Paths.State, zl); err != nil {
		return fmt.Errorf("opening pipeline state: %w", err)
	}
	if o.Knowledge, err = knowledge.Open(o.Paths.Knowledge, zl); err != nil {
		return fmt.Errorf("opening knowledge graph: %w", err)
	}
	fb := o.Config.Feedback
	th := directive.Thresholds{
		Criticality: fb.CriticalityThreshold,
		Urgent:      fb.UrgentThreshold,
		Synthesis:   fb.SynthesisThreshold,
		Voice:       fb.VoiceThreshold,
		Window:      fb.Window,
	}
	if o.Ledger, err = directive.Open(o.Paths.Ledger, th, zl); err != nil {
		return fmt.Errorf("opening directive ledger: %w", err)
	}
	return nil
}

func buildPipeline(ctx context.Context, o *Options, opts BuildOptions, zl *zap.Logger) error {
	cfg := o.Config

	roles := agents.DefaultRoleSet()
	if cfg.Pipeline.RolesFile != "" {
		var err error
		if roles, err = agents.LoadRoleSet(cfg.Pipeline.RolesFile); err != nil {
			return fmt.Errorf("loading roles: %w", err)
		}
	}
	o.Roles = roles

	gen, err := llm.New(llm.Settings{
		Provider:          cfg.LLM.Provider,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey.Value(),
		Timeout:           cfg.LLM.Timeout.Duration(),
		MaxTokens:         cfg.LLM.MaxTokens,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
		MaxRetries:        cfg.LLM.MaxRetries,
	}, o.Scrubber, zl)
	if err != nil {
		return fmt.Errorf("initializing generator: %w", err)
	}

	var backend cache.Backend
	err = connect(ctx, remoteBudget(cfg.Cache.Backend == "redis", opts), zl, "cache", func() error {
		var cerr error
		backend, cerr = cache.NewBackend(ctx, cache.Settings{
			Backend:    cfg.Cache.Backend,
			RedisURL:   cfg.Cache.RedisURL.Value(),
			TTL:        cfg.Cache.TTL.Duration(),
			MaxEntries: cfg.Cache.MaxEntries,
		})
		return cerr
	})
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	o.Closers = append(o.Closers, Closer{Name: "cache", Close: func(context.Context) error { return backend.Close() }})
	gateway := cache.NewGateway(backend, cache.Options{
		TTL:       cfg.Cache.TTL.Duration(),
		OpTimeout: cfg.Cache.OpTimeout.Duration(),
		Logger:    zl,
	})

	runners, err := agents.NewRunners(agents.Deps{
		Roles:       roles,
		Gateway:     gateway,
		Generator:   gen,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Concurrency: cfg.Pipeline.Workers,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("building stage runners: %w", err)
	}

	mem, err := openMemory(ctx, o, opts, zl)
	if err != nil {
		return err
	}

	var src source.Source
	err = connect(ctx, remoteBudget(cfg.Source.Backend == "postgres", opts), zl, "source", func() error {
		var serr error
		src, serr = source.New(ctx, source.Settings{
			Backend:        cfg.Source.Backend,
			File:           cfg.Source.File,
			DSN:            cfg.Source.DSN.Value(),
			ExcludeAuthors: cfg.Source.ExcludeAuthors,
		}, zl)
		return serr
	})
	if err != nil {
		return fmt.Errorf("opening document source: %w", err)
	}
	o.Source = src
	o.Closers = append(o.Closers, Closer{Name: "source", Close: func(context.Context) error { return src.Close() }})

	pub, err := events.New(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, zl)
	if err != nil {
		return fmt.Errorf("connecting event publisher: %w", err)
	}
	o.Events = pub
	o.Closers = append(o.Closers, Closer{Name: "events", Close: func(context.Context) error { return pub.Close() }})

	orch, err := orchestrator.New(orchestrator.Deps{
		Runners:   runners,
		Knowledge: o.Knowledge,
		Ledger:    o.Ledger,
		Memory:    mem,
		Runs:      o.Runs,
		State:     o.State,
		Events:    pub,
		Source:    src,
		Tracer:    o.Telemetry.Tracer(instrumentationName),
		Meter:     o.Telemetry.Meter(instrumentationName),
		Logger:    zl,
	}, orchestrator.Config{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		InitialBackoff: cfg.Pipeline.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Pipeline.MaxBackoff.Duration(),
		StageTimeout:   cfg.Pipeline.StageTimeout.Duration(),
		Workers:        cfg.Pipeline.Workers,
		MemoryK:        cfg.Pipeline.MemoryK,
		KnowledgePath:  o.Paths.Knowledge,
		LedgerPath:     o.Paths.Ledger,
	})
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}
	o.Orchestrator = orch
	return nil
}

func openMemory(ctx context.Context, o *Options, opts BuildOptions, zl *zap.Logger) (*memory.Adapter, error) {
	cfg := o.Config
	embedder, err := embeddings.NewProvider(embeddings.Settings{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		CacheDir:  cfg.Embeddings.CacheDir,
		Dimension: cfg.Embeddings.Dimension,
		Logger:    zl,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing embeddings: %w", err)
	}

	chromemPath := cfg.Memory.ChromemPath
	if chromemPath == "" {
		chromemPath = filepath.Join(o.Paths.Dir, "memory")
	}
	var store vectorstore.Store
	remote := cfg.Memory.Backend == "qdrant" || cfg.Memory.Backend == "pgvector"
	err = connect(ctx, remoteBudget(remote, opts), zl, "vectorstore", func() error {
		var verr error
		store, verr = vectorstore.NewStore(ctx, vectorstore.Settings{
			Backend:     cfg.Memory.Backend,
			Collection:  sanitize.Identifier(cfg.Memory.Collection),
			Dimension:   embedder.Dimension(),
			Path:        chromemPath,
			Compress:    cfg.Memory.ChromemCompress,
			QdrantHost:  cfg.Memory.QdrantHost,
			QdrantPort:  cfg.Memory.QdrantPort,
			QdrantTLS:   cfg.Memory.QdrantTLS,
			PostgresDSN: cfg.Memory.PostgresDSN.Value(),
		}, zl)
		return verr
	})
	if err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	memOpts := memory.Options{
		Timeout: cfg.Memory.QueryTimeout.Duration(),
		Logger:  zl,
	}
	if w := cfg.Memory.RerankWeight; w > 0 {
		rr, err := reranker.NewLexical(w)
		if err != nil {
			_ = store.Close()
			_ = embedder.Close()
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		memOpts.Reranker = rr
	}
	mem, err := memory.New(store, embedder, memOpts)
	if err != nil {
		_ = store.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("initializing memory: %w", err)
	}
	o.Closers = append(o.Closers, Closer{Name: "memory", Close: func(context.Context) error { return mem.Close() }})
	return mem, nil
}

// remoteBudget is the retry budget for a backend; local backends get one try.
func remoteBudget(remote bool, opts BuildOptions) time.Duration {
	if !remote {
		return 0
	}
	return opts.ConnectBudget
}

// connect retries dial with exponential backoff until budget runs out. A
// zero budget dials once. Configuration errors are not retried.
func connect(ctx context.Context, budget time.Duration, logger *zap.Logger, name string, dial func() error) error {
	if budget <= 0 {
		return dial()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = budget

	attempt := 0
	op := func() error {
		attempt++
		err := dial()
		if err == nil {
			return nil
		}
		if isConfigError(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("connect failed, retrying", zap.String("component", name), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func isConfigError(err error) bool {
	for _, target := range []error{
		config.ErrInvalidConfig,
		source.ErrInvalidConfig,
		vectorstore.ErrInvalidConfig,
		llm.ErrInvalidConfig,
		embeddings.ErrInvalidConfig,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
