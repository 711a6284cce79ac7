// Package config provides configuration loading for synthd.
//
// Configuration is assembled from built-in defaults, an optional YAML file,
// an optional .env file and SYNTHD_-prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete synthd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	LLM        LLMConfig        `koanf:"llm"`
	Cache      CacheConfig      `koanf:"cache"`
	Memory     MemoryConfig     `koanf:"memory"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Source     SourceConfig     `koanf:"source"`
	Artifacts  ArtifactsConfig  `koanf:"artifacts"`
	Feedback   FeedbackConfig   `koanf:"feedback"`
	Events     EventsConfig     `koanf:"events"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration for the daemon.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	Host            string   `koanf:"http_host"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// DriveInterval schedules a pipeline drive pass; zero disables the loop.
	DriveInterval Duration `koanf:"drive_interval"`
}

// PipelineConfig controls the stage machine.
type PipelineConfig struct {
	Topic          string   `koanf:"topic"`
	BatchSize      int      `koanf:"batch_size"`
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	StageTimeout   Duration `koanf:"stage_timeout"`
	Workers        int      `koanf:"workers"`
	MemoryK        int      `koanf:"memory_k"`
	RolesFile      string   `koanf:"roles_file"`
	TaxonomyFile   string   `koanf:"taxonomy_file"`
}

// LLMConfig configures the generation endpoint.
type LLMConfig struct {
	Provider          string   `koanf:"provider"`
	BaseURL           string   `koanf:"base_url"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	MaxTokens         int      `koanf:"max_tokens"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	MaxRetries        int      `koanf:"max_retries"`
}

// CacheConfig configures the generation cache backend.
type CacheConfig struct {
	Backend    string   `koanf:"backend"`
	RedisURL   Secret   `koanf:"redis_url"`
	TTL        Duration `koanf:"ttl"`
	MaxEntries int      `koanf:"max_entries"`
	OpTimeout  Duration `koanf:"op_timeout"`
}

// MemoryConfig configures the vector memory backend.
type MemoryConfig struct {
	Backend         string   `koanf:"backend"`
	Collection      string   `koanf:"collection"`
	ChromemPath     string   `koanf:"chromem_path"`
	ChromemCompress bool     `koanf:"chromem_compress"`
	QdrantHost      string   `koanf:"qdrant_host"`
	QdrantPort      int      `koanf:"qdrant_port"`
	QdrantTLS       bool     `koanf:"qdrant_tls"`
	PostgresDSN     Secret   `koanf:"postgres_dsn"`
	QueryTimeout    Duration `koanf:"query_timeout"`
	// RerankWeight is the share of term overlap blended into recall
	// scores; 0 disables reranking.
	RerankWeight float64 `koanf:"rerank_weight"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// SourceConfig selects where documents come from.
type SourceConfig struct {
	Backend        string   `koanf:"backend"`
	File           string   `koanf:"file"`
	DSN            Secret   `koanf:"dsn"`
	ExcludeAuthors []string `koanf:"exclude_authors"`
}

// ArtifactsConfig holds persisted artifact locations.
type ArtifactsConfig struct {
	Dir            string `koanf:"dir"`
	ExperimentsDir string `koanf:"experiments_dir"`
}

// FeedbackConfig holds the directive thresholds. Scores are on a 1..5 scale.
type FeedbackConfig struct {
	CriticalityThreshold int `koanf:"criticality_threshold"`
	UrgentThreshold      int `koanf:"urgent_threshold"`
	SynthesisThreshold   int `koanf:"synthesis_threshold"`
	VoiceThreshold       int `koanf:"voice_threshold"`
	Window               int `koanf:"window"`
}

// EventsConfig configures run lifecycle events.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SecretsConfig controls prompt scrubbing before generation.
type SecretsConfig struct {
	ScrubPrompts  bool   `koanf:"scrub_prompts"`
	AllowlistFile string `koanf:"allowlist_file"`
}

// LoggingConfig is the subset of logging options exposed through config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry options exposed through config files.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// Default returns a configuration populated with defaults. Loading overlays
// file and environment values on top of it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9191,
			Host:            "127.0.0.1",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Pipeline: PipelineConfig{
			Topic:          "Hypertension",
			BatchSize:      5,
			MaxAttempts:    3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			StageTimeout:   Duration(5 * time.Minute),
			Workers:        2,
			MemoryK:        5,
			TaxonomyFile:   "taxonomy.yml",
		},
		LLM: LLMConfig{
			Provider:          "openai",
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o",
			Timeout:           Duration(300 * time.Second),
			MaxTokens:         8192,
			RequestsPerSecond: 2,
			Burst:             4,
			MaxRetries:        3,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			RedisURL:   "redis://localhost:6380/0",
			TTL:        Duration(24 * time.Hour),
			MaxEntries: 10000,
			OpTimeout:  Duration(2 * time.Second),
		},
		Memory: MemoryConfig{
			Backend:         "chromem",
			Collection:      "synthd_memory",
			ChromemCompress: true,
			QdrantHost:      "localhost",
			QdrantPort:      6334,
			QueryTimeout:    Duration(10 * time.Second),
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "hash",
			Model:     "BAAI/bge-small-en-v1.5",
			BaseURL:   "http://localhost:8080",
			Dimension: 384,
		},
		Source: SourceConfig{
			Backend: "file",
			File:    "demo_papers.jsonl",
		},
		Artifacts: ArtifactsConfig{
			Dir:            "data",
			ExperimentsDir: "experiments",
		},
		Feedback: FeedbackConfig{
			CriticalityThreshold: 4,
			UrgentThreshold:      3,
			SynthesisThreshold:   3,
			VoiceThreshold:       3,
			Window:               3,
		},
		Events: EventsConfig{
			SubjectPrefix: "synth.runs",
		},
		Secrets: SecretsConfig{
			ScrubPrompts: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
			ServiceName: "synthd",
		},
	}
}

// Validate checks the configuration. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.http_port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	p := c.Pipeline
	if p.BatchSize < 1 {
		add("pipeline.batch_size must be >= 1, got %d", p.BatchSize)
	}
	if p.MaxAttempts < 1 {
		add("pipeline.max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff.Duration() <= 0 || p.MaxBackoff.Duration() < p.InitialBackoff.Duration() {
		add("pipeline backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if p.StageTimeout.Duration() <= 0 {
		add("pipeline.stage_timeout must be positive")
	}
	if p.Workers < 1 {
		add("pipeline.workers must be >= 1, got %d", p.Workers)
	}
	if p.MemoryK < 1 {
		add("pipeline.memory_k must be >= 1, got %d", p.MemoryK)
	}

	switch c.LLM.Provider {
	case "openai", "langchain":
	default:
		add("llm.provider must be openai or langchain, got %q", c.LLM.Provider)
	}
	if err := validateURL(c.LLM.BaseURL); err != nil {
		add("llm.base_url: %v", err)
	}
	if c.LLM.Model == "" {
		add("llm.model is required")
	}
	if c.LLM.RequestsPerSecond <= 0 || c.LLM.Burst < 1 {
		add("llm rate limit requires requests_per_second > 0 and burst >= 1")
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if !c.Cache.RedisURL.IsSet() {
			add("cache.redis_url is required for the redis backend")
		}
	default:
		add("cache.backend must be memory, redis or none, got %q", c.Cache.Backend)
	}
	if c.Cache.OpTimeout.Duration() <= 0 {
		add("cache.op_timeout must be positive")
	}

	switch c.Memory.Backend {
	case "chromem":
	case "qdrant":
		if c.Memory.QdrantHost == "" || c.Memory.QdrantPort <= 0 || c.Memory.QdrantPort > 65535 {
			add("memory.qdrant_host and memory.qdrant_port are required for the qdrant backend")
		}
	case "pgvector":
		if !c.Memory.PostgresDSN.IsSet() {
			add("memory.postgres_dsn is required for the pgvector backend")
		}
	default:
		add("memory.backend must be chromem, qdrant or pgvector, got %q", c.Memory.Backend)
	}
	if c.Memory.Collection == "" {
		add("memory.collection is required")
	}
	if c.Memory.QueryTimeout.Duration() <= 0 {
		add("memory.query_timeout must be positive")
	}
	if c.Memory.RerankWeight < 0 || c.Memory.RerankWeight > 1 {
		add("memory.rerank_weight must be within [0, 1], got %.2f", c.Memory.RerankWeight)
	}

	switch c.Embeddings.Provider {
	case "hash", "fastembed":
	case "tei", "openai":
		if err := validateURL(c.Embeddings.BaseURL); err != nil {
			add("embeddings.base_url: %v", err)
		}
	default:
		add("embeddings.provider must be hash, fastembed, tei or openai, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "hash" && c.Embeddings.Dimension < 8 {
		add("embeddings.dimension must be >= 8 for the hash provider")
	}

	switch c.Source.Backend {
	case "file":
		if c.Source.File == "" {
			add("source.file is required for the file backend")
		}
	case "postgres":
		if !c.Source.DSN.IsSet() {
			add("source.dsn is required for the postgres backend")
		}
	default:
		add("source.backend must be file or postgres, got %q", c.Source.Backend)
	}

	if c.Artifacts.Dir == "" || c.Artifacts.ExperimentsDir == "" {
		add("artifacts.dir and artifacts.experiments_dir are required")
	}

	f := c.Feedback
	for name, v := range map[string]int{
		"criticality_threshold": f.CriticalityThreshold,
		"urgent_threshold":      f.UrgentThreshold,
		"synthesis_threshold":   f.SynthesisThreshold,
		"voice_threshold":       f.VoiceThreshold,
	} {
		if v < 1 || v > 5 {
			add("feedback.%s must be within 1..5, got %d", name, v)
		}
	}
	if f.Window < 1 {
		add("feedback.window must be >= 1, got %d", f.Window)
	}

	if c.Events.NATSURL != "" && !strings.HasPrefix(c.Events.NATSURL, "nats://") {
		add("events.nats_url must use the nats:// scheme")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" || c.Telemetry.ServiceName == "" {
			add("telemetry.endpoint and telemetry.service_name are required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			add("telemetry.sample_rate must be within 0..1")
		}
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
