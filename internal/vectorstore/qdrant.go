package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("synthd.vectorstore.qdrant")

// pointNamespace derives stable Qdrant point UUIDs from record ids, which
// are arbitrary strings.
var pointNamespace = uuid.MustParse("6f1c2b7e-3d4a-5e8f-9a0b-1c2d3e4f5a6b")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host defaults to localhost.
	Host string

	// Port is the gRPC port (6334), not the REST port.
	Port int

	Collection string
	Dimension  int
	UseTLS     bool

	// MaxRetries bounds retries of transient gRPC failures. Default 3.
	MaxRetries int

	// RetryBackoff is the first retry delay, doubled per attempt. Default 1s.
	RetryBackoff time.Duration

	// MaxMessageSize caps gRPC messages. Default 50MB.
	MaxMessageSize int

	// CircuitBreakerThreshold is the failure count that opens the circuit. Default 5.
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "synth_memory"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store on a Qdrant collection.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	ensureMu sync.Mutex
	ensured  bool

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantStore connects and health-checks the server. The collection is
// created on the first write or query.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return &QdrantStore{client: client, config: cfg, logger: logger}, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}
	err := s.retry(ctx, "ensure_collection", func() error {
		exists, err := s.client.CollectionExists(ctx, s.config.Collection)
		if err != nil || exists {
			return err
		}
		s.logger.Info("creating qdrant collection",
			zap.String("collection", s.config.Collection),
			zap.Int("dimension", s.config.Dimension),
		)
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err == nil {
		s.ensured = true
	}
	return err
}

func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

func recordPayload(rec Record) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		"id":      qdrant.NewValueString(rec.ID),
		"content": qdrant.NewValueString(rec.Content),
		"seq":     qdrant.NewValueInt(rec.Seq),
		"run_id":  qdrant.NewValueString(rec.RunID),
	}
}

func hitFromPoint(p *qdrant.ScoredPoint) Hit {
	payload := p.GetPayload()
	return Hit{
		ID:      payload["id"].GetStringValue(),
		Score:   p.GetScore(),
		Content: payload["content"].GetStringValue(),
		Seq:     payload["seq"].GetIntegerValue(),
		RunID:   payload["run_id"].GetStringValue(),
	}
}

func (s *QdrantStore) Upsert(ctx context.Context, rec Record) (err error) {
	defer observe("qdrant", "upsert", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("id", rec.ID))

	if err := validateRecord(rec, s.config.Dimension); err != nil {
		return err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}
	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      pointID(rec.ID),
				Vectors: qdrant.NewVectors(rec.Vector...),
				Payload: recordPayload(rec),
			}},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int) (hits []Hit, err error) {
	defer observe("qdrant", "query", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if err := validateQuery(vector, k, s.config.Dimension); err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "query", func() error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits = make([]Hit, len(points))
	for i, p := range points {
		hits[i] = hitFromPoint(p)
	}
	return hits, nil
}

func (s *QdrantStore) Count(ctx context.Context) (n int, err error) {
	defer observe("qdrant", "count", time.Now(), &err)
	if err := s.ensureCollection(ctx); err != nil {
		return 0, err
	}
	var c uint64
	err = s.retry(ctx, "count", func() error {
		var err error
		c, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	return int(c), err
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// retry runs op with exponential backoff for transient gRPC errors. After
// CircuitBreakerThreshold consecutive failures calls fail fast for 30s.
func (s *QdrantStore) retry(ctx context.Context, name string, op func() error) error {
	if s.circuitOpen() {
		return fmt.Errorf("%s: circuit breaker open", name)
	}
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			s.resetBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		s.recordFailure()
		if attempt >= s.config.MaxRetries || s.circuitOpen() {
			return fmt.Errorf("%s failed after %d attempts: %w", name, attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) recordFailure() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures++
	s.breaker.lastFail = time.Now()
}

func (s *QdrantStore) resetBreaker() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures = 0
}

func (s *QdrantStore) circuitOpen() bool {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	if s.breaker.failures < s.config.CircuitBreakerThreshold {
		return false
	}
	if time.Since(s.breaker.lastFail) > 30*time.Second {
		s.breaker.failures = 0
		return false
	}
	return true
}
