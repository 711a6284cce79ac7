// Package cache memoizes deterministic generations behind content-addressed
// keys.
//
// The Gateway never fails a caller because the backend is unavailable: backend
// errors are logged, counted and the value is computed directly.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Key is the hex sha256 of a canonical (template, vars) encoding.
type Key string

// KeyFor derives the key for a rendered template and its variables.
// encoding/json sorts map keys, so equal inputs always give equal keys.
func KeyFor(template string, vars any) (Key, error) {
	data, err := json.Marshal(struct {
		Template string `json:"template"`
		Vars     any    `json:"vars"`
	}{template, vars})
	if err != nil {
		return "", fmt.Errorf("encoding cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:])), nil
}

// Options tune a Gateway.
type Options struct {
	TTL       time.Duration
	OpTimeout time.Duration
	Logger    *zap.Logger
}

// Gateway fronts a Backend with single-flight computation.
type Gateway struct {
	backend   Backend
	ttl       time.Duration
	opTimeout time.Duration
	logger    *zap.Logger
	group     singleflight.Group
}

// NewGateway returns a gateway over backend. A nil backend disables caching.
func NewGateway(backend Backend, opts Options) *Gateway {
	if backend == nil {
		backend = NopBackend{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}
	return &Gateway{
		backend:   backend,
		ttl:       opts.TTL,
		opTimeout: opts.OpTimeout,
		logger:    opts.Logger,
	}
}

// Validator rejects a computed value that must not be cached.
type Validator func(string) error

// GetOrCompute returns the cached value for key, computing and storing it on
// a miss. Concurrent callers for one key share a single compute, which runs
// with the first caller's context. A failed compute is not stored.
func (g *Gateway) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) (string, error)) (string, error) {
	return g.GetOrComputeValid(ctx, key, compute, nil)
}

// GetOrComputeValid is GetOrCompute for values that validate must accept.
// A computed value that validate rejects is not stored and its error is
// returned, so the next call computes afresh. A stored value that validate
// rejects is evicted and recomputed.
func (g *Gateway) GetOrComputeValid(ctx context.Context, key Key, compute func(context.Context) (string, error), validate Validator) (string, error) {
	v, err, _ := g.group.Do(string(key), func() (any, error) {
		if val, ok := g.lookup(ctx, key); ok {
			if validate == nil || validate(val) == nil {
				return val, nil
			}
			rejectedTotal.Inc()
			g.evict(ctx, key)
		}
		val, err := compute(ctx)
		if err != nil {
			return "", err
		}
		if validate != nil {
			if err := validate(val); err != nil {
				rejectedTotal.Inc()
				return "", err
			}
		}
		g.store(ctx, key, val)
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Gateway) lookup(ctx context.Context, key Key) (string, bool) {
	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	val, ok, err := g.backend.Get(opCtx, string(key))
	switch {
	case err != nil:
		requestsTotal.WithLabelValues("error").Inc()
		fallbacksTotal.Inc()
		g.logger.Warn("cache get failed, computing directly", zap.String("key", string(key)), zap.Error(err))
		return "", false
	case ok:
		requestsTotal.WithLabelValues("hit").Inc()
		return val, true
	default:
		requestsTotal.WithLabelValues("miss").Inc()
		return "", false
	}
}

func (g *Gateway) store(ctx context.Context, key Key, val string) {
	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	if err := g.backend.SetNX(opCtx, string(key), val, g.ttl); err != nil {
		fallbacksTotal.Inc()
		g.logger.Warn("cache set failed", zap.String("key", string(key)), zap.Error(err))
	}
}

func (g *Gateway) evict(ctx context.Context, key Key) {
	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	if err := g.backend.Delete(opCtx, string(key)); err != nil {
		fallbacksTotal.Inc()
		g.logger.Warn("cache delete failed", zap.String("key", string(key)), zap.Error(err))
	}
}

// Close releases the backend.
func (g *Gateway) Close() error {
	return g.backend.Close()
}
