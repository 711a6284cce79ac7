package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultTTL matches the lifetime of a generation in the shared cache.
const DefaultTTL = 24 * time.Hour

// Backend stores insert-only entries.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// SetNX stores value unless key already exists.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete drops key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	fallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "cache",
			Name:      "fallbacks_total",
			Help:      "Backend failures that were bypassed by computing directly",
		},
	)

	rejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "cache",
			Name:      "rejected_total",
			Help:      "Values refused by a validator and kept out of the cache",
		},
	)
)

// NopBackend never stores anything.
type NopBackend struct{}

func (NopBackend) Get(context.Context, string) (string, bool, error)          { return "", false, nil }
func (NopBackend) SetNX(context.Context, string, string, time.Duration) error { return nil }
func (NopBackend) Delete(context.Context, string) error                       { return nil }
func (NopBackend) Close() error                                               { return nil }

// MemoryBackend is a bounded in-process LRU with per-entry expiry.
type MemoryBackend struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, string]
}

// NewMemoryBackend holds at most size entries, each for ttl.
func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryBackend{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.lru.Get(key)
	return v, ok, nil
}

// SetNX ignores ttl; entries expire after the LRU's configured lifetime.
func (m *MemoryBackend) SetNX(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lru.Peek(key); ok {
		return nil
	}
	m.lru.Add(key, value)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(key)
	return nil
}

func (m *MemoryBackend) Len() int {
	return m.lru.Len()
}

func (m *MemoryBackend) Close() error {
	m.lru.Purge()
	return nil
}

// Settings selects and configures a backend.
type Settings struct {
	Backend    string // memory, redis or none
	RedisURL   string
	TTL        time.Duration
	MaxEntries int
}

// NewBackend builds the backend named in s.
func NewBackend(ctx context.Context, s Settings) (Backend, error) {
	switch s.Backend {
	case "", "memory":
		return NewMemoryBackend(s.MaxEntries, s.TTL), nil
	case "redis":
		return NewRedisBackend(ctx, RedisOptions{URL: s.RedisURL})
	case "none":
		return NopBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.Backend)
	}
}
