// Package cache provides the namespaced, TTL'd, best-effort byte cache
// fronting expensive scan and decode results. Caching is always optional:
// backend failures are swallowed and a no-op backend is substitutable with
// zero behavior change beyond latency.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KatherLab/wsi-viewer/internal/logging"
	"github.com/KatherLab/wsi-viewer/internal/metrics"
)

// maxKeyLen is the longest key stored verbatim; longer keys are replaced by
// their SHA-1 hex digest to keep the backend keyspace short.
const maxKeyLen = 100

// Backend is a byte-valued key/value store with expiry. Get returns
// (nil, nil) on a miss.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, val []byte) error
	Close() error
}

// TTLs holds the per-category expiry budgets, in seconds.
type TTLs struct {
	Tree    int `yaml:"tree"`
	Shallow int `yaml:"shallow"`
	Expand  int `yaml:"expand"`
	Thumb   int `yaml:"thumb"`
	Tile    int `yaml:"tile"`
}

// Facade wraps a Backend with category-scoped TTLs and best-effort
// semantics.
type Facade struct {
	backend Backend
	ttls    TTLs
}

// NewFacade creates a facade over backend. A nil backend degrades to no-op.
func NewFacade(backend Backend, ttls TTLs) *Facade {
	if backend == nil {
		backend = Noop{}
	}
	return &Facade{backend: backend, ttls: ttls}
}

// Key builds the deterministic cache key for a category and its parts.
func Key(category string, parts ...string) string {
	s := category
	if len(parts) > 0 {
		s += "|" + strings.Join(parts, "|")
	}
	if len(s) > maxKeyLen {
		sum := sha1.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	return s
}

// Get returns the cached bytes for key, or nil on miss. Backend failures
// count as misses.
func (f *Facade) Get(ctx context.Context, category string, parts ...string) []byte {
	key := Key(category, parts...)
	val, err := f.backend.Get(ctx, key)
	if err != nil {
		logging.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		metrics.RecordCacheMiss(category)
		return nil
	}
	if val == nil {
		metrics.RecordCacheMiss(category)
		return nil
	}
	metrics.RecordCacheHit(category)
	return val
}

// Set writes val under the category's TTL. Failures are logged at debug and
// never propagate.
func (f *Facade) Set(ctx context.Context, category string, val []byte, parts ...string) {
	ttl := f.ttl(category)
	if ttl <= 0 {
		return
	}
	key := Key(category, parts...)
	if err := f.backend.SetEx(ctx, key, ttl, val); err != nil {
		logging.Debug("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the backend.
func (f *Facade) Close() error { return f.backend.Close() }

func (f *Facade) ttl(category string) time.Duration {
	var secs int
	switch category {
	case "tree":
		secs = f.ttls.Tree
	case "shallow":
		secs = f.ttls.Shallow
	case "expand":
		secs = f.ttls.Expand
	case "thumb":
		secs = f.ttls.Thumb
	case "tile":
		secs = f.ttls.Tile
	}
	return time.Duration(secs) * time.Second
}

// Noop is the always-miss backend used when no cache is configured or the
// real backend is unreachable.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, error) { return nil, nil }

func (Noop) SetEx(context.Context, string, time.Duration, []byte) error { return nil }

func (Noop) Close() error { return nil }
