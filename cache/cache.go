// Package cache provides the TTL response cache for retrieval results.
//
// The cache is the only component mutated by concurrent turns from
// different sessions; writes are idempotent upserts by key, last writer
// wins. Entries are never served past their TTL.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/luminara-labs/deskflow/core"
)

// ResponseCache maps a query fingerprint to a previously computed citation
// list.
type ResponseCache interface {
	// Get returns the cached citations for key, or false on miss or
	// expiry.
	Get(key string) ([]core.SourceCitation, bool)

	// Put stores the citations under key for at most ttl.
	Put(key string, citations []core.SourceCitation, ttl time.Duration)
}

// RistrettoCache implements ResponseCache on dgraph-io/ristretto.
type RistrettoCache struct {
	inner *ristretto.Cache
}

// Config sizes the cache.
type Config struct {
	// MaxEntries bounds the number of cached fingerprints.
	MaxEntries int64
}

// DefaultConfig returns sensible defaults for a single process.
func DefaultConfig() Config {
	return Config{MaxEntries: 4096}
}

// NewRistrettoCache constructs the cache.
func NewRistrettoCache(cfg Config) (*RistrettoCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &RistrettoCache{inner: inner}, nil
}

func (c *RistrettoCache) Get(key string) ([]core.SourceCitation, bool) {
	v, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	citations, ok := v.([]core.SourceCitation)
	if !ok {
		return nil, false
	}
	return cloneCitations(citations), true
}

func (c *RistrettoCache) Put(key string, citations []core.SourceCitation, ttl time.Duration) {
	c.inner.SetWithTTL(key, cloneCitations(citations), 1, ttl)
	// Ristretto buffers admissions; flush so the entry is visible to the
	// next Get. Callers of Put are already off the hot read path.
	c.inner.Wait()
}

// Close releases the cache's goroutines.
func (c *RistrettoCache) Close() {
	c.inner.Close()
}

func cloneCitations(in []core.SourceCitation) []core.SourceCitation {
	out := make([]core.SourceCitation, len(in))
	copy(out, in)
	return out
}
