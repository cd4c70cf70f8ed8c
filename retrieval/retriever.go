package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luminara-labs/deskflow/cache"
	"github.com/luminara-labs/deskflow/core"
)

// Config holds retriever tunables.
type Config struct {
	// TopK is the default number of citations when the caller passes 0.
	TopK int

	// CacheTTL bounds how long a retrieval result may be served from the
	// response cache.
	CacheTTL time.Duration
}

// DefaultConfig matches the production defaults (30 minute TTL, top 5).
func DefaultConfig() Config {
	return Config{TopK: 5, CacheTTL: 30 * time.Minute}
}

// Retriever answers queries from the response cache when possible and from
// the vector index otherwise, writing results through with a TTL.
//
// Concurrent callers with an identical fingerprint share a single
// underlying search: the index never sees a thundering herd for one query.
type Retriever struct {
	index    VectorIndex
	embedder Embedder
	cache    cache.ResponseCache
	cfg      Config
	logger   *zap.Logger

	version atomic.Int64
	group   singleflight.Group
}

// New constructs a Retriever. logger may be nil.
func New(index VectorIndex, embedder Embedder, respCache cache.ResponseCache, cfg Config, logger *zap.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		index:    index,
		embedder: embedder,
		cache:    respCache,
		cfg:      cfg,
		logger:   logger,
	}
}

// Version returns the current knowledge-base version tag.
func (r *Retriever) Version() int64 {
	return r.version.Load()
}

// BumpVersion invalidates every prior fingerprint without enumerating
// cache keys. Called after re-indexing.
func (r *Retriever) BumpVersion() {
	v := r.version.Add(1)
	r.logger.Info("knowledge base version bumped", zap.Int64("version", v))
}

// Retrieve returns ranked citations for the query, possibly empty. An
// unreachable index or embedder yields core.ErrRetrievalUnavailable; stale
// cache entries are never used to mask the failure.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]core.SourceCitation, error) {
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	normalized := normalizeQuery(query)
	fp := Fingerprint(normalized, topK, r.version.Load())

	if cached, ok := r.cache.Get(fp); ok {
		r.logger.Debug("retrieval cache hit", zap.String("fingerprint", fp))
		return cached, nil
	}

	v, err, shared := r.group.Do(fp, func() (interface{}, error) {
		// A concurrent flight may have filled the cache while this caller
		// waited on the group.
		if cached, ok := r.cache.Get(fp); ok {
			return cached, nil
		}
		return r.search(ctx, normalized, topK, fp)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("retrieval shared in-flight result", zap.String("fingerprint", fp))
	}
	return v.([]core.SourceCitation), nil
}

func (r *Retriever) search(ctx context.Context, normalized string, topK int, fp string) ([]core.SourceCitation, error) {
	embedding, err := r.embedder.Embed(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", core.ErrRetrievalUnavailable, err)
	}

	matches, err := r.index.Search(ctx, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: index search: %v", core.ErrRetrievalUnavailable, err)
	}

	// Ascending by distance; equal distances keep source-index order.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	citations := make([]core.SourceCitation, 0, len(matches))
	for _, m := range matches {
		citations = append(citations, core.SourceCitation{
			ID:         m.ID,
			Snippet:    m.Content,
			DocumentID: m.DocumentID,
			Location:   m.Location,
			Distance:   m.Distance,
		})
	}

	r.cache.Put(fp, citations, r.cfg.CacheTTL)
	r.logger.Debug("retrieval search completed",
		zap.String("fingerprint", fp),
		zap.Int("results", len(citations)))
	return citations, nil
}

// AddDocument embeds and indexes one knowledge-base chunk, then bumps the
// version so cached results for the old corpus expire immediately.
func (r *Retriever) AddDocument(ctx context.Context, doc Document) error {
	embedding, err := r.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	if err := r.index.Add(ctx, doc, embedding); err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	r.BumpVersion()
	return nil
}

// Fingerprint derives the cache key for a normalized query. The version
// tag makes re-indexing an implicit global invalidation.
func Fingerprint(normalizedQuery string, topK int, version int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d", normalizedQuery, topK, version)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeQuery lowercases and collapses whitespace so equivalent queries
// share a fingerprint (and an embedding).
func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
