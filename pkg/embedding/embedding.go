// Package embedding computes and caches article embeddings (spec
// §4.4.4): keyed by (model_id, content_hash), deduping concurrent
// requests for the same key via singleflight and recording cache hit
// latency separately from cold computation.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/metrics"
)

// Model computes a raw embedding vector for text — an external
// collaborator (the actual model server, spec §6's out-of-scope
// inference kernels).
type Model interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

type cacheEntry struct {
	vector    []float32
	expiresAt time.Time
}

// Cache is the in-process embedding cache (spec §5: TTL-bounded,
// read-write-locked).
type Cache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]cacheEntry
	group singleflight.Group
}

func NewCache(ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{ttl: ttl, items: make(map[string]cacheEntry)}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cacheKey(modelID, hash string) string {
	return modelID + ":" + hash
}

// Get returns an embedding for text under model, computing and caching
// it on a miss. Concurrent callers for the same (model, content) share
// one in-flight computation.
func (c *Cache) Get(ctx context.Context, model Model, text string) ([]float32, error) {
	hash := contentHash(text)
	key := cacheKey(model.ModelID(), hash)

	hitTimer := metrics.NewTimer()
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		hitTimer.ObserveDurationVec(metrics.EmbeddingLatency, "hit")
		metrics.EmbeddingTotal.WithLabelValues("ok").Inc()
		return entry.vector, nil
	}

	timer := metrics.NewTimer()
	v, err, _ := c.group.Do(key, func() (any, error) {
		vec, err := model.Embed(ctx, text)
		if err != nil {
			return nil, apierr.Wrap("embedding.get", apierr.KindUpstream, err, "model_unavailable")
		}
		c.mu.Lock()
		c.items[key] = cacheEntry{vector: vec, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return vec, nil
	})
	timer.ObserveDurationVec(metrics.EmbeddingLatency, "miss")

	if err != nil {
		metrics.EmbeddingTotal.WithLabelValues("model_unavailable").Inc()
		return nil, err
	}
	metrics.EmbeddingTotal.WithLabelValues("ok").Inc()
	return v.([]float32), nil
}

// Purge drops expired entries. Get never deletes them, which keeps
// Get's hot path lock-cheap; expired entries stay in the map until
// Purge runs.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
}
