package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/backoff"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
)

// Client wraps an Engine with an in-memory cache and rate-limit retry.
// Dedup runs embed the same "{failure_type}: {trigger_condition}" text for
// every unmerged pattern in the candidate set, so the cache pays for itself
// within a single batch.
type Client struct {
	engine Engine
	policy backoff.Policy

	mu    sync.Mutex
	cache map[string][]float32
}

// NewClient wraps engine with caching and retry.
func NewClient(engine Engine) *Client {
	return &Client{
		engine: engine,
		policy: backoff.LLMPolicy(),
		cache:  make(map[string][]float32),
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding for text, from cache when available.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	log := logging.For(logging.CategoryEmbedding)

	key := cacheKey(text)
	c.mu.Lock()
	if vec, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return AsFloat64(vec), nil
	}
	c.mu.Unlock()

	var vec []float32
	err := backoff.Retry(ctx, c.policy, func(err error) bool {
		return model.KindOf(err) == model.KindRateLimited
	}, func() error {
		v, embErr := c.engine.Embed(ctx, text)
		if embErr != nil {
			return embErr
		}
		vec = v
		return nil
	})
	if err != nil {
		log.Warn("embedding failed",
			zap.String("engine", c.engine.Name()),
			zap.String("kind", string(model.KindOf(err))))
		return nil, err
	}
	if want := c.engine.Dimensions(); want > 0 && len(vec) != want {
		return nil, model.E(model.KindModelError, "embedding dimension %d, expected %d", len(vec), want)
	}

	c.mu.Lock()
	c.cache[key] = vec
	c.mu.Unlock()
	return AsFloat64(vec), nil
}

// CacheSize reports how many embeddings are cached. Used by health endpoints.
func (c *Client) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
