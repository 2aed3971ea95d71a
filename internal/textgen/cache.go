package textgen

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

const defaultCacheTTL = 10 * time.Minute

// CachedGenerator memoises generated text per prompt and collapses
// concurrent identical prompts into one upstream call.
type CachedGenerator struct {
	next  Generator
	cache *ristretto.Cache[string, string]
	group singleflight.Group
	ttl   time.Duration
}

func NewCachedGenerator(next Generator, maxCostBytes int64, ttl time.Duration) (*CachedGenerator, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 8 << 20
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create text cache: %w", err)
	}
	return &CachedGenerator{next: next, cache: c, ttl: ttl}, nil
}

func (g *CachedGenerator) GenerateText(ctx context.Context, p Prompt) (string, error) {
	key := p.Key()
	if text, ok := g.cache.Get(key); ok {
		return text, nil
	}
	v, err, _ := g.group.Do(key, func() (any, error) {
		text, err := g.next.GenerateText(ctx, p)
		if err != nil {
			return "", err
		}
		g.cache.SetWithTTL(key, text, int64(len(text)), g.ttl)
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Wait blocks until pending cache writes are visible.
func (g *CachedGenerator) Wait() {
	g.cache.Wait()
}

func (g *CachedGenerator) Close() {
	g.cache.Close()
}
