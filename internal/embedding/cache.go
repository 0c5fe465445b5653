package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes embeddings by text. Cognition cycles embed the
// same short queries over and over ("what happened since last tick"), so
// the hit rate is high and every hit saves an outbound call.
type CachedProvider struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCachedProvider wraps a provider with a ristretto cache holding up to
// maxEntries vectors.
func NewCachedProvider(inner Provider, maxEntries int64) (*CachedProvider, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// The budget counts entries at cost 1 each; without this the
		// per-entry bookkeeping overhead eats almost the whole budget.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

// Embed returns cached vectors where possible and embeds only the misses.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, t := range texts {
		if v, ok := p.cache.Get(t); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := p.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vectors {
		out[missingIdx[j]] = vec
		p.cache.Set(missing[j], vec, 1)
	}
	return out, nil
}

// Dimension reports the wrapped provider's dimension.
func (p *CachedProvider) Dimension() int { return p.inner.Dimension() }
