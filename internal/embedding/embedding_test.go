package embedding

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHashProviderIsDeterministic(t *testing.T) {
	p := NewHashProvider(128)
	ctx := context.Background()

	a, err := p.Embed(ctx, []string{"met Brook at the well"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := p.Embed(ctx, []string{"met Brook at the well"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("vectors differ at %d", i)
		}
	}
}

func TestHashProviderNormalizes(t *testing.T) {
	p := NewHashProvider(64)
	vecs, err := p.Embed(context.Background(), []string{"the storm broke the mill sail"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("expected unit norm, got %v", norm)
	}
}

func TestHashProviderSimilarTextsScoreHigher(t *testing.T) {
	p := NewHashProvider(256)
	ctx := context.Background()
	vecs, err := p.Embed(ctx, []string{
		"watering the tomato garden",
		"the tomato garden needs watering",
		"a letter arrived from the city",
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	dot := func(a, b []float32) float64 {
		var s float64
		for i := range a {
			s += float64(a[i]) * float64(b[i])
		}
		return s
	}
	if dot(vecs[0], vecs[1]) <= dot(vecs[0], vecs[2]) {
		t.Fatal("overlapping texts should be more similar than unrelated ones")
	}
}

func TestAPIProviderSurfacesUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "m", Dimension: 128})
	_, err := p.Embed(context.Background(), []string{"hello"})
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
}

type countingProvider struct {
	inner Provider
	calls atomic.Int64
}

func (c *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, texts)
}

func (c *countingProvider) Dimension() int { return c.inner.Dimension() }

func TestCachedProviderSkipsRepeatEmbeds(t *testing.T) {
	counting := &countingProvider{inner: NewHashProvider(64)}
	cached, err := NewCachedProvider(counting, 100)
	if err != nil {
		t.Fatalf("NewCachedProvider: %v", err)
	}
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"one", "two"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	// ristretto admits asynchronously; drain the set buffers so the
	// repeat lookup is guaranteed to hit.
	cached.cache.Wait()

	second, err := cached.Embed(ctx, []string{"one", "two"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := counting.calls.Load(); got != 1 {
		t.Fatalf("repeat embed reached the inner provider: %d calls", got)
	}
	for i := range first {
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Fatalf("cached vector %d differs at %d", i, j)
			}
		}
	}
}
