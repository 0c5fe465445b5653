package vectorstore

import (
	"context"
	"testing"

	"github.com/vivarium-sim/vivarium/internal/embedding"
)

func embedOne(t *testing.T, p *embedding.HashProvider, text string) []float32 {
	t.Helper()
	vecs, err := p.Embed(context.Background(), []string{text})
	if err != nil {
		t.Fatalf("embed %q: %v", text, err)
	}
	return vecs[0]
}

func TestChromemSearchIsScopedToAgent(t *testing.T) {
	idx := NewChromem()
	p := embedding.NewHashProvider(64)
	ctx := context.Background()

	if err := idx.Upsert(ctx, "a1", "m1", embedOne(t, p, "the garden"), map[string]string{"text": "the garden"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "a2", "m2", embedOne(t, p, "the garden"), map[string]string{"text": "the garden"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := idx.Search(ctx, "a1", embedOne(t, p, "garden"), 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "m1" {
		t.Fatalf("expected only a1's vector, got %+v", hits)
	}
}

func TestChromemSearchClampsK(t *testing.T) {
	idx := NewChromem()
	p := embedding.NewHashProvider(64)
	ctx := context.Background()

	if hits, err := idx.Search(ctx, "empty", embedOne(t, p, "anything"), 5); err != nil || len(hits) != 0 {
		t.Fatalf("empty collection should return no hits, got %v err=%v", hits, err)
	}

	if err := idx.Upsert(ctx, "a1", "m1", embedOne(t, p, "one"), nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	hits, err := idx.Search(ctx, "a1", embedOne(t, p, "one"), 10)
	if err != nil {
		t.Fatalf("Search with k larger than count: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
}

func TestChromemDeleteAndDrop(t *testing.T) {
	idx := NewChromem()
	p := embedding.NewHashProvider(64)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := idx.Upsert(ctx, "a1", id, embedOne(t, p, "memory "+id), nil); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	if err := idx.Delete(ctx, "a1", "m1", "m2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	hits, err := idx.Search(ctx, "a1", embedOne(t, p, "memory"), 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "m3" {
		t.Fatalf("expected only m3 to survive, got %+v", hits)
	}

	if err := idx.DropAgent(ctx, "a1"); err != nil {
		t.Fatalf("DropAgent: %v", err)
	}
	hits, err = idx.Search(ctx, "a1", embedOne(t, p, "memory"), 10)
	if err != nil {
		t.Fatalf("Search after drop: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty collection after drop, got %+v", hits)
	}
}
