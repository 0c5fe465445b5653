package vectorstore

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Chromem implements Index on an embedded, in-process vector database.
// It needs no external service, which makes it the default for local runs
// and for tests. Each agent gets its own collection.
type Chromem struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromem creates an empty in-memory index.
func NewChromem() *Chromem {
	return &Chromem{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (c *Chromem) collection(agentID string) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[agentID]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[agentID]; ok {
		return col, nil
	}
	// The embedding func is never invoked: callers always supply vectors.
	col, err := c.db.GetOrCreateCollection("agent-"+agentID, nil, func(_ context.Context, _ string) ([]float32, error) {
		return nil, fmt.Errorf("chromem: no embedding func configured")
	})
	if err != nil {
		return nil, fmt.Errorf("chromem collection for %s: %w", agentID, err)
	}
	c.collections[agentID] = col
	return col, nil
}

// Upsert stores one vector with its payload in the agent's collection.
func (c *Chromem) Upsert(ctx context.Context, agentID, id string, vector []float32, payload map[string]string) error {
	col, err := c.collection(agentID)
	if err != nil {
		return err
	}
	meta := make(map[string]string, len(payload))
	for k, v := range payload {
		meta[k] = v
	}
	doc := chromem.Document{
		ID:        id,
		Content:   payload["text"],
		Embedding: vector,
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem upsert: %w", err)
	}
	return nil
}

// Search returns up to k nearest neighbors from the agent's collection.
// chromem rejects queries asking for more results than stored documents,
// so k is clamped to the collection size.
func (c *Chromem) Search(ctx context.Context, agentID string, vector []float32, k int) ([]Hit, error) {
	col, err := c.collection(agentID)
	if err != nil {
		return nil, err
	}
	if n := col.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:      r.ID,
			Score:   r.Similarity,
			Payload: r.Metadata,
		})
	}
	return hits, nil
}

// Delete removes the given documents from the agent's collection.
func (c *Chromem) Delete(ctx context.Context, agentID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := c.collection(agentID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

// DropAgent discards the agent's entire collection.
func (c *Chromem) DropAgent(_ context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteCollection("agent-" + agentID); err != nil {
		return fmt.Errorf("chromem drop collection: %w", err)
	}
	delete(c.collections, agentID)
	return nil
}
