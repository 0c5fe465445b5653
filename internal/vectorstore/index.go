package vectorstore

import "context"

// Hit is a single nearest-neighbor match.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Index stores memory vectors partitioned by owning agent. Every query is
// scoped to one agent; an agent can never retrieve another agent's vectors.
type Index interface {
	Upsert(ctx context.Context, agentID, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, agentID string, vector []float32, k int) ([]Hit, error)
	Delete(ctx context.Context, agentID string, ids ...string) error
	DropAgent(ctx context.Context, agentID string) error
}
