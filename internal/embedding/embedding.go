package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// UnavailableError marks the embedding service as unreachable. Callers
// degrade to recency-only ranking instead of failing the cognition step.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return "embedding unavailable: " + e.Reason + ": " + e.Err.Error()
	}
	return "embedding unavailable: " + e.Reason
}

func (e *UnavailableError) Unwrap() error { return e.Err }
