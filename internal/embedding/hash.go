package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// HashProvider is a deterministic feature-hashing embedder. Each token is
// hashed into a bucket with a sign bit and the vector is L2-normalized.
// It needs no external service, so retrieval keeps working when no
// embedding API is configured or reachable.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hashing embedder with the given dimension.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 128
	}
	return &HashProvider{dimension: dimension}
}

// Embed hashes each text into a normalized vector. It never fails.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embedOne(t)
	}
	return out, nil
}

func (p *HashProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dimension)
	tokens := hashTokens(text)
	if len(tokens) == 0 {
		return vec
	}

	for _, token := range tokens {
		h := sha256.Sum256([]byte(token))
		idx := binary.BigEndian.Uint32(h[:4]) % uint32(p.dimension)
		sign := float32(1)
		if h[4]%2 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Dimension returns the configured vector dimension.
func (p *HashProvider) Dimension() int { return p.dimension }

// hashTokens splits text into lowercase word tokens, keeping letters,
// digits and underscore across any script.
func hashTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	return fields
}
