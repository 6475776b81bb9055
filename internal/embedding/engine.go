// Package embedding generates vector embeddings for failure pattern
// deduplication. The Engine interface hides the backend; Client adds
// caching, batching, and rate-limit retry on top of it.
package embedding

import (
	"context"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// AsFloat64 converts an engine vector to the float64 form the similarity
// package works in.
func AsFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
