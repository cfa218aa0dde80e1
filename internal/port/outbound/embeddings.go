// Package outbound defines the outbound port interfaces the aggregator's
// domain and service layers depend on; adapters under
// internal/adapter/outbound implement them.
package outbound

import "context"

// EmbeddingProvider is the Embedding Engine port (spec §4.3): a
// deterministic text -> dense vector function, batchable, with the model
// identifier recorded for cache-compatibility checks. Grounded on
// glyphoxa's pkg/provider/embeddings.Provider interface shape.
type EmbeddingProvider interface {
	// Embed computes the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for many texts in one call.
	// The returned slice has the same length as texts; texts[i] maps to
	// result[i].
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider/model identifier recorded in the
	// Capability Index metadata blob; a mismatch against a persisted
	// snapshot forces a full re-embed (spec §4.3, §9).
	ModelID() string
}
