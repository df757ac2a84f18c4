// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. Loreweave uses
// these vectors to index world cards, character memories, and relationships
// for semantic retrieval: the narrator's working context for a turn is built
// from whatever lies nearest the player's input in embedding space.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors produced by one Provider instance share the dimensionality
// reported by Dimensions. Vectors from different instances live in different
// spaces and must not be compared unless both wrap the same model.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text. Returns a float32
	// slice of length Dimensions() or an error if the request fails or ctx is
	// cancelled. Text is passed through verbatim; any model-specific prompt
	// prefixes are the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in one provider call.
	// The returned slice has the same length and order as texts. Partial
	// results are not returned: on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces. Constant for the lifetime of the instance; the storage layer
	// sizes its vector columns from it.
	Dimensions() int

	// ModelID returns the provider-specific model identifier
	// (e.g., "text-embedding-3-small", "nomic-embed-text"). Useful for logging.
	ModelID() string
}
