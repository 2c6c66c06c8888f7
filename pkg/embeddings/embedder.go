// Package embeddings provides the embedding contract the semantic cache
// depends on, with Ollama and OpenAI providers.
package embeddings

import "context"

// Embedder converts prompt text into vector embeddings.
type Embedder interface {
	// Embed converts text into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close releases any resources held by the embedder.
	Close() error
}
