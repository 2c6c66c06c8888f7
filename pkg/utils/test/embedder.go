package testutils

import (
	"context"
	"fmt"
)

// MockEmbedder is a test embedder with scripted vectors per prompt.
// Prompts without an entry get a fixed default vector, so exact-key cache
// paths can be exercised without caring about similarity scores.
type MockEmbedder struct {
	// Embeddings maps normalized prompt text to the vector to return.
	Embeddings map[string][]float32

	// FailOn causes Embed to return an error when the input text matches.
	FailOn string
}

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{
		Embeddings: make(map[string][]float32),
	}
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.FailOn != "" && text == m.FailOn {
		return nil, fmt.Errorf("mock embedding failure for: %s", text)
	}

	if emb, ok := m.Embeddings[text]; ok {
		return emb, nil
	}

	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockEmbedder) Close() error {
	return nil
}
