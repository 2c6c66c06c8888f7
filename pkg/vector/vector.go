// Package vector provides the similarity engine for the semantic cache:
// cosine similarity between embeddings and the blob codec used to persist
// float32 vectors.
package vector

import "math"

// Cosine computes the cosine similarity between two vectors, in [-1, 1].
// It returns 0 when the vectors differ in length, are empty, or either has
// zero magnitude, so degenerate embeddings score as unrelated rather than
// erroring.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
