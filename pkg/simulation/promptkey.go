package simulation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize canonicalizes a raw user prompt before hashing: surrounding
// whitespace is trimmed, interior whitespace runs collapse to single spaces,
// and the result is case-folded. Two prompts that normalize identically share
// a cache slot.
func Normalize(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}

// PromptKey returns the sha256 hex digest of the normalized prompt. The key,
// not the raw text, is what the store indexes: it bounds key length and gives
// an exact-match fast path ahead of semantic search.
func PromptKey(prompt string) string {
	sum := sha256.Sum256([]byte(Normalize(prompt)))
	return hex.EncodeToString(sum[:])
}
