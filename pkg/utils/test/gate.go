package testutils

import (
	"context"

	"github.com/simweave/simweave/pkg/simulation"
)

// MockGate is a test broken-prompt gate with explicit marks.
type MockGate struct {
	Broken map[string]bool
}

func NewMockGate() *MockGate {
	return &MockGate{
		Broken: make(map[string]bool),
	}
}

// Mark flags a prompt key and difficulty as broken.
func (g *MockGate) Mark(promptKey string, difficulty simulation.Difficulty) {
	g.Broken[promptKey+"/"+string(difficulty)] = true
}

func (g *MockGate) IsBroken(_ context.Context, promptKey string, difficulty simulation.Difficulty) bool {
	return g.Broken[promptKey+"/"+string(difficulty)]
}
