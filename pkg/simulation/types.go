// Package simulation defines the domain records for generated simulations:
// the step sequence produced by the generator, the difficulty tiers that
// partition the cache, and prompt normalization/keying.
package simulation

import "encoding/json"

// Difficulty is the tier label that partitions the cache. The same prompt at
// a different difficulty occupies a different cache slot.
type Difficulty string

const (
	DifficultyExplorer  Difficulty = "explorer"
	DifficultyEngineer  Difficulty = "engineer"
	DifficultyArchitect Difficulty = "architect"
)

// Valid reports whether d is a known difficulty tier.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyExplorer, DifficultyEngineer, DifficultyArchitect:
		return true
	}
	return false
}

// Step is one step of a generated simulation.
type Step struct {
	// Index is the zero-based position of the step in the sequence.
	Index int `json:"index"`

	// IsFinal marks the step as the explicit terminal step of the
	// simulation, as opposed to merely the last one generated so far.
	IsFinal bool `json:"is_final"`

	// Instruction is the human-readable instruction text for the step.
	Instruction string `json:"instruction"`

	// DiagramMarkup is the syntax-constrained diagram source rendered
	// client-side.
	DiagramMarkup string `json:"diagram_markup"`

	// DataTable is an optional tabular payload accompanying the diagram.
	DataTable json.RawMessage `json:"data_table,omitempty"`

	// Analysis is the step-level explanation text.
	Analysis string `json:"analysis,omitempty"`
}

// Sequence is a full simulation: an ordered list of steps.
type Sequence struct {
	Steps []Step `json:"steps"`
}

// Len returns the number of steps in the sequence.
func (s *Sequence) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Steps)
}

// FinalComplete reports whether the sequence reached its natural end,
// i.e. its last step is explicitly marked terminal.
func (s *Sequence) FinalComplete() bool {
	if s == nil || len(s.Steps) == 0 {
		return false
	}
	return s.Steps[len(s.Steps)-1].IsFinal
}

// Marshal encodes the sequence as the opaque JSON payload stored in the cache.
func (s *Sequence) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a stored cache payload back into a sequence.
func Unmarshal(payload []byte) (*Sequence, error) {
	var seq Sequence
	if err := json.Unmarshal(payload, &seq); err != nil {
		return nil, err
	}
	return &seq, nil
}
