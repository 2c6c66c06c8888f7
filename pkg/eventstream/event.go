// Package eventstream defines transport-neutral telemetry events and the
// publisher contract for fanning them out to an external stream. Publishing
// is optional and never correctness-critical: the nop publisher is the
// default backend.
package eventstream

import "time"

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeRepairAttempt is emitted after a repair attempt is recorded.
	EventTypeRepairAttempt = "simweave.repair.attempt"

	// EventTypeFeedback is emitted after user feedback is recorded.
	EventTypeFeedback = "simweave.feedback.received"
)

// TelemetryEvent is a transport-neutral event payload for one recorded
// telemetry fact.
type TelemetryEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`

	SessionID  string `json:"session_id,omitempty"`
	PromptKey  string `json:"prompt_key"`
	Difficulty string `json:"difficulty,omitempty"`

	// Repair-attempt fields.
	StepIndex  int   `json:"step_index,omitempty"`
	Tier       int   `json:"tier,omitempty"`
	Success    bool  `json:"success,omitempty"`
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Feedback fields.
	Rating int `json:"rating,omitempty"`
}
