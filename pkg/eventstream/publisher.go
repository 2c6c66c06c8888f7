package eventstream

import "context"

// Publisher publishes telemetry events to an event stream backend.
type Publisher interface {
	Publish(ctx context.Context, event *TelemetryEvent) error
	Close() error
}
