// Package api provides the HTTP surface for the semantic cache, repair
// coordination, and telemetry subsystems.
package api

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8082")
	ListenAddr string
}
