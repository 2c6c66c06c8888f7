package config

const (
	defaultStorageDriver = "sqlite"
	defaultSQLitePath    = "simweave.db"
	defaultAPIListen     = ":8082"

	defaultEmbeddingProvider   = "ollama"
	defaultEmbeddingTarget     = "http://localhost:11434"
	defaultEmbeddingModel      = "nomic-embed-text"
	defaultEmbeddingDimensions = 768

	defaultCacheThreshold = 0.80

	defaultPendingTimeoutMinutes = 15
	defaultBrokenTTLHours        = 24
	defaultSweepIntervalMinutes  = 5

	defaultTelemetryWorkers   = 2
	defaultTelemetryQueueSize = 256

	defaultEventstreamProvider = "nop"
	defaultEventstreamTopic    = "simweave.telemetry"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Driver:     defaultStorageDriver,
			SQLitePath: defaultSQLitePath,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Embedding: EmbeddingConfig{
			Provider:   defaultEmbeddingProvider,
			Target:     defaultEmbeddingTarget,
			Model:      defaultEmbeddingModel,
			Dimensions: defaultEmbeddingDimensions,
		},
		Cache: CacheConfig{
			Threshold: defaultCacheThreshold,
		},
		Repair: RepairConfig{
			PendingTimeoutMinutes: defaultPendingTimeoutMinutes,
			BrokenTTLHours:        defaultBrokenTTLHours,
			SweepIntervalMinutes:  defaultSweepIntervalMinutes,
		},
		Telemetry: TelemetryConfig{
			Workers:   defaultTelemetryWorkers,
			QueueSize: defaultTelemetryQueueSize,
		},
		Eventstream: EventstreamConfig{
			Provider: defaultEventstreamProvider,
			Topic:    defaultEventstreamTopic,
		},
	}
}
