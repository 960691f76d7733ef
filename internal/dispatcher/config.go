package dispatcher

import (
	"omotes/internal/config"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	Shards     int // ordered delivery goroutines (default: 8)
	BufferSize int // pending events per shard (default: 1024)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		Shards:     config.GetIntEnv("OMOTES_DISPATCHER_SHARDS", 8),
		BufferSize: config.GetIntEnv("OMOTES_DISPATCHER_BUFFER_SIZE", 1024),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	return c
}
