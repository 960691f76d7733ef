package worker

import (
	"os"
	"time"

	"omotes/internal/config"
)

// Config holds worker settings.
type Config struct {
	ID                string        // worker id (default: random)
	Hostname          string        // reported in heartbeats (default: os.Hostname)
	HeartbeatInterval time.Duration // default: 5s
	Capacity          int           // concurrent jobs (default: 1)
	// QueueExpiry removes the worker's job queue after it has been unused
	// this long (default: 10 heartbeat intervals).
	QueueExpiry time.Duration
	// ShutdownGrace is how long Stop lets running jobs finish before
	// cancelling them (default: 30s).
	ShutdownGrace time.Duration
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		ID:                config.GetEnv("OMOTES_WORKER_ID", ""),
		Hostname:          config.GetEnv("OMOTES_WORKER_HOSTNAME", ""),
		HeartbeatInterval: config.GetDurationEnv("OMOTES_HEARTBEAT_INTERVAL", 5*time.Second),
		Capacity:          config.GetIntEnv("OMOTES_WORKER_CAPACITY", 1),
		QueueExpiry:       config.GetDurationEnv("OMOTES_WORKER_QUEUE_EXPIRY", 0),
		ShutdownGrace:     config.GetDurationEnv("OMOTES_WORKER_SHUTDOWN_GRACE", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.Capacity <= 0 {
		c.Capacity = 1
	}
	if c.QueueExpiry <= 0 {
		c.QueueExpiry = 10 * c.HeartbeatInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	return c
}
