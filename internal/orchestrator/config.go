package orchestrator

import (
	"time"

	"omotes/internal/config"
)

// Config holds orchestrator policy settings.
type Config struct {
	// LivenessIntervals is how many advertised heartbeat intervals may pass
	// before a worker is considered dead (default: 2).
	LivenessIntervals int
	// SweepInterval is how often dead workers, job timeouts and pending
	// assignments are checked (default: 1s).
	SweepInterval time.Duration
	// CancelAckTimeout is how long an assigned job may wait for its worker to
	// acknowledge a cancellation before it is cancelled directly (default: 30s).
	CancelAckTimeout time.Duration
	// JobRetention is how long finished jobs are remembered for duplicate
	// detection and the admin API (default: 1h).
	JobRetention time.Duration
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		LivenessIntervals: 2,
		SweepInterval:     time.Second,
		CancelAckTimeout:  30 * time.Second,
		JobRetention:      time.Hour,
	}
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() Config {
	d := DefaultConfig()
	cfg := Config{
		LivenessIntervals: config.GetIntEnv("OMOTES_LIVENESS_INTERVALS", d.LivenessIntervals),
		SweepInterval:     config.GetDurationEnv("OMOTES_ORCHESTRATOR_SWEEP_INTERVAL", d.SweepInterval),
		CancelAckTimeout:  config.GetDurationEnv("OMOTES_CANCEL_ACK_TIMEOUT", d.CancelAckTimeout),
		JobRetention:      config.GetDurationEnv("OMOTES_JOB_RETENTION", d.JobRetention),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LivenessIntervals <= 0 {
		c.LivenessIntervals = d.LivenessIntervals
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.CancelAckTimeout <= 0 {
		c.CancelAckTimeout = d.CancelAckTimeout
	}
	if c.JobRetention <= 0 {
		c.JobRetention = d.JobRetention
	}
	return c
}
