// Package config provides configuration loading from environment variables
// and an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"omotes/pkg/transport/amqp"
)

// ServiceConfig holds process-level settings of the binaries.
type ServiceConfig struct {
	Port              string        `mapstructure:"port"`
	MetricsPort       string        `mapstructure:"metrics_port"`
	APIKey            string        `mapstructure:"api_key"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdown_drain_wait"` // Time to wait for load balancer to drain (0 to skip)
	WorkflowsFile     string        `mapstructure:"workflows_file"`      // YAML list of workflow types
	Store             string        `mapstructure:"store"`               // memory or redis
	RedisURL          string        `mapstructure:"redis_url"`
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() ServiceConfig {
	return ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		WorkflowsFile:     GetEnv("OMOTES_WORKFLOWS_FILE", ""),
		Store:             GetEnv("OMOTES_STORE", "memory"),
		RedisURL:          GetEnv("OMOTES_REDIS_URL", "redis://localhost:6379/0"),
	}
}

// LoadRabbitMQConfig reads broker settings from <prefix>RABBITMQ_HOSTNAME,
// _PORT, _USERNAME, _PASSWORD (or _PASSWORD_FILE) and _VIRTUALHOST.
func LoadRabbitMQConfig(prefix string) amqp.Config {
	d := amqp.DefaultConfig()
	key := func(name string) string { return prefix + "RABBITMQ_" + name }

	password := GetSecretFile(GetEnv(key("PASSWORD_FILE"), ""))
	if password == "" {
		password = GetEnv(key("PASSWORD"), d.Password)
	}
	d.Host = GetEnv(key("HOSTNAME"), d.Host)
	d.Port = GetIntEnv(key("PORT"), d.Port)
	d.Username = GetEnv(key("USERNAME"), d.Username)
	d.Password = password
	d.VirtualHost = GetEnv(key("VIRTUALHOST"), d.VirtualHost)
	d.Prefetch = GetIntEnv(key("PREFETCH"), d.Prefetch)
	d.Heartbeat = GetDurationEnv(key("HEARTBEAT"), d.Heartbeat)
	return d
}

// Config is the combined configuration of a binary.
type Config struct {
	Service  ServiceConfig `mapstructure:"service"`
	RabbitMQ amqp.Config   `mapstructure:"rabbitmq"`
}

// Load returns the environment configuration (RabbitMQ variables read with
// prefix) overlaid with the YAML file at path. An empty path skips the file.
func Load(path, prefix string) (*Config, error) {
	cfg := &Config{
		Service:  LoadServiceConfig(),
		RabbitMQ: LoadRabbitMQConfig(prefix),
	}
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Service.Store = strings.ToLower(cfg.Service.Store)
	if cfg.Service.Store != "memory" && cfg.Service.Store != "redis" {
		return nil, fmt.Errorf("unknown job store %q", cfg.Service.Store)
	}
	return cfg, nil
}
