package amqp

import (
	"net/url"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"omotes/pkg/backoff"
)

// Config holds the RabbitMQ connection settings.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string

	// Prefetch is the number of unacked deliveries per subscription (default: 1).
	Prefetch int
	// Reconnect is the delay policy between reconnect attempts. MaxAttempts
	// is ignored; reconnecting continues until Close.
	Reconnect backoff.Config
	// Heartbeat is the AMQP connection heartbeat (default: 10s).
	Heartbeat time.Duration
	// ConnectionName shows up in the broker management UI.
	ConnectionName string
}

// DefaultConfig returns the settings of a local development broker.
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        5672,
		Username:    "guest",
		Password:    "guest",
		VirtualHost: "omotes",
		Prefetch:    1,
		Reconnect:   backoff.Config{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true},
		Heartbeat:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.Prefetch <= 0 {
		c.Prefetch = d.Prefetch
	}
	if c.Reconnect.Initial <= 0 {
		c.Reconnect = d.Reconnect
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	return c
}

// URL returns the amqp:// connection URL.
func (c Config) URL() string {
	return amqp091.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}.String()
}

// Redacted returns the connection URL without the password, for logging.
func (c Config) Redacted() string {
	u, err := url.Parse(c.URL())
	if err != nil {
		return "amqp://" + c.Host
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
