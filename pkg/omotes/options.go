package omotes

import (
	"log/slog"
	"time"

	"omotes/internal/config"
	"omotes/internal/dispatcher"
	"omotes/pkg/jobstore"
	"omotes/pkg/protocol"
	"omotes/pkg/transport"
	"omotes/pkg/workflow"
)

// Config holds the client's policy parameters.
type Config struct {
	// ReplyTo names this client's status, progress and result destinations.
	// Reusing the id of an earlier process resumes its replies (default: random).
	ReplyTo string
	// AwaitTimeout applies when AwaitCompletion is called without a timeout (default: 1h).
	AwaitTimeout time.Duration
	// SweepInterval is how often expired pending requests are removed (default: 1s).
	SweepInterval time.Duration
	// ForgetRetention is how long forgotten job ids are remembered so that
	// Cancel can report them as forgotten (default: 1h).
	ForgetRetention time.Duration
	// ReplyQueue sets broker-side lifetimes of the reply destinations.
	ReplyQueue transport.QueueArguments
	// Dispatcher configures delivery of lifecycle events to listeners.
	Dispatcher dispatcher.MemoryConfig
}

// LoadConfigFromEnv loads client configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		ReplyTo:         config.GetEnv("OMOTES_REPLY_TO", ""),
		AwaitTimeout:    config.GetDurationEnv("OMOTES_AWAIT_TIMEOUT", time.Hour),
		SweepInterval:   config.GetDurationEnv("OMOTES_SWEEP_INTERVAL", time.Second),
		ForgetRetention: config.GetDurationEnv("OMOTES_FORGET_RETENTION", time.Hour),
		ReplyQueue: transport.QueueArguments{
			Expires:    config.GetDurationEnv("OMOTES_REPLY_QUEUE_EXPIRES", 0),
			MessageTTL: config.GetDurationEnv("OMOTES_REPLY_MESSAGE_TTL", 0),
		},
		Dispatcher: dispatcher.LoadConfigFromEnv(),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.ForgetRetention <= 0 {
		c.ForgetRetention = time.Hour
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces the client's policy parameters.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithStore sets where jobs are kept (default: in memory).
func WithStore(s jobstore.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithCodec sets the body encoding of outgoing messages (default: MessagePack).
func WithCodec(codec *protocol.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithWorkflows restricts submissions to the workflow types of m.
func WithWorkflows(m *workflow.Manager) Option {
	return func(c *Client) { c.workflows = m }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec MetricsRecorder) Option {
	return func(c *Client) { c.metrics = rec }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	jobID      string
	params     map[string]any
	timeout    time.Duration
	onStatus   func(Job)
	onProgress func(Job)
	onFinished func(Outcome)
}

// WithJobID submits under a caller chosen id instead of a generated one.
func WithJobID(id string) SubmitOption {
	return func(o *submitOptions) { o.jobID = id }
}

// WithParams passes workflow configuration to the worker.
func WithParams(params map[string]any) SubmitOption {
	return func(o *submitOptions) { o.params = params }
}

// WithTimeout limits the job's execution time. The orchestrator fails the
// job with code "timeout" when it runs longer.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// OnStatus is called with the job after every status change.
func OnStatus(fn func(Job)) SubmitOption {
	return func(o *submitOptions) { o.onStatus = fn }
}

// OnProgress is called with the job after every progress report.
func OnProgress(fn func(Job)) SubmitOption {
	return func(o *submitOptions) { o.onProgress = fn }
}

// OnFinished is called once with the job's outcome.
func OnFinished(fn func(Outcome)) SubmitOption {
	return func(o *submitOptions) { o.onFinished = fn }
}
