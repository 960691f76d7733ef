package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"omotes/internal/apperrors"
	"omotes/pkg/backoff"
	"omotes/pkg/circuitbreaker"
)

// PublishObserver is notified about publish retries and final failures.
type PublishObserver interface {
	PublishRetried(destination string)
	PublishFailed(destination string)
}

// ResilientConfig is the publish retry policy.
type ResilientConfig struct {
	Retry   backoff.Config
	Breaker circuitbreaker.Config
}

// DefaultResilientConfig returns 5 attempts with 100ms to 5s backoff and a
// breaker that opens after 5 consecutive failures for 30s.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Retry:   backoff.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig(),
	}
}

// ResilientOption configures a Resilient transport.
type ResilientOption func(*Resilient)

// WithPublishObserver reports retries and failures, typically to metrics.
func WithPublishObserver(o PublishObserver) ResilientOption {
	return func(r *Resilient) { r.observer = o }
}

// WithResilientLogger sets a custom logger.
func WithResilientLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

// Resilient wraps a Transport so that Publish retries with exponential
// backoff behind a per-destination circuit breaker. A publish that still
// fails returns an error matching apperrors.ErrTransport.
type Resilient struct {
	Transport

	cfg      ResilientConfig
	breakers *circuitbreaker.Registry
	observer PublishObserver
	logger   *slog.Logger
}

// NewResilient decorates t.
func NewResilient(t Transport, cfg ResilientConfig, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		Transport: t,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "transport.resilient")

	breakerCfg := cfg.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(key string, from, to circuitbreaker.State) {
		r.logger.Warn("Publish breaker changed state", "destination", key, "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(key, from, to)
		}
	}
	r.breakers = circuitbreaker.NewRegistry(breakerCfg)
	return r
}

// Publish sends body, retrying transient failures.
func (r *Resilient) Publish(ctx context.Context, destination string, body []byte) error {
	err := backoff.Retry(ctx, &r.cfg.Retry,
		func(int) error {
			err := r.breakers.Execute(destination, func() error {
				return r.Transport.Publish(ctx, destination, body)
			})
			if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		},
		func(attempt int, err error, wait time.Duration) {
			r.logger.Warn("Publish failed, retrying",
				"destination", destination,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
			if r.observer != nil {
				r.observer.PublishRetried(destination)
			}
		},
	)
	if err == nil {
		return nil
	}
	if r.observer != nil {
		r.observer.PublishFailed(destination)
	}
	r.logger.Error("Publish failed", "destination", destination, "error", err)
	return apperrors.Transport("publish "+destination, err)
}

// OpenBreakers returns the destinations whose breaker is not closed.
func (r *Resilient) OpenBreakers() []string {
	return r.breakers.OpenKeys()
}
