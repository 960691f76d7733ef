// Package transport defines the broker contract used by clients, the
// orchestrator and workers, together with an in-process broker and a
// publisher decorator that retries and trips per-destination breakers.
package transport

import (
	"context"
	"fmt"
	"time"

	"omotes/internal/apperrors"
)

// Transport is an at-least-once message broker connection. Instances are
// independent of each other; nothing is process-global.
type Transport interface {
	// Start connects. It is idempotent; Publish and Subscribe call it lazily.
	Start(ctx context.Context) error
	// Close stops every subscription and disconnects.
	Close() error
	// Declare creates the queue behind destination if it does not exist, so
	// messages published before the first subscriber are kept.
	Declare(ctx context.Context, destination string, opts ...SubscribeOption) error
	// Publish sends body to destination.
	Publish(ctx context.Context, destination string, body []byte) error
	// Subscribe delivers every message sent to destination to handler, one at
	// a time. Subscriptions survive reconnects.
	Subscribe(ctx context.Context, destination string, handler Handler, opts ...SubscribeOption) (Subscription, error)
	// OnConnectionChange registers an observer for connection state changes.
	OnConnectionChange(fn func(ConnectionEvent))
	// Ready returns nil while the broker is reachable.
	Ready(ctx context.Context) error
}

// Handler processes one delivery. It must call Ack or Reject exactly once.
type Handler func(ctx context.Context, d *Delivery)

// Subscription is an active consumer of one destination.
type Subscription interface {
	Destination() string
	Unsubscribe() error
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Delivery is one message handed to a Handler.
type Delivery struct {
	Destination string
	Body        []byte
	Redelivered bool

	acker Acknowledger
}

// NewDelivery is used by Transport implementations.
func NewDelivery(destination string, body []byte, redelivered bool, acker Acknowledger) *Delivery {
	return &Delivery{Destination: destination, Body: body, Redelivered: redelivered, acker: acker}
}

// Ack confirms the message was handled.
func (d *Delivery) Ack() error {
	return d.acker.Ack()
}

// Reject returns the message to the broker. With requeue it is redelivered,
// otherwise it is dropped or dead-lettered.
func (d *Delivery) Reject(requeue bool) error {
	return d.acker.Reject(requeue)
}

// ConnectionState is the broker connection state reported to observers.
type ConnectionState uint8

const (
	StateConnected ConnectionState = iota + 1
	StateDisconnected
	StateReconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnected:
		return "reconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ConnectionEvent is a connection state change.
type ConnectionEvent struct {
	State ConnectionState
	Err   error
	At    time.Time
}

// QueueArguments are optional broker-side lifetimes of a destination's queue.
type QueueArguments struct {
	// Expires deletes the queue after it has been unused this long.
	Expires time.Duration
	// MessageTTL drops or dead-letters messages older than this.
	MessageTTL time.Duration
	// DeadLetterExchange and DeadLetterRoutingKey route expired messages.
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// Validate checks that set TTLs are positive and that messages do not outlive
// their queue.
func (a QueueArguments) Validate() error {
	if a.Expires < 0 {
		return apperrors.Validation("expires", "queue ttl must be positive")
	}
	if a.MessageTTL < 0 {
		return apperrors.Validation("messageTtl", "message ttl must be positive")
	}
	if a.Expires > 0 && a.MessageTTL > a.Expires {
		return apperrors.Validation("messageTtl", "message ttl must not exceed queue ttl")
	}
	return nil
}

// Table returns the arguments as broker table entries.
func (a QueueArguments) Table() map[string]any {
	t := map[string]any{}
	if a.Expires > 0 {
		t["x-expires"] = a.Expires.Milliseconds()
	}
	if a.MessageTTL > 0 {
		t["x-message-ttl"] = a.MessageTTL.Milliseconds()
	}
	if a.DeadLetterExchange != "" {
		t["x-dead-letter-exchange"] = a.DeadLetterExchange
	}
	if a.DeadLetterRoutingKey != "" {
		t["x-dead-letter-routing-key"] = a.DeadLetterRoutingKey
	}
	return t
}

// SubscribeOptions are the resolved options of a Subscribe call.
type SubscribeOptions struct {
	Arguments QueueArguments
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithQueueArguments sets TTL and dead-letter arguments for the queue.
func WithQueueArguments(args QueueArguments) SubscribeOption {
	return func(o *SubscribeOptions) { o.Arguments = args }
}

// ResolveSubscribeOptions applies opts and validates the result.
func ResolveSubscribeOptions(opts ...SubscribeOption) (SubscribeOptions, error) {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Arguments.Validate(); err != nil {
		return o, err
	}
	return o, nil
}
