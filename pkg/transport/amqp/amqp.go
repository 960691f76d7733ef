// Package amqp implements transport.Transport on RabbitMQ. Every destination
// is a durable queue on the default exchange. Deliveries are acknowledged
// manually with prefetch 1 per subscription. A lost connection is restored
// in the background and every subscription resumes on the new connection.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"omotes/internal/apperrors"
	"omotes/pkg/backoff"
	"omotes/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport is a RabbitMQ connection shared by all subscriptions of one
// client, orchestrator or worker.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *amqp091.Connection
	pubCh     *amqp091.Channel
	started   bool
	connected bool
	closed    bool
	declared  map[string]transport.QueueArguments
	subs      map[*subscription]struct{}
	observers []func(transport.ConnectionEvent)

	pubMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a transport. It connects on Start or on first use.
func New(cfg Config) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg.withDefaults(),
		logger:   slog.With("component", "transport.amqp"),
		declared: make(map[string]transport.QueueArguments),
		subs:     make(map[*subscription]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start dials the broker. It is idempotent.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, pubCh, err := t.dial()
	if err != nil {
		return apperrors.Transport("amqp connect "+t.cfg.Redacted(), err)
	}

	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	t.started = true
	t.connected = true
	t.conn = conn
	t.pubCh = pubCh
	observers := t.snapshotObservers()
	t.mu.Unlock()

	t.logger.Info("Connected to broker", "url", t.cfg.Redacted())
	t.wg.Add(1)
	go t.watch(conn)
	emit(observers, transport.ConnectionEvent{State: transport.StateConnected, At: time.Now()})
	return nil
}

func (t *Transport) dial() (*amqp091.Connection, *amqp091.Channel, error) {
	props := amqp091.NewConnectionProperties()
	if t.cfg.ConnectionName != "" {
		props.SetClientConnectionName(t.cfg.ConnectionName)
	}
	conn, err := amqp091.DialConfig(t.cfg.URL(), amqp091.Config{
		Heartbeat:  t.cfg.Heartbeat,
		Properties: props,
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// watch waits for conn to drop and reconnects until Close.
func (t *Transport) watch(conn *amqp091.Connection) {
	defer t.wg.Done()

	closeCh := conn.NotifyClose(make(chan *amqp091.Error, 1))
	var cause error
	select {
	case <-t.ctx.Done():
		return
	case amqpErr, ok := <-closeCh:
		if !ok {
			cause = errors.New("connection closed")
		} else {
			cause = amqpErr
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	observers := t.snapshotObservers()
	t.mu.Unlock()

	t.logger.Warn("Broker connection lost", "error", cause)
	emit(observers, transport.ConnectionEvent{State: transport.StateDisconnected, Err: cause, At: time.Now()})

	for attempt := 1; ; attempt++ {
		if err := backoff.Sleep(t.ctx, backoff.Exponential(attempt, &t.cfg.Reconnect)); err != nil {
			return
		}
		newConn, pubCh, err := t.dial()
		if err != nil {
			t.logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if err := t.restore(newConn, pubCh); err != nil {
			t.logger.Warn("Restoring subscriptions failed", "attempt", attempt, "error", err)
			_ = newConn.Close()
			continue
		}
		t.logger.Info("Reconnected to broker", "attempt", attempt)
		t.wg.Add(1)
		go t.watch(newConn)
		return
	}
}

// restore redeclares queues and resumes subscriptions on a fresh connection.
func (t *Transport) restore(conn *amqp091.Connection, pubCh *amqp091.Channel) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	declared := make(map[string]transport.QueueArguments, len(t.declared))
	for name, args := range t.declared {
		declared[name] = args
	}
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for name, args := range declared {
		if err := declareOn(conn, name, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	for _, s := range subs {
		if err := s.consume(conn); err != nil {
			return fmt.Errorf("resume %s: %w", s.destination, err)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.pubMu.Lock()
	t.pubCh = pubCh
	t.pubMu.Unlock()
	t.connected = true
	observers := t.snapshotObservers()
	t.mu.Unlock()

	emit(observers, transport.ConnectionEvent{State: transport.StateReconnected, At: time.Now()})
	return nil
}

// Close cancels every subscription and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	conn := t.conn
	observers := t.snapshotObservers()
	t.mu.Unlock()

	t.cancel()
	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	t.wg.Wait()
	emit(observers, transport.ConnectionEvent{State: transport.StateClosed, At: time.Now()})
	return err
}

// Declare creates a durable queue for destination.
func (t *Transport) Declare(ctx context.Context, destination string, opts ...transport.SubscribeOption) error {
	o, err := transport.ResolveSubscribeOptions(opts...)
	if err != nil {
		return err
	}
	conn, err := t.connection(ctx)
	if err != nil {
		return err
	}
	if err := declareOn(conn, destination, o.Arguments); err != nil {
		return apperrors.Transport("amqp declare "+destination, err)
	}
	t.mu.Lock()
	t.declared[destination] = o.Arguments
	t.mu.Unlock()
	return nil
}

// declareOn uses a throwaway channel, since a failed declaration closes the
// channel it ran on.
func declareOn(conn *amqp091.Connection, name string, args transport.QueueArguments) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	_, err = ch.QueueDeclare(name, true, false, false, false, amqp091.Table(args.Table()))
	return err
}

// Publish sends body as a persistent message routed to destination's queue.
func (t *Transport) Publish(ctx context.Context, destination string, body []byte) error {
	if err := t.Start(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.pubCh == nil || t.pubCh.IsClosed() {
		return transport.ErrNotConnected
	}
	return t.pubCh.PublishWithContext(ctx, "", destination, false, false, amqp091.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Subscribe declares destination and consumes it until Unsubscribe or Close.
func (t *Transport) Subscribe(ctx context.Context, destination string, handler transport.Handler, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if err := t.Declare(ctx, destination, opts...); err != nil {
		return nil, err
	}
	conn, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(t.ctx)
	s := &subscription{t: t, destination: destination, handler: handler, ctx: subCtx, cancel: cancel}
	if err := s.consume(conn); err != nil {
		cancel()
		return nil, apperrors.Transport("amqp consume "+destination, err)
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	return s, nil
}

func (t *Transport) OnConnectionChange(fn func(transport.ConnectionEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Ready reports whether the broker connection is up.
func (t *Transport) Ready(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return transport.ErrClosed
	case !t.connected || t.conn == nil || t.conn.IsClosed():
		return transport.ErrNotConnected
	default:
		return nil
	}
}

func (t *Transport) connection(ctx context.Context) (*amqp091.Connection, error) {
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.conn == nil {
		return nil, transport.ErrNotConnected
	}
	return t.conn, nil
}

func (t *Transport) snapshotObservers() []func(transport.ConnectionEvent) {
	return slices.Clone(t.observers)
}

func emit(observers []func(transport.ConnectionEvent), ev transport.ConnectionEvent) {
	for _, fn := range observers {
		fn(ev)
	}
}

type subscription struct {
	t           *Transport
	destination string
	handler     transport.Handler
	ctx         context.Context
	cancel      context.CancelFunc

	mu sync.Mutex
	ch *amqp091.Channel
}

// consume opens a channel on conn and starts delivering to the handler.
func (s *subscription) consume(conn *amqp091.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(s.t.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(s.destination, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	s.t.wg.Add(1)
	go s.loop(deliveries)
	return nil
}

func (s *subscription) loop(deliveries <-chan amqp091.Delivery) {
	defer s.t.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				// Channel closed; the reconnect loop opens a new one.
				return
			}
			a := &acker{d: d}
			s.handler(s.ctx, transport.NewDelivery(s.destination, d.Body, d.Redelivered, a))
			if !a.settled {
				if err := d.Reject(true); err != nil {
					s.t.logger.Debug("Requeue of unsettled delivery failed", "destination", s.destination, "error", err)
				}
			}
		}
	}
}

func (s *subscription) Destination() string { return s.destination }

func (s *subscription) Unsubscribe() error {
	s.t.mu.Lock()
	delete(s.t.subs, s)
	s.t.mu.Unlock()
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch.Close()
	}
	return nil
}

// acker is used only from the subscription goroutine.
type acker struct {
	d       amqp091.Delivery
	settled bool
}

func (a *acker) Ack() error {
	a.settled = true
	return a.d.Ack(false)
}

func (a *acker) Reject(requeue bool) error {
	a.settled = true
	return a.d.Reject(requeue)
}
