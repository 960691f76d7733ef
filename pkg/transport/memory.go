package transport

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"omotes/internal/apperrors"
)

var (
	// ErrNotConnected is returned while the broker connection is down.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrDisconnected is the cause reported for simulated connection loss.
	ErrDisconnected = errors.New("transport: connection lost")
)

var _ Transport = (*Memory)(nil)

// Memory is an in-process broker. Each destination is a queue; competing
// subscribers get messages round-robin, one in-flight delivery per queue.
// Unsettled and requeued deliveries are redelivered. Publishing to a
// destination that was never declared or subscribed drops the message, like
// the default exchange of an AMQP broker.
type Memory struct {
	logger *slog.Logger

	mu          sync.Mutex
	queues      map[string]*memQueue
	started     bool
	connected   bool
	closed      bool
	observers   []func(ConnectionEvent)
	publishHook func(destination string, body []byte) error

	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
}

type memMessage struct {
	body        []byte
	redelivered bool
}

type memQueue struct {
	name     string
	args     QueueArguments
	msgs     []memMessage
	subs     []*memSubscription
	next     int
	running  bool
	inflight *memAck
	wake     chan struct{}
}

// NewMemory creates a disconnected in-memory broker; it connects on Start.
func NewMemory() *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		logger:  slog.With("component", "transport.memory"),
		queues:  make(map[string]*memQueue),
		baseCtx: ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (m *Memory) Start(_ context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.connected = true
	observers := m.snapshotObservers()
	m.mu.Unlock()

	emit(observers, ConnectionEvent{State: StateConnected, At: time.Now()})
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	observers := m.snapshotObservers()
	m.mu.Unlock()

	m.cancel()
	close(m.done)
	m.wg.Wait()
	emit(observers, ConnectionEvent{State: StateClosed, At: time.Now()})
	return nil
}

// Declare creates the queue for destination. Declaring an existing queue
// with different arguments fails with a conflict.
func (m *Memory) Declare(ctx context.Context, destination string, opts ...SubscribeOption) error {
	o, err := ResolveSubscribeOptions(opts...)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err = m.declareLocked(destination, o.Arguments)
	return err
}

func (m *Memory) declareLocked(destination string, args QueueArguments) (*memQueue, error) {
	if q, ok := m.queues[destination]; ok {
		if q.args != args {
			return nil, apperrors.Conflict("queue", destination, "declared with different arguments")
		}
		return q, nil
	}
	q := &memQueue{name: destination, args: args, wake: make(chan struct{}, 1)}
	m.queues[destination] = q
	return q, nil
}

func (m *Memory) Publish(ctx context.Context, destination string, body []byte) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	hook := m.publishHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(destination, body); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.connected {
		return ErrNotConnected
	}
	q, ok := m.queues[destination]
	if !ok {
		m.dropped.Add(1)
		m.logger.Debug("Dropping message for undeclared destination", "destination", destination)
		return nil
	}
	q.msgs = append(q.msgs, memMessage{body: append([]byte(nil), body...)})
	m.published.Add(1)
	signal(q.wake)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, destination string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	o, err := ResolveSubscribeOptions(opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, err := m.declareLocked(destination, o.Arguments)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(m.baseCtx)
	sub := &memSubscription{m: m, q: q, handler: handler, ctx: subCtx, cancel: cancel}
	q.subs = append(q.subs, sub)
	if !q.running {
		q.running = true
		m.wg.Add(1)
		go m.runQueue(q)
	}
	signal(q.wake)
	return sub, nil
}

func (m *Memory) OnConnectionChange(fn func(ConnectionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Memory) Ready(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case !m.connected:
		return ErrNotConnected
	default:
		return nil
	}
}

// Disconnect simulates losing the broker connection. The in-flight delivery
// of every queue is returned to its queue and marked redelivered; its later
// Ack fails.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	for _, q := range m.queues {
		if a := q.inflight; a != nil && !a.settled {
			a.settled = true
			a.lost = true
			q.msgs = append([]memMessage{{body: a.msg.body, redelivered: true}}, q.msgs...)
			q.inflight = nil
		}
	}
	observers := m.snapshotObservers()
	m.mu.Unlock()

	emit(observers, ConnectionEvent{State: StateDisconnected, Err: ErrDisconnected, At: time.Now()})
}

// Reconnect restores a simulated connection. Subscriptions resume.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	if m.connected || m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = true
	for _, q := range m.queues {
		signal(q.wake)
	}
	observers := m.snapshotObservers()
	m.mu.Unlock()

	emit(observers, ConnectionEvent{State: StateReconnected, At: time.Now()})
}

// SetPublishHook installs fn to run before every publish. A non-nil error is
// returned from Publish without enqueueing the message.
func (m *Memory) SetPublishHook(fn func(destination string, body []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishHook = fn
}

// Pending returns the number of queued, undelivered messages per destination.
func (m *Memory) Pending() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.queues))
	for name, q := range m.queues {
		out[name] = len(q.msgs)
	}
	return out
}

// Destinations returns the declared destinations.
func (m *Memory) Destinations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.queues))
}

// Published returns the number of messages enqueued.
func (m *Memory) Published() int64 {
	return m.published.Load()
}

// Dropped returns the number of messages published to undeclared destinations.
func (m *Memory) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Memory) runQueue(q *memQueue) {
	defer m.wg.Done()
	for {
		msg, sub, ack, ok := m.take(q)
		if !ok {
			return
		}
		sub.handler(sub.ctx, NewDelivery(q.name, msg.body, msg.redelivered, ack))

		m.mu.Lock()
		if !ack.settled {
			// Handlers settle before returning; anything else counts as a
			// dropped channel and the message comes back.
			ack.settled = true
			ack.lost = true
			q.msgs = append([]memMessage{{body: msg.body, redelivered: true}}, q.msgs...)
		}
		if q.inflight == ack {
			q.inflight = nil
		}
		m.mu.Unlock()
	}
}

// take blocks until the queue can deliver or the broker closes.
func (m *Memory) take(q *memQueue) (memMessage, *memSubscription, *memAck, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return memMessage{}, nil, nil, false
		}
		if m.connected && q.inflight == nil && len(q.subs) > 0 && len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs = q.msgs[1:]
			q.next %= len(q.subs)
			sub := q.subs[q.next]
			q.next++
			ack := &memAck{m: m, q: q, msg: msg}
			q.inflight = ack
			m.mu.Unlock()
			return msg, sub, ack, true
		}
		m.mu.Unlock()

		select {
		case <-q.wake:
		case <-m.done:
		}
	}
}

func (m *Memory) snapshotObservers() []func(ConnectionEvent) {
	return slices.Clone(m.observers)
}

type memAck struct {
	m       *Memory
	q       *memQueue
	msg     memMessage
	settled bool
	lost    bool
}

func (a *memAck) Ack() error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if a.lost {
		return ErrNotConnected
	}
	a.settled = true
	return nil
}

func (a *memAck) Reject(requeue bool) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if a.lost {
		return ErrNotConnected
	}
	if a.settled {
		return nil
	}
	a.settled = true
	if requeue {
		a.q.msgs = append([]memMessage{{body: a.msg.body, redelivered: true}}, a.q.msgs...)
		signal(a.q.wake)
	}
	return nil
}

type memSubscription struct {
	m       *Memory
	q       *memQueue
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *memSubscription) Destination() string { return s.q.name }

func (s *memSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		for i, sub := range s.q.subs {
			if sub == s {
				s.q.subs = append(s.q.subs[:i], s.q.subs[i+1:]...)
				break
			}
		}
		s.m.mu.Unlock()
		s.cancel()
	})
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func emit(observers []func(ConnectionEvent), ev ConnectionEvent) {
	for _, fn := range observers {
		fn(ev)
	}
}
