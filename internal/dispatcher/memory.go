package dispatcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher is an in-memory async event dispatcher.
// Events are hashed by key onto bounded shard channels, each drained by one
// goroutine. If a shard is full, the event is dropped (logged + metric incremented).
type MemoryDispatcher[E any] struct {
	shards  []chan envelope[E]
	handler Handler[E]
	config  MemoryConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	// Internal counters (for Stats())
	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	mu       sync.RWMutex // guards closed against concurrent Dispatch
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

type envelope[E any] struct {
	key   string
	event E
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher delivering to handler.
func NewMemory[E any](cfg MemoryConfig, handler Handler[E], metrics MetricsRecorder) *MemoryDispatcher[E] {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher[E]{
		shards:   make([]chan envelope[E], cfg.Shards),
		handler:  handler,
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Shards)
	for i := range d.shards {
		d.shards[i] = make(chan envelope[E], cfg.BufferSize)
		go d.worker(d.shards[i])
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Debug("Dispatcher started", "shards", cfg.Shards, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher[E]) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(d.depth()))
		}
	}
}

// Dispatch queues an event for async delivery after every earlier event with
// the same key.
func (d *MemoryDispatcher[E]) Dispatch(key string, event E) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.shards[d.shardFor(key)] <- envelope[E]{key: key, event: event}:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full", "key", key)
		return ErrBufferFull
	}
}

func (d *MemoryDispatcher[E]) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *MemoryDispatcher[E]) depth() int {
	n := 0
	for _, s := range d.shards {
		n += len(s)
	}
	return n
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher[E]) Stats() Stats {
	return Stats{
		QueueDepth: d.depth(),
		Queued:     d.queued.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
	}
}

// Close stops accepting events and waits until queued events are delivered
// or ctx is done.
func (d *MemoryDispatcher[E]) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.logger.Debug("Dispatcher shutting down", "queued", d.depth())
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Debug("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.depth())
		return ctx.Err()
	}
}

// worker delivers one shard's events in order.
func (d *MemoryDispatcher[E]) worker(shard chan envelope[E]) {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drain(shard)
			return
		case env := <-shard:
			d.deliver(env)
		}
	}
}

// drain delivers remaining events after shutdown signal.
func (d *MemoryDispatcher[E]) drain(shard chan envelope[E]) {
	for {
		select {
		case env := <-shard:
			d.deliver(env)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher[E]) deliver(env envelope[E]) {
	ctx := context.Background()
	start := time.Now()
	if err := d.call(ctx, env); err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Event handler failed", "key", env.key, "error", err)
		return
	}
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// call runs the handler and reports a panic as an error.
func (d *MemoryDispatcher[E]) call(ctx context.Context, env envelope[E]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(ctx, env.key, env.event)
}

var _ Dispatcher[int] = (*MemoryDispatcher[int])(nil)
