// Package dispatcher fans events out to callbacks asynchronously. Events that
// share a key are delivered in the order they were dispatched; events with
// different keys are delivered concurrently.
package dispatcher

import (
	"context"
	"errors"
)

var (
	// ErrBufferFull is returned when the event's shard is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Handler consumes one event. A returned error is logged and counted; it
// does not stop delivery of later events.
type Handler[E any] func(ctx context.Context, key string, event E) error

// Dispatcher handles async delivery of events.
type Dispatcher[E any] interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(key string, event E) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, delivering queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth int   // events waiting across all shards
	Queued     int64 // total events queued
	Delivered  int64 // handler returned nil
	Failed     int64 // handler returned an error or panicked
	Dropped    int64 // dropped due to a full shard
}
