// Package correlation ties outstanding job ids to the callers waiting for
// their outcome. Each handle is settled exactly once: by a resolution, by its
// deadline, or by being released.
package correlation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"omotes/internal/apperrors"
)

// ErrReleased is returned by Await for a handle that was released before it
// was resolved.
var ErrReleased = errors.New("correlation: handle released")

type handleState uint8

const (
	statePending handleState = iota
	stateResolved
	stateExpired
	stateReleased
)

// Handle is one pending request. It is created by Register or RegisterFunc
// and settled by the registry.
type Handle[T any] struct {
	id       string
	deadline time.Time
	fn       func(T, error)
	done     chan struct{}

	// guarded by the owning registry's mutex until done is closed
	state   handleState
	outcome T
	err     error
}

// ID returns the correlation id the handle waits on.
func (h *Handle[T]) ID() string { return h.id }

// Deadline returns the handle's deadline. The zero time means none.
func (h *Handle[T]) Deadline() time.Time { return h.deadline }

// Done is closed once the handle is settled.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Registry maps correlation ids to pending handles. It is safe for concurrent use.
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[string]map[*Handle[T]]struct{}
	logger  *slog.Logger
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		pending: make(map[string]map[*Handle[T]]struct{}),
		logger:  slog.With("component", "correlation"),
	}
}

// Register adds a handle for id that Await can block on. A zero deadline
// never expires.
func (r *Registry[T]) Register(id string, deadline time.Time) *Handle[T] {
	return r.add(id, deadline, nil)
}

// RegisterFunc adds a handle whose settlement calls fn: with the outcome on
// Resolve, or with an ErrTimeout error when the deadline passes in Expire.
// fn runs on the resolving goroutine and must not block.
func (r *Registry[T]) RegisterFunc(id string, deadline time.Time, fn func(T, error)) *Handle[T] {
	return r.add(id, deadline, fn)
}

func (r *Registry[T]) add(id string, deadline time.Time, fn func(T, error)) *Handle[T] {
	h := &Handle[T]{id: id, deadline: deadline, fn: fn, done: make(chan struct{})}
	r.mu.Lock()
	set, ok := r.pending[id]
	if !ok {
		set = make(map[*Handle[T]]struct{})
		r.pending[id] = set
	}
	set[h] = struct{}{}
	r.mu.Unlock()
	return h
}

// Resolve delivers outcome to every handle pending on id and returns how many
// were settled. Later resolutions for the same id find nothing and return 0.
func (r *Registry[T]) Resolve(id string, outcome T) int {
	r.mu.Lock()
	set := r.pending[id]
	delete(r.pending, id)
	settled := make([]*Handle[T], 0, len(set))
	for h := range set {
		h.state = stateResolved
		h.outcome = outcome
		close(h.done)
		settled = append(settled, h)
	}
	r.mu.Unlock()

	for _, h := range settled {
		if h.fn != nil {
			h.fn(outcome, nil)
		}
	}
	return len(settled)
}

// Await blocks until h is resolved, its deadline passes (ErrTimeout) or ctx
// is done. Timed-out and cancelled handles are removed from the registry; a
// resolution arriving afterwards is dropped.
func (r *Registry[T]) Await(ctx context.Context, h *Handle[T]) (T, error) {
	var timeout <-chan time.Time
	if !h.deadline.IsZero() {
		timer := time.NewTimer(time.Until(h.deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-h.done:
	case <-timeout:
		r.settle(h, stateExpired, apperrors.Timeout("job", h.id))
	case <-ctx.Done():
		r.settle(h, stateReleased, ctx.Err())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return h.outcome, h.err
}

// Release removes h without an outcome. Releasing a settled handle is a no-op.
func (r *Registry[T]) Release(h *Handle[T]) {
	r.settle(h, stateReleased, ErrReleased)
}

// settle removes a still pending h with the given terminal state.
func (r *Registry[T]) settle(h *Handle[T], state handleState, err error) bool {
	r.mu.Lock()
	if h.state != statePending {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(h)
	h.state = state
	h.err = err
	close(h.done)
	r.mu.Unlock()

	if h.fn != nil && state == stateExpired {
		var zero T
		h.fn(zero, err)
	}
	return true
}

func (r *Registry[T]) removeLocked(h *Handle[T]) {
	set := r.pending[h.id]
	delete(set, h)
	if len(set) == 0 {
		delete(r.pending, h.id)
	}
}

// Expire times out every handle whose deadline is not after now and returns
// how many were expired.
func (r *Registry[T]) Expire(now time.Time) int {
	r.mu.Lock()
	var due []*Handle[T]
	for _, set := range r.pending {
		for h := range set {
			if !h.deadline.IsZero() && !h.deadline.After(now) {
				due = append(due, h)
			}
		}
	}
	r.mu.Unlock()

	expired := 0
	for _, h := range due {
		if r.settle(h, stateExpired, apperrors.Timeout("job", h.id)) {
			expired++
		}
	}
	if expired > 0 {
		r.logger.Debug("Expired pending requests", "count", expired)
	}
	return expired
}

// Run calls Expire every interval until ctx is done.
func (r *Registry[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Expire(now)
		}
	}
}

// Pending reports whether any handle waits on id.
func (r *Registry[T]) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[id]) > 0
}

// Len returns the number of pending handles.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.pending {
		n += len(set)
	}
	return n
}
