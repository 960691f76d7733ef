package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"omotes/internal/apperrors"
	"omotes/internal/testutil"
)

func TestResolve_DeliversToAwait(t *testing.T) {
	t.Parallel()
	r := New[string]()
	h := r.Register("job-1", time.Now().Add(time.Second))

	go func() {
		time.Sleep(5 * time.Millisecond)
		r.Resolve("job-1", "done")
	}()

	got, err := r.Await(context.Background(), h)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if got != "done" {
		t.Errorf("Await() = %q, want %q", got, "done")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after resolution", r.Len())
	}
}

func TestResolve_SecondIsNoop(t *testing.T) {
	t.Parallel()
	r := New[string]()
	h := r.Register("job-1", time.Time{})

	if n := r.Resolve("job-1", "first"); n != 1 {
		t.Fatalf("first Resolve() = %d, want 1", n)
	}
	if n := r.Resolve("job-1", "second"); n != 0 {
		t.Errorf("second Resolve() = %d, want 0", n)
	}
	got, err := r.Await(context.Background(), h)
	if err != nil || got != "first" {
		t.Errorf("Await() = %q, %v; want first outcome", got, err)
	}
}

func TestResolve_AllHandlesOfID(t *testing.T) {
	t.Parallel()
	r := New[int]()
	a := r.Register("job-1", time.Time{})
	b := r.Register("job-1", time.Time{})
	other := r.Register("job-2", time.Time{})

	if n := r.Resolve("job-1", 7); n != 2 {
		t.Fatalf("Resolve() = %d, want 2", n)
	}
	for _, h := range []*Handle[int]{a, b} {
		if v, err := r.Await(context.Background(), h); err != nil || v != 7 {
			t.Errorf("Await() = %d, %v", v, err)
		}
	}
	if !r.Pending("job-2") {
		t.Error("unrelated handle was settled")
	}
	r.Release(other)
}

func TestAwait_Timeout(t *testing.T) {
	t.Parallel()
	r := New[string]()
	h := r.Register("job-1", time.Now().Add(20*time.Millisecond))

	start := time.Now()
	_, err := r.Await(context.Background(), h)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("Await() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Await() returned after %v, before the deadline", elapsed)
	}
	if r.Pending("job-1") {
		t.Error("timed out handle still registered")
	}

	// A late resolution is dropped without reaching the returned caller.
	if n := r.Resolve("job-1", "late"); n != 0 {
		t.Errorf("late Resolve() = %d, want 0", n)
	}
	if _, err := r.Await(context.Background(), h); !errors.Is(err, apperrors.ErrTimeout) {
		t.Errorf("Await() after late resolve = %v, want ErrTimeout", err)
	}
}

func TestAwait_ContextCancelReleases(t *testing.T) {
	t.Parallel()
	r := New[string]()
	h := r.Register("job-1", time.Now().Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := r.Await(ctx, h)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Await() error = %v, want context.Canceled", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, cancelled await leaked its entry", r.Len())
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()
	r := New[string]()
	h := r.Register("job-1", time.Time{})
	r.Release(h)
	r.Release(h)

	if _, err := r.Await(context.Background(), h); !errors.Is(err, ErrReleased) {
		t.Errorf("Await() = %v, want ErrReleased", err)
	}
	if n := r.Resolve("job-1", "x"); n != 0 {
		t.Errorf("Resolve() after Release = %d", n)
	}
}

func TestRegisterFunc(t *testing.T) {
	t.Parallel()
	r := New[string]()

	var got testutil.Recorder[string]
	r.RegisterFunc("job-1", time.Time{}, func(v string, err error) {
		if err != nil {
			t.Errorf("callback error = %v", err)
		}
		got.Record(v)
	})
	r.Resolve("job-1", "ok")
	r.Resolve("job-1", "again")

	if vals := got.Values(); len(vals) != 1 || vals[0] != "ok" {
		t.Errorf("callback values = %v, want [ok]", vals)
	}
}

func TestExpire(t *testing.T) {
	t.Parallel()
	r := New[string]()
	now := time.Now()

	var timeouts atomic.Int64
	r.RegisterFunc("due", now.Add(-time.Second), func(_ string, err error) {
		if errors.Is(err, apperrors.ErrTimeout) {
			timeouts.Add(1)
		}
	})
	waiting := r.Register("due-too", now)
	r.Register("later", now.Add(time.Hour))
	r.Register("never", time.Time{})

	if n := r.Expire(now); n != 2 {
		t.Fatalf("Expire() = %d, want 2", n)
	}
	if timeouts.Load() != 1 {
		t.Errorf("timeout callbacks = %d, want 1", timeouts.Load())
	}
	if _, err := r.Await(context.Background(), waiting); !errors.Is(err, apperrors.ErrTimeout) {
		t.Errorf("Await() on expired handle = %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRun_Sweeps(t *testing.T) {
	t.Parallel()
	r := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 5*time.Millisecond)

	var fired atomic.Int64
	r.RegisterFunc("job-1", time.Now().Add(10*time.Millisecond), func(string, error) { fired.Add(1) })
	testutil.MustWaitForCount(t, &fired, 1, time.Second)
}

func TestConcurrentTerminalResolutions(t *testing.T) {
	t.Parallel()
	r := New[string]()
	h := r.Register("job-1", time.Now().Add(time.Second))

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, outcome := range []string{"succeeded", "failed", "succeeded"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			delivered.Add(int64(r.Resolve("job-1", outcome)))
		}()
	}
	wg.Wait()

	if delivered.Load() != 1 {
		t.Errorf("resolutions delivered = %d, want exactly 1", delivered.Load())
	}
	if _, err := r.Await(context.Background(), h); err != nil {
		t.Errorf("Await() error = %v", err)
	}
}

func TestAwait_RacingResolveAndDeadline(t *testing.T) {
	t.Parallel()
	r := New[int]()
	for i := range 100 {
		id := fmt.Sprintf("job-%d", i)
		h := r.Register(id, time.Now().Add(time.Millisecond))
		go r.Resolve(id, i)
		v, err := r.Await(context.Background(), h)
		if err == nil && v != i {
			t.Fatalf("Await() = %d, want %d", v, i)
		}
		if err != nil && !errors.Is(err, apperrors.ErrTimeout) {
			t.Fatalf("Await() error = %v", err)
		}
	}
	testutil.MustWaitFor(t, func() bool { return r.Len() == 0 }, time.Second, "registry to drain")
}
