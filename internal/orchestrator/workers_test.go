package orchestrator

import (
	"slices"
	"testing"
	"time"

	"omotes/pkg/protocol"
)

func heartbeat(id string, capacity int, types ...string) *protocol.WorkerHeartbeat {
	return &protocol.WorkerHeartbeat{WorkerID: id, WorkflowTypes: types, Capacity: capacity, IntervalMs: 1000}
}

func TestWorkerRegistry_PickLeastRecentlyAssigned(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	r := newWorkerRegistry(2)
	a, _ := r.observe(heartbeat("a", 2, "simulate"), now)
	b, _ := r.observe(heartbeat("b", 2, "simulate"), now)
	r.observe(heartbeat("c", 2, "optimize"), now)

	if got := r.pick("simulate", now); got != a {
		t.Fatalf("first pick = %v, want a (id order on ties)", got.id)
	}
	a.lastAssigned = now
	a.jobs["j1"] = struct{}{}
	if got := r.pick("simulate", now); got != b {
		t.Fatalf("second pick = %v, want b", got.id)
	}
	b.lastAssigned = now.Add(time.Millisecond)
	b.jobs["j2"] = struct{}{}
	if got := r.pick("simulate", now); got != a {
		t.Fatalf("third pick = %v, want a", got.id)
	}
	a.jobs["j3"] = struct{}{}
	if got := r.pick("simulate", now); got != b {
		t.Fatalf("pick with a full = %v, want b", got.id)
	}
	b.jobs["j4"] = struct{}{}
	if got := r.pick("simulate", now); got != nil {
		t.Fatalf("pick with all full = %v, want nil", got.id)
	}
	if got := r.pick("unknown", now); got != nil {
		t.Fatalf("pick for unserved type = %v, want nil", got.id)
	}
}

func TestWorkerRegistry_Liveness(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	r := newWorkerRegistry(2)
	w, isNew := r.observe(heartbeat("a", 1, "simulate"), now)
	if !isNew {
		t.Fatal("first heartbeat not reported as new")
	}
	if _, isNew := r.observe(heartbeat("a", 1, "simulate"), now); isNew {
		t.Fatal("second heartbeat reported as new")
	}

	tests := []struct {
		elapsed time.Duration
		alive   bool
	}{
		{0, true},
		{time.Second, true},
		{2 * time.Second, true},
		{2*time.Second + time.Millisecond, false},
	}
	for _, tt := range tests {
		if got := r.alive(w, now.Add(tt.elapsed)); got != tt.alive {
			t.Errorf("alive after %v = %v, want %v", tt.elapsed, got, tt.alive)
		}
	}
	if got := r.pick("simulate", now.Add(3*time.Second)); got != nil {
		t.Errorf("dead worker picked")
	}

	dead := r.reap(now.Add(3 * time.Second))
	if len(dead) != 1 || dead[0].id != "a" {
		t.Fatalf("reap = %v, want [a]", dead)
	}
	if _, ok := r.get("a"); ok {
		t.Error("dead worker still registered")
	}
}

func TestWorkerRegistry_Draining(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	r := newWorkerRegistry(2)
	hb := heartbeat("a", 1, "simulate")
	hb.Draining = true
	w, _ := r.observe(hb, now)
	w.jobs["j1"] = struct{}{}

	if got := r.pick("simulate", now); got != nil {
		t.Error("draining worker picked")
	}
	if dead := r.reap(now); len(dead) != 0 {
		t.Errorf("reap = %v, want none", dead)
	}
	if _, ok := r.get("a"); !ok {
		t.Fatal("draining worker with jobs removed")
	}
	delete(w.jobs, "j1")
	r.reap(now)
	if _, ok := r.get("a"); ok {
		t.Error("drained worker kept")
	}
}

func TestWorkerRegistry_DefaultInterval(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	r := newWorkerRegistry(2)
	w, _ := r.observe(&protocol.WorkerHeartbeat{WorkerID: "a", WorkflowTypes: []string{"simulate"}}, now)
	if w.interval != defaultHeartbeatInterval || w.capacity != 1 {
		t.Errorf("interval = %v capacity = %d", w.interval, w.capacity)
	}
	if !r.alive(w, now.Add(9*time.Second)) {
		t.Error("worker without advertised interval considered dead early")
	}
}

func TestJobTable_Queue(t *testing.T) {
	t.Parallel()
	tbl := newJobTable()
	tbl.enqueue("a")
	tbl.enqueue("b")
	tbl.requeue("c")
	if want := []string{"c", "a", "b"}; !slices.Equal(tbl.pending, want) {
		t.Fatalf("pending = %v, want %v", tbl.pending, want)
	}
	if !tbl.dequeue("a") || tbl.dequeue("a") {
		t.Error("dequeue did not remove exactly once")
	}
	if tbl.isPending("a") || !tbl.isPending("b") {
		t.Errorf("pending = %v", tbl.pending)
	}
}
