package orchestrator

import (
	"maps"
	"slices"
	"strings"
	"time"

	"omotes/pkg/protocol"
)

// defaultHeartbeatInterval applies to heartbeats that advertise no interval.
const defaultHeartbeatInterval = 5 * time.Second

// WorkerInfo is a snapshot of one registered worker.
type WorkerInfo struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname,omitempty"`
	WorkflowTypes []string  `json:"workflowTypes"`
	Capacity      int       `json:"capacity"`
	Assigned      []string  `json:"assigned"`
	Reported      []string  `json:"reported"`
	Draining      bool      `json:"draining"`
	LastSeen      time.Time `json:"lastSeen"`
	Alive         bool      `json:"alive"`
}

type workerState struct {
	id            string
	hostname      string
	workflowTypes []string
	capacity      int
	reported      []string
	interval      time.Duration
	draining      bool
	lastSeen      time.Time
	lastAssigned  time.Time
	jobs          map[string]struct{}
}

func (w *workerState) serves(workflowType string) bool {
	return slices.Contains(w.workflowTypes, workflowType)
}

func (w *workerState) free() int {
	return w.capacity - len(w.jobs)
}

// workerRegistry tracks workers by their heartbeats. It is not synchronized;
// the orchestrator lock guards it.
type workerRegistry struct {
	workers           map[string]*workerState
	livenessIntervals int
}

func newWorkerRegistry(livenessIntervals int) *workerRegistry {
	return &workerRegistry{
		workers:           make(map[string]*workerState),
		livenessIntervals: livenessIntervals,
	}
}

// observe records a heartbeat and reports whether the worker is new.
func (r *workerRegistry) observe(hb *protocol.WorkerHeartbeat, now time.Time) (*workerState, bool) {
	w, ok := r.workers[hb.WorkerID]
	if !ok {
		w = &workerState{id: hb.WorkerID, jobs: make(map[string]struct{})}
		r.workers[hb.WorkerID] = w
	}
	w.hostname = hb.Hostname
	w.workflowTypes = slices.Clone(hb.WorkflowTypes)
	w.capacity = max(hb.Capacity, 1)
	w.reported = slices.Clone(hb.ActiveJobs)
	w.interval = hb.Interval()
	if w.interval <= 0 {
		w.interval = defaultHeartbeatInterval
	}
	w.draining = hb.Draining
	w.lastSeen = now
	return w, !ok
}

func (r *workerRegistry) alive(w *workerState, now time.Time) bool {
	return now.Sub(w.lastSeen) <= time.Duration(r.livenessIntervals)*w.interval
}

func (r *workerRegistry) get(id string) (*workerState, bool) {
	w, ok := r.workers[id]
	return w, ok
}

// reap removes dead workers and drained workers without jobs.
func (r *workerRegistry) reap(now time.Time) (dead []*workerState) {
	for id, w := range r.workers {
		switch {
		case !r.alive(w, now):
			dead = append(dead, w)
			delete(r.workers, id)
		case w.draining && len(w.jobs) == 0:
			delete(r.workers, id)
		}
	}
	slices.SortFunc(dead, func(a, b *workerState) int { return strings.Compare(a.id, b.id) })
	return dead
}

// pick returns the least recently assigned live worker that serves
// workflowType and has free capacity.
func (r *workerRegistry) pick(workflowType string, now time.Time) *workerState {
	var best *workerState
	for _, w := range r.workers {
		if w.draining || w.free() <= 0 || !w.serves(workflowType) || !r.alive(w, now) {
			continue
		}
		if best == nil || w.lastAssigned.Before(best.lastAssigned) ||
			(w.lastAssigned.Equal(best.lastAssigned) && w.id < best.id) {
			best = w
		}
	}
	return best
}

func (r *workerRegistry) live(now time.Time) int {
	n := 0
	for _, w := range r.workers {
		if r.alive(w, now) {
			n++
		}
	}
	return n
}

func (r *workerRegistry) snapshot(now time.Time) []WorkerInfo {
	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, WorkerInfo{
			ID:            w.id,
			Hostname:      w.hostname,
			WorkflowTypes: slices.Clone(w.workflowTypes),
			Capacity:      w.capacity,
			Assigned:      slices.Sorted(maps.Keys(w.jobs)),
			Reported:      slices.Clone(w.reported),
			Draining:      w.draining,
			LastSeen:      w.lastSeen,
			Alive:         r.alive(w, now),
		})
	}
	slices.SortFunc(out, func(a, b WorkerInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}
