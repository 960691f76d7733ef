package orchestrator

import (
	"slices"
	"strings"
	"time"

	"omotes/internal/apperrors"
	"omotes/pkg/job"
)

// JobInfo is a snapshot of one job known to the orchestrator.
type JobInfo struct {
	Job      *job.Job  `json:"job"`
	WorkerID string    `json:"workerId,omitempty"`
	Deadline time.Time `json:"deadline,omitzero"`
	Pending  bool      `json:"pending"`
}

// jobRecord is the orchestrator's view of one job. The job field is advanced
// only through job.Apply, so stale worker events never reach the submitter.
type jobRecord struct {
	job        *job.Job
	workerID   string
	deadline   time.Time
	cancelling bool
	finishedAt time.Time
}

func (r *jobRecord) info(pending bool) JobInfo {
	return JobInfo{Job: r.job.Clone(), WorkerID: r.workerID, Deadline: r.deadline, Pending: pending}
}

// jobTable holds job records and the FIFO of jobs waiting for a worker. It
// is not synchronized; the orchestrator lock guards it.
type jobTable struct {
	jobs    map[string]*jobRecord
	pending []string
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]*jobRecord)}
}

// reserve adds a record for j. It fails when the id is already known.
func (t *jobTable) reserve(j *job.Job) (*jobRecord, error) {
	if _, exists := t.jobs[j.ID]; exists {
		return nil, apperrors.Conflict("job", j.ID, "job already exists")
	}
	rec := &jobRecord{job: j}
	t.jobs[j.ID] = rec
	return rec, nil
}

func (t *jobTable) get(id string) (*jobRecord, bool) {
	rec, ok := t.jobs[id]
	return rec, ok
}

func (t *jobTable) enqueue(id string) {
	t.pending = append(t.pending, id)
}

// requeue puts id at the front so that reassigned jobs go first.
func (t *jobTable) requeue(id string) {
	t.pending = slices.Insert(t.pending, 0, id)
}

func (t *jobTable) dequeue(id string) bool {
	i := slices.Index(t.pending, id)
	if i < 0 {
		return false
	}
	t.pending = slices.Delete(t.pending, i, i+1)
	return true
}

func (t *jobTable) isPending(id string) bool {
	return slices.Contains(t.pending, id)
}

// prune forgets jobs that finished before cutoff.
func (t *jobTable) prune(cutoff time.Time) int {
	n := 0
	for id, rec := range t.jobs {
		if !rec.finishedAt.IsZero() && rec.finishedAt.Before(cutoff) {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

func (t *jobTable) snapshot() []JobInfo {
	out := make([]JobInfo, 0, len(t.jobs))
	for id, rec := range t.jobs {
		out = append(out, rec.info(t.isPending(id)))
	}
	slices.SortFunc(out, func(a, b JobInfo) int {
		if c := a.Job.CreatedAt.Compare(b.Job.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Job.ID, b.Job.ID)
	})
	return out
}
