// Package jobstore persists the client-side job records. The lifecycle state
// machine is the only writer; implementations only need to be safe for
// concurrent use.
package jobstore

import (
	"context"

	"omotes/pkg/job"
)

// Store holds job records keyed by job id. Implementations return copies, so
// callers may keep or mutate what they get back.
type Store interface {
	// Create stores a new job. Returns a conflict error if the id is taken.
	Create(ctx context.Context, j *job.Job) error
	// Get returns the job or a not found error.
	Get(ctx context.Context, id string) (*job.Job, error)
	// Update replaces an existing job. Returns a not found error if absent.
	Update(ctx context.Context, j *job.Job) error
	// Delete removes a job. Returns a not found error if absent.
	Delete(ctx context.Context, id string) error
	// List returns every stored job.
	List(ctx context.Context) ([]*job.Job, error)
}
