// Package jobqueue defines the delayed job contract used for background
// revalidation, and its backends.
package jobqueue

import (
	"context"
	"time"

	"github.com/domainscope/domainscope/pkg/resource"
)

// Job revalidates one (domain, kind) at RunAt.
type Job struct {
	// ID is the dedupe key. A queue holds at most one pending job per ID.
	ID     string        `json:"id"`
	Domain string        `json:"domain"`
	Kind   resource.Kind `json:"kind"`
	RunAt  time.Time     `json:"run_at"`
}

func NewJob(domain string, kind resource.Kind, runAt time.Time) Job {
	return Job{
		ID:     resource.DedupeKey(domain, kind),
		Domain: domain,
		Kind:   kind,
		RunAt:  runAt,
	}
}

// Queue accepts delayed jobs.
// Sending a job whose ID is already pending replaces the pending one.
// A job sent while the same ID is running becomes that ID's next run.
type Queue interface {
	Send(ctx context.Context, j Job) error
	SendBatch(ctx context.Context, jobs []Job) error
}

// Handler runs one job. A returned error makes the job eligible for a
// retry by the backend.
type Handler func(ctx context.Context, j Job) error
