package rxminer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// JobSnapshot is everything a worker needs for one generation. It is never
// mutated after it is published.
type JobSnapshot struct {
	Job        *Job
	Generation uint64
	Ranges     []NonceRange
	Published  time.Time
	superseded chan struct{}
}

func (s *JobSnapshot) Range(worker int) NonceRange {
	return s.Ranges[worker%len(s.Ranges)]
}

// Superseded is closed once a newer generation is published.
func (s *JobSnapshot) Superseded() <-chan struct{} {
	return s.superseded
}

// JobRegistry holds the current job. Readers take a single atomic load,
// publishers are serialized so generations are strictly increasing.
type JobRegistry struct {
	workers int
	current atomic.Pointer[JobSnapshot]
	lock    sync.Mutex
}

func NewJobRegistry(workers int) *JobRegistry {
	r := &JobRegistry{workers: workers}
	r.current.Store(&JobSnapshot{superseded: make(chan struct{})})
	return r
}

func (r *JobRegistry) Publish(job *Job) (*JobSnapshot, error) {
	if job == nil {
		return nil, errors.Wrap(ErrInvalidJob, "nil job")
	}
	ranges, err := PartitionNonces(r.workers, job.Extranonce)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidJob, "job %s: %s", job.ID, err)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	previous := r.current.Load()
	next := &JobSnapshot{
		Job:        job,
		Generation: previous.Generation + 1,
		Ranges:     ranges,
		Published:  time.Now(),
		superseded: make(chan struct{}),
	}
	r.current.Store(next)
	close(previous.superseded)
	return next, nil
}

func (r *JobRegistry) Snapshot() *JobSnapshot {
	return r.current.Load()
}

func (r *JobRegistry) Current() (*Job, uint64) {
	snap := r.current.Load()
	return snap.Job, snap.Generation
}

func (r *JobRegistry) Generation() uint64 {
	return r.current.Load().Generation
}

// WaitForJob blocks until a job newer than the given generation exists.
func (r *JobRegistry) WaitForJob(ctx context.Context, after uint64) (*JobSnapshot, error) {
	for {
		snap := r.current.Load()
		if snap.Job != nil && snap.Generation > after {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-snap.superseded:
		}
	}
}
