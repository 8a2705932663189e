package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoJob     = errors.New("queue: no job available")
	ErrLeaseLost = errors.New("queue: job lease lost")
	ErrClosed    = errors.New("queue: broker closed")
	ErrNotFailed = errors.New("queue: job is not in the failed state")
	ErrDuplicate = errors.New("queue: job id already exists")
)

const stalledLimitMessage = "job stalled more than allowable limit"

// Broker stores jobs and moves them between states atomically. A reserved job
// belongs to the owner that reserved it until it is completed, failed, released
// or its lease expires and it is reclaimed.
type Broker interface {
	// Enqueue stores a new job. It returns ErrDuplicate when the id is taken.
	Enqueue(ctx context.Context, job *Job) error
	Reserve(ctx context.Context, queue, owner string, lease time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job, keep int) error
	// Fail records cause. A non-nil retryAt delays the job, otherwise it is parked as failed.
	Fail(ctx context.Context, job *Job, cause string, retryAt *time.Time, keep int) error
	// Release hands an unfinished job back to waiting without consuming an attempt.
	Release(ctx context.Context, job *Job) error
	ReclaimStalled(ctx context.Context, queue string) (int, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, queue string, state State, limit int) ([]*Job, error)
	// Retry re-arms a failed job with a fresh attempt budget.
	Retry(ctx context.Context, queue, id string) error
	Close() error
}
