package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/frahmantamala/storefront-payments/internal"
)

type memoryQueue struct {
	waiting   []string
	delayed   map[string]struct{}
	active    map[string]struct{}
	completed []string
	failed    []string
}

// MemoryBroker keeps jobs in process memory. It is meant for tests and single-process runs.
type MemoryBroker struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	queues map[string]*memoryQueue
	now    func() time.Time
	closed bool
}

type MemoryOption func(*MemoryBroker)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) {
		b.now = now
	}
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		jobs:   make(map[string]*Job),
		queues: make(map[string]*memoryQueue),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			delayed: make(map[string]struct{}),
			active:  make(map[string]struct{}),
		}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, exists := b.jobs[job.ID]; exists {
		return ErrDuplicate
	}

	stored := job.clone()
	q := b.queue(stored.Queue)
	if stored.AvailableAt.After(b.now()) {
		stored.State = StateDelayed
		q.delayed[stored.ID] = struct{}{}
	} else {
		stored.State = StateWaiting
		q.waiting = append(q.waiting, stored.ID)
	}
	b.jobs[stored.ID] = stored
	job.State = stored.State
	return nil
}

func (b *MemoryBroker) promoteDue(q *memoryQueue, now time.Time) {
	var due []*Job
	for id := range q.delayed {
		if j := b.jobs[id]; j != nil && !j.AvailableAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].AvailableAt.Before(due[k].AvailableAt) })
	for _, j := range due {
		delete(q.delayed, j.ID)
		j.State = StateWaiting
		q.waiting = append(q.waiting, j.ID)
	}
}

func (b *MemoryBroker) Reserve(ctx context.Context, queue, owner string, lease time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	now := b.now()
	q := b.queue(queue)
	b.promoteDue(q, now)

	for len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		j, ok := b.jobs[id]
		if !ok {
			continue
		}
		j.Attempts++
		j.State = StateActive
		j.Owner = owner
		started := now
		leaseUntil := now.Add(lease)
		j.StartedAt = &started
		j.LeaseUntil = &leaseUntil
		j.FinishedAt = nil
		q.active[id] = struct{}{}
		return j.clone(), nil
	}
	return nil, ErrNoJob
}

func (b *MemoryBroker) owned(job *Job) (*Job, *memoryQueue, error) {
	stored, ok := b.jobs[job.ID]
	if !ok {
		return nil, nil, internal.ErrJobNotFound
	}
	q := b.queue(stored.Queue)
	if _, active := q.active[job.ID]; !active || stored.Owner != job.Owner {
		return nil, nil, ErrLeaseLost
	}
	return stored, q, nil
}

func (b *MemoryBroker) Complete(ctx context.Context, job *Job, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, q, err := b.owned(job)
	if err != nil {
		return err
	}
	now := b.now()
	delete(q.active, stored.ID)
	stored.State = StateCompleted
	stored.Owner = ""
	stored.LeaseUntil = nil
	stored.FinishedAt = &now
	q.completed = b.trim(append(q.completed, stored.ID), keep)
	*job = *stored.clone()
	return nil
}

func (b *MemoryBroker) Fail(ctx context.Context, job *Job, cause string, retryAt *time.Time, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, q, err := b.owned(job)
	if err != nil {
		return err
	}
	delete(q.active, stored.ID)
	stored.LastError = cause
	stored.Owner = ""
	stored.LeaseUntil = nil
	if retryAt != nil {
		stored.State = StateDelayed
		stored.AvailableAt = *retryAt
		q.delayed[stored.ID] = struct{}{}
	} else {
		now := b.now()
		stored.State = StateFailed
		stored.FinishedAt = &now
		q.failed = b.trim(append(q.failed, stored.ID), keep)
	}
	*job = *stored.clone()
	return nil
}

func (b *MemoryBroker) Release(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, q, err := b.owned(job)
	if err != nil {
		return err
	}
	delete(q.active, stored.ID)
	if stored.Attempts > 0 {
		stored.Attempts--
	}
	stored.State = StateWaiting
	stored.Owner = ""
	stored.LeaseUntil = nil
	stored.StartedAt = nil
	q.waiting = append([]string{stored.ID}, q.waiting...)
	return nil
}

func (b *MemoryBroker) ReclaimStalled(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	q := b.queue(queue)
	reclaimed := 0
	for id := range q.active {
		j := b.jobs[id]
		if j == nil || j.LeaseUntil == nil || j.LeaseUntil.After(now) {
			continue
		}
		delete(q.active, id)
		j.Owner = ""
		j.LeaseUntil = nil
		if j.Attempts >= j.MaxAttempts {
			j.State = StateFailed
			j.LastError = stalledLimitMessage
			j.FinishedAt = &now
			q.failed = append(q.failed, id)
		} else {
			j.State = StateWaiting
			q.waiting = append(q.waiting, id)
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (b *MemoryBroker) Get(ctx context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, internal.ErrJobNotFound
	}
	return j.clone(), nil
}

func (b *MemoryBroker) List(ctx context.Context, queue string, state State, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	var ids []string
	switch state {
	case StateWaiting:
		ids = append(ids, q.waiting...)
	case StateDelayed:
		ids = keys(q.delayed)
	case StateActive:
		ids = keys(q.active)
	case StateCompleted:
		ids = reversed(q.completed)
	case StateFailed:
		ids = reversed(q.failed)
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j, ok := b.jobs[id]; ok {
			out = append(out, j.clone())
		}
	}
	return out, nil
}

func (b *MemoryBroker) Retry(ctx context.Context, queue, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	j, ok := b.jobs[id]
	if !ok || j.Queue != queue {
		return internal.ErrJobNotFound
	}
	idx := indexOf(q.failed, id)
	if idx < 0 {
		return ErrNotFailed
	}
	q.failed = append(q.failed[:idx], q.failed[idx+1:]...)
	j.Attempts = 0
	j.State = StateWaiting
	j.AvailableAt = b.now()
	j.FinishedAt = nil
	q.waiting = append(q.waiting, id)
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// trim drops the oldest ids beyond keep and forgets their jobs. keep <= 0 keeps everything.
func (b *MemoryBroker) trim(ids []string, keep int) []string {
	if keep <= 0 || len(ids) <= keep {
		return ids
	}
	drop := len(ids) - keep
	for _, id := range ids[:drop] {
		delete(b.jobs, id)
	}
	return append([]string(nil), ids[drop:]...)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
