package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/storefront-payments/internal"
)

type Handler func(ctx context.Context, job *Job) error

// Registry owns the queue policies and the job-type lookup table for the
// process. It is built once at startup and shared by producers and workers.
type Registry struct {
	broker       Broker
	policies     map[string]Policy
	handlers     map[string]map[string]Handler
	logger       *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
	ownerPrefix  string

	mu    sync.Mutex
	pools []*pool
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func NewRegistry(broker Broker, policies map[string]Policy, logger *slog.Logger, opts ...Option) *Registry {
	host, _ := os.Hostname()
	r := &Registry{
		broker:       broker,
		policies:     make(map[string]Policy, len(policies)),
		handlers:     make(map[string]map[string]Handler),
		logger:       logger,
		now:          time.Now,
		pollInterval: 500 * time.Millisecond,
		ownerPrefix:  fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
	for name, p := range policies {
		r.policies[name] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Broker() Broker {
	return r.broker
}

func (r *Registry) Queues() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Policy(queue string) (Policy, bool) {
	p, ok := r.policies[queue]
	return p, ok
}

// Register binds jobType on queue to h. Registration happens before Start.
func (r *Registry) Register(queue, jobType string, h Handler) error {
	if _, ok := r.policies[queue]; !ok {
		return internal.ErrUnknownQueue.WithCause(fmt.Errorf("queue %q", queue))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[queue] == nil {
		r.handlers[queue] = make(map[string]Handler)
	}
	r.handlers[queue][jobType] = h
	return nil
}

func (r *Registry) handler(queue, jobType string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[queue][jobType]
	return h, ok
}

type enqueueOptions struct {
	delay time.Duration
	id    string
}

type EnqueueOption func(*enqueueOptions)

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.id = id
	}
}

// Enqueue stores a new job on queue using the queue's attempt and backoff policy.
func (r *Registry) Enqueue(ctx context.Context, queue, jobType string, payload interface{}, opts ...EnqueueOption) (*Job, error) {
	policy, ok := r.policies[queue]
	if !ok {
		return nil, internal.ErrUnknownQueue.WithCause(fmt.Errorf("queue %q", queue))
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", jobType, err)
		}
		raw = b
	}

	now := r.now()
	job := &Job{
		ID:          o.id,
		Queue:       queue,
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: policy.Attempts,
		Backoff:     policy.Backoff,
		CreatedAt:   now,
		AvailableAt: now.Add(o.delay),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}

	if err := r.broker.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	r.logger.Debug("job enqueued", "queue", queue, "job_type", jobType, "job_id", job.ID)
	return job, nil
}

// RunOnce reserves and executes at most one ready job from queue.
func (r *Registry) RunOnce(ctx context.Context, queue string) (bool, error) {
	policy, ok := r.policies[queue]
	if !ok {
		return false, internal.ErrUnknownQueue
	}
	job, err := r.broker.Reserve(ctx, queue, r.newOwner(queue), policy.LeaseDuration)
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.execute(ctx, job, policy)
	return true, nil
}

func (r *Registry) newOwner(queue string) string {
	return fmt.Sprintf("%s:%s:%s", r.ownerPrefix, queue, uuid.NewString())
}

// execute runs the handler for a reserved job and records the outcome.
func (r *Registry) execute(ctx context.Context, job *Job, policy Policy) {
	logger := r.logger.With("queue", job.Queue, "job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	// outcome bookkeeping must survive handler cancellation
	bctx := context.WithoutCancel(ctx)

	handler, ok := r.handler(job.Queue, job.Type)
	if !ok {
		logger.Error("no handler registered for job type")
		if err := r.broker.Fail(bctx, job, fmt.Sprintf("unknown job type %q", job.Type), nil, policy.RemoveOnFail); err != nil {
			logger.Error("failed to record job failure", "error", err)
		}
		return
	}

	start := r.now()
	err := invoke(ctx, handler, job)
	if err == nil {
		if cerr := r.broker.Complete(bctx, job, policy.RemoveOnComplete); cerr != nil {
			logger.Error("failed to record job completion", "error", cerr)
			return
		}
		logger.Info("job completed", "duration_ms", r.now().Sub(start).Milliseconds())
		return
	}

	if ctx.Err() != nil {
		logger.Warn("job interrupted, returning to queue", "error", err)
		if rerr := r.broker.Release(bctx, job); rerr != nil {
			logger.Error("failed to release job", "error", rerr)
		}
		return
	}

	var retryAt *time.Time
	if job.Attempts < job.MaxAttempts {
		at := r.now().Add(job.Backoff.Next(job.Attempts))
		retryAt = &at
	}
	if ferr := r.broker.Fail(bctx, job, err.Error(), retryAt, policy.RemoveOnFail); ferr != nil {
		logger.Error("failed to record job failure", "error", ferr, "cause", err)
		return
	}
	if retryAt != nil {
		logger.Warn("job failed, retry scheduled", "error", err, "retry_at", *retryAt)
	} else {
		logger.Error("job failed permanently", "error", err, "max_attempts", job.MaxAttempts)
	}
}

func invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h(ctx, job)
}

// Start launches a worker pool and a stalled-job reaper for each named queue,
// or for every configured queue when none are named.
func (r *Registry) Start(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		queues = r.Queues()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range queues {
		policy, ok := r.policies[name]
		if !ok {
			return internal.ErrUnknownQueue.WithCause(fmt.Errorf("queue %q", name))
		}
		p := newPool(ctx, name, policy, r)
		p.start()
		r.pools = append(r.pools, p)
		r.logger.Info("queue workers started", "queue", name, "concurrency", p.concurrency())
	}
	return nil
}

// Shutdown stops reserving new jobs, waits for in-flight jobs until ctx is
// done, then cancels the rest so they are released back to waiting.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	pools := r.pools
	r.pools = nil
	r.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", p.queue, err))
		}
	}
	if err := r.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
