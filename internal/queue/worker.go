package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type worker struct {
	id         int
	workerPool chan chan *Job
	jobChannel chan *Job
	logger     *slog.Logger
}

func newWorker(id int, workerPool chan chan *Job, logger *slog.Logger) *worker {
	return &worker{
		id:         id,
		workerPool: workerPool,
		jobChannel: make(chan *Job),
		logger:     logger,
	}
}

// start announces the worker as idle, then waits for the dispatcher to hand it a job.
func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process func(*Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.workerPool <- w.jobChannel:
			case <-ctx.Done():
				w.logger.Debug("worker shutting down", "worker_id", w.id)
				return
			}

			select {
			case job := <-w.jobChannel:
				w.logger.Debug("worker processing job", "worker_id", w.id, "job_id", job.ID)
				process(job)
			case <-ctx.Done():
				w.logger.Debug("worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

type pool struct {
	queue    string
	policy   Policy
	registry *Registry
	logger   *slog.Logger

	workerPool chan chan *Job

	// ctx stops reserving; jobCtx is what handlers see and is only
	// cancelled when shutdown runs out of time.
	ctx    context.Context
	stop   context.CancelFunc
	jobCtx context.Context
	abort  context.CancelFunc
	wg     sync.WaitGroup
}

func newPool(parent context.Context, queue string, policy Policy, registry *Registry) *pool {
	ctx, stop := context.WithCancel(parent)
	jobCtx, abort := context.WithCancel(context.WithoutCancel(parent))
	p := &pool{
		queue:    queue,
		policy:   policy,
		registry: registry,
		logger:   registry.logger.With("queue", queue),
		ctx:      ctx,
		stop:     stop,
		jobCtx:   jobCtx,
		abort:    abort,
	}
	p.workerPool = make(chan chan *Job, p.concurrency())
	return p
}

func (p *pool) concurrency() int {
	if p.policy.Concurrency <= 0 {
		return 1
	}
	return p.policy.Concurrency
}

func (p *pool) start() {
	for i := 0; i < p.concurrency(); i++ {
		w := newWorker(i, p.workerPool, p.logger)
		w.start(p.ctx, &p.wg, func(job *Job) {
			p.registry.execute(p.jobCtx, job, p.policy)
		})
	}

	p.wg.Add(1)
	go p.dispatch()

	if p.policy.StalledInterval > 0 {
		p.wg.Add(1)
		go p.reap()
	}
}

func (p *pool) dispatch() {
	defer p.wg.Done()

	for {
		var jobChannel chan *Job
		select {
		case jobChannel = <-p.workerPool:
		case <-p.ctx.Done():
			p.logger.Debug("dispatcher shutting down")
			return
		}

		job, ok := p.next()
		if !ok {
			return
		}

		select {
		case jobChannel <- job:
		case <-p.ctx.Done():
			if err := p.registry.broker.Release(context.WithoutCancel(p.ctx), job); err != nil {
				p.logger.Error("failed to release job on shutdown", "job_id", job.ID, "error", err)
			}
			return
		}
	}
}

// next blocks until a job is reserved or the pool stops.
func (p *pool) next() (*Job, bool) {
	ticker := time.NewTicker(p.registry.pollInterval)
	defer ticker.Stop()

	for {
		job, err := p.registry.broker.Reserve(p.ctx, p.queue, p.registry.newOwner(p.queue), p.policy.LeaseDuration)
		if err == nil {
			return job, true
		}
		if !errors.Is(err, ErrNoJob) && p.ctx.Err() == nil {
			p.logger.Error("failed to reserve job", "error", err)
		}

		select {
		case <-ticker.C:
		case <-p.ctx.Done():
			return nil, false
		}
	}
}

func (p *pool) reap() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.policy.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := p.registry.broker.ReclaimStalled(p.ctx, p.queue)
			if err != nil {
				if p.ctx.Err() == nil {
					p.logger.Error("failed to reclaim stalled jobs", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("reclaimed stalled jobs", "count", n)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *pool) shutdown(ctx context.Context) error {
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.abort()
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("shutdown deadline reached, interrupting in-flight jobs")
	p.abort()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return ctx.Err()
	}
}
